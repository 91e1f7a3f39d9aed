// Package form は新規タスク入力、インライン編集、認証フォームの入力状態と検証を扱う。
package form

import (
	"errors"
	"strings"

	"github.com/hitoshi/todosync/internal/model"
)

// ErrNotEditing は編集中のタスクがない状態で確定しようとしたことを表す。
var ErrNotEditing = errors.New("no task is being edited")

// Entry は新規タスクの入力欄。
type Entry struct {
	Text string
}

// CanSubmit は送信可能か（空白を除いて1文字以上あるか）を返す。
func (e *Entry) CanSubmit() bool {
	return strings.TrimSpace(e.Text) != ""
}

// Submit は前後の空白を除いた本文を返し、入力欄を空にする。
// 空の場合はEMPTY_TEXTを返し、入力欄はそのまま残す。
func (e *Entry) Submit() (string, error) {
	text := strings.TrimSpace(e.Text)
	if text == "" {
		return "", model.NewEmptyTextError()
	}
	e.Text = ""
	return text, nil
}

// Key は編集中に受け付けるキー。
type Key int

const (
	KeyEnter Key = iota
	KeyEscape
)

// Edit は確定した編集内容。
type Edit struct {
	ID   string
	Text string
}

// Editor はインライン編集の状態。編集できるタスクは同時に1件だけ。
type Editor struct {
	id       string
	text     string
	original string
}

// Start はtaskの編集を開始する。別のタスクを編集中だった場合、その未保存の変更は破棄される。
func (e *Editor) Start(task model.Task) {
	e.id = task.ID
	e.text = task.Text
	e.original = task.Text
}

// EditingID は編集中のタスクIDを返す。編集中でなければ空文字列。
func (e *Editor) EditingID() string {
	return e.id
}

// Text は編集中の本文を返す。
func (e *Editor) Text() string {
	return e.text
}

// SetText は編集中の本文を置き換える。編集中でなければ何もしない。
func (e *Editor) SetText(text string) {
	if e.id == "" {
		return
	}
	e.text = text
}

// Commit は編集内容を検証して確定する。
// 空の場合はEMPTY_TEXTを返して編集を続ける。成功時は編集状態を解除する。
func (e *Editor) Commit() (Edit, error) {
	if e.id == "" {
		return Edit{}, ErrNotEditing
	}
	text := strings.TrimSpace(e.text)
	if text == "" {
		return Edit{}, model.NewEmptyTextError()
	}
	edit := Edit{ID: e.id, Text: text}
	e.reset()
	return edit, nil
}

// Cancel は編集を破棄し、編集前の本文を返す。
func (e *Editor) Cancel() string {
	original := e.original
	e.reset()
	return original
}

// Key はキー入力を処理する。Enterは確定、Escapeは破棄。
// 書き込むべき編集がある場合のみokがtrueになる。
func (e *Editor) Key(k Key) (edit Edit, ok bool, err error) {
	switch k {
	case KeyEnter:
		edit, err = e.Commit()
		if err != nil {
			return Edit{}, false, err
		}
		return edit, true, nil
	case KeyEscape:
		e.Cancel()
	}
	return Edit{}, false, nil
}

func (e *Editor) reset() {
	e.id = ""
	e.text = ""
	e.original = ""
}
