// Package todoview はタスク一覧のスナップショットから表示用の値を導出する。
package todoview

import (
	"github.com/hitoshi/todosync/internal/model"
	"github.com/hitoshi/todosync/internal/tasksync"
)

// Item は一覧の1行。
type Item struct {
	Task    model.Task
	Editing bool
}

// View は一覧画面の表示内容。
type View struct {
	Items     []Item
	Pending   int
	Completed int
	Total     int
	// Loading は最初のスナップショットが届いていないことを表す。
	Loading bool
	// Empty は読み込み済みでタスクが1件もないことを表す。
	Empty bool
}

// Build はsnapshotからViewを作る。editingIDに一致する行を編集中とする。
// snapshotは変更しない。
func Build(snapshot tasksync.Snapshot, editingID string) View {
	counts := model.CountTasks(snapshot.Tasks)

	items := make([]Item, len(snapshot.Tasks))
	for i, t := range snapshot.Tasks {
		items[i] = Item{Task: t, Editing: editingID != "" && t.ID == editingID}
	}

	return View{
		Items:     items,
		Pending:   counts.Pending,
		Completed: counts.Completed,
		Total:     len(snapshot.Tasks),
		Loading:   !snapshot.Loaded,
		Empty:     snapshot.Loaded && len(snapshot.Tasks) == 0,
	}
}

// Index はidの行番号を返す。見つからない場合は-1。
func (v View) Index(id string) int {
	for i, item := range v.Items {
		if item.Task.ID == id {
			return i
		}
	}
	return -1
}
