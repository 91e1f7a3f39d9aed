package tui

import (
	"context"
	"fmt"
	"strings"
	"unicode/utf8"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/hitoshi/todosync/internal/form"
	"github.com/hitoshi/todosync/internal/guard"
	"github.com/hitoshi/todosync/internal/session"
	"github.com/hitoshi/todosync/internal/tasksync"
	"github.com/hitoshi/todosync/internal/todoview"
)

// SessionActions は認証セッションへの操作。*session.Storeが満たす。
type SessionActions interface {
	Register(ctx context.Context, email, password string) error
	Login(ctx context.Context, email, password string) error
	LoginWithFederatedProvider(ctx context.Context, flow session.Flow) error
	Logout(ctx context.Context) error
}

// TaskActions はタスクの書き込み操作。*tasksync.Syncが満たす。
type TaskActions interface {
	Create(ctx context.Context, ownerID, text string) (string, error)
	Toggle(ctx context.Context, taskID string, currentCompleted bool) error
	Update(ctx context.Context, taskID, text string) error
	Remove(ctx context.Context, taskID string) error
}

// Deps はModelが使う操作と通知チャネル。
type Deps struct {
	Session   SessionActions
	Tasks     TaskActions
	Guard     guard.Options
	Sessions  <-chan session.State
	Snapshots <-chan tasksync.Snapshot
	Errors    <-chan error
}

type sessionMsg struct{ state session.State }

type snapshotMsg struct{ snapshot tasksync.Snapshot }

type connErrMsg struct{ err error }

// authOp は完了を待っている認証操作。
type authOp int

const (
	opLogin authOp = iota
	opRegister
	opGoogleLogin
	opGoogleRegister
)

type authResultMsg struct {
	op  authOp
	err error
}

type taskResultMsg struct{ err error }

// 認証画面の入力欄。
const (
	fieldEmail = iota
	fieldPassword
	fieldConfirm
)

// Model は端末クライアントの画面状態。
type Model struct {
	ctx  context.Context
	deps Deps

	state session.State
	path  string
	// from はサインイン後に戻る元のパス。
	from string
	// afterAuth はサインインの完了を観測したときに遷移するパス。
	afterAuth string

	snapshot tasksync.Snapshot
	cursor   int
	entering bool
	entry    form.Entry
	editor   form.Editor

	email    string
	password string
	confirm  string
	focus    int

	busy         string
	cancelGoogle context.CancelFunc
	message      string
	width        int
}

// NewModel はModelを生成する。最初の画面は一覧。
func NewModel(ctx context.Context, deps Deps) *Model {
	return &Model{
		ctx:   ctx,
		deps:  deps,
		state: session.State{Status: session.Unknown},
		path:  guard.PathHome,
	}
}

func (m *Model) Init() tea.Cmd {
	return tea.Batch(
		waitForSession(m.deps.Sessions),
		waitForSnapshot(m.deps.Snapshots),
		waitForError(m.deps.Errors),
	)
}

func waitForSession(ch <-chan session.State) tea.Cmd {
	if ch == nil {
		return nil
	}
	return func() tea.Msg {
		st, ok := <-ch
		if !ok {
			return nil
		}
		return sessionMsg{state: st}
	}
}

func waitForSnapshot(ch <-chan tasksync.Snapshot) tea.Cmd {
	if ch == nil {
		return nil
	}
	return func() tea.Msg {
		snap, ok := <-ch
		if !ok {
			return nil
		}
		return snapshotMsg{snapshot: snap}
	}
}

func waitForError(ch <-chan error) tea.Cmd {
	if ch == nil {
		return nil
	}
	return func() tea.Msg {
		err, ok := <-ch
		if !ok {
			return nil
		}
		return connErrMsg{err: err}
	}
}

func (m *Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		return m, nil

	case sessionMsg:
		m.applySession(msg.state)
		return m, waitForSession(m.deps.Sessions)

	case snapshotMsg:
		m.applySnapshot(msg.snapshot)
		return m, waitForSnapshot(m.deps.Snapshots)

	case connErrMsg:
		m.message = "Could not reach the server: " + msg.err.Error()
		return m, waitForError(m.deps.Errors)

	case authResultMsg:
		m.finishAuth(msg)
		return m, nil

	case taskResultMsg:
		if msg.err != nil {
			m.message = form.TaskMessage(msg.err)
		}
		return m, nil

	case tea.KeyMsg:
		if msg.Type == tea.KeyCtrlC {
			return m, m.quit()
		}
		switch m.screen() {
		case guard.PathHome:
			return m, m.updateList(msg)
		case guard.PathLogin, guard.PathRegister:
			return m, m.updateAuth(msg)
		}
	}
	return m, nil
}

func (m *Model) quit() tea.Cmd {
	if m.cancelGoogle != nil {
		m.cancelGoogle()
	}
	return tea.Quit
}

// screen はガードの判定後に表示する画面のパスを返す。確認中は空文字列。
func (m *Model) screen() string {
	if guard.Decide(m.state.Status, m.path, m.deps.Guard).Kind != guard.Render {
		return ""
	}
	return m.path
}

// navigate はガードのリダイレクトを解決しながらpathへ遷移する。
func (m *Model) navigate(path string) {
	m.path = path
	for range 3 {
		d := guard.Decide(m.state.Status, m.path, m.deps.Guard)
		if d.Kind != guard.Redirect {
			return
		}
		if d.PreserveOriginal {
			m.from = d.From
		}
		if d.Location != m.path {
			m.clearForms()
		}
		m.path = d.Location
	}
}

func (m *Model) applySession(st session.State) {
	m.state = st
	if st.Status != session.Authenticated {
		m.entering = false
		m.entry = form.Entry{}
		m.editor.Cancel()
	}
	if st.Status == session.Authenticated && m.afterAuth != "" {
		target := m.afterAuth
		m.afterAuth = ""
		m.from = ""
		m.navigate(target)
		return
	}
	m.navigate(m.path)
}

func (m *Model) applySnapshot(snap tasksync.Snapshot) {
	m.snapshot = snap
	view := m.view()
	if id := m.editor.EditingID(); id != "" && view.Index(id) < 0 {
		// 編集中のタスクが別の端末で削除された
		m.editor.Cancel()
	}
	m.clampCursor(len(view.Items))
}

// view は現在の所有者の一覧を返す。別の所有者のスナップショットは読み込み中として扱う。
func (m *Model) view() todoview.View {
	snap := m.snapshot
	if snap.OwnerID != m.state.OwnerID() {
		snap = tasksync.Snapshot{OwnerID: m.state.OwnerID()}
	}
	return todoview.Build(snap, m.editor.EditingID())
}

func (m *Model) clampCursor(n int) {
	if m.cursor >= n {
		m.cursor = n - 1
	}
	if m.cursor < 0 {
		m.cursor = 0
	}
}

func (m *Model) selected() (todoview.Item, bool) {
	view := m.view()
	if m.cursor < 0 || m.cursor >= len(view.Items) {
		return todoview.Item{}, false
	}
	return view.Items[m.cursor], true
}

func (m *Model) updateList(msg tea.KeyMsg) tea.Cmd {
	switch {
	case m.entering:
		return m.updateEntry(msg)
	case m.editor.EditingID() != "":
		return m.updateEditor(msg)
	}

	switch msg.String() {
	case "q":
		return m.quit()
	case "up", "k":
		m.cursor--
		m.clampCursor(len(m.view().Items))
	case "down", "j":
		m.cursor++
		m.clampCursor(len(m.view().Items))
	case "a":
		m.entering = true
		m.message = ""
	case " ":
		if item, ok := m.selected(); ok {
			task := item.Task
			return m.taskCmd(func(ctx context.Context) error {
				return m.deps.Tasks.Toggle(ctx, task.ID, task.Completed)
			})
		}
	case "e":
		if item, ok := m.selected(); ok {
			m.editor.Start(item.Task)
			m.message = ""
		}
	case "d":
		if item, ok := m.selected(); ok {
			id := item.Task.ID
			return m.taskCmd(func(ctx context.Context) error {
				return m.deps.Tasks.Remove(ctx, id)
			})
		}
	case "L":
		m.from = ""
		m.afterAuth = ""
		m.navigate(guard.PathLogin)
		return func() tea.Msg {
			m.deps.Session.Logout(m.ctx)
			return nil
		}
	}
	return nil
}

func (m *Model) updateEntry(msg tea.KeyMsg) tea.Cmd {
	switch msg.Type {
	case tea.KeyEnter:
		if !m.entry.CanSubmit() {
			return nil
		}
		text, err := m.entry.Submit()
		if err != nil {
			m.message = form.TaskMessage(err)
			return nil
		}
		m.entering = false
		owner := m.state.OwnerID()
		return m.taskCmd(func(ctx context.Context) error {
			_, err := m.deps.Tasks.Create(ctx, owner, text)
			return err
		})
	case tea.KeyEsc:
		m.entering = false
		m.entry = form.Entry{}
	default:
		m.entry.Text = edit(m.entry.Text, msg)
	}
	return nil
}

func (m *Model) updateEditor(msg tea.KeyMsg) tea.Cmd {
	switch msg.Type {
	case tea.KeyEnter:
		e, ok, err := m.editor.Key(form.KeyEnter)
		if err != nil {
			m.message = form.TaskMessage(err)
			return nil
		}
		if !ok {
			return nil
		}
		m.message = ""
		return m.taskCmd(func(ctx context.Context) error {
			return m.deps.Tasks.Update(ctx, e.ID, e.Text)
		})
	case tea.KeyEsc:
		m.editor.Key(form.KeyEscape)
		m.message = ""
	default:
		m.editor.SetText(edit(m.editor.Text(), msg))
	}
	return nil
}

func (m *Model) taskCmd(fn func(ctx context.Context) error) tea.Cmd {
	return func() tea.Msg {
		return taskResultMsg{err: fn(m.ctx)}
	}
}

func (m *Model) updateAuth(msg tea.KeyMsg) tea.Cmd {
	if m.busy != "" {
		if msg.Type == tea.KeyEsc && m.cancelGoogle != nil {
			m.cancelGoogle()
		}
		return nil
	}

	register := m.path == guard.PathRegister
	fields := 2
	if register {
		fields = 3
	}

	switch msg.String() {
	case "tab", "down":
		m.focus = (m.focus + 1) % fields
	case "shift+tab", "up":
		m.focus = (m.focus + fields - 1) % fields
	case "ctrl+r":
		if register {
			m.navigate(guard.PathLogin)
		} else {
			m.navigate(guard.PathRegister)
		}
		m.clearForms()
	case "ctrl+g":
		return m.startGoogle(register)
	case "enter":
		return m.submitAuth(register)
	default:
		switch m.focus {
		case fieldEmail:
			m.email = edit(m.email, msg)
		case fieldPassword:
			m.password = edit(m.password, msg)
		case fieldConfirm:
			m.confirm = edit(m.confirm, msg)
		}
	}
	return nil
}

func (m *Model) submitAuth(register bool) tea.Cmd {
	email, password := strings.TrimSpace(m.email), m.password
	if register {
		if err := form.ValidateRegister(email, password, m.confirm); err != nil {
			m.message = form.RegisterMessage(err)
			return nil
		}
		m.busy = "Creating account..."
		m.message = ""
		return func() tea.Msg {
			return authResultMsg{op: opRegister, err: m.deps.Session.Register(m.ctx, email, password)}
		}
	}

	if err := form.ValidateLogin(email, password); err != nil {
		m.message = form.LoginMessage(err)
		return nil
	}
	m.busy = "Signing in..."
	m.message = ""
	return func() tea.Msg {
		return authResultMsg{op: opLogin, err: m.deps.Session.Login(m.ctx, email, password)}
	}
}

func (m *Model) startGoogle(register bool) tea.Cmd {
	op, flow := opGoogleLogin, session.FlowLogin
	if register {
		op, flow = opGoogleRegister, session.FlowRegister
	}

	ctx, cancel := context.WithCancel(m.ctx)
	m.cancelGoogle = cancel
	m.busy = "Waiting for Google sign-in in your browser... (esc to cancel)"
	m.message = ""
	return func() tea.Msg {
		defer cancel()
		return authResultMsg{op: op, err: m.deps.Session.LoginWithFederatedProvider(ctx, flow)}
	}
}

func (m *Model) finishAuth(msg authResultMsg) {
	m.busy = ""
	if m.cancelGoogle != nil {
		m.cancelGoogle()
		m.cancelGoogle = nil
	}

	if msg.err != nil {
		switch msg.op {
		case opLogin:
			m.message = form.LoginMessage(msg.err)
		case opRegister:
			m.message = form.RegisterMessage(msg.err)
		default:
			m.message = form.GoogleMessage(msg.err)
		}
		return
	}

	m.password = ""
	m.confirm = ""
	switch msg.op {
	case opLogin, opGoogleLogin:
		m.afterAuth = guard.ReturnPath(m.from)
	default:
		m.afterAuth = guard.PathHome
	}
	if m.state.Status == session.Authenticated {
		m.applySession(m.state)
	}
}

func (m *Model) clearForms() {
	m.email = ""
	m.password = ""
	m.confirm = ""
	m.focus = fieldEmail
	m.message = ""
}

// edit は1行入力欄にキー入力を反映する。
func edit(text string, msg tea.KeyMsg) string {
	switch msg.Type {
	case tea.KeyRunes:
		return text + string(msg.Runes)
	case tea.KeySpace:
		return text + " "
	case tea.KeyBackspace:
		if text == "" {
			return text
		}
		_, size := utf8.DecodeLastRuneInString(text)
		return text[:len(text)-size]
	}
	return text
}

func (m *Model) View() string {
	var b strings.Builder
	m.writeHeader(&b)

	switch m.screen() {
	case guard.PathHome:
		m.writeList(&b)
	case guard.PathLogin:
		m.writeAuth(&b, false)
	case guard.PathRegister:
		m.writeAuth(&b, true)
	default:
		b.WriteString("Loading...\n")
	}

	if m.message != "" {
		b.WriteString("\n" + errorStyle.Render(m.message) + "\n")
	}
	return b.String()
}

func (m *Model) writeHeader(b *strings.Builder) {
	b.WriteString(titleStyle.Render("todosync"))
	if m.state.Status == session.Authenticated && m.state.Identity != nil {
		b.WriteString("  " + identityStyle.Render(m.state.Identity.Email))
	}
	b.WriteString("\n\n")
}

func (m *Model) writeList(b *strings.Builder) {
	view := m.view()
	switch {
	case view.Loading:
		b.WriteString("Loading...\n")
	case view.Empty:
		b.WriteString(dimStyle.Render("No tasks yet. Press a to add one.") + "\n")
	default:
		for i, item := range view.Items {
			b.WriteString(m.formatItem(i, item) + "\n")
		}
	}

	if m.entering {
		b.WriteString("\nNew task: " + m.entry.Text + "▏\n")
		hint := "enter add · esc cancel"
		if !m.entry.CanSubmit() {
			hint = "type a task · esc cancel"
		}
		b.WriteString(helpStyle.Render(hint) + "\n")
	}

	if !view.Loading {
		b.WriteString(fmt.Sprintf("\n%d pending · %d completed\n", view.Pending, view.Completed))
	}
	b.WriteString("\n" + helpStyle.Render("a add · space toggle · e edit · d delete · L log out · q quit") + "\n")
}

func (m *Model) formatItem(i int, item todoview.Item) string {
	prefix := "  "
	if i == m.cursor && !m.entering {
		prefix = cursorStyle.Render("> ")
	}
	check := "[ ]"
	if item.Task.Completed {
		check = "[x]"
	}

	text := item.Task.Text
	switch {
	case item.Editing:
		text = editingStyle.Render(m.editor.Text()) + "▏  " + helpStyle.Render("enter save · esc discard")
	case item.Task.Completed:
		text = completedStyle.Render(text)
	}
	return fmt.Sprintf("%s%s %s", prefix, check, text)
}

func (m *Model) writeAuth(b *strings.Builder, register bool) {
	title, action, other := "Sign in", "enter sign in", "ctrl+r create account"
	if register {
		title, action, other = "Create account", "enter create account", "ctrl+r sign in"
	}
	b.WriteString(title + "\n\n")

	b.WriteString(m.formatField(fieldEmail, "Email", m.email))
	b.WriteString(m.formatField(fieldPassword, "Password", mask(m.password)))
	if register {
		b.WriteString(m.formatField(fieldConfirm, "Confirm", mask(m.confirm)))
	}

	if m.busy != "" {
		b.WriteString("\n" + busyStyle.Render(m.busy) + "\n")
	}
	b.WriteString("\n" + helpStyle.Render("tab next field · "+action+" · ctrl+g Google · "+other+" · ctrl+c quit") + "\n")
}

func (m *Model) formatField(field int, label, value string) string {
	line := fmt.Sprintf("%-9s %s", label+":", value)
	if field == m.focus {
		return focusStyle.Render("> "+line+"▏") + "\n"
	}
	return "  " + line + "\n"
}

func mask(s string) string {
	return strings.Repeat("•", utf8.RuneCountInString(s))
}
