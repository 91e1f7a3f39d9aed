// Package tasksync はサインイン中のユーザーのタスク一覧をリモートストアと同期する。
//
// ローカルの一覧はストアから届く全量スナップショットの写しであり、
// 書き込みはストアへ直接送って次のスナップショットで結果を観測する。
package tasksync

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/hitoshi/todosync/internal/model"
)

// Store はタスクのリモートストア。
type Store interface {
	// Add はタスクを作成し、ストアが割り当てたIDを返す。
	Add(ctx context.Context, ownerID, text string) (string, error)
	SetCompleted(ctx context.Context, taskID string, completed bool) error
	SetText(ctx context.Context, taskID, text string) error
	Delete(ctx context.Context, taskID string) error
	// Watch は所有者のタスク一覧の全量スナップショットを作成日時の降順で流すストリームを開く。
	Watch(ctx context.Context, ownerID string) (SnapshotStream, error)
}

// SnapshotStream は全量スナップショットの列。
// Nextは次のスナップショットが届くまでブロックし、切断時はエラーを返す。
// Closeは複数回呼んでもよく、ブロック中のNextを終了させる。
type SnapshotStream interface {
	Next() ([]model.Task, error)
	Close() error
}

// Snapshot はローカルに反映済みの一覧。Loadedは最初のスナップショット到着後にtrueになる。
type Snapshot struct {
	OwnerID string
	Tasks   []model.Task
	Loaded  bool
}

// Options はSyncの設定。
type Options struct {
	Backoff Backoff
	Logger  *slog.Logger
}

// Sync はタスク一覧の購読と書き込みを扱う。
type Sync struct {
	store   Store
	backoff Backoff
	logger  *slog.Logger

	// followMu はFollowを直列化する。
	followMu sync.Mutex
	// notifyMu はリスナーへの通知順序を保つ。
	notifyMu sync.Mutex

	mu        sync.Mutex
	owner     string
	gen       uint64
	sub       *Subscription
	current   Snapshot
	listeners map[int]func(Snapshot)
	nextID    int
}

// New はSyncを生成する。
func New(store Store, opts Options) *Sync {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Sync{
		store:     store,
		backoff:   opts.Backoff,
		logger:    logger,
		listeners: make(map[int]func(Snapshot)),
	}
}

// Subscription は1人の所有者に対するスナップショットの購読。
// 切断時はバックオフを挟んで再接続し、Closeまで続く。
type Subscription struct {
	ownerID string
	ch      chan []model.Task
	cancel  context.CancelFunc
	done    chan struct{}
	once    sync.Once
}

// C はスナップショットを受け取るチャネルを返す。Close後にクローズされる。
func (s *Subscription) C() <-chan []model.Task {
	return s.ch
}

// OwnerID は購読中の所有者IDを返す。
func (s *Subscription) OwnerID() string {
	return s.ownerID
}

// Close は購読を終了し、内部のgoroutineの終了を待つ。2回目以降の呼び出しは何もしない。
func (s *Subscription) Close() {
	s.once.Do(func() {
		s.cancel()
		<-s.done
	})
}

// Subscribe はownerIDのスナップショット購読を開始する。
func (s *Sync) Subscribe(ownerID string) *Subscription {
	ctx, cancel := context.WithCancel(context.Background())
	sub := &Subscription{
		ownerID: ownerID,
		ch:      make(chan []model.Task),
		cancel:  cancel,
		done:    make(chan struct{}),
	}
	go s.run(ctx, sub)
	return sub
}

func (s *Sync) run(ctx context.Context, sub *Subscription) {
	defer close(sub.done)
	defer close(sub.ch)

	failures := 0
	for {
		stream, err := s.store.Watch(ctx, sub.ownerID)
		if err == nil {
			var received bool
			received, err = pump(ctx, stream, sub.ch)
			if received {
				failures = 0
			}
		}
		if ctx.Err() != nil {
			return
		}

		delay := s.backoff.Delay(failures)
		failures++
		s.logger.Warn("task stream interrupted; reconnecting",
			slog.String("owner_id", sub.ownerID),
			slog.String("error", errString(err)),
			slog.Duration("retry_in", delay),
		)

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

// pump はstreamのスナップショットをchへ送る。1件でも送った場合はreceivedがtrueになる。
func pump(ctx context.Context, stream SnapshotStream, ch chan<- []model.Task) (received bool, err error) {
	stop := context.AfterFunc(ctx, func() { stream.Close() })
	defer func() {
		stop()
		stream.Close()
	}()

	for {
		tasks, err := stream.Next()
		if err != nil {
			return received, err
		}
		received = true
		select {
		case ch <- tasks:
		case <-ctx.Done():
			return received, ctx.Err()
		}
	}
}

// Follow はownerIDの一覧をローカルに反映し続ける。
// 所有者が変わると以前の購読を閉じて開き直し、空文字列では購読を閉じるだけにする。
// 閉じた購読から届いたスナップショットは反映しない。
func (s *Sync) Follow(ownerID string) {
	s.followMu.Lock()
	defer s.followMu.Unlock()

	s.mu.Lock()
	if ownerID == s.owner {
		s.mu.Unlock()
		return
	}
	s.gen++
	gen := s.gen
	old := s.sub
	s.sub = nil
	s.owner = ownerID
	s.current = Snapshot{OwnerID: ownerID}
	s.mu.Unlock()

	if old != nil {
		old.Close()
	}

	s.notify(gen, Snapshot{OwnerID: ownerID})

	if ownerID == "" {
		return
	}

	sub := s.Subscribe(ownerID)
	s.mu.Lock()
	s.sub = sub
	s.mu.Unlock()

	go func() {
		for tasks := range sub.C() {
			s.notify(gen, Snapshot{OwnerID: ownerID, Tasks: tasks, Loaded: true})
		}
	}()
}

// notify はgenが現在の世代と一致する場合のみsnapを反映し、リスナーへ通知する。
func (s *Sync) notify(gen uint64, snap Snapshot) {
	s.notifyMu.Lock()
	defer s.notifyMu.Unlock()

	s.mu.Lock()
	if gen != s.gen {
		s.mu.Unlock()
		return
	}
	s.current = snap
	listeners := make([]func(Snapshot), 0, len(s.listeners))
	for _, fn := range s.listeners {
		listeners = append(listeners, fn)
	}
	s.mu.Unlock()

	for _, fn := range listeners {
		fn(snap)
	}
}

// Close は購読を閉じる。Follow("")と同じ。
func (s *Sync) Close() {
	s.Follow("")
}

// Current は最後に反映した一覧を返す。
func (s *Sync) Current() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap := s.current
	snap.Tasks = append([]model.Task(nil), s.current.Tasks...)
	return snap
}

// Listen は一覧が反映されるたびに呼ばれるfnを登録し、登録解除関数を返す。
func (s *Sync) Listen(fn func(Snapshot)) func() {
	s.mu.Lock()
	id := s.nextID
	s.nextID++
	s.listeners[id] = fn
	s.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			delete(s.listeners, id)
			s.mu.Unlock()
		})
	}
}

// Create はタスクを作成する。本文は前後の空白を除いて送る。
// 作成したタスクが一覧に現れるのは次のスナップショット以降。
func (s *Sync) Create(ctx context.Context, ownerID, text string) (string, error) {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return "", model.NewEmptyTextError()
	}
	if ownerID == "" {
		return "", model.NewPermissionDeniedError()
	}

	id, err := s.store.Add(ctx, ownerID, trimmed)
	if err != nil {
		return "", s.classify("create", err)
	}
	return id, nil
}

// Toggle は完了状態をcurrentCompletedの反対に書き込む。後勝ち。
func (s *Sync) Toggle(ctx context.Context, taskID string, currentCompleted bool) error {
	if err := s.requireOwner(); err != nil {
		return err
	}
	if err := s.store.SetCompleted(ctx, taskID, !currentCompleted); err != nil {
		return s.classify("toggle", err)
	}
	return nil
}

// Update は本文を上書きする。
func (s *Sync) Update(ctx context.Context, taskID, text string) error {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return model.NewEmptyTextError()
	}
	if err := s.requireOwner(); err != nil {
		return err
	}
	if err := s.store.SetText(ctx, taskID, trimmed); err != nil {
		return s.classify("update", err)
	}
	return nil
}

// Remove はタスクを削除する。削除済みのIDでも成功として扱う。
func (s *Sync) Remove(ctx context.Context, taskID string) error {
	if err := s.requireOwner(); err != nil {
		return err
	}
	err := s.store.Delete(ctx, taskID)
	if err == nil || model.HasCode(err, model.ErrCodeTaskNotFound) {
		return nil
	}
	return s.classify("remove", err)
}

func (s *Sync) requireOwner() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.owner == "" {
		return model.NewPermissionDeniedError()
	}
	return nil
}

// classify はストアのエラーを分類済みエラーに揃える。
// 未認証はPERMISSION_DENIED、分類できないものはSTORE_UNAVAILABLEとする。
func (s *Sync) classify(op string, err error) error {
	switch model.CodeOf(err) {
	case model.ErrCodePermissionDenied, model.ErrCodeEmptyText, model.ErrCodeTaskNotFound,
		model.ErrCodeStoreUnavailable, model.ErrCodeInvalidRequest:
		return err
	case model.ErrCodeUnauthorized:
		return model.NewPermissionDeniedError()
	default:
		s.logger.Warn("task write failed",
			slog.String("op", op),
			slog.String("error", err.Error()),
		)
		return model.NewStoreUnavailableError()
	}
}

func errString(err error) string {
	if err == nil {
		return "stream ended"
	}
	return err.Error()
}
