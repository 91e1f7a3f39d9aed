// Package realtime は所有者単位のタスク変更通知と、それを購読するスナップショット配信を提供する。
package realtime

import (
	"context"
	"errors"
	"sync"
)

// ErrClosed はクローズ済みのBusに対する操作で返される。
var ErrClosed = errors.New("realtime: bus closed")

// Bus は所有者単位の変更通知を配送する。
// 通知は中身を持たず、連続した通知は1件にまとめられることがある。
type Bus interface {
	// Publish は所有者のタスクが変更されたことを通知する。
	Publish(ctx context.Context, ownerID string) error
	// Subscribe は所有者の変更通知チャネルを返す。
	// 返却時点で購読は確立済みであり、以降のPublishは必ず観測される。
	// cancelまたはctxの終了で購読を解除し、チャネルをクローズする。
	Subscribe(ctx context.Context, ownerID string) (<-chan struct{}, func(), error)
	Close() error
}

// subscriber は1つの購読を表す。chはバッファ1で、未読の通知は合流する。
type subscriber struct {
	ch chan struct{}
}

// hub はプロセス内の購読者への配送を管理する。各Bus実装が共通で使用する。
type hub struct {
	mu     sync.Mutex
	subs   map[string]map[*subscriber]struct{}
	closed bool
}

func newHub() *hub {
	return &hub{subs: make(map[string]map[*subscriber]struct{})}
}

func (h *hub) add(ownerID string) (*subscriber, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return nil, ErrClosed
	}
	s := &subscriber{ch: make(chan struct{}, 1)}
	set, ok := h.subs[ownerID]
	if !ok {
		set = make(map[*subscriber]struct{})
		h.subs[ownerID] = set
	}
	set[s] = struct{}{}
	return s, nil
}

// remove は購読を解除しチャネルをクローズする。2回目以降の呼び出しは何もしない。
func (h *hub) remove(ownerID string, s *subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()

	set, ok := h.subs[ownerID]
	if !ok {
		return
	}
	if _, ok := set[s]; !ok {
		return
	}
	delete(set, s)
	if len(set) == 0 {
		delete(h.subs, ownerID)
	}
	close(s.ch)
}

func (h *hub) notify(ownerID string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for s := range h.subs[ownerID] {
		signal(s.ch)
	}
}

// notifyAll は全購読者に通知する。再接続で通知を取りこぼした可能性がある場合に使う。
func (h *hub) notifyAll() {
	h.mu.Lock()
	defer h.mu.Unlock()

	for _, set := range h.subs {
		for s := range set {
			signal(s.ch)
		}
	}
}

func (h *hub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return
	}
	h.closed = true
	for owner, set := range h.subs {
		for s := range set {
			close(s.ch)
		}
		delete(h.subs, owner)
	}
}

// subscribe は購読を登録し、ctx終了時にも解除されるcancel関数を返す。
func (h *hub) subscribe(ctx context.Context, ownerID string, onCancel func()) (<-chan struct{}, func(), error) {
	s, err := h.add(ownerID)
	if err != nil {
		return nil, nil, err
	}

	done := make(chan struct{})
	var once sync.Once
	cancel := func() {
		once.Do(func() {
			close(done)
			h.remove(ownerID, s)
			if onCancel != nil {
				onCancel()
			}
		})
	}

	go func() {
		select {
		case <-ctx.Done():
			cancel()
		case <-done:
		}
	}()

	return s.ch, cancel, nil
}

// signal はチャネルへ非ブロッキングで通知する。未読の通知があれば合流させる。
func signal(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}

// MemoryBus は単一プロセス内で完結するBus。
type MemoryBus struct {
	hub *hub
}

// NewMemoryBus はMemoryBusを生成する。
func NewMemoryBus() *MemoryBus {
	return &MemoryBus{hub: newHub()}
}

// Publish は同一プロセス内の購読者へ通知する。
func (b *MemoryBus) Publish(_ context.Context, ownerID string) error {
	b.hub.notify(ownerID)
	return nil
}

// Subscribe は所有者の変更通知を購読する。
func (b *MemoryBus) Subscribe(ctx context.Context, ownerID string) (<-chan struct{}, func(), error) {
	return b.hub.subscribe(ctx, ownerID, nil)
}

// Close は全購読をクローズする。
func (b *MemoryBus) Close() error {
	b.hub.closeAll()
	return nil
}

// compile-time interface check
var _ Bus = (*MemoryBus)(nil)
