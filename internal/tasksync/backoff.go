package tasksync

import "time"

const (
	// DefaultInitialBackoff は再接続の初回待ち時間。
	DefaultInitialBackoff = 500 * time.Millisecond
	// DefaultMaxBackoff は再接続の最大待ち時間。
	DefaultMaxBackoff = 30 * time.Second
)

// Backoff は購読の再接続間隔を計算する。
type Backoff struct {
	Initial time.Duration
	Max     time.Duration
}

// Delay は連続失敗回数に基づいて指数バックオフ遅延を計算する。
// 初回Initial、2倍ずつ増加、最大Max。
func (b Backoff) Delay(consecutiveFailures int) time.Duration {
	initial, max := b.Initial, b.Max
	if initial <= 0 {
		initial = DefaultInitialBackoff
	}
	if max <= 0 {
		max = DefaultMaxBackoff
	}
	if max < initial {
		max = initial
	}

	delay := initial
	for i := 0; i < consecutiveFailures; i++ {
		delay *= 2
		if delay > max {
			return max
		}
	}
	return delay
}
