package healthcheck

import "sync"

const subscriberBuffer = 64

// Board keeps the latest snapshot and fans snapshots out to subscribers.
// Observe is meant to be the single writer; any goroutine may read.
type Board struct {
	mu      sync.Mutex
	current Snapshot
	has     bool
	subs    map[chan Snapshot]struct{}
}

// NewBoard creates an empty board.
func NewBoard() *Board {
	return &Board{subs: make(map[chan Snapshot]struct{})}
}

// Observe publishes s. It never blocks: a subscriber that falls behind loses
// its oldest pending snapshot.
func (b *Board) Observe(s Snapshot) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.current = s
	b.has = true
	for ch := range b.subs {
		select {
		case ch <- s:
			continue
		default:
		}
		select {
		case <-ch:
		default:
		}
		select {
		case ch <- s:
		default:
		}
	}
}

// Current returns the most recent snapshot, if any run has published.
func (b *Board) Current() (Snapshot, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.current, b.has
}

// Subscribe returns a channel of future snapshots and a func to stop receiving.
// The channel is closed by the returned func.
func (b *Board) Subscribe() (<-chan Snapshot, func()) {
	ch := make(chan Snapshot, subscriberBuffer)
	b.mu.Lock()
	b.subs[ch] = struct{}{}
	b.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, ch)
			b.mu.Unlock()
			close(ch)
		})
	}
}

// Subscribers returns the number of live subscriptions.
func (b *Board) Subscribers() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}
