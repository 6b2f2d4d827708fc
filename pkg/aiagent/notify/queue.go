// Package notify holds pending automation results until the relay polls
// for them.
package notify

import (
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nidoit/blunux2SB/pkg/aiagent/clock"
)

// Item is one pending notification.
type Item struct {
	ID     string    `json:"id"`
	Rule   string    `json:"rule"`
	To     string    `json:"to"`
	Body   string    `json:"body"`
	Time   time.Time `json:"time"`
	Failed bool      `json:"failed,omitempty"`
}

// Queue is a bounded FIFO. When full, Push discards the oldest item.
type Queue struct {
	mu      sync.Mutex
	items   []Item
	cap     int
	dropped uint64
	clock   clock.Clock
	logger  *slog.Logger
}

// NewQueue creates a queue holding at most capacity items. Items are
// stamped from clk, which defaults to the wall clock.
func NewQueue(capacity int, clk clock.Clock, logger *slog.Logger) *Queue {
	if capacity <= 0 {
		capacity = 100
	}
	if clk == nil {
		clk = clock.Real()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Queue{
		items:  make([]Item, 0, capacity),
		cap:    capacity,
		clock:  clk,
		logger: logger.With("component", "notify"),
	}
}

// Push enqueues it, assigning an ID and time when unset. It never blocks.
func (q *Queue) Push(it Item) {
	if it.ID == "" {
		it.ID = uuid.NewString()
	}
	if it.Time.IsZero() {
		it.Time = q.clock.Now()
	}

	q.mu.Lock()
	var evicted *Item
	if len(q.items) >= q.cap {
		old := q.items[0]
		evicted = &old
		q.items = append(q.items[:0], q.items[1:]...)
		q.dropped++
	}
	q.items = append(q.items, it)
	dropped := q.dropped
	q.mu.Unlock()

	if evicted != nil {
		q.logger.Warn("notification queue full, dropped oldest",
			"dropped_rule", evicted.Rule, "dropped_total", dropped)
	}
}

// Drain removes and returns up to max items in FIFO order. max <= 0
// drains everything.
func (q *Queue) Drain(max int) []Item {
	q.mu.Lock()
	defer q.mu.Unlock()

	n := len(q.items)
	if max > 0 && max < n {
		n = max
	}
	if n == 0 {
		return nil
	}
	out := make([]Item, n)
	copy(out, q.items[:n])
	q.items = append(q.items[:0], q.items[n:]...)
	return out
}

// Len returns the number of pending items.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Dropped returns how many items were discarded on overflow.
func (q *Queue) Dropped() uint64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.dropped
}
