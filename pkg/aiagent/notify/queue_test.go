package notify

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/nidoit/blunux2SB/pkg/aiagent/clock"
)

func TestQueueFIFO(t *testing.T) {
	q := NewQueue(10, nil, nil)
	for i := 0; i < 3; i++ {
		q.Push(Item{Rule: fmt.Sprint(i)})
	}
	if q.Len() != 3 {
		t.Fatalf("Len = %d", q.Len())
	}

	got := q.Drain(2)
	if len(got) != 2 || got[0].Rule != "0" || got[1].Rule != "1" {
		t.Fatalf("Drain(2) = %+v", got)
	}
	if got[0].ID == "" || got[0].Time.IsZero() {
		t.Error("Push did not assign ID and time")
	}
	if rest := q.Drain(0); len(rest) != 1 || rest[0].Rule != "2" {
		t.Fatalf("Drain(0) = %+v", rest)
	}
	if again := q.Drain(0); again != nil {
		t.Errorf("second drain = %+v, want nil", again)
	}
}

func TestQueueOverflowDropsOldest(t *testing.T) {
	q := NewQueue(3, nil, nil)
	for i := 0; i < 5; i++ {
		q.Push(Item{Rule: fmt.Sprint(i)})
	}
	if q.Dropped() != 2 {
		t.Errorf("Dropped = %d, want 2", q.Dropped())
	}
	got := q.Drain(0)
	if len(got) != 3 {
		t.Fatalf("len = %d, want 3", len(got))
	}
	for i, want := range []string{"2", "3", "4"} {
		if got[i].Rule != want {
			t.Errorf("item %d = %s, want %s", i, got[i].Rule, want)
		}
	}
}

func TestQueueConcurrentPush(t *testing.T) {
	q := NewQueue(50, nil, nil)
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 25; j++ {
				q.Push(Item{Body: "x"})
			}
		}()
	}
	wg.Wait()

	if q.Len() != 50 {
		t.Errorf("Len = %d, want 50", q.Len())
	}
	if q.Dropped() != 150 {
		t.Errorf("Dropped = %d, want 150", q.Dropped())
	}
}

func TestQueueStampsFromClock(t *testing.T) {
	now := time.Date(2026, 2, 20, 9, 0, 0, 0, time.UTC)
	preset := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	fc := clock.Fake(now)
	q := NewQueue(10, fc, nil)

	tests := []struct {
		name    string
		advance time.Duration
		in      time.Time
		want    time.Time
	}{
		{"unset", 0, time.Time{}, now},
		{"after advance", time.Hour, time.Time{}, now.Add(time.Hour)},
		{"preset kept", 0, preset, preset},
	}
	for _, tt := range tests {
		fc.Advance(tt.advance)
		q.Push(Item{Rule: tt.name, Time: tt.in})
	}
	got := q.Drain(0)
	if len(got) != len(tests) {
		t.Fatalf("drained %d items, want %d", len(got), len(tests))
	}
	for i, tt := range tests {
		if !got[i].Time.Equal(tt.want) {
			t.Errorf("%s: Time = %v, want %v", tt.name, got[i].Time, tt.want)
		}
	}
}
