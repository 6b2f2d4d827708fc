package clock

import (
	"testing"
	"time"
)

func TestFakeClockAfterFiresOnAdvance(t *testing.T) {
	start := time.Date(2026, 1, 5, 8, 59, 30, 0, time.UTC)
	c := Fake(start)

	ch := c.After(30 * time.Second)
	select {
	case <-ch:
		t.Fatal("fired before advance")
	default:
	}

	c.Advance(29 * time.Second)
	select {
	case <-ch:
		t.Fatal("fired before deadline")
	default:
	}

	c.Advance(time.Second)
	select {
	case got := <-ch:
		want := start.Add(30 * time.Second)
		if !got.Equal(want) {
			t.Errorf("fired at %v, want %v", got, want)
		}
	default:
		t.Fatal("did not fire at deadline")
	}
	if c.PendingCount() != 0 {
		t.Errorf("pending = %d, want 0", c.PendingCount())
	}
}

func TestFakeClockWaitForTimers(t *testing.T) {
	c := Fake(time.Unix(0, 0))
	done := make(chan struct{})
	go func() {
		<-c.After(time.Minute)
		close(done)
	}()

	c.WaitForTimers(1)
	c.Advance(time.Minute)

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("waiter never released")
	}
}

func TestFakeClockSetIgnoresPast(t *testing.T) {
	start := time.Unix(1000, 0)
	c := Fake(start)
	c.Set(start.Add(-time.Hour))
	if !c.Now().Equal(start) {
		t.Errorf("Now = %v, want %v", c.Now(), start)
	}
}
