package lib

import (
	"testing"
	"time"
)

type firing struct {
	conn *Connection
	kind timerKind
}

func TestTimersFireInDeadlineOrder(t *testing.T) {
	q := newTimerQueue()
	a := &Connection{}
	b := &Connection{}
	base := time.Now()

	q.schedule(a, timerRetransmit, base.Add(30*time.Millisecond))
	q.schedule(b, timerDelayedAck, base.Add(10*time.Millisecond))
	q.schedule(a, timerTimeWait, base.Add(20*time.Millisecond))

	var fired []firing
	q.advance(base.Add(time.Second), func(c *Connection, k timerKind) {
		fired = append(fired, firing{c, k})
	})

	want := []firing{{b, timerDelayedAck}, {a, timerTimeWait}, {a, timerRetransmit}}
	if len(fired) != len(want) {
		t.Fatalf("fired %d timers, want %d", len(fired), len(want))
	}
	for i := range want {
		if fired[i] != want[i] {
			t.Errorf("firing %d = {%p %s}, want {%p %s}", i, fired[i].conn, fired[i].kind, want[i].conn, want[i].kind)
		}
	}
}

func TestRescheduleReplacesDeadline(t *testing.T) {
	q := newTimerQueue()
	c := &Connection{}
	base := time.Now()

	q.schedule(c, timerRetransmit, base.Add(10*time.Millisecond))
	q.schedule(c, timerRetransmit, base.Add(50*time.Millisecond))

	count := 0
	q.advance(base.Add(20*time.Millisecond), func(*Connection, timerKind) { count++ })
	if count != 0 {
		t.Fatalf("superseded deadline fired %d times", count)
	}
	q.advance(base.Add(time.Second), func(*Connection, timerKind) { count++ })
	if count != 1 {
		t.Errorf("fired %d times in total, want exactly 1", count)
	}
}

func TestCancelSuppressesFiring(t *testing.T) {
	q := newTimerQueue()
	c := &Connection{}
	base := time.Now()

	q.schedule(c, timerDelayedAck, base.Add(5*time.Millisecond))
	if !q.armed(c, timerDelayedAck) {
		t.Fatal("timer not armed after schedule")
	}
	q.cancel(c, timerDelayedAck)
	if q.armed(c, timerDelayedAck) {
		t.Fatal("timer still armed after cancel")
	}

	count := 0
	q.advance(base.Add(time.Second), func(*Connection, timerKind) { count++ })
	if count != 0 {
		t.Errorf("cancelled timer fired %d times", count)
	}
}

func TestCancelAllOnTeardown(t *testing.T) {
	q := newTimerQueue()
	c := &Connection{}
	survivor := &Connection{}
	base := time.Now()

	q.schedule(c, timerRetransmit, base.Add(time.Millisecond))
	q.schedule(c, timerKeepalive, base.Add(time.Millisecond))
	q.schedule(survivor, timerRetransmit, base.Add(time.Millisecond))
	q.cancelAll(c)

	var fired []firing
	q.advance(base.Add(time.Second), func(conn *Connection, k timerKind) {
		fired = append(fired, firing{conn, k})
	})
	if len(fired) != 1 || fired[0].conn != survivor {
		t.Errorf("fired = %v, want only the surviving connection's timer", fired)
	}
}

func TestNextDeadlineSkipsStaleEntries(t *testing.T) {
	q := newTimerQueue()
	c := &Connection{}
	base := time.Now()

	q.schedule(c, timerRetransmit, base.Add(10*time.Millisecond))
	q.schedule(c, timerRetransmit, base.Add(40*time.Millisecond))

	deadline, ok := q.nextDeadline()
	if !ok {
		t.Fatal("no deadline reported")
	}
	if deadline != base.Add(40*time.Millisecond) {
		t.Errorf("deadline = %v, want the rescheduled one %v", deadline, base.Add(40*time.Millisecond))
	}

	q.cancel(c, timerRetransmit)
	if _, ok := q.nextDeadline(); ok {
		t.Error("deadline reported after every timer was cancelled")
	}
}

func TestFiringDisarmsTimer(t *testing.T) {
	q := newTimerQueue()
	c := &Connection{}
	base := time.Now()

	q.schedule(c, timerRetransmit, base.Add(time.Millisecond))
	q.advance(base.Add(time.Second), func(*Connection, timerKind) {})
	if q.armed(c, timerRetransmit) {
		t.Error("timer still armed after it fired")
	}
}
