package lib

import (
	"container/heap"
	"time"
)

// timerKind names the per-connection timers the engine runs.
type timerKind int

const (
	timerRetransmit timerKind = iota
	timerDelayedAck
	timerTimeWait
	timerKeepalive
	timerKindCount
)

func (k timerKind) String() string {
	switch k {
	case timerRetransmit:
		return "retransmit"
	case timerDelayedAck:
		return "delayed-ack"
	case timerTimeWait:
		return "time-wait"
	case timerKeepalive:
		return "keepalive"
	}
	return "unknown"
}

type timerEntry struct {
	at   time.Time
	conn *Connection
	kind timerKind
	gen  uint64
}

type timerHeap []timerEntry

func (h timerHeap) Len() int            { return len(h) }
func (h timerHeap) Less(i, j int) bool  { return h[i].at.Before(h[j].at) }
func (h timerHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *timerHeap) Push(x interface{}) { *h = append(*h, x.(timerEntry)) }
func (h *timerHeap) Pop() interface{} {
	old := *h
	n := len(old)
	entry := old[n-1]
	*h = old[:n-1]
	return entry
}

// timerQueue is a min-heap of pending timer firings. Rescheduling a timer
// replaces the previous deadline: each (connection, kind) pair carries a
// generation counter, a schedule bumps it, and stale heap entries are thrown
// away when they surface. Entries are never removed eagerly, so cancel and
// reschedule are O(1) and expiry stays O(log n).
type timerQueue struct {
	entries timerHeap
}

func newTimerQueue() *timerQueue {
	return &timerQueue{}
}

// schedule (re)arms one timer for conn. Any previously scheduled deadline of
// the same kind is superseded.
func (q *timerQueue) schedule(conn *Connection, kind timerKind, at time.Time) {
	conn.timerGen[kind]++
	conn.timerArmed[kind] = true
	heap.Push(&q.entries, timerEntry{at: at, conn: conn, kind: kind, gen: conn.timerGen[kind]})
}

// cancel disarms one timer for conn.
func (q *timerQueue) cancel(conn *Connection, kind timerKind) {
	conn.timerGen[kind]++
	conn.timerArmed[kind] = false
}

// cancelAll disarms every timer for conn, used when the connection is torn
// down.
func (q *timerQueue) cancelAll(conn *Connection) {
	for k := timerKind(0); k < timerKindCount; k++ {
		conn.timerGen[k]++
		conn.timerArmed[k] = false
	}
}

// armed reports whether a live deadline exists for the timer.
func (q *timerQueue) armed(conn *Connection, kind timerKind) bool {
	return conn.timerArmed[kind]
}

// nextDeadline returns the earliest live deadline, skimming off stale
// entries along the way.
func (q *timerQueue) nextDeadline() (time.Time, bool) {
	for q.entries.Len() > 0 {
		top := q.entries[0]
		if top.gen != top.conn.timerGen[top.kind] {
			heap.Pop(&q.entries)
			continue
		}
		return top.at, true
	}
	return time.Time{}, false
}

// advance fires every timer due at or before now.
func (q *timerQueue) advance(now time.Time, fire func(conn *Connection, kind timerKind)) {
	for q.entries.Len() > 0 {
		top := q.entries[0]
		if top.gen != top.conn.timerGen[top.kind] {
			heap.Pop(&q.entries)
			continue
		}
		if top.at.After(now) {
			return
		}
		heap.Pop(&q.entries)
		// the timer has fired; it stays disarmed unless the handler re-arms it
		top.conn.timerGen[top.kind]++
		top.conn.timerArmed[top.kind] = false
		fire(top.conn, top.kind)
	}
}
