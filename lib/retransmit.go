package lib

import (
	"fmt"
	"time"

	rp "github.com/Clouded-Sabre/ringpool/lib"
)

// rtxSegment is one sent-but-unacknowledged segment. Its payload lives in a
// pooled chunk that goes back to the ring pool once the peer's cumulative
// acknowledgment covers seqEnd.
type rtxSegment struct {
	seqStart uint32 // first sequence number the segment occupies
	seqEnd   uint32 // one past the last (SYN and FIN each count one)
	flags    uint8
	chunk    *rp.Element
	sentAt   time.Time
	retries  int
	resent   bool
}

func (s *rtxSegment) payload() []byte {
	if s.chunk == nil {
		return nil
	}
	return s.chunk.Data.(*Payload).GetSlice()
}

// retransmissionQueue keeps the connection's in-flight segments in sequence
// order. The engine retransmits the oldest entry when the timer fires and
// trims from the front on every acceptable acknowledgment.
type retransmissionQueue struct {
	segments []*rtxSegment
	pool     *rp.RingPool
}

func newRetransmissionQueue(pool *rp.RingPool) *retransmissionQueue {
	return &retransmissionQueue{pool: pool}
}

// push records a freshly sent segment. Payload bytes are copied into a
// pooled chunk; control-only segments carry no chunk.
func (q *retransmissionQueue) push(seg *TcpSegment, now time.Time) error {
	entry := &rtxSegment{
		seqStart: seg.SequenceNumber,
		seqEnd:   SeqIncrementBy(seg.SequenceNumber, seg.segLen()),
		flags:    seg.Flags,
		sentAt:   now,
	}
	if len(seg.Payload) > 0 {
		chunk := q.pool.GetElement()
		if chunk == nil {
			return fmt.Errorf("payload pool exhausted")
		}
		if err := chunk.Data.(*Payload).Copy(seg.Payload); err != nil {
			q.pool.ReturnElement(chunk)
			return err
		}
		entry.chunk = chunk
	}
	q.segments = append(q.segments, entry)
	return nil
}

// ack trims every segment fully covered by the cumulative acknowledgment
// ackNum, returning their chunks to the pool. It reports how many sequence
// numbers were newly acknowledged and, when the newest trimmed segment was
// never retransmitted, a round-trip sample for the estimator (Karn's rule:
// retransmitted segments yield no sample).
func (q *retransmissionQueue) ack(ackNum uint32, now time.Time) (ackedBytes uint32, rtt time.Duration, hasRtt bool) {
	for len(q.segments) > 0 {
		s := q.segments[0]
		if isGreater(s.seqEnd, ackNum) {
			break
		}
		ackedBytes += s.seqEnd - s.seqStart
		if !s.resent {
			rtt = now.Sub(s.sentAt)
			hasRtt = true
		}
		if s.chunk != nil {
			q.pool.ReturnElement(s.chunk)
			s.chunk = nil
		}
		q.segments = q.segments[1:]
	}
	return ackedBytes, rtt, hasRtt
}

// oldest returns the front segment, the one a timeout retransmits.
func (q *retransmissionQueue) oldest() *rtxSegment {
	if len(q.segments) == 0 {
		return nil
	}
	return q.segments[0]
}

// markResent stamps the front segment after a retransmission so later
// acknowledgments of it are excluded from round-trip sampling.
func (q *retransmissionQueue) markResent(now time.Time) {
	if len(q.segments) == 0 {
		return
	}
	s := q.segments[0]
	s.resent = true
	s.retries++
	s.sentAt = now
}

func (q *retransmissionQueue) empty() bool {
	return len(q.segments) == 0
}

// bytesInFlight is the sequence space between the oldest unacknowledged
// number and the end of the newest in-flight segment.
func (q *retransmissionQueue) bytesInFlight() uint32 {
	if len(q.segments) == 0 {
		return 0
	}
	return q.segments[len(q.segments)-1].seqEnd - q.segments[0].seqStart
}

// clear releases every chunk, used when the connection dies abruptly.
func (q *retransmissionQueue) clear() {
	for _, s := range q.segments {
		if s.chunk != nil {
			q.pool.ReturnElement(s.chunk)
			s.chunk = nil
		}
	}
	q.segments = nil
}
