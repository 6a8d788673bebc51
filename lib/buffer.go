package lib

// oooSegment is one out-of-order payload parked until the gap before it
// fills.
type oooSegment struct {
	seq  uint32
	data []byte
}

// reassemblyBuffer holds payload that arrived ahead of the next expected
// sequence number. Segments go in via insert and come back out of collect in
// sequence order once they become contiguous. Duplicate bytes are dropped so
// each stream byte is delivered at most once no matter how often the wire
// replays it.
type reassemblyBuffer struct {
	segments []oooSegment // sorted by sequence number
	buffered int
	limit    int
}

func newReassemblyBuffer(limit int) *reassemblyBuffer {
	return &reassemblyBuffer{limit: limit}
}

// insert parks a copy of data starting at seq. Segments fully covered by an
// already-buffered one are dropped; a segment that would push the buffer past
// its limit is dropped too (the peer will retransmit once the window reopens).
func (b *reassemblyBuffer) insert(seq uint32, data []byte) {
	if len(data) == 0 {
		return
	}
	end := SeqIncrementBy(seq, uint32(len(data)))

	idx := len(b.segments)
	for i, s := range b.segments {
		sEnd := SeqIncrementBy(s.seq, uint32(len(s.data)))
		if isGreaterOrEqual(seq, s.seq) && isLessOrEqual(end, sEnd) {
			return // fully covered already
		}
		if isLess(seq, s.seq) {
			idx = i
			break
		}
	}

	if b.buffered+len(data) > b.limit {
		return
	}

	seg := oooSegment{seq: seq, data: append([]byte(nil), data...)}
	b.segments = append(b.segments, oooSegment{})
	copy(b.segments[idx+1:], b.segments[idx:])
	b.segments[idx] = seg
	b.buffered += len(data)
}

// collect drains every buffered segment that is now contiguous with rcvNxt,
// trimming bytes the receiver already has, and returns the in-order chunks
// plus the advanced next-expected sequence number.
func (b *reassemblyBuffer) collect(rcvNxt uint32) ([][]byte, uint32) {
	var out [][]byte
	for len(b.segments) > 0 {
		s := b.segments[0]
		sEnd := SeqIncrementBy(s.seq, uint32(len(s.data)))
		if isGreater(s.seq, rcvNxt) {
			break // gap remains
		}
		b.segments = b.segments[1:]
		b.buffered -= len(s.data)
		if isLessOrEqual(sEnd, rcvNxt) {
			continue // entirely old data
		}
		skip := rcvNxt - s.seq // wraparound-correct: s.seq <= rcvNxt < sEnd
		out = append(out, s.data[skip:])
		rcvNxt = sEnd
	}
	return out, rcvNxt
}

// pending reports how many bytes sit parked out of order.
func (b *reassemblyBuffer) pending() int {
	return b.buffered
}

func (b *reassemblyBuffer) reset() {
	b.segments = nil
	b.buffered = 0
}
