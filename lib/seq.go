package lib

// Sequence number arithmetic. All comparisons are modulo 2^32 so that a
// connection keeps working across the wraparound.

func SeqIncrement(seq uint32) uint32 {
	return seq + 1 // implicit modulo operation included
}

func SeqIncrementBy(seq, inc uint32) uint32 {
	return seq + inc // implicit modulo operation included
}

// SEQ compare functions with SEQ wraparound in mind
func isGreater(seq1, seq2 uint32) bool {
	return int32(seq1-seq2) > 0
}

func isGreaterOrEqual(seq1, seq2 uint32) bool {
	return int32(seq1-seq2) >= 0
}

func isLess(seq1, seq2 uint32) bool {
	return int32(seq1-seq2) < 0
}

func isLessOrEqual(seq1, seq2 uint32) bool {
	return int32(seq1-seq2) <= 0
}

// seqInWindow reports whether seq falls in [start, start+size).
func seqInWindow(seq, start uint32, size uint32) bool {
	return isGreaterOrEqual(seq, start) && isLess(seq, SeqIncrementBy(start, size))
}

// seqRangeOverlap reports whether [aStart, aEnd) overlaps [bStart, bEnd).
func seqRangeOverlap(aStart, aEnd, bStart, bEnd uint32) bool {
	return isLess(aStart, bEnd) && isLess(bStart, aEnd)
}
