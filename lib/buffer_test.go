package lib

import (
	"bytes"
	"testing"
)

func collectAll(b *reassemblyBuffer, nxt uint32) ([]byte, uint32) {
	chunks, newNxt := b.collect(nxt)
	var joined []byte
	for _, c := range chunks {
		joined = append(joined, c...)
	}
	return joined, newNxt
}

func TestReassemblyInOrder(t *testing.T) {
	b := newReassemblyBuffer(1024)
	b.insert(100, []byte("abc"))
	got, nxt := collectAll(b, 100)
	if !bytes.Equal(got, []byte("abc")) || nxt != 103 {
		t.Errorf("collect = (%q, %d), want (abc, 103)", got, nxt)
	}
}

func TestReassemblyFillsGap(t *testing.T) {
	b := newReassemblyBuffer(1024)
	b.insert(103, []byte("def"))
	if got, nxt := collectAll(b, 100); len(got) != 0 || nxt != 100 {
		t.Fatalf("out-of-order data delivered early: (%q, %d)", got, nxt)
	}
	b.insert(100, []byte("abc"))
	got, nxt := collectAll(b, 100)
	if !bytes.Equal(got, []byte("abcdef")) || nxt != 106 {
		t.Errorf("collect = (%q, %d), want (abcdef, 106)", got, nxt)
	}
	if b.pending() != 0 {
		t.Errorf("pending = %d after full drain, want 0", b.pending())
	}
}

func TestReassemblyDropsDuplicates(t *testing.T) {
	b := newReassemblyBuffer(1024)
	b.insert(100, []byte("abc"))
	b.insert(100, []byte("abc")) // exact replay
	got, nxt := collectAll(b, 100)
	if !bytes.Equal(got, []byte("abc")) || nxt != 103 {
		t.Errorf("duplicate insert changed delivery: (%q, %d)", got, nxt)
	}
}

func TestReassemblyTrimsOverlap(t *testing.T) {
	b := newReassemblyBuffer(1024)
	// a retransmission that partially covers already-delivered bytes
	b.insert(98, []byte("xxabc"))
	got, nxt := collectAll(b, 100)
	if !bytes.Equal(got, []byte("abc")) || nxt != 103 {
		t.Errorf("overlap trim: collect = (%q, %d), want (abc, 103)", got, nxt)
	}
}

func TestReassemblyDropsStaleData(t *testing.T) {
	b := newReassemblyBuffer(1024)
	b.insert(50, []byte("old"))
	got, nxt := collectAll(b, 100)
	if len(got) != 0 || nxt != 100 {
		t.Errorf("stale data surfaced: (%q, %d)", got, nxt)
	}
	if b.pending() != 0 {
		t.Errorf("stale data still buffered: pending = %d", b.pending())
	}
}

func TestReassemblyRespectsLimit(t *testing.T) {
	b := newReassemblyBuffer(4)
	b.insert(200, []byte("abcd"))
	b.insert(300, []byte("efgh")) // over the limit, must be dropped
	if b.pending() != 4 {
		t.Errorf("pending = %d, want 4", b.pending())
	}
}

func TestReassemblyAcrossWraparound(t *testing.T) {
	b := newReassemblyBuffer(1024)
	start := uint32(0xfffffffe)
	b.insert(start, []byte("wxyz")) // spans the 2^32 boundary
	got, nxt := collectAll(b, start)
	if !bytes.Equal(got, []byte("wxyz")) || nxt != 2 {
		t.Errorf("collect across wrap = (%q, %d), want (wxyz, 2)", got, nxt)
	}
}
