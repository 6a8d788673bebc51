package lib

import (
	"bytes"
	"testing"
)

func TestMemDevicePairDelivers(t *testing.T) {
	a, b := NewMemDevicePair(8)
	if err := a.Send([]byte("ping")); err != nil {
		t.Fatalf("Send: %v", err)
	}
	got, ok := b.TryReceive()
	if !ok || !bytes.Equal(got, []byte("ping")) {
		t.Errorf("TryReceive = (%q, %v), want (ping, true)", got, ok)
	}
	if _, ok := b.TryReceive(); ok {
		t.Error("TryReceive returned a datagram from an empty queue")
	}
	if _, ok := a.TryReceive(); ok {
		t.Error("datagram echoed back to the sender")
	}
}

func TestMemDeviceMangleDrops(t *testing.T) {
	a, b := NewMemDevicePair(8)
	a.SetMangle(func(datagram []byte) [][]byte { return nil })
	if err := a.Send([]byte("lost")); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if _, ok := b.TryReceive(); ok {
		t.Error("dropped datagram was delivered")
	}
}

func TestMemDeviceMangleDuplicates(t *testing.T) {
	a, b := NewMemDevicePair(8)
	a.SetMangle(func(datagram []byte) [][]byte {
		return [][]byte{datagram, append([]byte(nil), datagram...)}
	})
	if err := a.Send([]byte("twice")); err != nil {
		t.Fatalf("Send: %v", err)
	}
	for i := 0; i < 2; i++ {
		got, ok := b.TryReceive()
		if !ok || !bytes.Equal(got, []byte("twice")) {
			t.Errorf("copy %d: TryReceive = (%q, %v)", i, got, ok)
		}
	}
}

func TestMemDeviceSendCopiesPayload(t *testing.T) {
	a, b := NewMemDevicePair(8)
	datagram := []byte("mutate me")
	if err := a.Send(datagram); err != nil {
		t.Fatal(err)
	}
	datagram[0] = 'X' // sender reuses its buffer; the copy must not change
	got, _ := b.TryReceive()
	if !bytes.Equal(got, []byte("mutate me")) {
		t.Errorf("delivered datagram aliased the sender's buffer: %q", got)
	}
}

func TestMemDeviceCloseStopsDelivery(t *testing.T) {
	a, b := NewMemDevicePair(8)
	if err := b.Close(); err != nil {
		t.Fatal(err)
	}
	if err := a.Send([]byte("late")); err != nil {
		t.Fatalf("Send after peer close: %v", err)
	}
	if _, ok := b.TryReceive(); ok {
		t.Error("closed device still received a datagram")
	}
}
