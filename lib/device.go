package lib

import (
	"fmt"
	"log"
	"sync"

	"golang.org/x/sys/unix"
)

// DeviceAdapter is the seam between the stack and the virtual interface. The
// interface is handed over already open and already addressed; the adapter
// never creates, configures, or re-addresses it.
//
// TryReceive must never block: it returns the next raw IP datagram or false.
// Send is best-effort. A failed send is logged and the datagram dropped; the
// transport's own retransmission covers the loss.
type DeviceAdapter interface {
	TryReceive() ([]byte, bool)
	Send(datagram []byte) error
	Close() error
}

// TunDevice adapts an already-open layer-3 tun file descriptor. The kernel
// prefixes every frame with 4 bytes of packet information (flags + ethertype)
// unless the device was opened with IFF_NO_PI; hasPI selects whether that
// prefix is stripped on receive and prepended on send.
type TunDevice struct {
	fd    int
	name  string
	mtu   int
	hasPI bool
	rbuf  []byte
	wbuf  []byte
}

// NewTunDevice wraps fd. The fd is put into non-blocking mode so the engine
// loop's TryReceive never stalls behind an empty queue.
func NewTunDevice(fd int, name string, mtu int, hasPI bool) (*TunDevice, error) {
	if err := unix.SetNonblock(fd, true); err != nil {
		return nil, fmt.Errorf("setting %s non-blocking: %w", name, err)
	}
	return &TunDevice{
		fd:    fd,
		name:  name,
		mtu:   mtu,
		hasPI: hasPI,
		rbuf:  make([]byte, mtu+TunPIHeaderLength),
		wbuf:  make([]byte, mtu+TunPIHeaderLength),
	}, nil
}

func (d *TunDevice) Name() string { return d.name }
func (d *TunDevice) MTU() int     { return d.mtu }

// TryReceive reads one raw IP datagram if the kernel has one queued.
// The returned slice is only valid until the next TryReceive call.
func (d *TunDevice) TryReceive() ([]byte, bool) {
	n, err := unix.Read(d.fd, d.rbuf)
	if err != nil {
		if err == unix.EAGAIN || err == unix.EWOULDBLOCK || err == unix.EINTR {
			return nil, false
		}
		log.Println("TunDevice read error:", err)
		return nil, false
	}
	offset := 0
	if d.hasPI {
		offset = TunPIHeaderLength
	}
	if n <= offset {
		return nil, false
	}
	return d.rbuf[offset:n], true
}

// Send writes one raw IP datagram to the interface.
func (d *TunDevice) Send(datagram []byte) error {
	frame := datagram
	if d.hasPI {
		if len(datagram)+TunPIHeaderLength > len(d.wbuf) {
			return fmt.Errorf("datagram of %d bytes exceeds device MTU %d", len(datagram), d.mtu)
		}
		// flags 0, proto 0x0800 (IPv4), both big-endian per the kernel's
		// tuntap frame format note
		d.wbuf[0], d.wbuf[1] = 0, 0
		d.wbuf[2], d.wbuf[3] = 0x08, 0x00
		copy(d.wbuf[TunPIHeaderLength:], datagram)
		frame = d.wbuf[:TunPIHeaderLength+len(datagram)]
	}
	if _, err := unix.Write(d.fd, frame); err != nil {
		return fmt.Errorf("writing to %s: %w", d.name, err)
	}
	return nil
}

func (d *TunDevice) Close() error {
	return unix.Close(d.fd)
}

// memDevice is the in-memory adapter used by the tests: two of them joined
// by NewMemDevicePair behave like a point-to-point link. A Mangle hook can
// drop, delay, reorder, or duplicate datagrams to simulate a lossy channel.
type memDevice struct {
	mu     sync.Mutex
	in     chan []byte
	peer   *memDevice
	closed bool

	// Mangle, if set, is called with every outgoing datagram. It returns
	// the copies to actually deliver: nil drops, one entry passes through,
	// several entries duplicate.
	Mangle func(datagram []byte) [][]byte
}

// NewMemDevicePair returns two connected in-memory device adapters.
func NewMemDevicePair(queueLen int) (*memDevice, *memDevice) {
	a := &memDevice{in: make(chan []byte, queueLen)}
	b := &memDevice{in: make(chan []byte, queueLen)}
	a.peer = b
	b.peer = a
	return a, b
}

func (d *memDevice) TryReceive() ([]byte, bool) {
	select {
	case datagram, ok := <-d.in:
		if !ok {
			return nil, false
		}
		return datagram, true
	default:
		return nil, false
	}
}

func (d *memDevice) Send(datagram []byte) error {
	d.mu.Lock()
	mangle := d.Mangle
	d.mu.Unlock()

	copies := [][]byte{append([]byte(nil), datagram...)}
	if mangle != nil {
		copies = mangle(copies[0])
	}
	for _, c := range copies {
		d.peer.deliver(c)
	}
	return nil
}

func (d *memDevice) deliver(datagram []byte) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return
	}
	select {
	case d.in <- datagram:
	default:
		// queue overflow behaves like any other link: the datagram is lost
		log.Println("memDevice queue full, dropping datagram")
	}
}

// SetMangle installs the outgoing-datagram hook.
func (d *memDevice) SetMangle(f func([]byte) [][]byte) {
	d.mu.Lock()
	d.Mangle = f
	d.mu.Unlock()
}

func (d *memDevice) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.closed = true
	return nil
}
