package lib

import (
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/smallnest/ringbuffer"
)

// connectionParams is the four-tuple identifying a connection.
type connectionParams struct {
	localAddr  net.IP
	remoteAddr net.IP
	localPort  uint16
	remotePort uint16
}

func (p *connectionParams) key() string {
	return fmt.Sprintf("%s:%d-%s:%d", p.localAddr, p.localPort, p.remoteAddr, p.remotePort)
}

// sendSequenceSpace tracks the sending side per RFC 793 section 3.2.
type sendSequenceSpace struct {
	una uint32 // oldest unacknowledged sequence number
	nxt uint32 // next sequence number to send
	wnd uint32 // peer's advertised receive window
	iss uint32 // initial send sequence number
}

// recvSequenceSpace tracks the receiving side.
type recvSequenceSpace struct {
	nxt uint32 // next sequence number expected
	wnd uint32 // our advertised receive window
	irs uint32 // peer's initial sequence number
}

// Stats is a point-in-time snapshot of a connection's counters.
type Stats struct {
	State            string
	BytesSent        uint64
	BytesReceived    uint64
	SegmentsSent     uint64
	SegmentsReceived uint64
	Retransmissions  uint64
	DupAcksReceived  uint64
	RTO              time.Duration
	Cwnd             uint32
	Ssthresh         uint32
}

// Connection is one transport connection. The engine goroutine owns the
// protocol fields (sequence spaces, queue, timers, congestion state) and is
// the only writer of them; the application reaches the connection through
// Read, Write and Close, which touch only the mutex-guarded seam.
type Connection struct {
	params   connectionParams
	engine   *engine
	listener *Listener // owning listener for passively opened connections

	// protocol state, engine goroutine only
	state        State
	snd          sendSequenceSpace
	rcv          recvSequenceSpace
	sendMSS      uint32 // payload ceiling per segment toward the peer
	sndWndShift  uint8  // peer's window scale shift, 0 unless negotiated
	rtxQ         *retransmissionQueue
	reasm        *reassemblyBuffer
	rtt          *rttEstimator
	timerGen     [timerKindCount]uint64
	timerArmed   [timerKindCount]bool
	delayedAck   bool   // an acknowledgment is owed and its timer is running
	keepalives   int    // unanswered keepalive probes
	finWanted    bool   // orderly close requested, FIN goes out once data drains
	finSent      bool   // the FIN is on the wire
	finSeq       uint32 // sequence number the FIN occupies, valid once finSent
	wndScale     bool   // both SYNs carried the window scale option
	removed      bool   // no longer in the connection table
	halfOpenHeld bool   // counted against the listener's half-open limit
	stats        Stats

	// congestion control (Reno), engine goroutine only
	cwnd         uint32
	ssthresh     uint32
	dupAcks      int
	fastRecovery bool
	recover      uint32 // snd.nxt at loss detection, ends fast recovery

	// application seam, guarded by mu
	mu             sync.Mutex
	cond           *sync.Cond
	sendBuf        *ringbuffer.RingBuffer
	recvBuf        *ringbuffer.RingBuffer
	established    bool
	closeRequested bool
	readClosed     bool  // peer's FIN reached the application boundary
	deadErr        error // terminal error: ErrReset, ErrRefused, ErrTimeout, ErrClosed
}

func newConnection(params connectionParams, e *engine) *Connection {
	cfg := e.cfg
	c := &Connection{
		params:  params,
		engine:  e,
		state:   StateClosed,
		sendMSS: uint32(cfg.PreferredMSS),
		rtxQ:    newRetransmissionQueue(e.pool),
		reasm:   newReassemblyBuffer(cfg.ReceiveBufferSize),
		rtt: newRttEstimator(
			time.Duration(cfg.InitialRtoMs)*time.Millisecond,
			time.Duration(cfg.MinRtoMs)*time.Millisecond,
			time.Duration(cfg.MaxRtoMs)*time.Millisecond,
		),
		sendBuf: ringbuffer.New(cfg.SendBufferSize),
		recvBuf: ringbuffer.New(cfg.ReceiveBufferSize),
	}
	c.cond = sync.NewCond(&c.mu)
	c.cwnd = c.sendMSS
	c.ssthresh = uint32(cfg.SendBufferSize)
	return c
}

// Read copies received stream data into b, blocking until data arrives, the
// peer finishes sending (io.EOF), or the connection dies.
func (c *Connection) Read(b []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for {
		if !c.recvBuf.IsEmpty() {
			n, err := c.recvBuf.Read(b)
			if err != nil && err != ringbuffer.ErrIsEmpty {
				return n, err
			}
			if n > 0 {
				// reading frees window space; the peer may be blocked on it
				c.engine.kick()
				return n, nil
			}
		}
		if c.readClosed {
			return 0, io.EOF
		}
		if c.deadErr != nil {
			return 0, c.deadErr
		}
		if len(b) == 0 {
			return 0, nil
		}
		c.cond.Wait()
	}
}

// Write queues b for transmission and returns how many bytes were accepted.
// When the send buffer cannot hold all of b the call returns the accepted
// prefix length with a nil error; a completely full buffer yields
// ErrSendBufferFull. Acceptance is not delivery: bytes are acknowledged by
// the peer asynchronously.
func (c *Connection) Write(b []byte) (int, error) {
	c.mu.Lock()
	if c.deadErr != nil {
		c.mu.Unlock()
		return 0, c.deadErr
	}
	if c.closeRequested {
		c.mu.Unlock()
		return 0, ErrClosed
	}
	if len(b) == 0 {
		c.mu.Unlock()
		return 0, nil
	}
	n, err := c.sendBuf.Write(b)
	c.mu.Unlock()
	if err != nil && err != ringbuffer.ErrTooMuchDataToWrite && err != ringbuffer.ErrIsFull {
		return n, err
	}
	if n == 0 {
		return 0, ErrSendBufferFull
	}
	c.engine.kick()
	return n, nil
}

// Close starts an orderly shutdown: buffered data still drains to the peer,
// then a FIN goes out. Close returns without waiting for the handshake to
// finish. It is safe to call more than once.
func (c *Connection) Close() error {
	c.mu.Lock()
	if c.closeRequested || c.deadErr != nil {
		c.mu.Unlock()
		return nil
	}
	c.closeRequested = true
	c.mu.Unlock()
	c.engine.do(func() { c.engine.appClose(c) })
	return nil
}

// LocalAddr returns the local endpoint of the connection.
func (c *Connection) LocalAddr() net.Addr {
	return &net.TCPAddr{IP: c.params.localAddr, Port: int(c.params.localPort)}
}

// RemoteAddr returns the peer endpoint of the connection.
func (c *Connection) RemoteAddr() net.Addr {
	return &net.TCPAddr{IP: c.params.remoteAddr, Port: int(c.params.remotePort)}
}

// Stats snapshots the connection counters. The snapshot is taken on the
// engine goroutine so it is internally consistent.
func (c *Connection) Stats() Stats {
	var s Stats
	snapshot := func() {
		s = c.stats
		s.State = c.state.String()
		s.RTO = c.rtt.currentRto()
		s.Cwnd = c.cwnd
		s.Ssthresh = c.ssthresh
	}
	if !c.engine.doSync(snapshot) {
		// the engine is gone; the fields are frozen
		snapshot()
	}
	return s
}

// waitEstablished blocks the dialing goroutine until the handshake completes
// or fails.
func (c *Connection) waitEstablished() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for !c.established && c.deadErr == nil {
		c.cond.Wait()
	}
	if !c.established {
		return c.deadErr
	}
	return nil
}

// markEstablished flips the application-visible handshake flag. Engine
// goroutine only.
func (c *Connection) markEstablished() {
	c.mu.Lock()
	c.established = true
	c.mu.Unlock()
	c.cond.Broadcast()
}

// markDead records the terminal error and wakes every blocked caller.
// Engine goroutine only.
func (c *Connection) markDead(err error) {
	c.mu.Lock()
	if c.deadErr == nil {
		c.deadErr = err
	}
	c.mu.Unlock()
	c.cond.Broadcast()
}

// markReadClosed signals end of the inbound stream. Engine goroutine only.
func (c *Connection) markReadClosed() {
	c.mu.Lock()
	c.readClosed = true
	c.mu.Unlock()
	c.cond.Broadcast()
}

// deliver appends in-order payload for the application and wakes readers.
// Engine goroutine only; the caller admitted only as much as the advertised
// window allows, so the ring buffer always has room.
func (c *Connection) deliver(data []byte) int {
	c.mu.Lock()
	n, _ := c.recvBuf.Write(data)
	c.stats.BytesReceived += uint64(n)
	c.mu.Unlock()
	c.cond.Broadcast()
	return n
}

// recvWindow is the receive window to advertise: free buffer space minus
// what is already parked out of order, capped at the 16-bit field.
func (c *Connection) recvWindow() uint32 {
	c.mu.Lock()
	free := c.recvBuf.Free()
	c.mu.Unlock()
	free -= c.reasm.pending()
	if free < 0 {
		free = 0
	}
	if free > maxAdvertisedWindow {
		free = maxAdvertisedWindow
	}
	return uint32(free)
}

// pendingSend reads up to max bytes of queued application data without
// consuming past what fits. Engine goroutine only.
func (c *Connection) pendingSend(buf []byte) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sendBuf.IsEmpty() {
		return 0
	}
	n, err := c.sendBuf.Read(buf)
	if err != nil && err != ringbuffer.ErrIsEmpty {
		return 0
	}
	if n > 0 {
		// room opened up for blocked writers
		c.cond.Broadcast()
	}
	return n
}

// sendBufEmpty reports whether all application data has been segmentized.
func (c *Connection) sendBufEmpty() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sendBuf.IsEmpty()
}

// effectiveWindow is how much unacknowledged data may be outstanding:
// min(congestion window, peer's advertised window).
func (c *Connection) effectiveWindow() uint32 {
	w := c.cwnd
	if c.snd.wnd < w {
		w = c.snd.wnd
	}
	return w
}
