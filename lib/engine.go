package lib

import (
	"fmt"
	"log"
	"net"
	"sync"
	"time"

	rp "github.com/Clouded-Sabre/ringpool/lib"

	"github.com/Clouded-Sabre/tuntcp/config"
)

// engine is the protocol core. One goroutine runs its loop and is the sole
// owner of the connection table, the timer queue and every connection's
// protocol state; application goroutines reach it through the command
// channel (do) or wake it through the kick channel.
type engine struct {
	cfg       *config.Config
	device    DeviceAdapter
	ip        *ipLayer
	pool      *rp.RingPool
	table     *connectionTable
	listeners map[uint16]*Listener
	timers    *timerQueue
	localAddr net.IP
	msl       time.Duration

	cmds        chan func()
	kickCh      chan struct{}
	closeSignal chan struct{}
	wg          sync.WaitGroup

	nextEphemeral uint16

	// marshal scratch, engine goroutine only
	tcpBuf     []byte
	ipBuf      []byte
	verifyBuf  []byte
	payloadBuf []byte
}

func newEngine(cfg *config.Config, device DeviceAdapter, localAddr net.IP, pool *rp.RingPool) *engine {
	maxFrame := cfg.MTU + TunPIHeaderLength
	return &engine{
		cfg:           cfg,
		device:        device,
		ip:            newIpLayer(localAddr, uint8(cfg.TTL)),
		pool:          pool,
		table:         newConnectionTable(cfg.MaxConnections),
		listeners:     make(map[uint16]*Listener),
		timers:        newTimerQueue(),
		localAddr:     localAddr.To4(),
		msl:           time.Duration(cfg.MslSec) * time.Second,
		cmds:          make(chan func(), 64),
		kickCh:        make(chan struct{}, 1),
		closeSignal:   make(chan struct{}),
		nextEphemeral: uint16(cfg.LocalPortLower),
		tcpBuf:        make([]byte, TcpPseudoHeaderLength+maxFrame),
		ipBuf:         make([]byte, maxFrame),
		verifyBuf:     make([]byte, TcpPseudoHeaderLength+maxFrame),
		payloadBuf:    make([]byte, cfg.MTU),
	}
}

func (e *engine) start() {
	e.wg.Add(1)
	go e.run()
}

func (e *engine) stop() {
	close(e.closeSignal)
	e.wg.Wait()
}

// do runs fn on the engine goroutine. It returns false if the engine has
// already shut down.
func (e *engine) do(fn func()) bool {
	select {
	case e.cmds <- fn:
		return true
	case <-e.closeSignal:
		return false
	}
}

// doSync runs fn on the engine goroutine and waits for it to finish.
func (e *engine) doSync(fn func()) bool {
	done := make(chan struct{})
	if !e.do(func() {
		fn()
		close(done)
	}) {
		return false
	}
	select {
	case <-done:
		return true
	case <-e.closeSignal:
		return false
	}
}

// kick wakes the engine loop, typically after an application write or read
// changed a buffer the protocol side cares about.
func (e *engine) kick() {
	select {
	case e.kickCh <- struct{}{}:
	default:
	}
}

func (e *engine) run() {
	defer e.wg.Done()
	poll := time.Duration(e.cfg.EnginePollMs) * time.Millisecond
	for {
		select {
		case <-e.closeSignal:
			return
		default:
		}

		for drained := false; !drained; {
			select {
			case fn := <-e.cmds:
				fn()
			default:
				drained = true
			}
		}

		worked := false
		for i := 0; i < 128; i++ {
			raw, ok := e.device.TryReceive()
			if !ok {
				break
			}
			worked = true
			e.handleDatagram(raw)
		}

		e.timers.advance(time.Now(), e.fireTimer)
		e.table.forEach(func(c *Connection) { e.pumpOutput(c) })

		if worked {
			continue
		}
		wait := poll
		if deadline, ok := e.timers.nextDeadline(); ok {
			if d := time.Until(deadline); d < wait {
				wait = d
			}
		}
		if wait < 0 {
			wait = 0
		}
		idle := time.NewTimer(wait)
		select {
		case <-e.closeSignal:
			idle.Stop()
			return
		case fn := <-e.cmds:
			fn()
		case <-e.kickCh:
		case <-idle.C:
		}
		idle.Stop()
	}
}

// handleDatagram takes one raw IP datagram off the device and dispatches it.
func (e *engine) handleDatagram(raw []byte) {
	datagram, reason := e.ip.parse(raw)
	if reason != dropNone {
		if e.cfg.Debug {
			log.Println("dropping inbound datagram:", reason)
		}
		return
	}
	seg := &TcpSegment{}
	if err := seg.Unmarshal(datagram.payload, datagram.srcAddr, datagram.destAddr); err != nil {
		if e.cfg.Debug {
			log.Println("dropping inbound segment:", err)
		}
		return
	}
	if !VerifyChecksum(e.verifyBuf, datagram.payload, datagram.srcAddr, datagram.destAddr) {
		if e.cfg.Debug {
			log.Println("dropping inbound segment: bad checksum")
		}
		return
	}

	params := connectionParams{
		localAddr:  datagram.destAddr,
		remoteAddr: datagram.srcAddr,
		localPort:  seg.DestinationPort,
		remotePort: seg.SourcePort,
	}
	if conn, ok := e.table.get(&params); ok {
		e.handleSegment(conn, seg)
		return
	}
	if seg.flagSet(SYNFlag) && !seg.flagSet(ACKFlag) {
		if l, ok := e.listeners[seg.DestinationPort]; ok {
			e.handleListenSyn(l, seg, params)
			return
		}
	}
	// no connection, no listener: answer everything but a reset with a reset
	if !seg.flagSet(RSTFlag) {
		e.sendRstFor(seg)
	}
}

// handleListenSyn spawns a half-open connection for a SYN that matched a
// listener.
func (e *engine) handleListenSyn(l *Listener, seg *TcpSegment, params connectionParams) {
	if l.halfOpen >= l.halfOpenMax {
		// silently dropped: the peer's SYN retransmission tries again later
		if e.cfg.Debug {
			log.Printf("port %d: half-open limit reached, dropping SYN from %s", l.port, seg.SrcAddr)
		}
		return
	}

	conn := newConnection(params, e)
	conn.listener = l
	conn.rcv.irs = seg.SequenceNumber
	conn.rcv.nxt = SeqIncrement(seg.SequenceNumber)
	conn.snd.wnd = uint32(seg.WindowSize) // never scaled in a SYN
	e.applyPeerOptions(conn, seg, seg.Options.hasWndScale)

	iss, err := GenerateISN()
	if err != nil {
		log.Println("generating ISN:", err)
		return
	}
	conn.snd.iss = iss
	conn.snd.una = iss
	conn.snd.nxt = iss
	conn.state = StateListen

	if err := e.table.add(conn); err != nil {
		// no room to hold state: reset so the peer fails fast
		e.sendRstFor(seg)
		return
	}
	l.halfOpen++
	conn.halfOpenHeld = true
	e.applyEvent(conn, evSyn, nil)
}

// applyPeerOptions folds the peer's SYN options into the connection.
func (e *engine) applyPeerOptions(conn *Connection, seg *TcpSegment, scaleNegotiated bool) {
	mss := conn.sendMSS
	if seg.Options.hasMSS && uint32(seg.Options.mss) < mss {
		mss = uint32(seg.Options.mss)
	}
	if ceiling := uint32(e.cfg.MTU - IpHeaderLength - TcpHeaderLength); mss > ceiling {
		mss = ceiling
	}
	conn.sendMSS = mss
	if scaleNegotiated && seg.Options.hasWndScale {
		conn.wndScale = true
		conn.sndWndShift = seg.Options.wndScaleShift
	}
}

// synOptions builds the options this stack offers in its own SYN segments.
func (e *engine) synOptions() segmentOptions {
	mss := e.cfg.PreferredMSS
	if ceiling := e.cfg.MTU - IpHeaderLength - TcpHeaderLength; mss > ceiling {
		mss = ceiling
	}
	return segmentOptions{
		mss:           uint16(mss),
		hasMSS:        true,
		wndScaleShift: 0,
		hasWndScale:   true,
	}
}

// handleSegment processes one inbound segment for an existing connection.
// Acknowledgment fields are processed before payload, and payload before
// FIN, so combined segments take every applicable transition in one pass.
func (e *engine) handleSegment(conn *Connection, seg *TcpSegment) {
	conn.stats.SegmentsReceived++
	conn.keepalives = 0
	if e.cfg.KeepaliveSec > 0 && conn.state == StateEstablished {
		e.timers.schedule(conn, timerKeepalive, time.Now().Add(time.Duration(e.cfg.KeepaliveSec)*time.Second))
	}

	if conn.state == StateSynSent {
		e.handleSynSentSegment(conn, seg)
		return
	}

	// acceptability per RFC 793: the segment must touch the receive window
	wnd := conn.recvWindow()
	if !e.segmentAcceptable(conn, seg, wnd) {
		if !seg.flagSet(RSTFlag) {
			e.sendAck(conn)
		}
		return
	}

	if seg.flagSet(RSTFlag) {
		e.applyEvent(conn, evRst, ErrReset)
		return
	}

	if seg.flagSet(ACKFlag) {
		if !e.processAck(conn, seg) {
			return
		}
	}

	if len(seg.Payload) > 0 {
		e.processPayload(conn, seg)
	}

	if seg.flagSet(FINFlag) {
		finSeq := SeqIncrementBy(seg.SequenceNumber, uint32(len(seg.Payload)))
		if finSeq == conn.rcv.nxt {
			conn.rcv.nxt = SeqIncrement(conn.rcv.nxt)
			e.cancelDelayedAck(conn)
			e.applyEvent(conn, evFin, nil)
		}
		// an out-of-order FIN is ignored; the peer retransmits it once the
		// gap in front of it is acknowledged
	}

	e.pumpOutput(conn)
}

// handleSynSentSegment covers the active-open handshake states.
func (e *engine) handleSynSentSegment(conn *Connection, seg *TcpSegment) {
	ackAcceptable := false
	if seg.flagSet(ACKFlag) {
		if seg.AcknowledgmentNum != SeqIncrement(conn.snd.iss) {
			if !seg.flagSet(RSTFlag) {
				e.sendRstFor(seg)
			}
			return
		}
		ackAcceptable = true
	}

	if seg.flagSet(RSTFlag) {
		if ackAcceptable {
			e.applyEvent(conn, evRst, ErrRefused)
		}
		return
	}

	if !seg.flagSet(SYNFlag) {
		return
	}

	conn.rcv.irs = seg.SequenceNumber
	conn.rcv.nxt = SeqIncrement(seg.SequenceNumber)
	conn.snd.wnd = uint32(seg.WindowSize)
	e.applyPeerOptions(conn, seg, seg.Options.hasWndScale)

	if ackAcceptable {
		// SYN+ACK: handshake done on our side
		now := time.Now()
		if _, rtt, hasRtt := conn.rtxQ.ack(seg.AcknowledgmentNum, now); hasRtt {
			conn.rtt.addSample(rtt)
		}
		conn.snd.una = seg.AcknowledgmentNum
		e.timers.cancel(conn, timerRetransmit)
		e.applyEvent(conn, evSynAck, nil)
		e.pumpOutput(conn)
		return
	}

	// simultaneous open: both ends sent SYN first
	e.applyEvent(conn, evSyn, nil)
}

// segmentAcceptable implements the RFC 793 window check.
func (e *engine) segmentAcceptable(conn *Connection, seg *TcpSegment, wnd uint32) bool {
	segLen := seg.segLen()
	seq := seg.SequenceNumber
	if segLen == 0 {
		if wnd == 0 {
			return seq == conn.rcv.nxt
		}
		return seqInWindow(seq, conn.rcv.nxt, wnd)
	}
	if wnd == 0 {
		return false
	}
	return seqRangeOverlap(seq, SeqIncrementBy(seq, segLen), conn.rcv.nxt, SeqIncrementBy(conn.rcv.nxt, wnd))
}

// processAck advances the send side. Returns false when the segment must be
// dropped after the acknowledgment handling.
func (e *engine) processAck(conn *Connection, seg *TcpSegment) bool {
	ack := seg.AcknowledgmentNum

	if isGreater(ack, conn.snd.nxt) {
		// acknowledges data never sent
		e.sendAck(conn)
		return false
	}

	if conn.state == StateSynReceived && ack == SeqIncrement(conn.snd.iss) {
		now := time.Now()
		if _, rtt, hasRtt := conn.rtxQ.ack(ack, now); hasRtt {
			conn.rtt.addSample(rtt)
		}
		conn.snd.una = ack
		e.timers.cancel(conn, timerRetransmit)
		if !e.applyEvent(conn, evAckOfSyn, nil) {
			return false
		}
		if conn.removed {
			return false
		}
	}

	windowFromSeg := uint32(seg.WindowSize)
	if conn.wndScale {
		windowFromSeg <<= conn.sndWndShift
	}

	switch {
	case isGreater(ack, conn.snd.una):
		now := time.Now()
		ackedBytes, rtt, hasRtt := conn.rtxQ.ack(ack, now)
		if hasRtt {
			conn.rtt.addSample(rtt)
		}
		conn.snd.una = ack
		conn.snd.wnd = windowFromSeg
		e.onBytesAcked(conn, ackedBytes, ack)

		if conn.rtxQ.empty() {
			e.timers.cancel(conn, timerRetransmit)
			conn.rtt.resetAfterIdle()
		} else {
			e.timers.schedule(conn, timerRetransmit, now.Add(conn.rtt.currentRto()))
		}

		if conn.finSent && isGreaterOrEqual(ack, SeqIncrement(conn.finSeq)) {
			e.applyEvent(conn, evAckOfFin, nil)
			if conn.removed {
				return false
			}
		}

	case ack == conn.snd.una:
		conn.snd.wnd = windowFromSeg
		if len(seg.Payload) == 0 && !seg.flagSet(SYNFlag) && !seg.flagSet(FINFlag) && !conn.rtxQ.empty() {
			e.onDupAck(conn)
		}
	}

	return true
}

// onBytesAcked grows the congestion window on new acknowledgments and exits
// fast recovery once the loss point is covered.
func (e *engine) onBytesAcked(conn *Connection, acked uint32, ack uint32) {
	if acked == 0 {
		return
	}
	if conn.fastRecovery {
		if isGreaterOrEqual(ack, conn.recover) {
			conn.fastRecovery = false
			conn.cwnd = conn.ssthresh
			conn.dupAcks = 0
		} else {
			// partial acknowledgment: retransmit the next hole
			e.retransmitOldest(conn)
			return
		}
	}
	conn.dupAcks = 0
	mss := conn.sendMSS
	if conn.cwnd < conn.ssthresh {
		conn.cwnd += acked // slow start
	} else {
		grow := mss * mss / conn.cwnd
		if grow == 0 {
			grow = 1
		}
		conn.cwnd += grow // congestion avoidance, roughly one MSS per RTT
	}
	if ceiling := uint32(e.cfg.SendBufferSize); conn.cwnd > ceiling {
		conn.cwnd = ceiling
	}
}

// onDupAck counts duplicate acknowledgments and triggers fast retransmit at
// the third one.
func (e *engine) onDupAck(conn *Connection) {
	conn.stats.DupAcksReceived++
	if conn.fastRecovery {
		conn.cwnd += conn.sendMSS
		return
	}
	conn.dupAcks++
	if conn.dupAcks < 3 {
		return
	}
	conn.ssthresh = e.halvedWindow(conn)
	conn.cwnd = conn.ssthresh + 3*conn.sendMSS
	conn.fastRecovery = true
	conn.recover = conn.snd.nxt
	e.retransmitOldest(conn)
}

// halvedWindow is max(flight/2, 2*MSS), the standard loss response.
func (e *engine) halvedWindow(conn *Connection) uint32 {
	half := conn.rtxQ.bytesInFlight() / 2
	floor := 2 * conn.sendMSS
	if half < floor {
		return floor
	}
	return half
}

// processPayload admits in-window data, reassembles it, and acknowledges.
func (e *engine) processPayload(conn *Connection, seg *TcpSegment) {
	switch conn.state {
	case StateEstablished, StateFinWait1, StateFinWait2:
	default:
		return // the peer is done hearing from us or we are done receiving
	}

	// clip to the advertised window so the ring buffer never overflows
	wnd := conn.recvWindow()
	payload := seg.Payload
	seq := seg.SequenceNumber
	end := SeqIncrementBy(seq, uint32(len(payload)))
	wndEnd := SeqIncrementBy(conn.rcv.nxt, wnd)
	if isGreater(end, wndEnd) {
		over := end - wndEnd
		if over >= uint32(len(payload)) {
			e.sendAck(conn)
			return
		}
		payload = payload[:uint32(len(payload))-over]
	}

	conn.reasm.insert(seq, payload)
	chunks, newNxt := conn.reasm.collect(conn.rcv.nxt)
	if newNxt == conn.rcv.nxt {
		// out of order or pure duplicate: tell the sender where we stand
		e.sendAck(conn)
		return
	}
	for _, chunk := range chunks {
		conn.deliver(chunk)
	}
	conn.rcv.nxt = newNxt

	if conn.delayedAck {
		// second segment since the last acknowledgment: ack now
		e.sendAck(conn)
		return
	}
	conn.delayedAck = true
	e.timers.schedule(conn, timerDelayedAck, time.Now().Add(time.Duration(e.cfg.DelayedAckMs)*time.Millisecond))
}

// applyEvent runs one state machine step and performs the resulting actions.
func (e *engine) applyEvent(conn *Connection, ev stateEvent, resetErr error) bool {
	newState, actions, ok := transition(conn.state, ev)
	if !ok {
		return false
	}
	if e.cfg.Debug {
		log.Printf("%s: %s --%s--> %s", conn.params.key(), conn.state, ev, newState)
	}
	conn.state = newState
	for _, act := range actions {
		switch act {
		case actSendSynAck:
			e.sendSynAck(conn)
		case actSendAck:
			e.sendAck(conn)
		case actSendFin:
			conn.finWanted = true
			e.pumpOutput(conn)
		case actEstablish:
			e.establish(conn)
		case actDeliverEOF:
			conn.markReadClosed()
		case actReset:
			err := resetErr
			if err == nil {
				err = ErrReset
			}
			conn.markDead(err)
		case actRemove:
			e.teardown(conn)
		case actStartTimeWait:
			e.timers.cancel(conn, timerRetransmit)
			e.timers.schedule(conn, timerTimeWait, time.Now().Add(2*e.msl))
		}
	}
	return true
}

// establish completes the handshake on this side.
func (e *engine) establish(conn *Connection) {
	conn.markEstablished()
	if e.cfg.KeepaliveSec > 0 {
		e.timers.schedule(conn, timerKeepalive, time.Now().Add(time.Duration(e.cfg.KeepaliveSec)*time.Second))
	}
	if l := conn.listener; l != nil {
		if conn.halfOpenHeld {
			l.halfOpen--
			conn.halfOpenHeld = false
		}
		if !l.offer(conn) {
			// nobody will ever accept it: reset rather than strand the peer
			e.sendRst(conn)
			conn.markDead(ErrListenerClosed)
			e.teardown(conn)
		}
	}
}

// teardown removes the connection from the table and releases its resources.
func (e *engine) teardown(conn *Connection) {
	if conn.removed {
		return
	}
	conn.removed = true
	e.table.remove(conn)
	e.timers.cancelAll(conn)
	conn.rtxQ.clear()
	conn.reasm.reset()
	if conn.halfOpenHeld {
		conn.listener.halfOpen--
		conn.halfOpenHeld = false
	}
	conn.markDead(ErrClosed)
}

// appClose is the engine half of Connection.Close.
func (e *engine) appClose(conn *Connection) {
	if conn.removed {
		return
	}
	e.applyEvent(conn, evAppClose, nil)
}

// fireTimer dispatches one expired timer.
func (e *engine) fireTimer(conn *Connection, kind timerKind) {
	if conn.removed {
		return
	}
	switch kind {
	case timerRetransmit:
		e.onRetransmitTimeout(conn)
	case timerDelayedAck:
		conn.delayedAck = false
		e.sendAck(conn)
	case timerTimeWait:
		e.applyEvent(conn, evTimeWaitExpire, nil)
	case timerKeepalive:
		e.onKeepaliveTimeout(conn)
	}
}

// onRetransmitTimeout resends the oldest in-flight segment, or probes a zero
// window when nothing is in flight.
func (e *engine) onRetransmitTimeout(conn *Connection) {
	oldest := conn.rtxQ.oldest()
	if oldest == nil {
		// zero-window probe turn: force one byte out despite the window
		if conn.snd.wnd == 0 && !conn.sendBufEmpty() {
			e.sendProbeByte(conn)
			conn.rtt.backoff()
			e.timers.schedule(conn, timerRetransmit, time.Now().Add(conn.rtt.currentRto()))
		}
		return
	}

	if oldest.retries >= e.cfg.MaxRetries {
		if e.cfg.Debug {
			log.Printf("%s: gave up after %d retransmissions", conn.params.key(), oldest.retries)
		}
		conn.markDead(ErrTimeout)
		e.teardown(conn)
		return
	}

	// timeout loss response: collapse to one segment and re-enter slow start
	conn.ssthresh = e.halvedWindow(conn)
	conn.cwnd = conn.sendMSS
	conn.fastRecovery = false
	conn.dupAcks = 0

	e.retransmitOldest(conn)
	conn.rtt.backoff()
	e.timers.schedule(conn, timerRetransmit, time.Now().Add(conn.rtt.currentRto()))
}

// retransmitOldest rebuilds and resends the front of the queue.
func (e *engine) retransmitOldest(conn *Connection) {
	s := conn.rtxQ.oldest()
	if s == nil {
		return
	}
	flags := s.flags
	ackNum := uint32(0)
	if conn.state != StateSynSent {
		// everything after the first SYN acknowledges what we have received
		flags |= ACKFlag
		ackNum = conn.rcv.nxt
	}
	opts := segmentOptions{}
	if flags&SYNFlag != 0 {
		opts = e.synOptions()
		if conn.listener != nil {
			opts.hasWndScale = conn.wndScale
		}
	}
	e.sendRaw(conn, flags, s.seqStart, ackNum, s.payload(), opts)
	conn.rtxQ.markResent(time.Now())
	conn.stats.Retransmissions++
}

// sendProbeByte pushes a single byte of queued data into a zero window.
func (e *engine) sendProbeByte(conn *Connection) {
	n := conn.pendingSend(e.payloadBuf[:1])
	if n == 0 {
		return
	}
	e.sendData(conn, e.payloadBuf[:1])
}

// onKeepaliveTimeout sends a probe with an already-acknowledged sequence
// number; the peer answers with a bare acknowledgment if it is still there.
func (e *engine) onKeepaliveTimeout(conn *Connection) {
	if conn.state != StateEstablished {
		return
	}
	if conn.keepalives >= e.cfg.KeepaliveProbes {
		conn.markDead(ErrTimeout)
		e.sendRst(conn)
		e.teardown(conn)
		return
	}
	conn.keepalives++
	e.sendRaw(conn, ACKFlag, conn.snd.nxt-1, conn.rcv.nxt, nil, segmentOptions{})
	e.timers.schedule(conn, timerKeepalive, time.Now().Add(time.Duration(e.cfg.KeepaliveSec)*time.Second))
}

// pumpOutput moves queued application data onto the wire within the
// effective window, then the FIN once everything has drained.
func (e *engine) pumpOutput(conn *Connection) {
	if conn.removed {
		return
	}
	// window update: the application drained a buffer we had advertised as
	// full, so tell the peer it can send again
	switch conn.state {
	case StateEstablished, StateFinWait1, StateFinWait2:
		if conn.rcv.wnd == 0 && conn.recvWindow() > 0 {
			e.sendAck(conn)
		}
	}
	if conn.finSent {
		return
	}
	switch conn.state {
	case StateEstablished, StateFinWait1, StateCloseWait, StateLastAck:
	default:
		return
	}

	for {
		inFlight := conn.rtxQ.bytesInFlight()
		window := conn.effectiveWindow()
		if window <= inFlight {
			break
		}
		budget := window - inFlight
		if budget > conn.sendMSS {
			budget = conn.sendMSS
		}
		n := conn.pendingSend(e.payloadBuf[:budget])
		if n == 0 {
			break
		}
		e.sendData(conn, e.payloadBuf[:n])
	}

	// the peer closed its window while we still hold data: start probing
	if conn.snd.wnd == 0 && conn.rtxQ.empty() && !conn.sendBufEmpty() &&
		!e.timers.armed(conn, timerRetransmit) {
		e.timers.schedule(conn, timerRetransmit, time.Now().Add(conn.rtt.currentRto()))
	}

	if conn.finWanted && !conn.finSent && conn.sendBufEmpty() && conn.rtxQ.empty() {
		e.sendFin(conn)
	}
}

// sendData transmits one data segment at snd.nxt and tracks it for
// retransmission.
func (e *engine) sendData(conn *Connection, payload []byte) {
	seg := &TcpSegment{
		SequenceNumber: conn.snd.nxt,
		Flags:          ACKFlag | PSHFlag,
		Payload:        payload,
	}
	wasEmpty := conn.rtxQ.empty()
	if err := conn.rtxQ.push(seg, time.Now()); err != nil {
		log.Printf("%s: cannot track segment: %v", conn.params.key(), err)
		return
	}
	conn.snd.nxt = SeqIncrementBy(conn.snd.nxt, uint32(len(payload)))
	conn.stats.BytesSent += uint64(len(payload))
	e.sendRaw(conn, seg.Flags, seg.SequenceNumber, conn.rcv.nxt, payload, segmentOptions{})
	if wasEmpty {
		e.timers.schedule(conn, timerRetransmit, time.Now().Add(conn.rtt.currentRto()))
	}
}

// sendFin emits the FIN and starts waiting for its acknowledgment.
func (e *engine) sendFin(conn *Connection) {
	seg := &TcpSegment{
		SequenceNumber: conn.snd.nxt,
		Flags:          FINFlag | ACKFlag,
	}
	if err := conn.rtxQ.push(seg, time.Now()); err != nil {
		log.Printf("%s: cannot track FIN: %v", conn.params.key(), err)
		return
	}
	conn.finSent = true
	conn.finSeq = conn.snd.nxt
	conn.snd.nxt = SeqIncrement(conn.snd.nxt)
	e.sendRaw(conn, seg.Flags, seg.SequenceNumber, conn.rcv.nxt, nil, segmentOptions{})
	e.timers.schedule(conn, timerRetransmit, time.Now().Add(conn.rtt.currentRto()))
}

// sendSynAck answers a SYN, tracking our own SYN for retransmission.
func (e *engine) sendSynAck(conn *Connection) {
	opts := e.synOptions()
	opts.hasWndScale = conn.wndScale // echo only what the peer offered
	seg := &TcpSegment{
		SequenceNumber: conn.snd.iss,
		Flags:          SYNFlag | ACKFlag,
	}
	if conn.rtxQ.empty() {
		if err := conn.rtxQ.push(seg, time.Now()); err != nil {
			log.Printf("%s: cannot track SYN+ACK: %v", conn.params.key(), err)
			return
		}
		conn.snd.nxt = SeqIncrement(conn.snd.iss)
	}
	e.sendRaw(conn, seg.Flags, seg.SequenceNumber, conn.rcv.nxt, nil, opts)
	e.timers.schedule(conn, timerRetransmit, time.Now().Add(conn.rtt.currentRto()))
}

// sendSyn opens the handshake for an active connection.
func (e *engine) sendSyn(conn *Connection) error {
	seg := &TcpSegment{
		SequenceNumber: conn.snd.iss,
		Flags:          SYNFlag,
	}
	if err := conn.rtxQ.push(seg, time.Now()); err != nil {
		return err
	}
	conn.snd.nxt = SeqIncrement(conn.snd.iss)
	e.sendRaw(conn, SYNFlag, conn.snd.iss, 0, nil, e.synOptions())
	e.timers.schedule(conn, timerRetransmit, time.Now().Add(conn.rtt.currentRto()))
	return nil
}

// sendAck emits a bare acknowledgment reflecting the current receive state.
func (e *engine) sendAck(conn *Connection) {
	e.sendRaw(conn, ACKFlag, conn.snd.nxt, conn.rcv.nxt, nil, segmentOptions{})
}

func (e *engine) cancelDelayedAck(conn *Connection) {
	if conn.delayedAck {
		conn.delayedAck = false
		e.timers.cancel(conn, timerDelayedAck)
	}
}

// sendRst aborts the connection on the wire.
func (e *engine) sendRst(conn *Connection) {
	e.sendRaw(conn, RSTFlag|ACKFlag, conn.snd.nxt, conn.rcv.nxt, nil, segmentOptions{})
}

// sendRaw marshals and transmits one segment for conn. Any segment carrying
// an acknowledgment settles the delayed-ACK debt; a pure ACK on top of it
// would only feed the peer's duplicate-ACK counter.
func (e *engine) sendRaw(conn *Connection, flags uint8, seq, ack uint32, payload []byte, opts segmentOptions) {
	if flags&ACKFlag != 0 {
		e.cancelDelayedAck(conn)
	}
	seg := &TcpSegment{
		SrcAddr:           conn.params.localAddr,
		DestAddr:          conn.params.remoteAddr,
		SourcePort:        conn.params.localPort,
		DestinationPort:   conn.params.remotePort,
		SequenceNumber:    seq,
		AcknowledgmentNum: ack,
		Flags:             flags,
		WindowSize:        uint16(conn.recvWindow()),
		Payload:           payload,
		Options:           opts,
	}
	conn.rcv.wnd = uint32(seg.WindowSize)
	n, err := seg.Marshal(e.tcpBuf)
	if err != nil {
		log.Printf("%s: marshalling segment: %v", conn.params.key(), err)
		return
	}
	frame := e.tcpBuf[TcpPseudoHeaderLength : TcpPseudoHeaderLength+n]
	dlen := e.ip.build(e.ipBuf, frame, ProtocolTCP, conn.params.remoteAddr)
	if err := e.device.Send(e.ipBuf[:dlen]); err != nil {
		log.Printf("%s: sending segment: %v", conn.params.key(), err)
		return
	}
	conn.stats.SegmentsSent++
}

// sendRstFor answers a segment that matched no connection, per the RFC 793
// reset generation rules.
func (e *engine) sendRstFor(seg *TcpSegment) {
	rst := &TcpSegment{
		SrcAddr:         seg.DestAddr,
		DestAddr:        seg.SrcAddr,
		SourcePort:      seg.DestinationPort,
		DestinationPort: seg.SourcePort,
	}
	if seg.flagSet(ACKFlag) {
		rst.Flags = RSTFlag
		rst.SequenceNumber = seg.AcknowledgmentNum
	} else {
		rst.Flags = RSTFlag | ACKFlag
		rst.AcknowledgmentNum = SeqIncrementBy(seg.SequenceNumber, seg.segLen())
	}
	n, err := rst.Marshal(e.tcpBuf)
	if err != nil {
		log.Println("marshalling reset:", err)
		return
	}
	frame := e.tcpBuf[TcpPseudoHeaderLength : TcpPseudoHeaderLength+n]
	dlen := e.ip.build(e.ipBuf, frame, ProtocolTCP, seg.SrcAddr)
	if err := e.device.Send(e.ipBuf[:dlen]); err != nil {
		log.Println("sending reset:", err)
	}
}

// dial creates an active-open connection. Engine goroutine only.
func (e *engine) dial(remoteAddr net.IP, remotePort uint16) (*Connection, error) {
	port, err := e.pickEphemeralPort(remoteAddr, remotePort)
	if err != nil {
		return nil, err
	}
	params := connectionParams{
		localAddr:  e.localAddr,
		remoteAddr: remoteAddr.To4(),
		localPort:  port,
		remotePort: remotePort,
	}
	conn := newConnection(params, e)
	iss, err := GenerateISN()
	if err != nil {
		return nil, fmt.Errorf("generating ISN: %w", err)
	}
	conn.snd.iss = iss
	conn.snd.una = iss
	conn.snd.nxt = iss
	conn.state = StateSynSent
	if err := e.table.add(conn); err != nil {
		return nil, err
	}
	if err := e.sendSyn(conn); err != nil {
		e.teardown(conn)
		return nil, err
	}
	return conn, nil
}

// pickEphemeralPort finds a local port that keeps the four-tuple unique.
func (e *engine) pickEphemeralPort(remoteAddr net.IP, remotePort uint16) (uint16, error) {
	lower := uint16(e.cfg.LocalPortLower)
	upper := uint16(e.cfg.LocalPortUpper)
	span := int(upper-lower) + 1
	for i := 0; i < span; i++ {
		candidate := e.nextEphemeral
		e.nextEphemeral++
		if e.nextEphemeral > upper || e.nextEphemeral < lower {
			e.nextEphemeral = lower
		}
		if _, taken := e.listeners[candidate]; taken {
			continue
		}
		probe := connectionParams{
			localAddr:  e.localAddr,
			remoteAddr: remoteAddr.To4(),
			localPort:  candidate,
			remotePort: remotePort,
		}
		if _, exists := e.table.get(&probe); exists {
			continue
		}
		return candidate, nil
	}
	return 0, fmt.Errorf("no free local port toward %s:%d", remoteAddr, remotePort)
}

// addListener registers a listening port. Engine goroutine only.
func (e *engine) addListener(l *Listener) error {
	if _, taken := e.listeners[l.port]; taken {
		return ErrPortTaken
	}
	e.listeners[l.port] = l
	return nil
}

// removeListener tears a listener down: queued and half-open connections are
// reset, accepted ones keep running.
func (e *engine) removeListener(l *Listener) {
	if e.listeners[l.port] != l {
		return
	}
	delete(e.listeners, l.port)
	for {
		select {
		case conn := <-l.backlog:
			e.sendRst(conn)
			conn.markDead(ErrListenerClosed)
			e.teardown(conn)
		default:
			e.resetHalfOpen(l)
			return
		}
	}
}

func (e *engine) resetHalfOpen(l *Listener) {
	var victims []*Connection
	e.table.forEach(func(c *Connection) {
		if c.listener == l && c.state == StateSynReceived {
			victims = append(victims, c)
		}
	})
	for _, c := range victims {
		e.sendRst(c)
		c.markDead(ErrListenerClosed)
		e.teardown(c)
	}
}

// shutdown resets every live connection. Engine goroutine only, called on
// stack close.
func (e *engine) shutdown() {
	var all []*Connection
	e.table.forEach(func(c *Connection) { all = append(all, c) })
	for _, c := range all {
		switch c.state {
		case StateTimeWait, StateClosed:
		default:
			e.sendRst(c)
		}
		c.markDead(ErrStackClosed)
		e.teardown(c)
	}
	for port, l := range e.listeners {
		l.markClosed()
		delete(e.listeners, port)
	}
}
