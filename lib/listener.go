package lib

import "sync"

// Listener accepts inbound connections on one local port. Completed
// handshakes queue in a backlog channel until Accept picks them up; a SYN
// arriving while the backlog is full gets reset so the peer fails fast
// instead of hanging, and half-open handshakes beyond the cap are silently
// dropped (the peer's SYN retransmission gets another chance later).
type Listener struct {
	port        uint16
	backlog     chan *Connection
	halfOpen    int // SYN_RECEIVED connections owned by this listener, engine goroutine only
	halfOpenMax int
	engine      *engine
	closeSignal chan struct{}
	closeOnce   sync.Once
}

func newListener(port uint16, backlogSize, halfOpenMax int, e *engine) *Listener {
	return &Listener{
		port:        port,
		backlog:     make(chan *Connection, backlogSize),
		halfOpenMax: halfOpenMax,
		engine:      e,
		closeSignal: make(chan struct{}),
	}
}

// Accept blocks until the next fully established connection is available.
func (l *Listener) Accept() (*Connection, error) {
	select {
	case conn, ok := <-l.backlog:
		if !ok {
			return nil, ErrListenerClosed
		}
		return conn, nil
	case <-l.closeSignal:
		// drain anything that raced in before the close
		select {
		case conn := <-l.backlog:
			return conn, nil
		default:
			return nil, ErrListenerClosed
		}
	}
}

// Port returns the listening port.
func (l *Listener) Port() uint16 {
	return l.port
}

// Close stops accepting. Connections already handed out by Accept are
// unaffected; queued and half-open ones are reset.
func (l *Listener) Close() error {
	if l.markClosed() {
		l.engine.do(func() { l.engine.removeListener(l) })
	}
	return nil
}

// markClosed trips the close signal, returning true on the first call.
func (l *Listener) markClosed() bool {
	first := false
	l.closeOnce.Do(func() {
		close(l.closeSignal)
		first = true
	})
	return first
}

// offer hands a completed connection to the backlog. Engine goroutine only.
func (l *Listener) offer(conn *Connection) bool {
	select {
	case <-l.closeSignal:
		return false
	default:
	}
	select {
	case l.backlog <- conn:
		return true
	default:
		return false
	}
}
