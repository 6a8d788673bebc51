package lib

import (
	"fmt"
	"net"
	"sync"

	"github.com/Clouded-Sabre/tuntcp/config"
)

// Stack is one user-space TCP/IPv4 endpoint bound to a device it owns
// exclusively. All protocol work happens on a single engine goroutine;
// Listen, Dial, and the connection methods are safe from any goroutine.
type Stack struct {
	cfg       *config.Config
	device    DeviceAdapter
	engine    *engine
	localAddr net.IP
	closeOnce sync.Once
	closeErr  error
}

// NewStack validates the configuration and starts the engine over device.
// The device must already be open and routed; the stack takes ownership and
// closes it on Stack.Close.
func NewStack(cfg *config.Config, device DeviceAdapter) (*Stack, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	localAddr := net.ParseIP(cfg.LocalIP)
	if localAddr = localAddr.To4(); localAddr == nil {
		return nil, fmt.Errorf("localIP %q is not an IPv4 address", cfg.LocalIP)
	}

	pool := newPayloadPool(cfg.PayloadPoolSize, cfg.MTU, cfg.Debug)
	s := &Stack{
		cfg:       cfg,
		device:    device,
		engine:    newEngine(cfg, device, localAddr, pool),
		localAddr: localAddr,
	}
	s.engine.start()
	return s, nil
}

// LocalAddr returns the stack's IPv4 address.
func (s *Stack) LocalAddr() net.IP {
	return s.localAddr
}

// Listen starts accepting connections on port. backlog bounds how many
// completed-but-unaccepted connections may queue.
func (s *Stack) Listen(port uint16, backlog int) (*Listener, error) {
	if port == 0 {
		return nil, fmt.Errorf("cannot listen on port 0")
	}
	if backlog < 1 {
		backlog = 1
	}
	l := newListener(port, backlog, s.cfg.HalfOpenPerSlot*backlog, s.engine)
	var err error
	if !s.engine.doSync(func() { err = s.engine.addListener(l) }) {
		return nil, ErrStackClosed
	}
	if err != nil {
		return nil, err
	}
	return l, nil
}

// Dial opens a connection to remoteIP:remotePort, blocking until the
// handshake completes or fails. A peer that answers with a reset yields
// ErrRefused; handshake retry exhaustion yields ErrTimeout.
func (s *Stack) Dial(remoteIP string, remotePort uint16) (*Connection, error) {
	addr := net.ParseIP(remoteIP)
	if addr = addr.To4(); addr == nil {
		return nil, fmt.Errorf("remote IP %q is not an IPv4 address", remoteIP)
	}
	if remotePort == 0 {
		return nil, fmt.Errorf("cannot dial port 0")
	}

	var (
		conn *Connection
		err  error
	)
	if !s.engine.doSync(func() { conn, err = s.engine.dial(addr, remotePort) }) {
		return nil, ErrStackClosed
	}
	if err != nil {
		return nil, err
	}
	if err := conn.waitEstablished(); err != nil {
		return nil, err
	}
	return conn, nil
}

// Close resets every live connection, stops the engine, and closes the
// device. It is safe to call more than once.
func (s *Stack) Close() error {
	s.closeOnce.Do(func() {
		s.engine.doSync(func() { s.engine.shutdown() })
		s.engine.stop()
		s.closeErr = s.device.Close()
	})
	return s.closeErr
}
