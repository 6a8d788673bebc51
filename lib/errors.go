package lib

import "errors"

// Errors surfaced through the socket surface. Wire-level problems are never
// turned into errors: malformed input is dropped and protocol violations are
// answered on the wire.
var (
	ErrClosed         = errors.New("connection is closed")
	ErrReset          = errors.New("connection reset by peer")
	ErrRefused        = errors.New("connection refused")
	ErrTimeout        = errors.New("connection timed out")
	ErrListenerClosed = errors.New("listener is closed")
	ErrSendBufferFull = errors.New("send buffer is full")
	ErrTableFull      = errors.New("connection table is full")
	ErrStackClosed    = errors.New("stack is closed")
	ErrPortTaken      = errors.New("port is already taken")
)
