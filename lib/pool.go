package lib

import (
	"fmt"
	"log"

	rp "github.com/Clouded-Sabre/ringpool/lib"
)

// Payload is the pooled byte chunk behind every segment parked in a
// retransmission queue. Chunks come out of a ring pool sized at stack
// start-up and go back when the segment is cumulatively acknowledged, so a
// busy connection does not churn the garbage collector.
type Payload struct {
	payloadBytes []byte
	length       int
}

// NewPayload creates a pool element. The single parameter is the chunk
// capacity in bytes.
func NewPayload(params ...interface{}) rp.DataInterface {
	if len(params) != 1 {
		log.Println("NewPayload: Invalid number of calling parameters. Should be only one: bufferLength")
		return nil
	}

	bufferLength, ok := params[0].(int)
	if !ok {
		log.Println("NewPayload: Invalid data type of bufferLength. Should be of type int")
		return nil
	}

	return &Payload{
		payloadBytes: make([]byte, bufferLength),
	}
}

// SetContent sets the content of the payload from a string.
func (p *Payload) SetContent(s string) {
	copy(p.payloadBytes, s)
	p.length = len(s)
}

// Reset resets the content of the payload.
func (p *Payload) Reset() {
	p.length = 0
}

// PrintContent prints the content of the payload.
func (p *Payload) PrintContent() {
	fmt.Println("Content:", string(p.payloadBytes[:p.length]))
}

func (p *Payload) Copy(src []byte) error {
	if len(src) > len(p.payloadBytes) {
		return fmt.Errorf("Payload Copy: source byte slice(%d) is longer than bufferLength(%d)", len(src), len(p.payloadBytes))
	}
	if len(src) == 0 {
		return fmt.Errorf("Payload Copy: source byte slice is empty")
	}
	copy(p.payloadBytes, src)
	p.length = len(src)
	return nil
}

func (p *Payload) GetSlice() []byte {
	return p.payloadBytes[:p.length]
}

// newPayloadPool builds the per-stack chunk pool. chunkSize should be the
// largest payload a single segment can carry.
func newPayloadPool(poolSize, chunkSize int, debug bool) *rp.RingPool {
	rp.Debug = debug
	pool := rp.NewRingPool("TCP: ", poolSize, NewPayload, chunkSize)
	pool.Debug = debug
	return pool
}
