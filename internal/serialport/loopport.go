package serialport

import (
	"bytes"
	"errors"
	"sync"
	"time"
)

// LoopPort implements Port with configurable behaviour for testing. It
// provides fine-grained control over reads, writes, errors, and latency.
type LoopPort struct {
	mu sync.Mutex

	// ReadBuffer holds data to be returned by Read calls.
	ReadBuffer *bytes.Buffer

	// WriteBuffer captures data written to the port.
	WriteBuffer *bytes.Buffer

	// ReadError is returned by the next Read call if set.
	ReadError error

	// WriteError is returned by the next Write call if set.
	WriteError error

	// ReadLatency adds a delay to each Read call.
	ReadLatency time.Duration

	// Closed indicates whether Close was called.
	Closed bool

	// ReadCalls and WriteCalls record call counts.
	ReadCalls  int
	WriteCalls int

	readCond *sync.Cond
}

// NewLoopPort creates a LoopPort ready for use in tests.
func NewLoopPort() *LoopPort {
	p := &LoopPort{
		ReadBuffer:  bytes.NewBuffer(nil),
		WriteBuffer: bytes.NewBuffer(nil),
	}
	p.readCond = sync.NewCond(&p.mu)
	return p
}

// Feed appends data to the read buffer; the next Read returns it.
func (p *LoopPort) Feed(data []byte) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.ReadBuffer.Write(data)
	p.readCond.Broadcast()
}

func (p *LoopPort) Read(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.ReadCalls++
	if p.Closed {
		return 0, errors.New("port closed")
	}
	if p.ReadError != nil {
		err := p.ReadError
		p.ReadError = nil
		return 0, err
	}
	if p.ReadLatency > 0 {
		p.mu.Unlock()
		time.Sleep(p.ReadLatency)
		p.mu.Lock()
	}
	if p.ReadBuffer.Len() == 0 {
		// Behave like a port with a short read timeout.
		return 0, nil
	}
	return p.ReadBuffer.Read(b)
}

func (p *LoopPort) Write(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.WriteCalls++
	if p.Closed {
		return 0, errors.New("port closed")
	}
	if p.WriteError != nil {
		err := p.WriteError
		p.WriteError = nil
		return 0, err
	}
	return p.WriteBuffer.Write(b)
}

func (p *LoopPort) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.Closed = true
	p.readCond.Broadcast()
	return nil
}

// Written returns a copy of everything written to the port so far.
func (p *LoopPort) Written() []byte {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]byte, p.WriteBuffer.Len())
	copy(out, p.WriteBuffer.Bytes())
	return out
}
