package gazesource

import (
	"bytes"
	"errors"
	"sync"
)

// TestPort is a Porter with scripted reads and captured writes. With
// BlockReads set, Read waits for AddReadData or Close.
type TestPort struct {
	mu sync.Mutex

	ReadBuffer  *bytes.Buffer
	WriteBuffer *bytes.Buffer

	ReadError  error // returned once by the next Read
	WriteError error // returned once by the next Write
	CloseError error

	// ShortWrites makes Write report one byte fewer than it was given.
	ShortWrites bool
	BlockReads  bool
	Closed      bool

	readCond *sync.Cond
}

// NewTestPort returns a port whose reads yield data.
func NewTestPort(data string) *TestPort {
	p := &TestPort{
		ReadBuffer:  bytes.NewBufferString(data),
		WriteBuffer: bytes.NewBuffer(nil),
	}
	p.readCond = sync.NewCond(&p.mu)
	return p
}

func (p *TestPort) Read(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.ReadError != nil {
		err := p.ReadError
		p.ReadError = nil
		return 0, err
	}
	for p.BlockReads && !p.Closed && p.ReadBuffer.Len() == 0 {
		p.readCond.Wait()
	}
	if p.Closed {
		return 0, errors.New("port closed")
	}
	return p.ReadBuffer.Read(b)
}

func (p *TestPort) Write(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.Closed {
		return 0, errors.New("port closed")
	}
	if p.WriteError != nil {
		err := p.WriteError
		p.WriteError = nil
		return 0, err
	}
	n, err := p.WriteBuffer.Write(b)
	if p.ShortWrites && n > 0 {
		n--
	}
	return n, err
}

func (p *TestPort) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.Closed = true
	p.readCond.Broadcast()
	return p.CloseError
}

// AddReadData appends data for subsequent reads.
func (p *TestPort) AddReadData(data string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.ReadBuffer.WriteString(data)
	p.readCond.Broadcast()
}

// Written returns everything written so far.
func (p *TestPort) Written() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.WriteBuffer.String()
}
