// Package linktest provides in-memory serial ports for link tests. Ports are
// buffered like a UART driver, honor read timeouts the way go.bug.st/serial
// does, and can drop or corrupt frames on write.
package linktest

import (
	"io"
	"sync"
	"time"
)

type buffer struct {
	mu     sync.Mutex
	data   []byte
	signal chan struct{}
	done   chan struct{}
	once   sync.Once
}

func newBuffer() *buffer {
	return &buffer{
		signal: make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
}

func (b *buffer) write(p []byte) error {
	select {
	case <-b.done:
		return io.ErrClosedPipe
	default:
	}
	b.mu.Lock()
	b.data = append(b.data, p...)
	b.mu.Unlock()
	select {
	case b.signal <- struct{}{}:
	default:
	}
	return nil
}

// read blocks until data arrives, the buffer closes, or timeout passes. A
// timeout returns (0, nil).
func (b *buffer) read(p []byte, timeout time.Duration) (int, error) {
	var deadline <-chan time.Time
	if timeout > 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()
		deadline = t.C
	}
	for {
		b.mu.Lock()
		if len(b.data) > 0 {
			n := copy(p, b.data)
			b.data = b.data[n:]
			b.mu.Unlock()
			return n, nil
		}
		b.mu.Unlock()
		select {
		case <-b.done:
			return 0, io.EOF
		default:
		}
		select {
		case <-b.signal:
		case <-b.done:
		case <-deadline:
			return 0, nil
		}
	}
}

func (b *buffer) close() {
	b.once.Do(func() { close(b.done) })
}

// Port is one end of an in-memory link.
type Port struct {
	in  *buffer
	out *buffer

	mu          sync.Mutex
	readTimeout time.Duration
	filter      Filter
	writes      [][]byte
	closed      bool
}

// Pipe returns two connected ports.
func Pipe() (*Port, *Port) {
	ab := newBuffer()
	ba := newBuffer()
	return &Port{in: ba, out: ab}, &Port{in: ab, out: ba}
}

func (p *Port) Read(b []byte) (int, error) {
	p.mu.Lock()
	timeout := p.readTimeout
	p.mu.Unlock()
	return p.in.read(b, timeout)
}

// Write records b and passes it through the filter before delivery. A
// dropped frame still reports success, as a lost byte on a wire would.
func (p *Port) Write(b []byte) (int, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return 0, io.ErrClosedPipe
	}
	frame := append([]byte(nil), b...)
	p.writes = append(p.writes, frame)
	filter := p.filter
	p.mu.Unlock()

	out := frame
	if filter != nil {
		out = filter(append([]byte(nil), frame...))
	}
	if len(out) == 0 {
		return len(b), nil
	}
	if err := p.out.write(out); err != nil {
		return 0, err
	}
	return len(b), nil
}

// Close ends both directions; the peer sees EOF.
func (p *Port) Close() error {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
	p.in.close()
	p.out.close()
	return nil
}

func (p *Port) SetReadTimeout(d time.Duration) error {
	p.mu.Lock()
	p.readTimeout = d
	p.mu.Unlock()
	return nil
}

func (p *Port) SetFilter(f Filter) {
	p.mu.Lock()
	p.filter = f
	p.mu.Unlock()
}

// Inject delivers raw bytes to the peer, bypassing the filter.
func (p *Port) Inject(b []byte) error {
	return p.out.write(b)
}

// Writes returns every frame written, before filtering.
func (p *Port) Writes() [][]byte {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([][]byte, len(p.writes))
	copy(out, p.writes)
	return out
}

func (p *Port) Closed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}
