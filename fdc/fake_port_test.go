package fdc

import (
	"errors"
	"sync"
	"time"

	"github.com/gofdc/fdcserver/link"
	"github.com/gofdc/fdcserver/serial"
)

var errFakeTimeout = errors.New("fake port: read timeout")

// fakePort is a link.Port that never touches real hardware: writes are
// captured for inspection, reads are driven by deliver.
type fakePort struct {
	mu     sync.Mutex
	outbox [][]byte
	in     chan []byte
	closed bool
}

func newFakePort() *fakePort {
	return &fakePort{in: make(chan []byte, 16)}
}

func (p *fakePort) Write(data []byte) (int, error) {
	cp := make([]byte, len(data))
	copy(cp, data)
	p.mu.Lock()
	p.outbox = append(p.outbox, cp)
	p.mu.Unlock()
	return len(data), nil
}

func (p *fakePort) ReadTimeout(data []byte, timeout time.Duration) (int, error) {
	select {
	case b := <-p.in:
		return copy(data, b), nil
	case <-time.After(timeout):
		return 0, errFakeTimeout
	}
}

func (p *fakePort) SetAttr2(when serial.Action, attrs *serial.Termios2) error { return nil }

func (p *fakePort) EnableModemLines(line serial.ModemLine) error  { return nil }
func (p *fakePort) DisableModemLines(line serial.ModemLine) error { return nil }
func (p *fakePort) GetModemLines() (serial.ModemLine, error)      { return 0, nil }
func (p *fakePort) Drain() error                                  { return nil }
func (p *fakePort) Flush(queue serial.Queue) error                { return nil }
func (p *fakePort) Fd() int                                       { return 7 }

func (p *fakePort) Close() error {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
	return nil
}

func (p *fakePort) deliver(b []byte) {
	p.in <- b
}

func (p *fakePort) takeOutbox() [][]byte {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := p.outbox
	p.outbox = nil
	return out
}

// newTestCore wires a Core to a fakePort instead of a real serial device.
func newTestCore(p *fakePort) *Core {
	return newCore(func(onStatus link.StatusFunc, onFeed link.FeedFunc) *link.Supervisor {
		return link.New(func(name string) (link.Port, error) { return p, nil }, onStatus, onFeed)
	})
}
