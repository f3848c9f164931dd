// Package link implements the Link Supervisor: the serial port's lifecycle,
// baud selection, inactivity timeout, and the read loop that feeds inbound
// bytes to the protocol framer.
package link

import (
	"fmt"
	"sync"
	"time"

	"github.com/gofdc/fdcserver/serial"
)

// InactivityTimeout is the one-shot timer duration from SPEC_FULL.md §4.8:
// if nothing has been transmitted to the controller for this long, the link
// is declared disconnected.
const InactivityTimeout = 2000 * time.Millisecond

// pollInterval bounds how long a single ReadTimeout blocks, so the read loop
// notices Close's stop signal within one interval. Close shuts the port
// without waiting for an in-flight ReadTimeout to return.
const pollInterval = 200 * time.Millisecond

// Port is the subset of *serial.Port the supervisor depends on, so tests
// can substitute a fake or an io.Pipe-backed stub instead of real hardware.
type Port interface {
	Write(data []byte) (int, error)
	ReadTimeout(data []byte, timeout time.Duration) (int, error)
	SetAttr2(when serial.Action, attrs *serial.Termios2) error
	EnableModemLines(line serial.ModemLine) error
	DisableModemLines(line serial.ModemLine) error
	GetModemLines() (serial.ModemLine, error)
	Drain() error
	Flush(queue serial.Queue) error
	Fd() int
	Close() error
}

// StatusFunc is how the supervisor reports statusChanged notifications
// without importing the fdc package (which imports link).
type StatusFunc func(text string)

// FeedFunc receives inbound bytes as they arrive off the wire.
type FeedFunc func(b []byte)

// Supervisor owns one serial port at a time and the timer that declares it
// offline after a period of outbound silence.
type Supervisor struct {
	mu sync.Mutex

	open      func(name string) (Port, error)
	port      Port
	connected bool

	timer *time.Timer

	onStatus StatusFunc
	onFeed   FeedFunc

	stopRead chan struct{}
	readDone chan struct{}
}

// New creates a Supervisor. openFn is exposed for tests; production code
// should use NewDefault.
func New(openFn func(name string) (Port, error), onStatus StatusFunc, onFeed FeedFunc) *Supervisor {
	return &Supervisor{open: openFn, onStatus: onStatus, onFeed: onFeed}
}

// NewDefault creates a Supervisor that opens real serial.Port devices. The
// read loop always supplies pollInterval explicitly to ReadTimeout, so the
// port is opened with plain defaults.
func NewDefault(onStatus StatusFunc, onFeed FeedFunc) *Supervisor {
	return New(func(name string) (Port, error) {
		return serial.Open(name, serial.NewOptions())
	}, onStatus, onFeed)
}

// IsOpen reports whether a port is currently open, regardless of whether
// the link is considered connected.
func (s *Supervisor) IsOpen() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.port != nil
}

// Connected reports whether the link has seen outbound traffic within the
// last InactivityTimeout.
func (s *Supervisor) Connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connected
}

// Open closes any existing port, opens name at the given baud, asserts
// DTR/RTS, and starts the read loop. It does not itself mark the link
// connected: connected only becomes true once the inactivity timer is
// armed by a subsequent Send.
func (s *Supervisor) Open(name string, baud int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.closeLocked()

	p, err := s.open(name)
	if err != nil {
		return fmt.Errorf("open %s: %w", name, err)
	}
	if err := p.SetAttr2(serial.TCSANOW, serial.RawAttrs(baud)); err != nil {
		p.Close()
		return fmt.Errorf("configure %s: %w", name, err)
	}
	if err := p.EnableModemLines(serial.TIOCM_DTR | serial.TIOCM_RTS); err != nil {
		p.Close()
		return fmt.Errorf("assert DTR/RTS on %s: %w", name, err)
	}
	// Discard whatever a previous session left buffered on the tty before
	// the read loop starts, so stale bytes can never be mistaken for the
	// start of a fresh command frame.
	p.Flush(serial.TCIOFLUSH)

	s.port = p
	s.connected = false
	s.stopRead = make(chan struct{})
	s.readDone = make(chan struct{})
	go s.readLoop(p, s.stopRead, s.readDone)

	return nil
}

// SetBaud reprograms the baud rate of the currently open port without
// closing it.
func (s *Supervisor) SetBaud(baud int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.port == nil {
		return fmt.Errorf("set baud: %w", ErrNotOpen)
	}
	return s.port.SetAttr2(serial.TCSANOW, serial.RawAttrs(baud))
}

// Close stops the read loop and closes the port, if one is open.
func (s *Supervisor) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closeLocked()
}

func (s *Supervisor) closeLocked() error {
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	if s.port == nil {
		return nil
	}
	close(s.stopRead)
	s.port.Drain()
	s.port.DisableModemLines(serial.TIOCM_DTR | serial.TIOCM_RTS)
	err := s.port.Close()
	<-s.readDone
	s.port = nil
	s.connected = false
	return err
}

// Fd returns the underlying file descriptor of the open port, or -1 if no
// port is open. Used by the entry point's startup log line.
func (s *Supervisor) Fd() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.port == nil {
		return -1
	}
	return s.port.Fd()
}

// ModemLines reports the current state of the port's modem control lines,
// for the entry point's periodic health log line.
func (s *Supervisor) ModemLines() (serial.ModemLine, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.port == nil {
		return 0, ErrNotOpen
	}
	return s.port.GetModemLines()
}

// Send writes data to the port and (re)arms the inactivity timer. It is the
// only place the timer is reset, matching §4.8: every outbound transmission
// postpones the timeout, nothing else does.
func (s *Supervisor) Send(data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.port == nil {
		return ErrNotOpen
	}
	if _, err := s.port.Write(data); err != nil {
		return err
	}
	s.armLocked()
	return nil
}

// armLocked marks the link connected and (re)arms the inactivity timer. It
// deliberately does not invoke onStatus itself: Send is called from deep
// inside command-frame handling, often with Core's own lock already held by
// the calling goroutine, and onStatus ultimately re-enters Core. Callers
// that care about the false-to-true connected transition check Connected()
// before and after Send, as Core.handleStat does for the "Connected"
// notification.
func (s *Supervisor) armLocked() {
	s.connected = true
	if s.timer == nil {
		s.timer = time.AfterFunc(InactivityTimeout, s.onTimeout)
	} else {
		s.timer.Reset(InactivityTimeout)
	}
}

// onTimeout fires when InactivityTimeout elapses with no intervening Send.
// Per §4.8: if the port is still open and the link was connected, declare a
// communications timeout; otherwise (port already closed, or never
// connected) just report offline.
func (s *Supervisor) onTimeout() {
	s.mu.Lock()
	portOpen := s.port != nil
	wasConnected := s.connected
	s.connected = false
	s.mu.Unlock()

	if s.onStatus == nil {
		return
	}
	if portOpen && wasConnected {
		s.onStatus("Communications timeout")
	} else {
		s.onStatus("Offline")
	}
}

func (s *Supervisor) readLoop(p Port, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	buf := make([]byte, 256)
	for {
		select {
		case <-stop:
			return
		default:
		}
		n, err := p.ReadTimeout(buf, pollInterval)
		if err != nil {
			// Timeout, transient poll error, or a port already closed by
			// Close: loop and check stop again. The loop only exits via the
			// stop channel, which Close signals before it shuts the fd.
			continue
		}
		if n <= 0 {
			continue
		}
		if s.onFeed != nil {
			s.onFeed(buf[:n])
		}
	}
}
