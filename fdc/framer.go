package fdc

import (
	"github.com/gofdc/fdcserver/protocol"
)

type framerState int

const (
	awaitCmd framerState = iota
	awaitWritePayload
)

// writeCmd is the driveNum/trackNum/trackLen remembered from a WRIT command
// frame, carried as the AWAIT_WRITE_PAYLOAD state's associated data so a
// resynchronising reset can never leave a stale value reachable.
type writeCmd struct {
	driveNum int
	trackNum int
	trackLen int
}

// stagingBufSize bounds the framer's accumulation buffer: the largest frame
// it ever needs to hold is a full write payload.
const stagingBufSize = protocol.TrkBufSize + protocol.TrackChecksumSize

// Stats is a read-only snapshot of the framer's state, exposed for
// diagnostics and periodic health logging.
type Stats struct {
	CRCErrors int
	// State is "AWAIT_CMD" or "AWAIT_WRITE_PAYLOAD".
	State string
	// PendingTrackLen is the trackLen of the write payload currently being
	// staged, or 0 when State is "AWAIT_CMD".
	PendingTrackLen int
}

// framer implements the two-state protocol state machine from §4.3. It is
// not safe for concurrent use; Core serialises access behind its mutex.
type framer struct {
	state   framerState
	buf     []byte
	fill    int
	cmd     writeCmd
	crcErrs int

	dispatchCommand func(cmdFrame protocol.Frame)
	dispatchPayload func(cmd writeCmd, payload []byte)
	onOverrun       func()
}

func newFramer(dispatchCommand func(protocol.Frame), dispatchPayload func(writeCmd, []byte), onOverrun func()) *framer {
	return &framer{
		state:           awaitCmd,
		buf:             make([]byte, stagingBufSize),
		dispatchCommand: dispatchCommand,
		dispatchPayload: dispatchPayload,
		onOverrun:       onOverrun,
	}
}

// reset drops the staging buffer and any remembered write command and
// returns the framer to AWAIT_CMD. Used by the inactivity timeout and by
// closePort, per SPEC_FULL.md §9's decision that a stale cmd must never
// survive a state reset.
func (f *framer) reset() {
	f.state = awaitCmd
	f.fill = 0
	f.cmd = writeCmd{}
}

func (f *framer) stats() Stats {
	s := Stats{CRCErrors: f.crcErrs, State: "AWAIT_CMD"}
	if f.state == awaitWritePayload {
		s.State = "AWAIT_WRITE_PAYLOAD"
		s.PendingTrackLen = f.cmd.trackLen
	}
	return s
}

// feed accumulates inbound bytes and drives the state machine. It may
// invoke dispatchCommand/dispatchPayload/onOverrun any number of times
// (zero or more) before returning, since a single read can straddle
// multiple frames.
func (f *framer) feed(in []byte) {
	for len(in) > 0 {
		want := f.wantLen()
		room := want - f.fill
		n := len(in)
		if n > room {
			n = room
		}
		if f.fill+n > len(f.buf) {
			// Buffer-overflow guard (§4.3): clear and resynchronise.
			f.fill = 0
			f.cmd = writeCmd{}
			if f.onOverrun != nil {
				f.onOverrun()
			}
			return
		}
		copy(f.buf[f.fill:], in[:n])
		f.fill += n
		in = in[n:]

		if f.fill < want {
			return
		}
		f.consume()
	}
}

func (f *framer) wantLen() int {
	if f.state == awaitCmd {
		return protocol.FrameSize
	}
	return f.cmd.trackLen + protocol.TrackChecksumSize
}

func (f *framer) consume() {
	switch f.state {
	case awaitCmd:
		frame, err := protocol.UnmarshalFrame(f.buf[:protocol.FrameSize])
		f.fill = 0
		if err != nil || !frame.Valid() {
			f.crcErrs++
			return
		}
		if f.dispatchCommand != nil {
			f.dispatchCommand(frame)
		}
	case awaitWritePayload:
		payload := make([]byte, f.cmd.trackLen+protocol.TrackChecksumSize)
		copy(payload, f.buf[:f.fill])
		cmd := f.cmd
		f.reset()
		if f.dispatchPayload != nil {
			f.dispatchPayload(cmd, payload)
		}
	}
}

// beginWritePayload transitions to AWAIT_WRITE_PAYLOAD with cmd as the
// associated state, validating trackLen against TRKBUF_SIZE first so an
// over-long trackLen never reaches a buffer index (REDESIGN FLAGS / §9).
func (f *framer) beginWritePayload(cmd writeCmd) bool {
	if cmd.trackLen < 0 || cmd.trackLen > protocol.TrkBufSize {
		f.fill = 0
		if f.onOverrun != nil {
			f.onOverrun()
		}
		return false
	}
	f.cmd = cmd
	f.state = awaitWritePayload
	f.fill = 0
	return true
}
