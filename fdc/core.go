// Package fdc implements the protocol engine: the framer and command
// handlers from SPEC_FULL.md §4.3-4.9, wired to a drive.Table and a
// link.Supervisor behind a single mutex so the ordering guarantees of §5
// hold regardless of how many goroutines call into Core.
package fdc

import (
	"fmt"
	"sync"

	"github.com/gofdc/fdcserver/drive"
	"github.com/gofdc/fdcserver/link"
	"github.com/gofdc/fdcserver/protocol"
	"github.com/gofdc/fdcserver/serial"
)

// Core is the server's protocol engine: one Framer, one drive.Table, one
// link.Supervisor, and the set of subscribed Observers.
type Core struct {
	mu sync.Mutex

	drives drive.Table
	link   *link.Supervisor
	framer *framer
	obs    observerSet

	driveSelected int // 0..MaxDrive-1, or protocol.NoDrive
}

// New creates a Core with its own Supervisor, wired to feed inbound bytes
// through the framer and dispatch outbound frames back through Send.
func New() *Core {
	return newCore(link.NewDefault)
}

// newCore builds a Core around a Supervisor produced by newSupervisor,
// letting tests substitute a fake link.Port instead of real hardware.
func newCore(newSupervisor func(onStatus link.StatusFunc, onFeed link.FeedFunc) *link.Supervisor) *Core {
	c := &Core{driveSelected: protocol.NoDrive}
	c.framer = newFramer(c.handleCommand, c.handlePayload, c.handleOverrun)
	c.link = newSupervisor(c.handleStatus, c.handleFeed)
	return c
}

func (c *Core) handleStatus(text string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if text == "Communications timeout" || text == "Offline" {
		c.framer.reset()
	}
	c.obs.statusChanged(text)
}

func (c *Core) handleFeed(b []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.framer.feed(b)
}

func (c *Core) handleOverrun() {
	c.obs.errorMessage("Protocol error", "staging buffer overrun, resynchronising")
}

// Subscribe registers an Observer to receive notifications, in addition to
// any already subscribed.
func (c *Core) Subscribe(o Observer) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.obs.subscribe(o)
}

// Unsubscribe removes a previously subscribed Observer.
func (c *Core) Unsubscribe(o Observer) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.obs.unsubscribe(o)
}

// OpenPort opens name at baud and starts serving the controller.
func (c *Core) OpenPort(name string, baud int) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.link.Open(name, baud); err != nil {
		c.obs.errorMessage("Port error", err.Error())
		return err
	}
	c.framer.reset()
	c.obs.statusChanged("Online")
	return nil
}

// ClosePort detaches and closes the serial port, if one is open.
func (c *Core) ClosePort() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	err := c.link.Close()
	c.framer.reset()
	c.obs.statusChanged("Offline")
	return err
}

// Stats returns a snapshot of the framer's counters and current state, for
// the entry point's periodic health log line.
func (c *Core) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.framer.stats()
}

// Fd returns the underlying file descriptor of the open port, or -1 if no
// port is open.
func (c *Core) Fd() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.link.Fd()
}

// ModemLines reports the current state of the open port's modem control
// lines, for the entry point's periodic health log line.
func (c *Core) ModemLines() (serial.ModemLine, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.link.ModemLines()
}

// SetBaud reprograms the open port's baud rate.
func (c *Core) SetBaud(baud int) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.link.SetBaud(baud); err != nil {
		c.obs.errorMessage("Port error", err.Error())
		c.obs.statusChanged("Offline")
		return err
	}
	return nil
}

// MountDisk opens path on drive d and reports its inferred geometry.
func (c *Core) MountDisk(d int, path string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	res, err := c.drives.Mount(d, path)
	if err != nil {
		c.obs.errorMessage("Mount failed", err.Error())
		return err
	}
	c.obs.mountChanged(res.Drive, true, res.Path, res.MaxTrack, res.SizeLabel)
	c.obs.trackChanged(res.Drive, 0)
	return nil
}

// UnmountDisk closes drive d's backing file, if any.
func (c *Core) UnmountDisk(d int) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	res, err := c.drives.Unmount(d)
	if err != nil {
		c.obs.errorMessage("Unmount failed", err.Error())
		return err
	}
	if res.TrackChanged {
		c.obs.trackChanged(d, 0)
	}
	c.obs.mountChanged(d, false, "", 0, "")
	return nil
}

// updateTrack implements §4.9, called with the Core mutex already held.
func (c *Core) updateTrack(d, track int) int {
	if d < 0 || d >= protocol.MaxDrive {
		c.obs.errorMessage("Protocol error", fmt.Sprintf("drive %d out of range", d))
		return track
	}
	effective, changed, err := c.drives.UpdateTrack(d, track)
	if err != nil {
		c.obs.errorMessage("Protocol error", err.Error())
		return track
	}
	if changed {
		c.obs.trackChanged(d, effective)
	}
	return effective
}

func (c *Core) send(frame protocol.Frame) {
	b, _ := frame.MarshalBinary()
	if err := c.link.Send(b); err != nil {
		c.obs.errorMessage("Port error", err.Error())
	}
}

func (c *Core) sendRaw(b []byte) {
	if err := c.link.Send(b); err != nil {
		c.obs.errorMessage("Port error", err.Error())
	}
}

// handleCommand dispatches a validated inbound command frame (called with
// the Core mutex held, from framer.feed).
func (c *Core) handleCommand(f protocol.Frame) {
	switch f.Tag() {
	case protocol.CmdStat:
		c.handleStat(f)
	case protocol.CmdRead:
		c.handleRead(f)
	case protocol.CmdWrit:
		c.handleWrit(f)
	}
}

// handleStat implements §4.4.
func (c *Core) handleStat(f protocol.Frame) {
	newDrive := int(f.Param1 & 0xff)
	headLoaded := f.Param1&0xff00 != 0
	track := int(f.Param2)

	if newDrive != c.driveSelected {
		if c.driveSelected != protocol.NoDrive && c.driveSelected < protocol.MaxDrive {
			if changed, _ := c.drives.SetHeadLoaded(c.driveSelected, false); changed {
				c.obs.headChanged(c.driveSelected, false)
			}
		}
		if newDrive < protocol.MaxDrive {
			c.obs.driveChanged(newDrive)
		}
	}

	if newDrive < protocol.MaxDrive {
		if changed, err := c.drives.SetHeadLoaded(newDrive, headLoaded); err == nil && changed {
			c.obs.headChanged(newDrive, headLoaded)
		}
		c.updateTrack(newDrive, track)
	}

	c.driveSelected = newDrive

	wasConnected := c.link.Connected()
	resp := protocol.NewCommand(protocol.CmdStat, protocol.StatOK, c.drives.MountBitmask())
	c.send(resp)

	if !wasConnected && c.link.Connected() {
		c.obs.statusChanged("Connected")
	}
}

// handleRead implements §4.5, including the intentional zero-padded-buffer
// checksum behaviour on a short read (SPEC_FULL.md §9).
func (c *Core) handleRead(f protocol.Frame) {
	driveNum := int(f.Param1 >> 12)
	trackNum := int(f.Param1 & 0x0FFF)
	trackLen := int(f.Param2)

	if driveNum >= protocol.MaxDrive {
		c.obs.errorMessage("Protocol error", fmt.Sprintf("READ: drive %d out of range", driveNum))
		return
	}
	if trackLen < 0 || trackLen > protocol.TrkBufSize {
		trackLen = protocol.TrkBufSize
	}

	c.updateTrack(driveNum, trackNum)

	buf := make([]byte, trackLen)
	file := c.drives.File(driveNum)
	if file != nil {
		n, err := file.ReadAt(buf, int64(trackNum)*int64(trackLen))
		if err != nil && n == 0 {
			c.obs.errorMessage("Read error", err.Error())
		}
		// A short read (n < trackLen, including n == 0 with a non-EOF
		// error) is not treated as a protocol error: buf's unfilled tail
		// stays zero and is transmitted as-is, per §9.
	}

	out := protocol.EncodeTrack(buf)
	c.sendRaw(out)
}

// handleWrit implements §4.6.
func (c *Core) handleWrit(f protocol.Frame) {
	driveNum := int(f.Param1 >> 12)
	trackNum := int(f.Param1 & 0x0FFF)
	trackLen := int(f.Param2)

	if driveNum >= protocol.MaxDrive {
		c.obs.errorMessage("Protocol error", fmt.Sprintf("WRIT: drive %d out of range", driveNum))
		return
	}

	rcode := protocol.StatNotReady
	if c.drives.IsMounted(driveNum) {
		rcode = protocol.StatOK
	}
	resp := protocol.NewCommand(protocol.CmdWrit, rcode, 0)
	c.send(resp)

	c.framer.beginWritePayload(writeCmd{driveNum: driveNum, trackNum: trackNum, trackLen: trackLen})
}

// handlePayload implements §4.7 (WSTA), called once the staged payload's
// trackLen+2 bytes have arrived.
func (c *Core) handlePayload(cmd writeCmd, payload []byte) {
	data, trailer := protocol.SplitTrackPayload(payload, cmd.trackLen)

	var rcode uint16
	switch {
	case !c.drives.IsMounted(cmd.driveNum):
		rcode = protocol.StatNotReady
	case protocol.Sum16(data) != trailer:
		rcode = protocol.StatChecksumErr
		c.framer.crcErrs++
	default:
		c.updateTrack(cmd.driveNum, cmd.trackNum)
		file := c.drives.File(cmd.driveNum)
		n, err := file.WriteAt(data, int64(cmd.trackNum)*int64(cmd.trackLen))
		switch {
		case err != nil:
			c.obs.errorMessage("Write error", err.Error())
			rcode = protocol.StatWriteErr
		case n != len(data):
			rcode = protocol.StatWriteErr
		default:
			rcode = protocol.StatOK
		}
	}

	resp := protocol.NewCommand(protocol.CmdWsta, rcode, 0)
	c.send(resp)
}
