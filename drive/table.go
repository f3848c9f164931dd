// Package drive implements the Drive Table: a fixed array of drive slots,
// each an optional backing disk-image file with an inferred geometry.
package drive

import (
	"errors"
	"fmt"
	"os"

	"github.com/gofdc/fdcserver/protocol"
)

// ErrOutOfRange is returned (or wrapped) whenever a drive index is used
// that falls outside 0..MaxDrive-1.
var ErrOutOfRange = errors.New("drive out of range")

// geometry is one row of the file-size-to-geometry inference table from
// SPEC_FULL.md §4.2. Sizes are exact disk-image byte counts; anything else
// falls through to the unknown entry.
type geometry struct {
	size     int64
	maxTrack int
	label    string
}

var geometryTable = []geometry{
	{size: 76800, maxTrack: 34, label: "75K"},
	{size: 337664, maxTrack: 76, label: "330K"},
	{size: 8978432, maxTrack: 2047, label: "8MB"},
}

const unknownMaxTrack = 2047
const unknownLabel = "???"

func inferGeometry(size int64) (maxTrack int, label string) {
	for _, g := range geometryTable {
		if g.size == size {
			return g.maxTrack, g.label
		}
	}
	return unknownMaxTrack, unknownLabel
}

// Slot is one drive's mutable state.
type Slot struct {
	Mounted    bool
	Path       string
	file       *os.File
	MaxTrack   int
	CurTrack   int
	HeadLoaded bool
	SizeLabel  string
}

// Table is the fixed MaxDrive-sized array of drive slots.
type Table struct {
	slots [protocol.MaxDrive]Slot
}

// MountResult describes what Mount actually did, for the caller to turn
// into a mountChanged/trackChanged notification pair.
type MountResult struct {
	Drive     int
	Path      string
	MaxTrack  int
	SizeLabel string
}

// Mount opens path for drive d, closing any file currently open on that
// slot first, and infers the drive's geometry from the new file's size. If
// the open fails, the previously open file stays closed and the slot's
// other fields (Mounted, Path, geometry, track) are left as they were.
func (t *Table) Mount(d int, path string) (*MountResult, error) {
	if d < 0 || d >= protocol.MaxDrive {
		return nil, fmt.Errorf("drive %d: %w", d, ErrOutOfRange)
	}
	t.closeFile(d)

	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return nil, err
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}
	maxTrack, label := inferGeometry(info.Size())

	s := &t.slots[d]
	s.file = f
	s.Path = path
	s.Mounted = true
	s.CurTrack = 0
	s.MaxTrack = maxTrack
	s.SizeLabel = label

	return &MountResult{Drive: d, Path: path, MaxTrack: maxTrack, SizeLabel: label}, nil
}

// UnmountResult reports whether the track position actually changed, so
// the caller knows whether to also emit trackChanged.
type UnmountResult struct {
	Drive        int
	WasMounted   bool
	TrackChanged bool
}

// Unmount closes drive d's backing file, if any, and resets its track
// position to 0.
func (t *Table) Unmount(d int) (UnmountResult, error) {
	if d < 0 || d >= protocol.MaxDrive {
		return UnmountResult{}, fmt.Errorf("drive %d: %w", d, ErrOutOfRange)
	}
	s := &t.slots[d]
	res := UnmountResult{Drive: d, WasMounted: s.Mounted}
	if s.Mounted {
		if s.CurTrack != 0 {
			res.TrackChanged = true
		}
		s.CurTrack = 0
	}
	t.closeFile(d)
	s.Mounted = false
	s.Path = ""
	s.MaxTrack = 0
	s.SizeLabel = ""
	return res, nil
}

func (t *Table) closeFile(d int) {
	s := &t.slots[d]
	if s.file != nil {
		s.file.Close()
		s.file = nil
	}
}

// Get returns a copy of drive d's current state.
func (t *Table) Get(d int) (Slot, error) {
	if d < 0 || d >= protocol.MaxDrive {
		return Slot{}, fmt.Errorf("drive %d: %w", d, ErrOutOfRange)
	}
	s := t.slots[d]
	s.file = nil
	return s, nil
}

// IsMounted reports whether drive d currently has a file open.
func (t *Table) IsMounted(d int) bool {
	if d < 0 || d >= protocol.MaxDrive {
		return false
	}
	return t.slots[d].Mounted
}

// MountBitmask returns the STAT rdata bitmask: bit d set iff drive d is
// mounted.
func (t *Table) MountBitmask() uint16 {
	mounted := make([]bool, protocol.MaxDrive)
	for d := range t.slots {
		mounted[d] = t.slots[d].Mounted
	}
	return protocol.MountBitmask(mounted)
}

// File returns the open backing file for drive d, or nil if unmounted.
// Used by the command handlers to perform track I/O directly; it does not
// copy or wrap the handle because handlers need ReadAt/WriteAt semantics.
func (t *Table) File(d int) *os.File {
	if d < 0 || d >= protocol.MaxDrive {
		return nil
	}
	return t.slots[d].file
}

// SetHeadLoaded updates drive d's head-loaded flag and reports whether it
// changed.
func (t *Table) SetHeadLoaded(d int, loaded bool) (changed bool, err error) {
	if d < 0 || d >= protocol.MaxDrive {
		return false, fmt.Errorf("drive %d: %w", d, ErrOutOfRange)
	}
	s := &t.slots[d]
	changed = s.HeadLoaded != loaded
	s.HeadLoaded = loaded
	return changed, nil
}

// HeadLoaded reports drive d's current head-loaded flag.
func (t *Table) HeadLoaded(d int) bool {
	if d < 0 || d >= protocol.MaxDrive {
		return false
	}
	return t.slots[d].HeadLoaded
}

// UpdateTrack implements §4.9: coerce track to 0 if the drive isn't
// mounted, store it if it differs from the slot's remembered curTrack, and
// report whether it changed so the caller can emit trackChanged.
func (t *Table) UpdateTrack(d int, track int) (effective int, changed bool, err error) {
	if d < 0 || d >= protocol.MaxDrive {
		return track, false, fmt.Errorf("drive %d: %w", d, ErrOutOfRange)
	}
	s := &t.slots[d]
	if !s.Mounted {
		track = 0
	}
	changed = s.CurTrack != track
	s.CurTrack = track
	return track, changed, nil
}

// TrackLength derives the conventional track length for drive d's inferred
// geometry, for diagnostic logging only. The wire protocol always carries
// its own trackLen per command; this is never substituted for it.
func (t *Table) TrackLength(d int) (int, error) {
	if d < 0 || d >= protocol.MaxDrive {
		return 0, fmt.Errorf("drive %d: %w", d, ErrOutOfRange)
	}
	s := &t.slots[d]
	if !s.Mounted || s.file == nil {
		return 0, nil
	}
	info, err := s.file.Stat()
	if err != nil {
		return 0, err
	}
	if s.MaxTrack+1 <= 0 {
		return 0, nil
	}
	return int(info.Size()) / (s.MaxTrack + 1), nil
}
