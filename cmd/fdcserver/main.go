// Command fdcserver exposes mounted disk images to a floppy-disk
// controller over a serial link. It is a minimal stand-in for the GUI
// collaborator: it wires flags to the Core API and renders notifications
// as log lines, with no protocol logic of its own.
package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofdc/fdcserver/fdc"
)

var validBaud = map[int]bool{230400: true, 403200: true, 460800: true}

// healthInterval is how often the entry point logs a combined framer/link
// diagnostics line while a port is open.
const healthInterval = 30 * time.Second

// checkBaud rejects any baud rate outside the three the controller's UART
// actually supports, returning a message suitable for logger.Fatal.
func checkBaud(baud int) error {
	if !validBaud[baud] {
		return fmt.Errorf("invalid -baud %d: must be 230400, 403200, or 460800", baud)
	}
	return nil
}

func main() {
	port := flag.String("port", "", "serial device path (required)")
	baud := flag.Int("baud", 403200, "baud rate: 230400, 403200, or 460800")
	var drivePaths [4]string
	flag.StringVar(&drivePaths[0], "drive0", "", "disk image to mount on drive 0 at startup")
	flag.StringVar(&drivePaths[1], "drive1", "", "disk image to mount on drive 1 at startup")
	flag.StringVar(&drivePaths[2], "drive2", "", "disk image to mount on drive 2 at startup")
	flag.StringVar(&drivePaths[3], "drive3", "", "disk image to mount on drive 3 at startup")
	flag.Parse()

	logger := log.New(os.Stderr, "fdcserver: ", log.LstdFlags)

	if *port == "" {
		logger.Fatal("-port is required")
	}
	if err := checkBaud(*baud); err != nil {
		logger.Fatal(err)
	}

	core := fdc.New()
	core.Subscribe(&logObserver{logger: logger})

	if err := core.OpenPort(*port, *baud); err != nil {
		logger.Fatalf("open %s: %v", *port, err)
	}
	logger.Printf("opened %s fd=%d baud=%d", *port, core.Fd(), *baud)

	for d, path := range drivePaths {
		if path == "" {
			continue
		}
		if err := core.MountDisk(d, path); err != nil {
			logger.Printf("mount drive %d (%s): %v", d, path, err)
		}
	}

	health := time.NewTicker(healthInterval)
	defer health.Stop()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)

	for {
		select {
		case <-sig:
			logger.Print("shutting down")
			if err := core.ClosePort(); err != nil {
				logger.Printf("close port: %v", err)
			}
			return
		case <-health.C:
			logHealth(logger, core)
		}
	}
}

// logHealth renders a combined framer/link diagnostics line: the framer's
// state and counters alongside the port's modem line status, so a human
// watching the log can tell a wedged framer from a dropped cable.
func logHealth(logger *log.Logger, core *fdc.Core) {
	stats := core.Stats()
	lines, err := core.ModemLines()
	if err != nil {
		logger.Printf("health: state=%s crcErrors=%d pendingTrackLen=%d modemLines=<%v>",
			stats.State, stats.CRCErrors, stats.PendingTrackLen, err)
		return
	}
	logger.Printf("health: state=%s crcErrors=%d pendingTrackLen=%d modemLines=%s",
		stats.State, stats.CRCErrors, stats.PendingTrackLen, lines)
}

// logObserver implements fdc.Observer by rendering every notification as a
// log line: status/message/mount/track/drive/head changes at info level,
// errorMessage at error level.
type logObserver struct {
	logger *log.Logger
}

func (o *logObserver) StatusChanged(text string) {
	o.logger.Printf("status: %s", text)
}

func (o *logObserver) MessageChanged(text string) {
	o.logger.Printf("message: %s", text)
}

func (o *logObserver) ErrorMessage(title, text string) {
	o.logger.Printf("error: %s: %s", title, text)
}

func (o *logObserver) MountChanged(drive int, mounted bool, path string, maxTrack int, sizeLabel string) {
	if mounted {
		o.logger.Printf("drive %d mounted: %s (maxTrack=%d, %s)", drive, path, maxTrack, sizeLabel)
		return
	}
	o.logger.Printf("drive %d unmounted", drive)
}

func (o *logObserver) TrackChanged(drive, track int) {
	o.logger.Printf("drive %d: track %d", drive, track)
}

func (o *logObserver) DriveChanged(drive int) {
	o.logger.Printf("drive %d selected", drive)
}

func (o *logObserver) HeadChanged(drive int, loaded bool) {
	o.logger.Printf("drive %d: head %s", drive, headState(loaded))
}

func headState(loaded bool) string {
	if loaded {
		return "loaded"
	}
	return "unloaded"
}
