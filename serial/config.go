package serial

// standardBaud maps the handful of rates the FDC link ever negotiates to
// their POSIX CFlag constant. Rates not in this table (403200, the
// protocol's preferred speed) are not POSIX baud rates at all and must be
// programmed through the termios2 custom-speed path instead.
var standardBaud = map[int]CFlag{
	230400: B230400,
	460800: B460800,
}

// RawAttrs builds the termios2 attributes for an 8N1 raw-mode link running
// at baud: standard rates use the CBAUD-encoded constant, anything else is
// programmed with BOTHER plus an explicit input/output speed.
func RawAttrs(baud int) *Termios2 {
	attrs := &Termios2{}
	attrs.MakeRaw()
	attrs.Cflag |= CS8 | CLOCAL | CREAD
	if speed, ok := standardBaud[baud]; ok {
		attrs.SetSpeed(speed)
	} else {
		attrs.SetCustomSpeed(uint32(baud))
	}
	return attrs
}
