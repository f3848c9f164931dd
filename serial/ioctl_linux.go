package serial

import (
	ioctl "github.com/daedaluz/goioctl"
	"unsafe"
)

var (
	tcgets2  = ioctl.IOR('T', 0x2A, unsafe.Sizeof(Termios2{}))
	tcsets2  = ioctl.IOW('T', 0x2B, unsafe.Sizeof(Termios2{}))
	tcsetsw2 = ioctl.IOW('T', 0x2C, unsafe.Sizeof(Termios2{}))
	tcsetsf2 = ioctl.IOW('T', 0x2D, unsafe.Sizeof(Termios2{}))

	tcsbrk = uintptr(0x5409)

	tcflsh = uintptr(0x540B)

	tiocmget = uintptr(0x5415) // get status
	tiocmbis = uintptr(0x5416) // set indicated bits
	tiocmbic = uintptr(0x5417) // clear indicated bits
)
