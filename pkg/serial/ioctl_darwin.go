//go:build darwin

package serial

import "golang.org/x/sys/unix"

const (
	ioctlGetTermios = unix.TIOCGETA
	ioctlSetTermios = unix.TIOCSETA

	// _IOW('T', 2, speed_t)
	ioctlIOSSIOSPEED = 0x80045402

	// FREAD from sys/fcntl.h
	flushRead = 0x1
)

var speedTable = map[int]uint32{
	9600:   unix.B9600,
	19200:  unix.B19200,
	38400:  unix.B38400,
	57600:  unix.B57600,
	115200: unix.B115200,
	230400: unix.B230400,
}

func setSpeed(termios *unix.Termios, speed uint32) {
	termios.Ispeed = uint64(speed)
	termios.Ospeed = uint64(speed)
}

func setCustomBaudRate(fd int, baud int) error {
	return unix.IoctlSetPointerInt(fd, ioctlIOSSIOSPEED, baud)
}

func flushInput(fd int) error {
	return unix.IoctlSetPointerInt(fd, unix.TIOCFLUSH, flushRead)
}
