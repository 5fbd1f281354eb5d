package powerbus

import (
	"unsafe"

	"golang.org/x/sys/unix"
)

const (
	SER_RS485_ENABLED        = 1 << 0
	SER_RS485_RTS_ON_SEND    = 1 << 1
	SER_RS485_RTS_AFTER_SEND = 1 << 2
)

// struct serial_rs485 from linux/serial.h
type serialRS485 struct {
	Flags              uint32
	DelayRtsBeforeSend uint32
	DelayRtsAfterSend  uint32
	padding            [5]uint32
}

// enableRS485 asks the uart driver to toggle RTS around every transmission.
// The setting belongs to the tty, so it survives the port being reopened.
func enableRS485(device string) error {
	fd, err := unix.Open(device, unix.O_RDWR|unix.O_NOCTTY|unix.O_NONBLOCK, 0)
	if err != nil {
		return err
	}
	defer unix.Close(fd)

	cfg := serialRS485{Flags: SER_RS485_ENABLED | SER_RS485_RTS_ON_SEND}
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(fd), uintptr(unix.TIOCSRS485), uintptr(unsafe.Pointer(&cfg)))
	if errno != 0 {
		return errno
	}
	return nil
}
