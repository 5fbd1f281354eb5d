//go:build !linux

package powerbus

import "errors"

func enableRS485(device string) error {
	return errors.New("rs485 transmit enable is only supported on linux")
}
