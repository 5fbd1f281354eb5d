package powerbus

import (
	"fmt"
	"time"

	"go.bug.st/serial"
)

type SerialConfig struct {
	Device      string
	BaudRate    int
	ReadTimeout time.Duration
	// RS485 enables the kernel driven transmit enable line of the port.
	RS485 bool
}

type SerialTransport struct {
	port   serial.Port
	device string
}

var _ Transport = (*SerialTransport)(nil)

// OpenSerial opens the bus serial port as 8N1 at the configured speed.
func OpenSerial(cfg SerialConfig) (*SerialTransport, error) {
	if cfg.RS485 {
		if err := enableRS485(cfg.Device); err != nil {
			return nil, &TransportError{Op: "rs485", Err: err}
		}
	}
	port, err := serial.Open(cfg.Device, &serial.Mode{
		BaudRate: cfg.BaudRate,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	})
	if err != nil {
		return nil, &TransportError{Op: "open", Err: fmt.Errorf("%s: %w", cfg.Device, err)}
	}
	readTimeout := cfg.ReadTimeout
	if readTimeout <= 0 {
		readTimeout = 100 * time.Millisecond
	}
	if err := port.SetReadTimeout(readTimeout); err != nil {
		port.Close()
		return nil, &TransportError{Op: "open", Err: err}
	}
	if err := port.ResetInputBuffer(); err != nil {
		port.Close()
		return nil, &TransportError{Op: "open", Err: err}
	}
	return &SerialTransport{port: port, device: cfg.Device}, nil
}

func (t *SerialTransport) Read(p []byte) (int, error) {
	return t.port.Read(p)
}

func (t *SerialTransport) Write(p []byte) (int, error) {
	n, err := t.port.Write(p)
	if err != nil {
		return n, err
	}
	return n, t.port.Drain()
}

func (t *SerialTransport) Close() error {
	return t.port.Close()
}

func (t *SerialTransport) String() string {
	return t.device
}

// SerialPorts lists the serial devices present on the host.
func SerialPorts() ([]string, error) {
	return serial.GetPortsList()
}
