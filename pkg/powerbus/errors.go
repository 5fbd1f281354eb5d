package powerbus

import (
	"errors"
	"fmt"
)

var (
	// ErrIncomplete means the buffer holds the start of a frame, feed more bytes.
	ErrIncomplete = errors.New("powerbus: incomplete frame")
	// ErrNotAFrame means the buffer does not start with a frame marker.
	ErrNotAFrame = errors.New("powerbus: not a frame")

	ErrCommunicationTimedOut = errors.New("powerbus: communication timed out")
	ErrInAddressMode         = errors.New("powerbus: bus is in address mode")
	ErrNotInAddressMode      = errors.New("powerbus: bus is not in address mode")
	ErrClosed                = errors.New("powerbus: communicator closed")
	ErrNoFreeAddress         = errors.New("powerbus: no free bus address")
	ErrUnknownVersion        = errors.New("powerbus: unknown module version")
)

// EncodingError is returned when arguments do not fit a command layout.
type EncodingError struct {
	Field  string
	Reason string
}

func (e *EncodingError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("powerbus: encoding field %q: %s", e.Field, e.Reason)
	}
	return fmt.Sprintf("powerbus: encoding: %s", e.Reason)
}

type ChecksumError struct {
	Expected byte
	Actual   byte
}

func (e *ChecksumError) Error() string {
	return fmt.Sprintf("powerbus: checksum mismatch: expected 0x%02x, got 0x%02x", e.Expected, e.Actual)
}

type MalformedFrameError struct {
	Reason string
}

func (e *MalformedFrameError) Error() string {
	return fmt.Sprintf("powerbus: malformed frame: %s", e.Reason)
}

// CommandRejected is returned when a module answers with a NACK.
type CommandRejected struct {
	Address byte
	Opcode  string
	Reason  byte
}

func (e *CommandRejected) Error() string {
	return fmt.Sprintf("powerbus: command %s rejected by module %d (reason 0x%02x)", e.Opcode, e.Address, e.Reason)
}

// UnknownCommand reports whether the module rejected the opcode because its
// firmware does not implement it. Modules stuck in the bootloader do this.
func (e *CommandRejected) UnknownCommand() bool {
	return e.Reason == NACK_UNKNOWN_COMMAND
}

// TransportError wraps a failure of the underlying transport. The bus is
// unusable until the Communicator is reopened.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("powerbus: transport %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}
