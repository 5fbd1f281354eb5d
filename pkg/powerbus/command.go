package powerbus

import "fmt"

type Mode byte

const (
	MODE_GET  Mode = 'G'
	MODE_SET  Mode = 'S'
	MODE_NACK Mode = 'N'
)

func (m Mode) String() string {
	return string(rune(m))
}

const (
	BROADCAST_ADDRESS byte = 255
	MIN_ADDRESS       byte = 1
	MAX_ADDRESS       byte = 254

	// NACK reason sent by modules that do not know the opcode.
	NACK_UNKNOWN_COMMAND byte = 0x02
)

// Command describes one bus operation. Commands are immutable and shared by
// every invocation of that operation.
type Command struct {
	Mode   Mode
	Opcode string
	Input  Layout
	Output Layout
}

func NewCommand(mode Mode, opcode string, input, output Layout) (*Command, error) {
	if mode != MODE_GET && mode != MODE_SET {
		return nil, fmt.Errorf("powerbus: invalid command mode %q", mode)
	}
	if len(opcode) != 3 {
		return nil, fmt.Errorf("powerbus: opcode %q must be 3 characters", opcode)
	}
	for _, f := range append(append(Layout{}, input...), output...) {
		if (f.Kind == KIND_BYTES || f.Kind == KIND_STRING) && f.Size <= 0 {
			return nil, fmt.Errorf("powerbus: field %q of %s needs a size", f.Name, opcode)
		}
		if (f.Kind == KIND_BYTES || f.Kind == KIND_STRING) && f.repeated() {
			return nil, fmt.Errorf("powerbus: %s field %q of %s cannot be repeated", f.Kind, f.Name, opcode)
		}
	}
	if input.Len() > 255 || output.Len() > 255 {
		return nil, fmt.Errorf("powerbus: %s payload exceeds 255 bytes", opcode)
	}
	return &Command{
		Mode:   mode,
		Opcode: opcode,
		Input:  input,
		Output: output,
	}, nil
}

// MustCommand is like NewCommand but panics on an invalid definition.
func MustCommand(mode Mode, opcode string, input, output Layout) *Command {
	cmd, err := NewCommand(mode, opcode, input, output)
	if err != nil {
		panic(err)
	}
	return cmd
}

// Matches reports whether frame is the reply or the NACK for this command
// sent to address with cid.
func (c *Command) Matches(frame Frame, address, cid byte) bool {
	if frame.Address != address || frame.CID != cid || frame.Opcode != c.Opcode {
		return false
	}
	return frame.Mode == c.Mode || frame.Mode == MODE_NACK
}

func (c *Command) String() string {
	return fmt.Sprintf("%s%s", c.Mode, c.Opcode)
}
