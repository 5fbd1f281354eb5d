package powerbus

import (
	"bytes"
	"fmt"
	"strings"
)

const (
	MARKER_REQUEST = "STR"
	MARKER_REPLY   = "RTR"
	ENTITY_MARKER  = 'E'
	TERMINATOR     = "\r\n"

	// marker + entity + address + cid + mode + opcode + length
	HEADER_LEN = 11
	// header + crc + terminator
	FRAME_OVERHEAD = HEADER_LEN + 3
)

// Frame is one decoded wire message.
type Frame struct {
	Marker  string
	Address byte
	CID     byte
	Mode    Mode
	Opcode  string
	Payload []byte
	CRC     byte
}

func (f Frame) IsNack() bool {
	return f.Mode == MODE_NACK
}

func (f Frame) IsReply() bool {
	return f.Marker == MARKER_REPLY
}

// NackReason is the reason byte carried by a NACK, or zero when absent.
func (f Frame) NackReason() byte {
	if !f.IsNack() || len(f.Payload) == 0 {
		return 0
	}
	return f.Payload[0]
}

func (f Frame) String() string {
	return fmt.Sprintf("%s addr=%d cid=%d %s%s len=%d", f.Marker, f.Address, f.CID, f.Mode, f.Opcode, len(f.Payload))
}

// EncodeRequest builds the STR frame sending cmd to address.
func EncodeRequest(cmd *Command, address, cid byte, args ...any) ([]byte, error) {
	payload, err := cmd.Input.Pack(args...)
	if err != nil {
		return nil, err
	}
	return encodeFrame(MARKER_REQUEST, address, cid, cmd.Mode, cmd.Opcode, payload), nil
}

// EncodeReply builds the RTR frame a module sends back for cmd.
func EncodeReply(cmd *Command, address, cid byte, values ...any) ([]byte, error) {
	payload, err := cmd.Output.Pack(values...)
	if err != nil {
		return nil, err
	}
	return encodeFrame(MARKER_REPLY, address, cid, cmd.Mode, cmd.Opcode, payload), nil
}

// EncodeNack builds the RTR frame a module sends when it rejects cmd.
func EncodeNack(cmd *Command, address, cid byte, reason ...byte) []byte {
	return encodeFrame(MARKER_REPLY, address, cid, MODE_NACK, cmd.Opcode, reason)
}

func encodeFrame(marker string, address, cid byte, mode Mode, opcode string, payload []byte) []byte {
	buf := make([]byte, 0, FRAME_OVERHEAD+len(payload))
	buf = append(buf, marker...)
	buf = append(buf, ENTITY_MARKER, address, cid, byte(mode))
	buf = append(buf, opcode...)
	buf = append(buf, byte(len(payload)))
	buf = append(buf, payload...)
	buf = append(buf, Checksum(buf[len(marker):]))
	return append(buf, TERMINATOR...)
}

// Decode tries to read one frame from the start of buf. It returns the frame
// and the number of bytes it occupies. ErrIncomplete asks for more bytes;
// any other error means the leading byte should be dropped to resynchronize.
func Decode(buf []byte) (Frame, int, error) {
	if len(buf) == 0 {
		return Frame{}, 0, ErrIncomplete
	}
	n := min(len(buf), len(MARKER_REQUEST))
	if !bytes.HasPrefix([]byte(MARKER_REQUEST), buf[:n]) && !bytes.HasPrefix([]byte(MARKER_REPLY), buf[:n]) {
		return Frame{}, 0, ErrNotAFrame
	}
	if len(buf) < HEADER_LEN {
		return Frame{}, 0, ErrIncomplete
	}
	payloadLen := int(buf[HEADER_LEN-1])
	total := FRAME_OVERHEAD + payloadLen
	if len(buf) < total {
		return Frame{}, 0, ErrIncomplete
	}

	crcAt := HEADER_LEN + payloadLen
	crc := Checksum(buf[len(MARKER_REQUEST):crcAt])
	if crc != buf[crcAt] {
		return Frame{}, 0, &ChecksumError{Expected: crc, Actual: buf[crcAt]}
	}
	if buf[3] != ENTITY_MARKER {
		return Frame{}, 0, &MalformedFrameError{Reason: fmt.Sprintf("entity marker 0x%02x", buf[3])}
	}
	if string(buf[crcAt+1:total]) != TERMINATOR {
		return Frame{}, 0, &MalformedFrameError{Reason: "missing terminator"}
	}

	payload := make([]byte, payloadLen)
	copy(payload, buf[HEADER_LEN:crcAt])
	return Frame{
		Marker:  string(buf[:3]),
		Address: buf[4],
		CID:     buf[5],
		Mode:    Mode(buf[6]),
		Opcode:  string(buf[7:10]),
		Payload: payload,
		CRC:     buf[crcAt],
	}, total, nil
}

// Printable renders raw bus bytes for logging, mixing printable characters
// with the decimal value of every byte.
func Printable(data []byte) string {
	var chars, values strings.Builder
	for _, b := range data {
		if b >= 32 && b <= 126 {
			chars.WriteByte(b)
		} else {
			chars.WriteByte('.')
		}
		fmt.Fprintf(&values, " %d", b)
	}
	return chars.String() + values.String()
}
