package zkteco

import (
	"encoding/binary"
	"fmt"
)

// Frame layout constants.
const (
	// Magic opens every frame.
	Magic uint32 = 0x50505050

	// HeaderSize is magic(4) + command(2) + session(2).
	HeaderSize = 8

	// ChecksumSize is the trailing checksum word.
	ChecksumSize = 2

	// MaxFrameSize bounds a single frame including header and checksum.
	MaxFrameSize = 1 << 20

	// MaxPayloadSize is the largest payload EncodeCommand accepts.
	MaxPayloadSize = MaxFrameSize - HeaderSize - ChecksumSize
)

// Request commands.
const (
	CmdUserRead   uint16 = 9
	CmdGetInfo    uint16 = 11
	CmdAttLogRead uint16 = 13
	CmdRegEvent   uint16 = 500
	CmdUnregEvent uint16 = 501
	CmdConnect    uint16 = 1000
	CmdExit       uint16 = 1001
	CmdAuth       uint16 = 1102
)

// Reply commands.
const (
	CmdAckOK     uint16 = 2000
	CmdAckError  uint16 = 2001
	CmdAckData   uint16 = 2002
	CmdAckUnauth uint16 = 2005
)

// Frame is a decoded device frame.
type Frame struct {
	Command  uint16
	Session  uint16
	Payload  []byte
	Checksum uint16
}

// IsAck reports whether the frame is a reply rather than a device push.
func (f Frame) IsAck() bool {
	return f.Command >= CmdAckOK && f.Command <= CmdAckUnauth
}

// EncodeCommand builds a frame for the given command, session and payload.
//
// Layout (all little-endian):
//
//	Byte 0-3:   Magic (0x50505050)
//	Byte 4-5:   Command id
//	Byte 6-7:   Session id
//	Byte 8..n:  Payload
//	Last 2:     Checksum over bytes 0..n
//
// Returns ErrFrameTooLarge rather than truncating an oversized payload.
func EncodeCommand(command, session uint16, payload []byte) ([]byte, error) {
	if len(payload) > MaxPayloadSize {
		return nil, fmt.Errorf("%w: payload %d bytes, max %d", ErrFrameTooLarge, len(payload), MaxPayloadSize)
	}

	frame := make([]byte, HeaderSize+len(payload)+ChecksumSize)
	binary.LittleEndian.PutUint32(frame[0:4], Magic)
	binary.LittleEndian.PutUint16(frame[4:6], command)
	binary.LittleEndian.PutUint16(frame[6:8], session)
	copy(frame[HeaderSize:], payload)

	body := frame[:len(frame)-ChecksumSize]
	binary.LittleEndian.PutUint16(frame[len(body):], Checksum(body))
	return frame, nil
}

// DecodeResponse parses a complete frame and verifies its checksum.
//
// Returns ErrInvalidFrame for short input or a bad magic, and
// ErrChecksumMismatch when the trailing word does not match the body.
// The returned payload is a copy and does not alias data.
func DecodeResponse(data []byte) (Frame, error) {
	if len(data) < HeaderSize+ChecksumSize {
		return Frame{}, fmt.Errorf("%w: too short (%d bytes, need at least %d)",
			ErrInvalidFrame, len(data), HeaderSize+ChecksumSize)
	}
	if len(data) > MaxFrameSize {
		return Frame{}, fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, len(data))
	}
	if magic := binary.LittleEndian.Uint32(data[0:4]); magic != Magic {
		return Frame{}, fmt.Errorf("%w: bad magic 0x%08X", ErrInvalidFrame, magic)
	}

	body := data[:len(data)-ChecksumSize]
	got := binary.LittleEndian.Uint16(data[len(body):])
	if want := Checksum(body); got != want {
		return Frame{}, fmt.Errorf("%w: got 0x%04X, computed 0x%04X", ErrChecksumMismatch, got, want)
	}

	f := Frame{
		Command:  binary.LittleEndian.Uint16(data[4:6]),
		Session:  binary.LittleEndian.Uint16(data[6:8]),
		Checksum: got,
	}
	if n := len(body) - HeaderSize; n > 0 {
		f.Payload = make([]byte, n)
		copy(f.Payload, body[HeaderSize:])
	}
	return f, nil
}

// Checksum sums data as little-endian 16-bit words, masked to 16 bits.
// An odd trailing byte is treated as a word with a zero high byte.
func Checksum(data []byte) uint16 {
	var sum uint32
	i := 0
	for ; i+1 < len(data); i += 2 {
		sum += uint32(binary.LittleEndian.Uint16(data[i:]))
	}
	if i < len(data) {
		sum += uint32(data[i])
	}
	return uint16(sum & 0xFFFF) //nolint:mnd // 16-bit mask
}
