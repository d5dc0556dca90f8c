// Package motorframe encodes and decodes the dual-motor drive's framed
// binary protocol: `55 AA | LEN | ID | OP | PAYLOAD... | CK` outbound,
// `AA 55 | LEN | ID | OP | PAYLOAD... | CK` inbound. LEN counts OP plus
// the PAYLOAD bytes (not ID); CK is the low byte of the sum of LEN, ID,
// OP and all payload bytes.
package motorframe

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// Motor ids recognized on the shared RS-485 bus.
const (
	Motor1 byte = 0x01
	Motor2 byte = 0x02
)

// Opcodes used by the drive protocol.
const (
	OpStatusRead byte = 0x30
	OpRegWrite   byte = 0x32
)

// Control-mode selectors written to register 0x25 by the composite
// register-write command.
const (
	ModePosition   byte = 0x00
	ModeServo      byte = 0x01
	ModeSpeedPure  byte = 0x02 // speed with no independent force setpoint
	ModeForce      byte = 0x03
	ModeSpeedForce byte = 0x05
)

// InboundHeader is the two-byte sequence drive responses start with;
// exported so transport code can wire it as the reader's resync target.
var InboundHeader = inboundHeader

var (
	// ErrShort is returned by Decode when a buffer is shorter than the
	// frame its LEN byte announces, and by DecodeStatusFrame when a
	// buffer is shorter than a minimal status response (17 bytes).
	ErrShort = errors.New("motorframe: frame too short")
	// ErrBadHeader is returned when the expected two-byte header is absent
	// and the caller must resync by scanning forward.
	ErrBadHeader = errors.New("motorframe: bad header, resync required")
	// ErrChecksum is returned when the trailing checksum byte does not
	// match the computed value.
	ErrChecksum = errors.New("motorframe: checksum mismatch")
)

// outboundHeader and inboundHeader distinguish direction: the host writes
// frames starting 55 AA, the drive replies starting AA 55.
var (
	outboundHeader = [2]byte{0x55, 0xAA}
	inboundHeader  = [2]byte{0xAA, 0x55}
)

// Frame is a decoded drive protocol frame.
type Frame struct {
	ID      byte
	Op      byte
	Payload []byte
}

// checksum is the low byte of the sum of len, id, op and payload.
func checksum(length, id, op byte, payload []byte) byte {
	sum := int(length) + int(id) + int(op)
	for _, b := range payload {
		sum += int(b)
	}
	return byte(sum & 0xFF)
}

// encode builds a complete wire frame using the given header for either
// direction. LEN counts OP plus the payload (not ID): a zero-payload
// status read carries LEN=0x01, the force-only write's 8-byte payload
// carries LEN=0x09, and the 12-byte composite write carries LEN=0x0D,
// all consistent with LEN = 1 + len(payload).
func encode(header [2]byte, id, op byte, payload []byte) []byte {
	length := byte(len(payload) + 1)
	frame := make([]byte, 0, 2+1+1+1+len(payload)+1)
	frame = append(frame, header[0], header[1], length, id, op)
	frame = append(frame, payload...)
	frame = append(frame, checksum(length, id, op, payload))
	return frame
}

// EncodeStatusRead builds a zero-payload status-read poll for motorID.
func EncodeStatusRead(motorID byte) []byte {
	return encode(outboundHeader, motorID, OpStatusRead, nil)
}

// EncodeControlMode builds the composite mode register write (LEN=0x0D,
// OP=0x32) used for ModePosition, ModeServo and ModeSpeedForce: register
// 0x25 selects mode, followed by force, speed, and position words.
// ModeSpeedPure has its own layout; use EncodeSpeedMode for that case.
func EncodeControlMode(motorID, mode byte, force, speed int16, position int16) []byte {
	payload := make([]byte, 12)
	payload[0], payload[1] = 0x25, 0x00
	payload[2], payload[3] = mode, 0x00
	payload[4], payload[5] = 0x00, 0x00
	binary.LittleEndian.PutUint16(payload[6:8], uint16(force))
	binary.LittleEndian.PutUint16(payload[8:10], uint16(speed))
	binary.LittleEndian.PutUint16(payload[10:12], uint16(position))
	return encode(outboundHeader, motorID, OpRegWrite, payload)
}

// EncodeSpeedMode builds the speed-mode composite command: register 0x25
// is set to ModeSpeedPure and the target speed/position are written into
// registers 0x28/0x29.
func EncodeSpeedMode(motorID byte, speed uint16, position int16) []byte {
	payload := make([]byte, 12)
	payload[0], payload[1] = 0x25, 0x00
	payload[2], payload[3] = ModeSpeedPure, 0x00
	payload[4], payload[5] = 0x00, 0x00
	binary.LittleEndian.PutUint16(payload[6:8], 0)
	binary.LittleEndian.PutUint16(payload[8:10], speed)
	binary.LittleEndian.PutUint16(payload[10:12], uint16(position))
	return encode(outboundHeader, motorID, OpRegWrite, payload)
}

// EncodeForceOnly builds a force-only register write (LEN=0x09, OP=0x32).
func EncodeForceOnly(motorID byte, force int16) []byte {
	payload := make([]byte, 8)
	payload[0], payload[1] = 0x25, 0x00
	payload[2], payload[3] = 0x03, 0x00
	payload[4], payload[5] = 0x00, 0x00
	binary.LittleEndian.PutUint16(payload[6:8], uint16(force))
	return encode(outboundHeader, motorID, OpRegWrite, payload)
}

// ForceNewtonsToGrams converts a UI-supplied force in newtons to the
// gram-weight units the drive's force registers expect (1 N = 101.97 g).
func ForceNewtonsToGrams(newtons float64) int16 {
	return int16(newtons * 101.97)
}

// StatusFrame is the decoded payload of an inbound status response.
type StatusFrame struct {
	ID           byte
	SetPosition  int16
	ActPosition  int16
	ForceRaw     int16
	ForceNewtons float64
	Sensor       int16
}

// minStatusFrameLen is the minimum byte length of a status response that
// carries set-position, actual-position, force and sensor fields at their
// fixed offsets (header 2 + len 1 + id 1 + op 1 + payload 12 = 17 bytes
// before the trailing checksum is even considered).
const minStatusFrameLen = 17

// statusSetPosOff, statusActPosOff, statusForceOff and statusSensorOff are
// fixed byte offsets into a raw inbound frame (header included). The drive
// response carries two bytes at offsets 11:13 that no field maps to; the
// drive's datasheet should be consulted before depending on that gap
// meaning anything in particular.
const (
	statusSetPosOff = 7
	statusActPosOff = 9
	statusForceOff  = 13
	statusSensorOff = 15
)

// FrameLen reports the total length of the frame starting at buf,
// including header and checksum, given only the 3 header+len bytes; it
// returns 0 if buf is too short to contain the LEN byte yet. Meant to be
// wired as serialbus.Bus.FrameLen.
func FrameLen(buf []byte) int {
	if len(buf) < 3 {
		return 0
	}
	length := buf[2]
	return 2 + 1 + 1 + int(length) + 1
}

// Decode parses a raw byte slice beginning with a two-byte header into a
// Frame. It returns ErrBadHeader if the buffer does not begin with a
// recognized header (the caller should resync by dropping a byte and
// retrying), ErrShort if the buffer is too small to contain a full frame,
// and ErrChecksum if the trailing checksum does not verify.
func Decode(buf []byte) (*Frame, error) {
	if len(buf) < 5 {
		return nil, ErrShort
	}
	if !(buf[0] == inboundHeader[0] && buf[1] == inboundHeader[1]) &&
		!(buf[0] == outboundHeader[0] && buf[1] == outboundHeader[1]) {
		return nil, ErrBadHeader
	}
	length := buf[2]
	// Frame layout: [hdr0 hdr1 len id op payload... ck]. LEN counts OP and
	// payload only (see encode), so total size is 2 (header) + 1 (len) +
	// 1 (id) + int(length) (op+payload) + 1 (ck).
	total := 2 + 1 + 1 + int(length) + 1
	if len(buf) < total {
		return nil, ErrShort
	}
	id := buf[3]
	op := buf[4]
	payload := buf[5 : total-1]
	ck := buf[total-1]
	if got := checksum(length, id, op, payload); got != ck {
		return nil, ErrChecksum
	}
	return &Frame{ID: id, Op: op, Payload: append([]byte(nil), payload...)}, nil
}

// DecodeStatusFrame decodes a raw inbound status frame's motion fields.
// It requires at least minStatusFrameLen bytes; callers should first
// validate the frame with Decode (for checksum) if resync safety matters,
// but DecodeStatusFrame itself only inspects fixed offsets so it can be
// used directly against a frame already sliced out by the transport.
func DecodeStatusFrame(buf []byte) (*StatusFrame, error) {
	if len(buf) < minStatusFrameLen {
		return nil, fmt.Errorf("motorframe: %w: got %d bytes, want >= %d", ErrShort, len(buf), minStatusFrameLen)
	}
	setPos := int16(binary.LittleEndian.Uint16(buf[statusSetPosOff : statusSetPosOff+2]))
	actPos := int16(binary.LittleEndian.Uint16(buf[statusActPosOff : statusActPosOff+2]))
	forceRaw := int16(binary.LittleEndian.Uint16(buf[statusForceOff : statusForceOff+2]))
	sensor := int16(binary.LittleEndian.Uint16(buf[statusSensorOff : statusSensorOff+2]))
	return &StatusFrame{
		ID:           buf[3],
		SetPosition:  setPos,
		ActPosition:  actPos,
		ForceRaw:     forceRaw,
		ForceNewtons: float64(forceRaw) * 0.001 * 9.81,
		Sensor:       sensor,
	}, nil
}

// PositionToMM converts a raw position count to millimeters for the given
// motor: motor 1 scales at 100 counts/mm, motor 2 at 40 counts/mm.
func PositionToMM(motorID byte, counts int16) float64 {
	if motorID == Motor2 {
		return float64(counts) / 40.0
	}
	return float64(counts) / 100.0
}
