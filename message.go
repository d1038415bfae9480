// Package udpboot implements the network firmware-update protocol used to
// flash embedded microcontrollers over a datagram transport.
//
// The package contains two main components: Session and Updater. Session
// provides a transport-agnostic way of interacting with the individual
// protocol operations (version query, update start/stop, chunk writes,
// memory reads, reset). Updater provides a high-level update interface that
// drives a complete firmware-update session: version compatibility check,
// chunked image transfer with bounded retries, end-to-end CRC verification
// and the final device reset.
//
// Also included are a Responder, which emulates device-side behaviour
// against an in-memory flash buffer so the protocol can be exercised without
// hardware, and a command line tool in the cmd/udpboot directory that serves
// as both an example on how to use the library and a fully functional host
// program for flashing devices.
//
// The protocol carries no authentication or encryption; it is intended for
// trusted bench and production-line networks only.
package udpboot

import (
	"encoding/binary"
	"hash/crc32"

	"github.com/pkg/errors"
)

// SyncByte marks the start of every frame.
const SyncByte = 0xE7

// OpCode identifies the type of a protocol message.
type OpCode byte

// Protocol op codes.
const (
	OpVersionRequest      OpCode = 0x01
	OpVersionResponse     OpCode = 0x02
	OpUpdateStartRequest  OpCode = 0x03
	OpUpdateStartResponse OpCode = 0x04
	OpUpdateStopRequest   OpCode = 0x05
	OpUpdateStopResponse  OpCode = 0x06
	OpWriteRequest        OpCode = 0x07
	OpWriteResponse       OpCode = 0x08
	OpResetRequest        OpCode = 0x09
	OpResetResponse       OpCode = 0x0A
	OpReadAddressRequest  OpCode = 0x0B
	OpReadAddressResponse OpCode = 0x0C
	OpErrorResponse       OpCode = 0xFF
)

// Frame layout constants.
const (
	// headerSize covers sync, op code, length and the header checksum.
	headerSize = 5
	// minFrameSize is a header plus the trailing frame checksum.
	minFrameSize = headerSize + 1

	// MaxDataSize is the largest chunk a single WriteRequest may carry.
	MaxDataSize = 1024
	// MaxPayloadSize is MaxDataSize plus the 4-byte chunk CRC.
	MaxPayloadSize = MaxDataSize + 4
	// MaxFrameSize is the practical frame ceiling on the wire.
	MaxFrameSize = headerSize + MaxPayloadSize + 1

	// NoteSize is the fixed width of the note field in a version response.
	NoteSize = 128

	versionPayloadSize = 5 + NoteSize
)

// String returns the name of the op code.
func (op OpCode) String() string {
	switch op {
	case OpVersionRequest:
		return "VersionRequest"
	case OpVersionResponse:
		return "VersionResponse"
	case OpUpdateStartRequest:
		return "UpdateStartRequest"
	case OpUpdateStartResponse:
		return "UpdateStartResponse"
	case OpUpdateStopRequest:
		return "UpdateStopRequest"
	case OpUpdateStopResponse:
		return "UpdateStopResponse"
	case OpWriteRequest:
		return "WriteRequest"
	case OpWriteResponse:
		return "WriteResponse"
	case OpResetRequest:
		return "ResetRequest"
	case OpResetResponse:
		return "ResetResponse"
	case OpReadAddressRequest:
		return "ReadAddressRequest"
	case OpReadAddressResponse:
		return "ReadAddressResponse"
	case OpErrorResponse:
		return "ErrorResponse"
	default:
		return "Unknown"
	}
}

func (op OpCode) valid() bool {
	switch op {
	case OpVersionRequest, OpVersionResponse,
		OpUpdateStartRequest, OpUpdateStartResponse,
		OpUpdateStopRequest, OpUpdateStopResponse,
		OpWriteRequest, OpWriteResponse,
		OpResetRequest, OpResetResponse,
		OpReadAddressRequest, OpReadAddressResponse,
		OpErrorResponse:
		return true
	}
	return false
}

// checksum is the unsigned byte sum of data truncated to 8 bits. It is an
// accidental-corruption detector only, not a CRC; the wire format for
// protocol version 1.0 mandates it, so it must not be upgraded.
func checksum(data []byte) byte {
	var sum byte
	for _, b := range data {
		sum += b
	}
	return sum
}

// Encode builds a complete frame for the given op code and payload.
//
// Frame structure:
//
//	[SYNC][OP][LEN_L][LEN_H][HDR_CHECKSUM][PAYLOAD...][FRAME_CHECKSUM]
//
// The length field counts everything following the header checksum byte,
// i.e. the payload plus the trailing frame checksum.
func Encode(op OpCode, payload []byte) []byte {
	frame := make([]byte, 0, headerSize+len(payload)+1)

	frame = append(frame, SyncByte, byte(op))

	lenBytes := make([]byte, 2)
	binary.LittleEndian.PutUint16(lenBytes, uint16(len(payload)+1))
	frame = append(frame, lenBytes...)

	frame = append(frame, checksum(frame))
	frame = append(frame, payload...)
	frame = append(frame, checksum(frame))

	return frame
}

// decodeFrame validates the framing of a raw buffer and returns its op code
// and payload. It fails closed: any malformed field yields an error and no
// payload. An ErrorResponse frame is decoded into the DeviceError it carries.
func decodeFrame(frame []byte) (OpCode, []byte, error) {
	if len(frame) < minFrameSize {
		return 0, nil, errors.Wrapf(ErrFrameTooShort, "got %d bytes, minimum is %d", len(frame), minFrameSize)
	}
	if len(frame) > MaxFrameSize {
		return 0, nil, errors.Wrapf(ErrLengthMismatch, "frame of %d bytes exceeds ceiling %d", len(frame), MaxFrameSize)
	}

	if frame[0] != SyncByte {
		return 0, nil, errors.Wrapf(ErrBadSync, "got 0x%02X", frame[0])
	}

	if frame[4] != checksum(frame[:4]) {
		return 0, nil, errors.Wrap(ErrChecksum, "header")
	}

	declared := binary.LittleEndian.Uint16(frame[2:4])
	if int(declared) != len(frame)-headerSize {
		return 0, nil, errors.Wrapf(ErrLengthMismatch, "declared %d, actual %d", declared, len(frame)-headerSize)
	}

	if frame[len(frame)-1] != checksum(frame[:len(frame)-1]) {
		return 0, nil, errors.Wrap(ErrChecksum, "frame")
	}

	op := OpCode(frame[1])
	if !op.valid() {
		return 0, nil, errors.Wrapf(ErrUnknownOp, "0x%02X", frame[1])
	}

	payload := frame[headerSize : len(frame)-1]

	if op == OpErrorResponse {
		if len(payload) != 1 {
			return 0, nil, errors.Wrapf(ErrLengthMismatch, "error response payload of %d bytes", len(payload))
		}
		return op, nil, &DeviceError{Code: payload[0]}
	}

	return op, payload, nil
}

// Decode validates a frame and returns its payload, requiring the op code to
// match expected. A well-formed ErrorResponse frame decodes to the
// DeviceError it carries regardless of the expected op code.
func Decode(expected OpCode, frame []byte) ([]byte, error) {
	op, payload, err := decodeFrame(frame)
	if err != nil {
		return nil, err
	}
	if op != expected {
		return nil, errors.Wrapf(ErrUnexpectedOp, "got %v, expected %v", op, expected)
	}
	return payload, nil
}

// VersionInfo holds the results of a version query.
type VersionInfo struct {
	APIMajor, APIMinor              byte
	BootMajor, BootMinor, BootBuild byte
	Note                            string
}

func encodeVersionInfo(v VersionInfo) []byte {
	payload := make([]byte, versionPayloadSize)
	payload[0] = v.APIMajor
	payload[1] = v.APIMinor
	payload[2] = v.BootMajor
	payload[3] = v.BootMinor
	payload[4] = v.BootBuild
	copy(payload[5:], v.Note)
	return payload
}

// parseVersionInfo parses the payload of a VersionResponse. The note field is
// a fixed 128-byte area; trailing NUL padding is stripped.
func parseVersionInfo(payload []byte) (VersionInfo, error) {
	if len(payload) != versionPayloadSize {
		return VersionInfo{}, errors.Wrapf(ErrLengthMismatch, "version payload of %d bytes, expected %d", len(payload), versionPayloadSize)
	}

	v := VersionInfo{
		APIMajor:  payload[0],
		APIMinor:  payload[1],
		BootMajor: payload[2],
		BootMinor: payload[3],
		BootBuild: payload[4],
	}

	note := payload[5:]
	end := len(note)
	for end > 0 && note[end-1] == 0 {
		end--
	}
	v.Note = string(note[:end])
	return v, nil
}

func encodeUint32(v uint32) []byte {
	b := make([]byte, 4)
	binary.LittleEndian.PutUint32(b, v)
	return b
}

// buildWritePayload lays out a WriteRequest payload: the chunk bytes followed
// by the little-endian CRC32 of the chunk.
func buildWritePayload(chunk []byte) ([]byte, error) {
	if len(chunk) == 0 {
		return nil, errors.New("chunk cannot be empty")
	}
	if len(chunk) > MaxDataSize {
		return nil, errors.Errorf("chunk of %d bytes exceeds maximum %d", len(chunk), MaxDataSize)
	}
	payload := make([]byte, 0, len(chunk)+4)
	payload = append(payload, chunk...)
	payload = append(payload, encodeUint32(crc32.ChecksumIEEE(chunk))...)
	return payload, nil
}

// splitWritePayload is the inverse of buildWritePayload. It returns the chunk
// bytes and the declared chunk CRC without verifying them.
func splitWritePayload(payload []byte) ([]byte, uint32, error) {
	if len(payload) < 5 {
		return nil, 0, errors.Wrapf(ErrLengthMismatch, "write payload of %d bytes", len(payload))
	}
	data := payload[:len(payload)-4]
	crc := binary.LittleEndian.Uint32(payload[len(payload)-4:])
	return data, crc, nil
}

// parseStopCRC parses the payload of an UpdateStopResponse. The device
// reports its CRC as a signed 32-bit value; callers must compare it against
// the unsigned local CRC32 with an explicit conversion.
func parseStopCRC(payload []byte) (int32, error) {
	if len(payload) != 4 {
		return 0, errors.Wrapf(ErrLengthMismatch, "stop payload of %d bytes, expected 4", len(payload))
	}
	return int32(binary.LittleEndian.Uint32(payload)), nil
}
