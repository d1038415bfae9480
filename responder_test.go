package udpboot

import (
	"hash/crc32"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func respondTo(t *testing.T, r *Responder, op OpCode, payload []byte) ([]byte, error) {
	t.Helper()
	frame := r.HandleFrame(Encode(op, payload))
	require.NotNil(t, frame, "responder stayed silent")
	return decodeExpected(t, frame, op)
}

func decodeExpected(t *testing.T, frame []byte, reqOp OpCode) ([]byte, error) {
	t.Helper()
	switch reqOp {
	case OpVersionRequest:
		return Decode(OpVersionResponse, frame)
	case OpUpdateStartRequest:
		return Decode(OpUpdateStartResponse, frame)
	case OpWriteRequest:
		return Decode(OpWriteResponse, frame)
	case OpUpdateStopRequest:
		return Decode(OpUpdateStopResponse, frame)
	case OpResetRequest:
		return Decode(OpResetResponse, frame)
	case OpReadAddressRequest:
		return Decode(OpReadAddressResponse, frame)
	default:
		t.Fatalf("not a request op: %v", reqOp)
		return nil, nil
	}
}

func TestResponderVersion(t *testing.T) {
	r := NewResponder(4096)

	payload, err := respondTo(t, r, OpVersionRequest, nil)
	require.NoError(t, err)

	info, err := parseVersionInfo(payload)
	require.NoError(t, err)
	assert.Equal(t, VersionInfo{
		APIMajor: 1, APIMinor: 0,
		BootMajor: 0, BootMinor: 1, BootBuild: 0,
		Note: "test string",
	}, info)
}

func TestResponderStateOrdering(t *testing.T) {
	r := NewResponder(4096)

	chunk, err := buildWritePayload([]byte{1, 2, 3})
	require.NoError(t, err)

	// Write before start
	_, err = respondTo(t, r, OpWriteRequest, chunk)
	assert.True(t, IsDeviceError(err, CodeIncorrectState))

	// Stop before start
	_, err = respondTo(t, r, OpUpdateStopRequest, encodeUint32(0))
	assert.True(t, IsDeviceError(err, CodeIncorrectState))

	// Start opens the session
	_, err = respondTo(t, r, OpUpdateStartRequest, encodeUint32(3))
	require.NoError(t, err)

	// Second start while a session is open
	_, err = respondTo(t, r, OpUpdateStartRequest, encodeUint32(3))
	assert.True(t, IsDeviceError(err, CodeIncorrectState))

	// Write and stop complete the session
	_, err = respondTo(t, r, OpWriteRequest, chunk)
	require.NoError(t, err)
	_, err = respondTo(t, r, OpUpdateStopRequest, encodeUint32(0))
	require.NoError(t, err)

	// Write after stop
	_, err = respondTo(t, r, OpWriteRequest, chunk)
	assert.True(t, IsDeviceError(err, CodeIncorrectState))
}

func TestResponderWriteStoresData(t *testing.T) {
	r := NewResponder(4096)

	data := []byte{0xDE, 0xAD, 0xBE, 0xEF}
	payload, err := buildWritePayload(data)
	require.NoError(t, err)

	_, err = respondTo(t, r, OpUpdateStartRequest, encodeUint32(uint32(len(data))))
	require.NoError(t, err)
	_, err = respondTo(t, r, OpWriteRequest, payload)
	require.NoError(t, err)

	assert.Equal(t, data, r.Flash()[:len(data)])
	assert.Equal(t, 1, r.WriteCount())
}

func TestResponderRejectsBadChunkCRC(t *testing.T) {
	r := NewResponder(4096)

	_, err := respondTo(t, r, OpUpdateStartRequest, encodeUint32(8))
	require.NoError(t, err)

	payload, err := buildWritePayload([]byte{1, 2, 3, 4})
	require.NoError(t, err)
	payload[0] ^= 0xFF // chunk no longer matches its CRC

	_, err = respondTo(t, r, OpWriteRequest, payload)
	assert.True(t, IsDeviceError(err, CodeWriteFailed))
}

func TestResponderRejectsOversizedSession(t *testing.T) {
	r := NewResponder(128)

	_, err := respondTo(t, r, OpUpdateStartRequest, encodeUint32(256))
	assert.True(t, IsDeviceError(err, CodeWriteFailed))
}

func TestResponderStopReportsOwnCRC(t *testing.T) {
	r := NewResponder(4096)

	data := []byte{1, 2, 3, 4, 5, 6, 7, 8}
	payload, err := buildWritePayload(data)
	require.NoError(t, err)

	_, err = respondTo(t, r, OpUpdateStartRequest, encodeUint32(uint32(len(data))))
	require.NoError(t, err)
	_, err = respondTo(t, r, OpWriteRequest, payload)
	require.NoError(t, err)

	// The request carries a bogus CRC; the device answers with its own
	// computed value rather than echoing the request.
	stop, err := respondTo(t, r, OpUpdateStopRequest, encodeUint32(0x12345678))
	require.NoError(t, err)

	deviceCRC, err := parseStopCRC(stop)
	require.NoError(t, err)
	assert.Equal(t, crc32.ChecksumIEEE(data), uint32(deviceCRC))
}

func TestResponderReadAddress(t *testing.T) {
	r := NewResponder(4096)

	data := []byte{9, 8, 7, 6}
	payload, err := buildWritePayload(data)
	require.NoError(t, err)
	_, err = respondTo(t, r, OpUpdateStartRequest, encodeUint32(uint32(len(data))))
	require.NoError(t, err)
	_, err = respondTo(t, r, OpWriteRequest, payload)
	require.NoError(t, err)

	req := append(encodeUint32(0), encodeUint32(4)...)
	got, err := respondTo(t, r, OpReadAddressRequest, req)
	require.NoError(t, err)
	assert.Equal(t, data, got)

	// Out-of-range read
	req = append(encodeUint32(4095), encodeUint32(16)...)
	_, err = respondTo(t, r, OpReadAddressRequest, req)
	assert.True(t, IsDeviceError(err, CodeUnsupportedOperation))
}

func TestResponderDeniedRead(t *testing.T) {
	r := NewResponder(4096)
	r.DenyReads()

	req := append(encodeUint32(0), encodeUint32(4)...)
	_, err := respondTo(t, r, OpReadAddressRequest, req)
	assert.True(t, IsDeviceError(err, CodeUnsupportedOperation))
}

func TestResponderDropsMalformedFrames(t *testing.T) {
	r := NewResponder(4096)

	frame := Encode(OpVersionRequest, nil)
	frame[1] ^= 0x01 // break the header checksum

	assert.Nil(t, r.HandleFrame(frame))
	assert.Nil(t, r.HandleFrame([]byte{SyncByte}))
}

func TestResponderRejectsResponseOpCodes(t *testing.T) {
	r := NewResponder(4096)

	frame := r.HandleFrame(Encode(OpWriteResponse, nil))
	require.NotNil(t, frame)
	_, err := Decode(OpErrorResponse, frame)
	assert.True(t, IsDeviceError(err, CodeUnsupportedOperation))
}
