package udpboot

import (
	"encoding/binary"
	"hash/crc32"
	"net"
	"sync"

	"github.com/pkg/errors"
)

// Responder emulates device-side protocol behaviour against an in-memory
// flash buffer. It reproduces every response type, including the state
// machine rejections a real device performs, so the codec, sessions and
// updater can be exercised without hardware. It is not a production
// component.
//
// A Responder is safe for use from one Serve goroutine plus direct
// HandleFrame callers.
type Responder struct {
	mu sync.Mutex

	flash   []byte
	version VersionInfo

	updating  bool
	imageSize uint32
	written   uint32

	failWrites     int
	denyReads      bool
	silentReset    bool
	corruptStopCRC bool

	writeCount int
}

// NewResponder creates a responder with the given flash capacity and the
// stock bench device identity.
func NewResponder(flashSize int) *Responder {
	r := &Responder{
		flash: make([]byte, flashSize),
		version: VersionInfo{
			APIMajor: 1, APIMinor: 0,
			BootMajor: 0, BootMinor: 1, BootBuild: 0,
			Note: "test string",
		},
	}
	for i := range r.flash {
		r.flash[i] = 0xFF
	}
	return r
}

// SetVersion overrides the identity reported to version queries.
func (r *Responder) SetVersion(v VersionInfo) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.version = v
}

// FailNextWrites makes the next n write requests fail with WriteFailed.
func (r *Responder) FailNextWrites(n int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failWrites = n
}

// DenyReads makes read requests fail with UnsupportedOperation, emulating a
// device with read-back locked out.
func (r *Responder) DenyReads() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.denyReads = true
}

// SilentReset suppresses the reset response, emulating a device that
// restarts before replying.
func (r *Responder) SilentReset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.silentReset = true
}

// CorruptStopCRC perturbs the CRC reported on update stop, emulating flash
// corruption that the end-to-end check must catch.
func (r *Responder) CorruptStopCRC() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.corruptStopCRC = true
}

// Flash returns a copy of the emulated flash contents.
func (r *Responder) Flash() []byte {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]byte, len(r.flash))
	copy(out, r.flash)
	return out
}

// WriteCount returns how many write requests were accepted.
func (r *Responder) WriteCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.writeCount
}

// HandleFrame processes one request frame and returns the response frame. A
// malformed frame returns nil: a real device stays silent and lets the host
// time out rather than guess at a reply.
func (r *Responder) HandleFrame(frame []byte) []byte {
	op, payload, err := decodeFrame(frame)
	if err != nil {
		pkgLog.Debugf("responder dropping malformed frame: %v", err)
		return nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	switch op {
	case OpVersionRequest:
		return Encode(OpVersionResponse, encodeVersionInfo(r.version))
	case OpUpdateStartRequest:
		return r.handleStart(payload)
	case OpWriteRequest:
		return r.handleWrite(payload)
	case OpUpdateStopRequest:
		return r.handleStop(payload)
	case OpResetRequest:
		return r.handleReset()
	case OpReadAddressRequest:
		return r.handleRead(payload)
	default:
		// Response op codes are not valid requests.
		return errorFrame(CodeUnsupportedOperation)
	}
}

func (r *Responder) handleStart(payload []byte) []byte {
	if len(payload) != 4 {
		return errorFrame(CodeUnsupportedOperation)
	}
	if r.updating {
		return errorFrame(CodeIncorrectState)
	}
	size := binary.LittleEndian.Uint32(payload)
	if size == 0 || int(size) > len(r.flash) {
		return errorFrame(CodeWriteFailed)
	}

	r.updating = true
	r.imageSize = size
	r.written = 0
	for i := range r.flash {
		r.flash[i] = 0xFF
	}
	return Encode(OpUpdateStartResponse, nil)
}

func (r *Responder) handleWrite(payload []byte) []byte {
	if !r.updating {
		return errorFrame(CodeIncorrectState)
	}
	data, declaredCRC, err := splitWritePayload(payload)
	if err != nil {
		return errorFrame(CodeWriteFailed)
	}
	if crc32.ChecksumIEEE(data) != declaredCRC {
		return errorFrame(CodeWriteFailed)
	}
	if r.failWrites > 0 {
		r.failWrites--
		return errorFrame(CodeWriteFailed)
	}
	if r.written+uint32(len(data)) > r.imageSize {
		return errorFrame(CodeWriteFailed)
	}

	copy(r.flash[r.written:], data)
	r.written += uint32(len(data))
	r.writeCount++
	return Encode(OpWriteResponse, nil)
}

func (r *Responder) handleStop(payload []byte) []byte {
	if len(payload) != 4 {
		return errorFrame(CodeUnsupportedOperation)
	}
	if !r.updating {
		return errorFrame(CodeIncorrectState)
	}
	r.updating = false

	// The device reports the CRC it computes over its own flash; the host
	// compares it against the request value, not the device.
	crc := crc32.ChecksumIEEE(r.flash[:r.imageSize])
	if r.corruptStopCRC {
		crc ^= 0xFFFFFFFF
	}
	return Encode(OpUpdateStopResponse, encodeUint32(crc))
}

func (r *Responder) handleReset() []byte {
	r.updating = false
	r.written = 0
	if r.silentReset {
		return nil
	}
	return Encode(OpResetResponse, nil)
}

func (r *Responder) handleRead(payload []byte) []byte {
	if len(payload) != 8 {
		return errorFrame(CodeUnsupportedOperation)
	}
	if r.denyReads {
		return errorFrame(CodeUnsupportedOperation)
	}
	address := binary.LittleEndian.Uint32(payload[0:4])
	length := binary.LittleEndian.Uint32(payload[4:8])
	if length > MaxDataSize || int(address)+int(length) > len(r.flash) {
		return errorFrame(CodeUnsupportedOperation)
	}
	return Encode(OpReadAddressResponse, r.flash[address:address+length])
}

func errorFrame(code byte) []byte {
	return Encode(OpErrorResponse, []byte{code})
}

// Serve answers request datagrams on conn until the connection is closed.
// Each datagram is one request frame; the response goes back to the sender.
func (r *Responder) Serve(conn net.PacketConn) error {
	buf := make([]byte, MaxFrameSize)
	for {
		n, addr, err := conn.ReadFrom(buf)
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			return err
		}
		if resp := r.HandleFrame(buf[:n]); resp != nil {
			if _, err := conn.WriteTo(resp, addr); err != nil {
				return err
			}
		}
	}
}
