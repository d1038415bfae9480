package udpboot

import (
	"fmt"

	"github.com/pkg/errors"
)

// Framing errors reported by Decode.
var (
	ErrFrameTooShort  = errors.New("frame too short")
	ErrBadSync        = errors.New("invalid sync byte")
	ErrChecksum       = errors.New("checksum mismatch")
	ErrLengthMismatch = errors.New("length mismatch")
	ErrUnknownOp      = errors.New("unknown op code")
	ErrUnexpectedOp   = errors.New("unexpected op code")
)

// ErrTimeout is returned when no response arrives within the session timeout.
var ErrTimeout = errors.New("timed out waiting for response")

// Device error codes carried by an ErrorResponse frame.
const (
	CodeUnsupportedOperation = 0x00
	CodeIncorrectState       = 0x01
	CodeWriteFailed          = 0x02
)

// DeviceError is an error reported by the device itself via an ErrorResponse
// frame. The frame arrived intact; the device rejected the request.
type DeviceError struct {
	Code byte
}

func (e *DeviceError) Error() string {
	return fmt.Sprintf("device reported %s (0x%02X)", deviceCodeString(e.Code), e.Code)
}

// IsDeviceError reports whether err is a DeviceError carrying the given code.
func IsDeviceError(err error, code byte) bool {
	var de *DeviceError
	if errors.As(err, &de) {
		return de.Code == code
	}
	return false
}

func deviceCodeString(code byte) string {
	switch code {
	case CodeUnsupportedOperation:
		return "unsupported operation"
	case CodeIncorrectState:
		return "incorrect state"
	case CodeWriteFailed:
		return "write failed"
	default:
		return "unknown error"
	}
}

// CRCMismatchError indicates that the CRC the device computed over the
// flashed image differs from the CRC computed locally over the source image.
type CRCMismatchError struct {
	Local  uint32
	Device int32
}

func (e *CRCMismatchError) Error() string {
	return fmt.Sprintf("image CRC mismatch: local 0x%08X, device 0x%08X", e.Local, uint32(e.Device))
}

// VersionMismatchError indicates that the device is not running the exact
// firmware version pair this tool supports.
type VersionMismatchError struct {
	Got VersionInfo
}

func (e *VersionMismatchError) Error() string {
	return fmt.Sprintf("unsupported device version: api %d.%d, bootloader %d.%d.%d",
		e.Got.APIMajor, e.Got.APIMinor, e.Got.BootMajor, e.Got.BootMinor, e.Got.BootBuild)
}

// Update steps, reported by UpdateError.
const (
	StepImage   = "image"
	StepVersion = "version"
	StepStart   = "start"
	StepWrite   = "write"
	StepStop    = "stop"
	StepVerify  = "verify"
	StepReset   = "reset"
)

// UpdateError reports at which step an update session failed.
type UpdateError struct {
	Step string
	Err  error
}

func (e *UpdateError) Error() string {
	return fmt.Sprintf("update failed at %s step: %v", e.Step, e.Err)
}

func (e *UpdateError) Unwrap() error { return e.Err }
