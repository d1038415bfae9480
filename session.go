package udpboot

import (
	"time"

	"github.com/pkg/errors"
)

// DefaultTimeout is the default round-trip timeout for a single request.
const DefaultTimeout = 10 * time.Second

// The Session interface allows low-level interaction with the device in a
// transport-agnostic fashion. Every method is one synchronous round trip: the
// request is sent and exactly one matching response is awaited. For
// higher-level update operations, use Updater.
//
// A Session must not be shared across concurrent callers; the protocol is
// strictly single-flight.
type Session interface {
	Connect() error
	// Close releases the transport resource. It is idempotent.
	Close() error

	GetVersion() (VersionInfo, error)
	StartUpdate(imageSize uint32) error
	Write(chunk []byte) error
	StopUpdate(imageCRC uint32) (int32, error)
	Reset() error
	ReadAddress(address, length uint32) ([]byte, error)
}

// roundTripper is the transport client underneath a Session: it sends one
// encoded request and returns the raw bytes of one response. It never
// retries; retry policy belongs to the callers.
type roundTripper interface {
	sendAndReceive(request []byte) ([]byte, error)
}

// sessionOps implements the per-operation protocol methods on top of a
// roundTripper. Concrete sessions embed it and supply themselves as rt.
type sessionOps struct {
	rt roundTripper
}

func (s *sessionOps) roundTrip(reqOp, respOp OpCode, payload []byte) ([]byte, error) {
	resp, err := s.rt.sendAndReceive(Encode(reqOp, payload))
	if err != nil {
		return nil, err
	}
	return Decode(respOp, resp)
}

func (s *sessionOps) GetVersion() (VersionInfo, error) {
	payload, err := s.roundTrip(OpVersionRequest, OpVersionResponse, nil)
	if err != nil {
		return VersionInfo{}, errors.Wrap(err, "get version failed")
	}
	info, err := parseVersionInfo(payload)
	if err != nil {
		return VersionInfo{}, errors.Wrap(err, "get version failed")
	}
	pkgLog.Debugf("device version: api %d.%d bootloader %d.%d.%d note %q",
		info.APIMajor, info.APIMinor, info.BootMajor, info.BootMinor, info.BootBuild, info.Note)
	return info, nil
}

func (s *sessionOps) StartUpdate(imageSize uint32) error {
	_, err := s.roundTrip(OpUpdateStartRequest, OpUpdateStartResponse, encodeUint32(imageSize))
	if err != nil {
		return errors.Wrap(err, "start update failed")
	}
	pkgLog.Debugf("update session opened for %d bytes", imageSize)
	return nil
}

func (s *sessionOps) Write(chunk []byte) error {
	payload, err := buildWritePayload(chunk)
	if err != nil {
		return errors.Wrap(err, "write failed")
	}
	if _, err := s.roundTrip(OpWriteRequest, OpWriteResponse, payload); err != nil {
		return errors.Wrap(err, "write failed")
	}
	return nil
}

func (s *sessionOps) StopUpdate(imageCRC uint32) (int32, error) {
	payload, err := s.roundTrip(OpUpdateStopRequest, OpUpdateStopResponse, encodeUint32(imageCRC))
	if err != nil {
		return 0, errors.Wrap(err, "stop update failed")
	}
	deviceCRC, err := parseStopCRC(payload)
	if err != nil {
		return 0, errors.Wrap(err, "stop update failed")
	}
	return deviceCRC, nil
}

// Reset asks the device to restart. The device typically does not reply
// before restarting, so a timeout after a successful send counts as success.
func (s *sessionOps) Reset() error {
	resp, err := s.rt.sendAndReceive(Encode(OpResetRequest, nil))
	if err != nil {
		if errors.Is(err, ErrTimeout) {
			pkgLog.Debugf("no reset response, assuming device restarted")
			return nil
		}
		return errors.Wrap(err, "reset failed")
	}
	if _, err := Decode(OpResetResponse, resp); err != nil {
		return errors.Wrap(err, "reset failed")
	}
	return nil
}

func (s *sessionOps) ReadAddress(address, length uint32) ([]byte, error) {
	payload := append(encodeUint32(address), encodeUint32(length)...)
	data, err := s.roundTrip(OpReadAddressRequest, OpReadAddressResponse, payload)
	if err != nil {
		return nil, errors.Wrapf(err, "read at %X failed", address)
	}
	return data, nil
}
