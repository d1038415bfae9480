package udpboot

import (
	"encoding/binary"
	"io"
	"time"

	"github.com/pkg/errors"
	"github.com/tarm/serial"
)

type serialSession struct {
	sessionOps

	portConfig serial.Config
	port       *serial.Port
}

// NewSerialSession creates a session that speaks the same framed protocol
// over a serial line, for devices wired to the bench directly rather than
// through the network.
func NewSerialSession(port string, baud int) Session {
	s := new(serialSession)
	s.portConfig.Name = port
	s.portConfig.Baud = baud
	s.portConfig.ReadTimeout = time.Second
	s.rt = s
	return s
}

func (s *serialSession) Connect() error {
	if s.port != nil {
		return nil
	}
	port, err := serial.OpenPort(&s.portConfig)
	if err != nil {
		return err
	}
	// On Linux with USB serial ports, received data needs a moment to make
	// its way up the driver stack before the flush takes effect.
	time.Sleep(time.Millisecond * 100)
	port.Flush()
	s.port = port
	return nil
}

func (s *serialSession) Close() error {
	if s.port == nil {
		return nil
	}
	err := s.port.Close()
	s.port = nil
	return err
}

// recv reads exactly count bytes from the port. The port read timeout is
// short, so a stalled device surfaces as ErrTimeout rather than a hang.
func (s *serialSession) recv(count int) ([]byte, error) {
	resp := make([]byte, 0, count)
	for len(resp) < count {
		buf := make([]byte, count-len(resp))
		n, err := s.port.Read(buf)
		if err != nil {
			if err == io.EOF {
				return nil, ErrTimeout
			}
			return nil, errors.Wrap(err, "receive failed")
		}
		if n == 0 {
			return nil, ErrTimeout
		}
		resp = append(resp, buf[:n]...)
	}
	return resp, nil
}

// sendAndReceive writes one frame and reads back exactly one frame, sizing
// the second read from the declared length field.
func (s *serialSession) sendAndReceive(request []byte) ([]byte, error) {
	if s.port == nil {
		return nil, errors.New("session is not connected")
	}

	if _, err := s.port.Write(request); err != nil {
		return nil, errors.Wrap(err, "send failed")
	}

	header, err := s.recv(headerSize)
	if err != nil {
		return nil, err
	}

	remaining := int(binary.LittleEndian.Uint16(header[2:4]))
	if remaining < 1 || remaining > MaxPayloadSize+1 {
		return nil, errors.Wrapf(ErrLengthMismatch, "declared %d", remaining)
	}

	rest, err := s.recv(remaining)
	if err != nil {
		return nil, err
	}
	return append(header, rest...), nil
}
