package udpboot

import (
	"net"
	"time"

	"github.com/pkg/errors"
)

type udpSession struct {
	sessionOps

	target  string
	timeout time.Duration
	conn    net.Conn
}

// NewUDPSession creates a session that speaks the protocol over UDP datagrams
// to the given target address ("host:port"). A timeout of zero selects
// DefaultTimeout.
func NewUDPSession(target string, timeout time.Duration) Session {
	s := new(udpSession)
	s.target = target
	s.timeout = timeout
	if s.timeout <= 0 {
		s.timeout = DefaultTimeout
	}
	s.rt = s
	return s
}

func (s *udpSession) Connect() error {
	if s.conn != nil {
		return nil
	}
	conn, err := net.Dial("udp", s.target)
	if err != nil {
		return errors.Wrapf(err, "failed to bind to %v", s.target)
	}
	s.conn = conn
	return nil
}

func (s *udpSession) Close() error {
	if s.conn == nil {
		return nil
	}
	err := s.conn.Close()
	s.conn = nil
	return err
}

// sendAndReceive sends one datagram and blocks for one response datagram.
// The connected socket discards datagrams from other peers, so the first
// datagram to arrive is the response.
func (s *udpSession) sendAndReceive(request []byte) ([]byte, error) {
	if s.conn == nil {
		return nil, errors.New("session is not connected")
	}

	if _, err := s.conn.Write(request); err != nil {
		return nil, errors.Wrap(err, "send failed")
	}

	if err := s.conn.SetReadDeadline(time.Now().Add(s.timeout)); err != nil {
		return nil, errors.Wrap(err, "failed to arm read deadline")
	}

	buf := make([]byte, MaxFrameSize)
	n, err := s.conn.Read(buf)
	if err != nil {
		if ne, ok := err.(net.Error); ok && ne.Timeout() {
			return nil, ErrTimeout
		}
		return nil, errors.Wrap(err, "receive failed")
	}
	return buf[:n], nil
}
