// Package visa provides the transport session to the instrument:
// newline-terminated SCPI exchanges over a raw TCP socket.
package visa

import (
	"bufio"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"
)

var (
	ErrTimeout     = errors.New("instrument timeout")
	ErrUnreachable = errors.New("instrument unreachable")
)

// Session is an open communication channel to the instrument.
// A Session has exactly one owner at a time; it is not safe for
// concurrent use.
type Session interface {
	// Write sends one command, without expecting a reply.
	Write(cmd string) error
	// Query sends one command and reads the single-line reply.
	Query(cmd string) (string, error)
	Close() error
}

// DialFunc opens a session to an instrument address. It exists so the
// session controller can be given a simulated instrument instead of a
// TCP connection.
type DialFunc func(address string, timeout time.Duration) (Session, error)

type tcpSession struct {
	conn    net.Conn
	reader  *bufio.Reader
	timeout time.Duration
}

// Dial opens a raw-socket SCPI session. The address is either a plain
// "host:port" or a VISA resource string such as
// "TCPIP0::192.168.1.5::5025::SOCKET".
func Dial(address string, timeout time.Duration) (Session, error) {
	hostPort, err := ParseResource(address)
	if err != nil {
		return nil, err
	}

	conn, err := net.DialTimeout("tcp", hostPort, timeout)
	if err != nil {
		if isTimeout(err) {
			return nil, fmt.Errorf("%w: %s", ErrTimeout, hostPort)
		}
		return nil, fmt.Errorf("%w: %s: %v", ErrUnreachable, hostPort, err)
	}

	return &tcpSession{
		conn:    conn,
		reader:  bufio.NewReader(conn),
		timeout: timeout,
	}, nil
}

func (s *tcpSession) Write(cmd string) error {
	s.conn.SetWriteDeadline(time.Now().Add(s.timeout))
	if _, err := s.conn.Write([]byte(cmd + "\n")); err != nil {
		return wrapIOError(err)
	}
	return nil
}

func (s *tcpSession) Query(cmd string) (string, error) {
	if err := s.Write(cmd); err != nil {
		return "", err
	}

	s.conn.SetReadDeadline(time.Now().Add(s.timeout))
	line, err := s.reader.ReadString('\n')
	if err != nil {
		return "", wrapIOError(err)
	}
	return strings.TrimRight(line, "\r\n"), nil
}

func (s *tcpSession) Close() error {
	return s.conn.Close()
}

func wrapIOError(err error) error {
	if isTimeout(err) {
		return fmt.Errorf("%w: %v", ErrTimeout, err)
	}
	return fmt.Errorf("%w: %v", ErrUnreachable, err)
}

func isTimeout(err error) bool {
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

// ParseResource extracts the host:port from an instrument address.
// Accepted forms:
//
//	"192.168.1.5:5025"
//	"TCPIP::192.168.1.5::SOCKET"        (default port 5025)
//	"TCPIP0::192.168.1.5::5025::SOCKET"
func ParseResource(address string) (string, error) {
	if !strings.Contains(address, "::") {
		if _, _, err := net.SplitHostPort(address); err != nil {
			return "", fmt.Errorf("invalid instrument address %q: %v", address, err)
		}
		return address, nil
	}

	fields := strings.Split(address, "::")
	if !strings.HasPrefix(strings.ToUpper(fields[0]), "TCPIP") {
		return "", fmt.Errorf("unsupported resource type %q", fields[0])
	}
	if strings.ToUpper(fields[len(fields)-1]) != "SOCKET" {
		return "", fmt.Errorf("unsupported resource class in %q", address)
	}

	switch len(fields) {
	case 3:
		return net.JoinHostPort(fields[1], "5025"), nil
	case 4:
		return net.JoinHostPort(fields[1], fields[2]), nil
	}
	return "", fmt.Errorf("invalid resource string %q", address)
}
