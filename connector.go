package serial

import (
	"fmt"

	"golang.org/x/sys/unix"
)

const watchConditions = CondIn | CondErr | CondHup | CondNval

// dialUnix connects a non-blocking stream socket to path.
func dialUnix(path string) (int, error) {
	fd, err := unix.Socket(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return -1, fmt.Errorf("create socket: %w", err)
	}
	if err := unix.Connect(fd, &unix.SockaddrUnix{Name: path}); err != nil {
		unix.Close(fd)
		return -1, fmt.Errorf("connect %s: %w", path, err)
	}
	return fd, nil
}

// connect dials the broker socket and registers it with the loop. A previous
// connection, if any, is dropped first so its descriptor does not leak.
func (s *Serial) connect() error {
	fd, err := dialUnix(s.cfg.SocketPath)

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.destroyed {
		if err == nil {
			unix.Close(fd)
		}
		return ErrInvalidOperation
	}
	s.connected = err == nil
	if err != nil {
		s.metrics.connectFailed()
		return err
	}

	if s.fd >= 0 {
		s.log.WithField("fd", s.fd).Warn("broker reopened channel, dropping previous socket")
		s.disconnectLocked()
	}
	id, err := s.loop.AddWatch(fd, watchConditions, s.onReadable)
	if err != nil {
		unix.Close(fd)
		s.connected = false
		s.metrics.connectFailed()
		return fmt.Errorf("watch socket: %w", err)
	}
	s.fd = fd
	s.watchID = id
	s.log.WithField("fd", fd).Debug("connected")
	return nil
}

// disconnectLocked removes the watch and closes the socket. s.mu must be held.
func (s *Serial) disconnectLocked() error {
	if s.watchID != 0 {
		s.loop.RemoveWatch(s.watchID)
		s.watchID = 0
	}
	if s.fd < 0 {
		return nil
	}
	fd := s.fd
	s.fd = -1
	if err := unix.Close(fd); err != nil {
		return fmt.Errorf("close socket: %w", err)
	}
	return nil
}
