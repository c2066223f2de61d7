package serial

import (
	"golang.org/x/sys/unix"
)

// onReadable is the loop watch for the channel socket.
func (s *Serial) onReadable(fd int, cond IOCondition) bool {
	s.mu.Lock()
	if s.fd != fd {
		// Closed or replaced since the poll round started.
		s.mu.Unlock()
		return false
	}

	n, err := unix.Read(fd, s.buf)
	if err == unix.EINTR || err == unix.EAGAIN {
		s.mu.Unlock()
		return true
	}
	if n <= 0 || err != nil {
		s.watchID = 0
		s.fd = -1
		unix.Close(fd)
		s.mu.Unlock()

		s.log.WithError(err).WithField("read", n).Error("error occurred or the peer shut down")
		s.notifyState(nil, StateClosed)
		return false
	}
	cb := s.dataCB
	s.mu.Unlock()

	s.metrics.received(n)
	if cb == nil {
		s.metrics.dropped()
		s.log.WithField("bytes", n).Debug("no data callback, discarding")
		return true
	}
	cb(s.buf[:n])
	return true
}
