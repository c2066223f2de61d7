package serial

import (
	"fmt"
	"os"
	"sync"

	"github.com/creack/pty"
	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
)

// Bridge exposes a Serial channel as a pseudo-terminal, so programs that
// expect a tty device can talk to the broker. Bytes read from the channel are
// written to the terminal; bytes written to the terminal are sent on the
// channel.
type Bridge struct {
	s      *Serial
	master *os.File
	slave  *os.File
	fd     int // master descriptor, non-blocking
	log    logrus.FieldLogger

	pipeR, pipeW int // self-pipe for killability
	done         chan struct{}
	exited       chan struct{}
	closeOnce    sync.Once

	mu     sync.Mutex
	closed bool
}

// NewBridge opens a PTY pair in raw mode and installs itself as the data
// callback of s. Close the Bridge before destroying s.
func NewBridge(s *Serial) (*Bridge, error) {
	if s == nil {
		return nil, ErrInvalidParameter
	}
	master, slave, err := pty.Open()
	if err != nil {
		return nil, fmt.Errorf("open pty: %w", err)
	}
	if err := makeRaw(int(slave.Fd())); err != nil {
		master.Close()
		slave.Close()
		return nil, err
	}
	fd := int(master.Fd())
	if err := unix.SetNonblock(fd, true); err != nil {
		master.Close()
		slave.Close()
		return nil, fmt.Errorf("set nonblock: %w", err)
	}

	pipeFds := make([]int, 2)
	if err := unix.Pipe2(pipeFds, unix.O_CLOEXEC); err != nil {
		master.Close()
		slave.Close()
		return nil, fmt.Errorf("pipe: %w", err)
	}

	b := &Bridge{
		s:      s,
		master: master,
		slave:  slave,
		fd:     fd,
		log:    s.log.WithField("pty", slave.Name()),
		pipeR:  pipeFds[0],
		pipeW:  pipeFds[1],
		done:   make(chan struct{}),
		exited: make(chan struct{}),
	}
	if err := s.SetDataReceivedCallback(b.toTerminal); err != nil {
		b.release()
		return nil, err
	}
	go b.forward()
	return b, nil
}

// Name returns the path of the terminal device clients should open.
func (b *Bridge) Name() string {
	return b.slave.Name()
}

// toTerminal runs on the loop goroutine. The terminal side has no flow
// control: whatever the master cannot take right now is dropped.
func (b *Bridge) toTerminal(data []byte) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	for len(data) > 0 {
		n, err := unix.Write(b.fd, data)
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			b.log.WithError(err).WithField("bytes", len(data)).Warn("terminal write failed, dropping")
			return
		}
		data = data[n:]
	}
}

// forward copies terminal input to the channel until Close.
func (b *Bridge) forward() {
	defer close(b.exited)
	buf := make([]byte, ReadBufferSize)
	for {
		// Use poll to wait for input or kill signal
		pfd := []unix.PollFd{
			{Fd: int32(b.fd), Events: unix.POLLIN},
			{Fd: int32(b.pipeR), Events: unix.POLLIN},
		}
		if _, err := unix.Poll(pfd, -1); err != nil {
			if err == unix.EINTR {
				continue
			}
			b.log.WithError(err).Error("poll failed")
			return
		}
		select {
		case <-b.done:
			return
		default:
		}
		if pfd[1].Revents&unix.POLLIN != 0 {
			return
		}

		revents := pfd[0].Revents
		if revents&unix.POLLIN == 0 {
			if revents&(unix.POLLERR|unix.POLLHUP|unix.POLLNVAL) != 0 {
				b.log.WithField("revents", revents).Warn("terminal closed")
				return
			}
			continue
		}
		n, err := unix.Read(b.fd, buf)
		if err == unix.EAGAIN || err == unix.EINTR {
			continue
		}
		if err != nil || n <= 0 {
			b.log.WithError(err).Warn("terminal read failed")
			return
		}
		b.send(buf[:n])
	}
}

func (b *Bridge) send(data []byte) {
	for len(data) > 0 {
		n, err := b.s.Write(data)
		if err != nil {
			b.log.WithError(err).WithField("bytes", len(data)).Warn("channel write failed, dropping")
			return
		}
		data = data[n:]
	}
}

// Close stops forwarding, clears the data callback and releases the PTY.
// Safe to call multiple times; subsequent calls are no-ops.
func (b *Bridge) Close() error {
	var err error
	b.closeOnce.Do(func() {
		b.s.UnsetDataReceivedCallback()
		close(b.done)
		// Wake up poll using self-pipe
		unix.Write(b.pipeW, []byte{1})
		<-b.exited
		err = b.release()
	})
	return err
}

func (b *Bridge) release() error {
	b.mu.Lock()
	b.closed = true
	b.mu.Unlock()

	err := b.master.Close()
	b.slave.Close()
	unix.Close(b.pipeR)
	unix.Close(b.pipeW)
	return err
}

// makeRaw puts the terminal on fd into raw 8-bit mode with byte-at-a-time
// reads, so channel bytes pass through the line discipline untouched.
func makeRaw(fd int) error {
	termios, err := unix.IoctlGetTermios(fd, unix.TCGETS)
	if err != nil {
		return fmt.Errorf("get termios: %w", err)
	}

	termios.Iflag &^= unix.IGNBRK | unix.BRKINT | unix.PARMRK | unix.ISTRIP | unix.INLCR | unix.IGNCR | unix.ICRNL | unix.IXON
	termios.Oflag &^= unix.OPOST
	termios.Lflag &^= unix.ECHO | unix.ECHONL | unix.ICANON | unix.ISIG | unix.IEXTEN
	termios.Cflag &^= unix.CSIZE | unix.PARENB
	termios.Cflag |= unix.CS8

	// VMIN=1, VTIME=0 for immediate reads
	termios.Cc[unix.VMIN] = 1
	termios.Cc[unix.VTIME] = 0

	if err := unix.IoctlSetTermios(fd, unix.TCSETS, termios); err != nil {
		return fmt.Errorf("set termios: %w", err)
	}
	return nil
}
