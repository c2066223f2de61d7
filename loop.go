package serial

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"golang.org/x/sys/unix"
)

// IOCondition is a set of readiness conditions a watch is interested in.
type IOCondition int16

const (
	CondIn   IOCondition = unix.POLLIN
	CondErr  IOCondition = unix.POLLERR
	CondHup  IOCondition = unix.POLLHUP
	CondNval IOCondition = unix.POLLNVAL
)

// WatchID identifies a registered watch. Zero means none.
type WatchID uint64

// WatchFunc handles readiness on fd. Returning false removes the watch.
type WatchFunc func(fd int, cond IOCondition) bool

// ErrLoopClosed is returned when using a Loop after Close.
var ErrLoopClosed = errors.New("serial: event loop closed")

type watch struct {
	fd   int
	cond IOCondition
	fn   WatchFunc
}

// Loop is a single-goroutine event loop. Watch functions and posted functions
// all run on the goroutine executing Run, so handlers never race each other.
// AddWatch, RemoveWatch and Post may be called from any goroutine.
type Loop struct {
	mu      sync.Mutex
	watches map[WatchID]*watch
	nextID  WatchID
	posted  []func()
	running bool
	closed  bool

	pipeR, pipeW int // self-pipe for wakeups
	pipeClosed   bool
}

// NewLoop creates an idle loop. Call Run to start dispatching.
func NewLoop() (*Loop, error) {
	fds := make([]int, 2)
	if err := unix.Pipe2(fds, unix.O_NONBLOCK|unix.O_CLOEXEC); err != nil {
		return nil, fmt.Errorf("pipe: %w", err)
	}
	return &Loop{
		watches: make(map[WatchID]*watch),
		pipeR:   fds[0],
		pipeW:   fds[1],
	}, nil
}

// AddWatch registers fn for cond on fd.
func (l *Loop) AddWatch(fd int, cond IOCondition, fn WatchFunc) (WatchID, error) {
	if fd < 0 || fn == nil {
		return 0, ErrInvalidParameter
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return 0, ErrLoopClosed
	}
	l.nextID++
	id := l.nextID
	l.watches[id] = &watch{fd: fd, cond: cond, fn: fn}
	l.wakeupLocked()
	return id, nil
}

// RemoveWatch deregisters a watch. It reports whether the watch was present.
func (l *Loop) RemoveWatch(id WatchID) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.watches[id]
	if ok {
		delete(l.watches, id)
		l.wakeupLocked()
	}
	return ok
}

// Post queues fn to run on the loop goroutine.
func (l *Loop) Post(fn func()) error {
	if fn == nil {
		return ErrInvalidParameter
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return ErrLoopClosed
	}
	l.posted = append(l.posted, fn)
	l.wakeupLocked()
	return nil
}

// Run dispatches events until ctx is cancelled or Close is called.
func (l *Loop) Run(ctx context.Context) error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return ErrLoopClosed
	}
	if l.running {
		l.mu.Unlock()
		return fmt.Errorf("%w: loop already running", ErrInvalidOperation)
	}
	l.running = true
	l.mu.Unlock()
	defer func() {
		l.mu.Lock()
		l.running = false
		if l.closed {
			l.closePipeLocked()
		}
		l.mu.Unlock()
	}()

	stop := context.AfterFunc(ctx, l.wakeup)
	defer stop()

	var (
		pfd []unix.PollFd
		ids []WatchID
	)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		l.mu.Lock()
		if l.closed {
			l.mu.Unlock()
			return nil
		}
		pfd = append(pfd[:0], unix.PollFd{Fd: int32(l.pipeR), Events: unix.POLLIN})
		ids = ids[:0]
		for id, w := range l.watches {
			pfd = append(pfd, unix.PollFd{Fd: int32(w.fd), Events: int16(w.cond)})
			ids = append(ids, id)
		}
		l.mu.Unlock()

		if _, err := unix.Poll(pfd, -1); err != nil {
			if err == unix.EINTR {
				continue
			}
			return fmt.Errorf("poll: %w", err)
		}

		if pfd[0].Revents&unix.POLLIN != 0 {
			l.drain()
		}
		l.runPosted()

		for i, id := range ids {
			revents := IOCondition(pfd[i+1].Revents)
			if revents == 0 {
				continue
			}
			l.mu.Lock()
			w, ok := l.watches[id]
			l.mu.Unlock()
			// An earlier handler in this round may have removed it.
			if !ok {
				continue
			}
			if !w.fn(w.fd, revents) {
				l.mu.Lock()
				delete(l.watches, id)
				l.mu.Unlock()
			}
		}
	}
}

func (l *Loop) runPosted() {
	l.mu.Lock()
	posted := l.posted
	l.posted = nil
	l.mu.Unlock()

	for _, fn := range posted {
		fn()
	}
}

func (l *Loop) drain() {
	var b [64]byte
	for {
		n, err := unix.Read(l.pipeR, b[:])
		if n <= 0 || err != nil {
			return
		}
	}
}

func (l *Loop) wakeup() {
	l.mu.Lock()
	l.wakeupLocked()
	l.mu.Unlock()
}

func (l *Loop) wakeupLocked() {
	if l.pipeClosed {
		return
	}
	// EAGAIN means a wakeup is already pending.
	unix.Write(l.pipeW, []byte{1})
}

func (l *Loop) closePipeLocked() {
	if l.pipeClosed {
		return
	}
	l.pipeClosed = true
	unix.Close(l.pipeR)
	unix.Close(l.pipeW)
}

// Close stops Run and releases the self-pipe. Registered descriptors are not
// closed; they belong to whoever added the watch.
// Safe to call multiple times; subsequent calls are no-ops.
func (l *Loop) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil
	}
	l.closed = true
	l.watches = make(map[WatchID]*watch)
	l.posted = nil
	if l.running {
		// Run closes the pipe on its way out.
		l.wakeupLocked()
	} else {
		l.closePipeLocked()
	}
	return nil
}
