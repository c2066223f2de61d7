package serial

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
)

// Config holds the broker contract and the collaborators of a Serial handle.
// Zero-valued fields fall back to the Default* constants.
type Config struct {
	SocketPath string

	StatusInterface string
	StatusSignal    string

	ReadyPath      string
	ReadyInterface string
	ReadySignal    string
	ReadyPayload   string

	// Bus carries the status and readiness signals. When nil, Create acquires
	// the shared system bus and Destroy releases it.
	Bus Bus
	// Loop dispatches socket events and status signals. When nil, Create
	// starts a private loop that Destroy stops.
	Loop *Loop

	Logger  logrus.FieldLogger
	Metrics *Metrics
}

func (c *Config) setDefaults() {
	if c.SocketPath == "" {
		c.SocketPath = DefaultSocketPath
	}
	if c.StatusInterface == "" {
		c.StatusInterface = DefaultStatusInterface
	}
	if c.StatusSignal == "" {
		c.StatusSignal = DefaultStatusSignal
	}
	if c.ReadyPath == "" {
		c.ReadyPath = DefaultReadyPath
	}
	if c.ReadyInterface == "" {
		c.ReadyInterface = DefaultReadyInterface
	}
	if c.ReadySignal == "" {
		c.ReadySignal = DefaultReadySignal
	}
	if c.ReadyPayload == "" {
		c.ReadyPayload = DefaultReadyPayload
	}
	if c.Logger == nil {
		c.Logger = logrus.StandardLogger().WithField("component", "serial")
	}
}

// Serial is a handle on one brokered serial channel.
//
// Open only announces readiness; the socket is connected later, when the
// broker's status signal reports OPENED, and the outcome arrives through the
// state callback. Status handling and socket reads run on the handle's Loop.
// The other methods may be called from any goroutine.
type Serial struct {
	cfg     Config
	bus     Bus
	loop    *Loop
	log     logrus.FieldLogger
	metrics *Metrics

	releaseBus func() error
	ownLoop    bool

	buf []byte // read buffer, used only on the loop goroutine

	mu        sync.Mutex
	fd        int // -1 when not connected
	subID     SubscriptionID
	watchID   WatchID
	stateCB   StateChangedFunc
	dataCB    DataReceivedFunc
	connected bool // outcome of the last connect attempt
	destroyed bool
}

// Create subscribes to the broker's status signal and returns an idle handle.
func Create(cfg Config) (*Serial, error) {
	cfg.setDefaults()
	s := &Serial{
		cfg:     cfg,
		bus:     cfg.Bus,
		loop:    cfg.Loop,
		log:     cfg.Logger,
		metrics: cfg.Metrics,
		buf:     make([]byte, ReadBufferSize),
		fd:      -1,
	}
	s.log.Debug("create")

	if s.bus == nil {
		sb, err := AcquireSystemBus()
		if err != nil {
			s.log.WithError(err).Error("system bus unavailable")
			return nil, fmt.Errorf("%w: %w", ErrOperationFailed, err)
		}
		s.bus = sb
		s.releaseBus = sb.Release
	}

	if s.loop == nil {
		loop, err := NewLoop()
		if err != nil {
			s.release()
			return nil, fmt.Errorf("%w: %w", ErrOperationFailed, err)
		}
		s.loop = loop
		s.ownLoop = true
		go loop.Run(context.Background())
	}

	id, err := s.bus.Subscribe(cfg.StatusInterface, cfg.StatusSignal, s.onStatusSignal)
	if err != nil {
		s.log.WithError(err).Error("status signal subscription failed")
		s.release()
		return nil, fmt.Errorf("%w: %w", ErrOperationFailed, err)
	}
	s.subID = id

	return s, nil
}

// Open broadcasts the readiness announcement. It does not connect the socket.
func (s *Serial) Open() error {
	if s == nil {
		return ErrInvalidParameter
	}
	s.log.Debug("open")

	s.mu.Lock()
	destroyed := s.destroyed
	s.mu.Unlock()
	if destroyed {
		return fmt.Errorf("%w: handle destroyed", ErrInvalidOperation)
	}

	err := s.bus.Emit(s.cfg.ReadyPath, s.cfg.ReadyInterface, s.cfg.ReadySignal, s.cfg.ReadyPayload)
	if err != nil {
		s.log.WithError(err).Error("readiness announcement failed")
		return fmt.Errorf("%w: %w", ErrOperationFailed, err)
	}
	s.log.Debug("serial is ready")
	return nil
}

// Close closes the channel socket. No state callback fires.
func (s *Serial) Close() error {
	if s == nil {
		return ErrInvalidParameter
	}
	s.log.Debug("close")

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.destroyed || s.fd < 0 {
		return fmt.Errorf("%w: channel is not connected", ErrInvalidOperation)
	}
	if err := s.disconnectLocked(); err != nil {
		return fmt.Errorf("%w: %w", ErrOperationFailed, err)
	}
	return nil
}

// Destroy unsubscribes from the bus, drops the socket and its watch, and
// releases whatever Create acquired. The handle is unusable afterwards.
func (s *Serial) Destroy() error {
	if s == nil {
		return ErrInvalidParameter
	}
	s.log.Debug("destroy")

	s.mu.Lock()
	if s.destroyed {
		s.mu.Unlock()
		return fmt.Errorf("%w: handle already destroyed", ErrInvalidOperation)
	}
	s.destroyed = true
	subID := s.subID
	s.subID = 0
	var errs []error
	if s.fd >= 0 || s.watchID != 0 {
		if err := s.disconnectLocked(); err != nil {
			errs = append(errs, err)
		}
	}
	s.stateCB = nil
	s.dataCB = nil
	s.mu.Unlock()

	if subID != 0 {
		if err := s.bus.Unsubscribe(subID); err != nil {
			errs = append(errs, err)
		}
	}
	if err := s.release(); err != nil {
		errs = append(errs, err)
	}
	if len(errs) > 0 {
		err := errors.Join(errs...)
		s.log.WithError(err).Warn("destroy")
		return fmt.Errorf("%w: %w", ErrOperationFailed, err)
	}
	return nil
}

func (s *Serial) release() error {
	var err error
	if s.ownLoop {
		s.loop.Close()
	}
	if s.releaseBus != nil {
		err = s.releaseBus()
		s.releaseBus = nil
	}
	return err
}

// Write sends data in a single send with an end-of-record marker and returns
// how many bytes the kernel accepted. Short counts are not retried and are
// not reported as errors, so Serial is not an io.Writer.
func (s *Serial) Write(data []byte) (int, error) {
	if s == nil {
		return 0, ErrInvalidParameter
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.destroyed || s.fd < 0 {
		return 0, fmt.Errorf("%w: channel is not connected", ErrInvalidOperation)
	}
	n, err := unix.SendmsgN(s.fd, data, nil, nil, unix.MSG_EOR)
	if err != nil {
		s.log.WithError(err).Error("send failed")
		return 0, fmt.Errorf("%w: send: %w", ErrOperationFailed, err)
	}
	s.metrics.sent(n)
	return n, nil
}

// SetStateChangedCallback installs fn as the state callback.
func (s *Serial) SetStateChangedCallback(fn StateChangedFunc) error {
	if s == nil || fn == nil {
		return ErrInvalidParameter
	}
	s.mu.Lock()
	s.stateCB = fn
	s.mu.Unlock()
	return nil
}

// UnsetStateChangedCallback clears the state callback.
func (s *Serial) UnsetStateChangedCallback() error {
	if s == nil {
		return ErrInvalidParameter
	}
	s.mu.Lock()
	s.stateCB = nil
	s.mu.Unlock()
	return nil
}

// SetDataReceivedCallback installs fn as the data callback. Install it before
// the broker opens the channel; bytes read while no data callback is set are
// discarded.
func (s *Serial) SetDataReceivedCallback(fn DataReceivedFunc) error {
	if s == nil || fn == nil {
		return ErrInvalidParameter
	}
	s.mu.Lock()
	s.dataCB = fn
	s.mu.Unlock()
	return nil
}

// UnsetDataReceivedCallback clears the data callback.
func (s *Serial) UnsetDataReceivedCallback() error {
	if s == nil {
		return ErrInvalidParameter
	}
	s.mu.Lock()
	s.dataCB = nil
	s.mu.Unlock()
	return nil
}

// onStatusSignal runs on the bus goroutine and hands the signal to the loop.
func (s *Serial) onStatusSignal(sig Signal) {
	if err := s.loop.Post(func() { s.handleStatus(sig) }); err != nil {
		s.log.WithError(err).Warn("dropping status signal")
	}
}

func (s *Serial) handleStatus(sig Signal) {
	status, err := decodeStatus(sig)
	if err != nil {
		s.log.WithError(err).Debug("ignoring status signal")
		return
	}
	s.log.WithField("status", status).Debug("serial_status")

	switch status {
	case StatusOpened:
		if err := s.connect(); err != nil {
			if errors.Is(err, ErrInvalidOperation) {
				return
			}
			s.log.WithError(err).Error("connect failed")
			// The target state is reported even though the connect failed.
			s.notifyState(fmt.Errorf("%w: %w", ErrOperationFailed, err), StateOpened)
			return
		}
		s.notifyState(nil, StateOpened)
	case StatusClosed:
		s.mu.Lock()
		connected := s.connected && !s.destroyed
		s.mu.Unlock()
		if !connected {
			return
		}
		// The socket stays open; only Close or a peer shutdown drops it.
		s.notifyState(nil, StateClosed)
	}
}

func (s *Serial) notifyState(err error, state State) {
	s.mu.Lock()
	cb := s.stateCB
	s.mu.Unlock()

	if err == nil {
		s.metrics.stateChanged(state)
	}
	if cb != nil {
		cb(err, state)
	}
}
