package serial

import "fmt"

// State is the channel state reported through StateChangedFunc.
type State int

const (
	StateOpened State = iota
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateOpened:
		return "opened"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Status codes carried by the broker's serial_status signal.
const (
	StatusClosed int32 = 0
	StatusOpened int32 = 1
)

// Broker contract defaults.
const (
	DefaultSocketPath      = "/tmp/.dr_common_stream"
	DefaultStatusInterface = "User.Data.Router.Introspectable"
	DefaultStatusSignal    = "serial_status"
	DefaultReadyPath       = "/Network/Serial"
	DefaultReadyInterface  = "Capi.Network.Serial"
	DefaultReadySignal     = "ready_for_serial"
	DefaultReadyPayload    = "OK"

	// ReadBufferSize bounds a single read from the channel socket.
	ReadBufferSize = 65536
)

// StateChangedFunc receives state transitions. err is nil on success; a failed
// connect after the broker reported OPENED arrives as an ErrOperationFailed
// error together with StateOpened.
type StateChangedFunc func(err error, state State)

// DataReceivedFunc receives bytes read from the channel. data is only valid
// until the function returns.
type DataReceivedFunc func(data []byte)
