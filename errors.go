package serial

import "errors"

// Error kinds returned by this package. Call sites attach detail with
// fmt.Errorf("%w: ..."), so compare with errors.Is.
var (
	// ErrInvalidParameter reports a nil handle or a nil callback.
	ErrInvalidParameter = errors.New("serial: invalid parameter")
	// ErrOutOfMemory is kept for parity with the broker's error codes. The Go
	// runtime never surfaces allocation failure as a value, so nothing in this
	// package returns it.
	ErrOutOfMemory = errors.New("serial: out of memory")
	// ErrOperationFailed reports a bus or socket operation failure.
	ErrOperationFailed = errors.New("serial: operation failed")
	// ErrInvalidOperation reports a call that makes no sense in the current
	// state, such as closing a channel that has no socket.
	ErrInvalidOperation = errors.New("serial: invalid operation")
)
