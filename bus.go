package serial

import (
	"fmt"
	"strings"
)

// SubscriptionID identifies a signal subscription on a Bus. Zero means none.
type SubscriptionID uint64

// Signal is a bus signal delivered to a SignalHandler.
type Signal struct {
	Sender    string
	Path      string
	Interface string
	Member    string
	Body      []any
}

// SignalHandler is called for every signal matching a subscription. It may be
// called from a goroutine owned by the Bus implementation.
type SignalHandler func(Signal)

// Bus is the slice of a message bus this package needs: subscribing to the
// broker's status signal and broadcasting the readiness announcement.
type Bus interface {
	Subscribe(iface, member string, h SignalHandler) (SubscriptionID, error)
	Unsubscribe(id SubscriptionID) error
	Emit(path, iface, member string, values ...any) error
}

// signalMatches reports whether sig belongs to a subscription on iface and
// member. Member names compare case-insensitively, as the broker's clients
// always have.
func signalMatches(sig Signal, iface, member string) bool {
	if iface != "" && sig.Interface != iface {
		return false
	}
	return strings.EqualFold(sig.Member, member)
}

// decodeStatus extracts the single int32 status code from a status signal body.
func decodeStatus(sig Signal) (int32, error) {
	if len(sig.Body) != 1 {
		return 0, fmt.Errorf("status signal has %d values, want 1", len(sig.Body))
	}
	status, ok := sig.Body[0].(int32)
	if !ok {
		return 0, fmt.Errorf("status signal carries %T, want int32", sig.Body[0])
	}
	return status, nil
}
