package serial

import (
	"fmt"
	"strings"
	"sync"

	"github.com/godbus/dbus/v5"
)

// SystemBus adapts a godbus connection to the Bus interface. Signals are
// dispatched to subscribers from a single goroutine.
type SystemBus struct {
	conn    *dbus.Conn
	signals chan *dbus.Signal
	quit    chan struct{}
	done    chan struct{}

	mu   sync.Mutex
	next SubscriptionID
	subs map[SubscriptionID]busSubscription

	refs      int // guarded by systemBusMu
	closeOnce sync.Once
	closeErr  error
}

type busSubscription struct {
	iface   string
	member  string
	handler SignalHandler
}

var (
	systemBusMu sync.Mutex
	systemBus   *SystemBus
)

// AcquireSystemBus returns the process-wide system bus connection, dialing it
// on first use. Every successful call must be paired with Release; the
// connection is closed when the last reference is released.
func AcquireSystemBus() (*SystemBus, error) {
	systemBusMu.Lock()
	defer systemBusMu.Unlock()

	if systemBus != nil {
		systemBus.refs++
		return systemBus, nil
	}

	conn, err := dbus.ConnectSystemBus()
	if err != nil {
		return nil, fmt.Errorf("connect system bus: %w", err)
	}
	b := NewSystemBus(conn)
	b.refs = 1
	systemBus = b
	return b, nil
}

// Release drops one reference taken by AcquireSystemBus.
func (b *SystemBus) Release() error {
	systemBusMu.Lock()
	if b.refs <= 0 {
		systemBusMu.Unlock()
		return fmt.Errorf("%w: system bus released more times than acquired", ErrInvalidOperation)
	}
	b.refs--
	if b.refs > 0 {
		systemBusMu.Unlock()
		return nil
	}
	if systemBus == b {
		systemBus = nil
	}
	systemBusMu.Unlock()
	return b.Close()
}

// NewSystemBus wraps an established connection. The caller owns the result and
// must Close it.
func NewSystemBus(conn *dbus.Conn) *SystemBus {
	b := &SystemBus{
		conn:    conn,
		signals: make(chan *dbus.Signal, 16),
		quit:    make(chan struct{}),
		done:    make(chan struct{}),
		subs:    make(map[SubscriptionID]busSubscription),
	}
	conn.Signal(b.signals)
	go b.dispatch()
	return b
}

func (b *SystemBus) dispatch() {
	defer close(b.done)
	for {
		select {
		case <-b.quit:
			return
		case raw, ok := <-b.signals:
			if !ok {
				return
			}
			sig := fromDBusSignal(raw)

			b.mu.Lock()
			var handlers []SignalHandler
			for _, sub := range b.subs {
				if signalMatches(sig, sub.iface, sub.member) {
					handlers = append(handlers, sub.handler)
				}
			}
			b.mu.Unlock()

			for _, h := range handlers {
				h(sig)
			}
		}
	}
}

func fromDBusSignal(raw *dbus.Signal) Signal {
	sig := Signal{
		Sender: raw.Sender,
		Path:   string(raw.Path),
		Body:   raw.Body,
	}
	if i := strings.LastIndexByte(raw.Name, '.'); i >= 0 {
		sig.Interface, sig.Member = raw.Name[:i], raw.Name[i+1:]
	} else {
		sig.Member = raw.Name
	}
	return sig
}

// Subscribe installs a match rule for iface/member and registers h for it.
func (b *SystemBus) Subscribe(iface, member string, h SignalHandler) (SubscriptionID, error) {
	if h == nil {
		return 0, ErrInvalidParameter
	}
	if err := b.conn.AddMatchSignal(matchOptions(iface, member)...); err != nil {
		return 0, fmt.Errorf("add match %s.%s: %w", iface, member, err)
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	b.next++
	b.subs[b.next] = busSubscription{iface: iface, member: member, handler: h}
	return b.next, nil
}

// Unsubscribe removes a subscription and its match rule.
func (b *SystemBus) Unsubscribe(id SubscriptionID) error {
	b.mu.Lock()
	sub, ok := b.subs[id]
	delete(b.subs, id)
	b.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: unknown subscription %d", ErrInvalidOperation, id)
	}
	if err := b.conn.RemoveMatchSignal(matchOptions(sub.iface, sub.member)...); err != nil {
		return fmt.Errorf("remove match %s.%s: %w", sub.iface, sub.member, err)
	}
	return nil
}

// Emit broadcasts a signal from path.
func (b *SystemBus) Emit(path, iface, member string, values ...any) error {
	if err := b.conn.Emit(dbus.ObjectPath(path), iface+"."+member, values...); err != nil {
		return fmt.Errorf("emit %s.%s: %w", iface, member, err)
	}
	return nil
}

// Close stops signal dispatch and closes the connection.
func (b *SystemBus) Close() error {
	b.closeOnce.Do(func() {
		b.conn.RemoveSignal(b.signals)
		close(b.quit)
		<-b.done
		b.closeErr = b.conn.Close()
	})
	return b.closeErr
}

func matchOptions(iface, member string) []dbus.MatchOption {
	opts := []dbus.MatchOption{dbus.WithMatchMember(member)}
	if iface != "" {
		opts = append(opts, dbus.WithMatchInterface(iface))
	}
	return opts
}
