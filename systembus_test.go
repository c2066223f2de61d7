package serial

import (
	"net"
	"testing"
	"time"

	"github.com/godbus/dbus/v5"
	"github.com/stretchr/testify/require"
)

// newPipeSystemBus builds a SystemBus over an in-memory connection. No daemon
// answers on the other end, so only paths that stay off the wire are usable.
func newPipeSystemBus(t *testing.T) *SystemBus {
	t.Helper()
	client, server := net.Pipe()
	t.Cleanup(func() { server.Close() })
	conn, err := dbus.NewConn(client)
	require.NoError(t, err)
	return NewSystemBus(conn)
}

func TestSystemBus_DispatchesMatchingSignals(t *testing.T) {
	b := newPipeSystemBus(t)
	t.Cleanup(func() { b.Close() })

	status := make(chan Signal, 4)
	other := make(chan Signal, 4)
	b.mu.Lock()
	b.subs[1] = busSubscription{iface: DefaultStatusInterface, member: DefaultStatusSignal, handler: func(sig Signal) { status <- sig }}
	b.subs[2] = busSubscription{iface: DefaultReadyInterface, member: DefaultReadySignal, handler: func(sig Signal) { other <- sig }}
	b.mu.Unlock()

	b.signals <- &dbus.Signal{
		Sender: ":1.9",
		Path:   dbus.ObjectPath("/"),
		Name:   DefaultStatusInterface + ".SERIAL_STATUS",
		Body:   []interface{}{StatusOpened},
	}
	b.signals <- &dbus.Signal{Name: "Other.Interface.serial_status", Body: []interface{}{StatusOpened}}
	b.signals <- &dbus.Signal{Name: DefaultStatusInterface + ".serial_status", Body: []interface{}{StatusClosed}}

	for _, want := range []struct {
		member string
		status int32
	}{
		{"SERIAL_STATUS", StatusOpened},
		{"serial_status", StatusClosed},
	} {
		select {
		case sig := <-status:
			require.Equal(t, DefaultStatusInterface, sig.Interface)
			require.Equal(t, want.member, sig.Member)
			require.Equal(t, []any{want.status}, sig.Body)
		case <-time.After(time.Second):
			t.Fatalf("timeout waiting for %s", want.member)
		}
	}
	// Signals are dispatched in order, so the foreign one has been seen by now.
	require.Empty(t, status)
	require.Empty(t, other)
}

func TestSystemBus_SubscriptionBookkeeping(t *testing.T) {
	b := newPipeSystemBus(t)
	t.Cleanup(func() { b.Close() })

	_, err := b.Subscribe(DefaultStatusInterface, DefaultStatusSignal, nil)
	require.ErrorIs(t, err, ErrInvalidParameter)
	require.ErrorIs(t, b.Unsubscribe(7), ErrInvalidOperation)
}

func TestSystemBus_CloseStopsDispatch(t *testing.T) {
	b := newPipeSystemBus(t)

	require.NoError(t, b.Close())
	select {
	case <-b.done:
	case <-time.After(time.Second):
		t.Fatal("dispatch goroutine still running after Close")
	}
	require.NoError(t, b.Close())
}

func TestSystemBus_SharedReferenceCount(t *testing.T) {
	b := newPipeSystemBus(t)

	systemBusMu.Lock()
	require.Nil(t, systemBus)
	systemBus = b
	b.refs = 1
	systemBusMu.Unlock()
	t.Cleanup(func() {
		systemBusMu.Lock()
		if systemBus == b {
			systemBus = nil
		}
		systemBusMu.Unlock()
		b.Close()
	})

	again, err := AcquireSystemBus()
	require.NoError(t, err)
	require.Same(t, b, again)

	// First release keeps the shared connection alive.
	require.NoError(t, b.Release())
	systemBusMu.Lock()
	require.Same(t, b, systemBus)
	systemBusMu.Unlock()
	select {
	case <-b.done:
		t.Fatal("connection closed while still referenced")
	default:
	}

	// Last release clears the shared slot and closes the connection.
	require.NoError(t, b.Release())
	systemBusMu.Lock()
	require.Nil(t, systemBus)
	systemBusMu.Unlock()
	select {
	case <-b.done:
	case <-time.After(time.Second):
		t.Fatal("connection not closed after last release")
	}

	require.ErrorIs(t, b.Release(), ErrInvalidOperation)
}

func TestFromDBusSignal(t *testing.T) {
	sig := fromDBusSignal(&dbus.Signal{
		Sender: ":1.7",
		Path:   dbus.ObjectPath("/Org/Router"),
		Name:   "User.Data.Router.Introspectable.serial_status",
		Body:   []interface{}{int32(1)},
	})

	require.Equal(t, Signal{
		Sender:    ":1.7",
		Path:      "/Org/Router",
		Interface: "User.Data.Router.Introspectable",
		Member:    "serial_status",
		Body:      []any{int32(1)},
	}, sig)

	bare := fromDBusSignal(&dbus.Signal{Name: "serial_status"})
	require.Empty(t, bare.Interface)
	require.Equal(t, "serial_status", bare.Member)
}

func TestMatchOptions(t *testing.T) {
	require.Len(t, matchOptions(DefaultStatusInterface, DefaultStatusSignal), 2)
	require.Len(t, matchOptions("", DefaultStatusSignal), 1)
}

func TestSystemBus_ReleaseWithoutAcquire(t *testing.T) {
	b := &SystemBus{}
	require.ErrorIs(t, b.Release(), ErrInvalidOperation)
}
