package main

import (
	"bytes"
	"context"
	"io"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	logtest "github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	serial "github.com/luhtfiimanal/go-dbus-serial"
)

type fakeBus struct {
	mu       sync.Mutex
	next     serial.SubscriptionID
	handlers map[serial.SubscriptionID]serial.SignalHandler
	emitted  []string
}

func (b *fakeBus) Subscribe(iface, member string, h serial.SignalHandler) (serial.SubscriptionID, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.handlers == nil {
		b.handlers = make(map[serial.SubscriptionID]serial.SignalHandler)
	}
	b.next++
	b.handlers[b.next] = h
	return b.next, nil
}

func (b *fakeBus) Unsubscribe(id serial.SubscriptionID) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.handlers, id)
	return nil
}

func (b *fakeBus) Emit(path, iface, member string, values ...any) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.emitted = append(b.emitted, member)
	return nil
}

func (b *fakeBus) opened() {
	b.mu.Lock()
	var handlers []serial.SignalHandler
	for _, h := range b.handlers {
		handlers = append(handlers, h)
	}
	b.mu.Unlock()
	for _, h := range handlers {
		h(serial.Signal{Interface: serial.DefaultStatusInterface, Member: serial.DefaultStatusSignal, Body: []any{serial.StatusOpened}})
	}
}

func (b *fakeBus) state() (subs int, emitted []string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.handlers), append([]string(nil), b.emitted...)
}

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

// brokerSocket listens where the broker's socket would be.
func brokerSocket(t *testing.T) (string, net.Listener) {
	t.Helper()
	dir, err := os.MkdirTemp("", "srlcat")
	require.NoError(t, err)
	t.Cleanup(func() { os.RemoveAll(dir) })
	path := filepath.Join(dir, "broker.sock")

	ln, err := net.Listen("unix", path)
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })
	return path, ln
}

// startRun runs serialcat until the returned cancel is called, and waits for
// the readiness announcement.
func startRun(t *testing.T, cfg *Config, opts runOptions) (context.CancelFunc, <-chan error) {
	t.Helper()
	logrus.SetOutput(io.Discard)
	t.Cleanup(func() { logrus.SetOutput(os.Stderr) })

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	exited := make(chan error, 1)
	go func() { exited <- run(ctx, cfg, opts) }()

	require.Eventually(t, func() bool {
		subs, emitted := opts.bus.(*fakeBus).state()
		return subs == 1 && len(emitted) == 1 && emitted[0] == serial.DefaultReadySignal
	}, time.Second, 10*time.Millisecond)
	return cancel, exited
}

func stopRun(t *testing.T, cancel context.CancelFunc, exited <-chan error, bus *fakeBus) {
	t.Helper()
	cancel()
	select {
	case err := <-exited:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for run to return")
	}
	subs, _ := bus.state()
	require.Zero(t, subs)
}

func freeTCPAddr(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())
	return addr
}

func TestRun_RelaysStdio(t *testing.T) {
	path, ln := brokerSocket(t)
	cfg, err := loadConfig("", nil)
	require.NoError(t, err)
	cfg.SocketPath = path

	bus := &fakeBus{}
	stdinR, stdinW := io.Pipe()
	t.Cleanup(func() { stdinW.Close() })
	stdout := &syncBuffer{}

	cancel, exited := startRun(t, cfg, runOptions{stdin: stdinR, stdout: stdout, bus: bus})

	bus.opened()
	peer, err := ln.Accept()
	require.NoError(t, err)
	defer peer.Close()

	_, err = peer.Write([]byte("from broker\n"))
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		return strings.Contains(stdout.String(), "from broker\n")
	}, time.Second, 10*time.Millisecond)

	_, err = stdinW.Write([]byte("from stdin\n"))
	require.NoError(t, err)
	buf := make([]byte, len("from stdin\n"))
	require.NoError(t, peer.SetReadDeadline(time.Now().Add(time.Second)))
	_, err = io.ReadFull(peer, buf)
	require.NoError(t, err)
	require.Equal(t, "from stdin\n", string(buf))

	stopRun(t, cancel, exited, bus)
}

func TestRun_PTYWithMetrics(t *testing.T) {
	path, ln := brokerSocket(t)
	cfg, err := loadConfig("", nil)
	require.NoError(t, err)
	cfg.SocketPath = path
	cfg.PTY = true
	cfg.MetricsAddr = freeTCPAddr(t)

	hook := logtest.NewGlobal()
	t.Cleanup(func() { logrus.StandardLogger().ReplaceHooks(make(logrus.LevelHooks)) })

	bus := &fakeBus{}
	cancel, exited := startRun(t, cfg, runOptions{bus: bus})

	var device string
	for _, entry := range hook.AllEntries() {
		if d, ok := entry.Data["device"].(string); ok {
			device = d
		}
	}
	require.NotEmpty(t, device, "terminal device was not logged")

	tty, err := os.OpenFile(device, os.O_RDWR|unix.O_NOCTTY, 0)
	require.NoError(t, err)
	defer tty.Close()

	bus.opened()
	peer, err := ln.Accept()
	require.NoError(t, err)
	defer peer.Close()

	// Broker to terminal
	lines := make(chan []byte, 1)
	go func() {
		buf := make([]byte, len("via pty\r\n"))
		if _, err := io.ReadFull(tty, buf); err == nil {
			lines <- buf
		}
	}()
	_, err = peer.Write([]byte("via pty\r\n"))
	require.NoError(t, err)
	select {
	case got := <-lines:
		require.Equal(t, "via pty\r\n", string(got))
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for terminal to receive from broker")
	}

	// Terminal to broker
	_, err = tty.Write([]byte("typed\n"))
	require.NoError(t, err)
	buf := make([]byte, len("typed\n"))
	require.NoError(t, peer.SetReadDeadline(time.Now().Add(time.Second)))
	_, err = io.ReadFull(peer, buf)
	require.NoError(t, err)
	require.Equal(t, "typed\n", string(buf))

	// Counters are served over HTTP.
	metricsURL := "http://" + cfg.MetricsAddr + "/metrics"
	require.Eventually(t, func() bool {
		resp, err := http.Get(metricsURL)
		if err != nil {
			return false
		}
		defer resp.Body.Close()
		body, err := io.ReadAll(resp.Body)
		if err != nil {
			return false
		}
		return strings.Contains(string(body), "serial_bytes_received_total 9") &&
			strings.Contains(string(body), "serial_bytes_sent_total 6") &&
			strings.Contains(string(body), `serial_state_changes_total{state="opened"} 1`)
	}, 2*time.Second, 20*time.Millisecond)

	stopRun(t, cancel, exited, bus)
}

func TestRelay_StopsAfterCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	r, w := io.Pipe()
	defer w.Close()
	done := make(chan struct{})
	// A nil handle fails every Write; relay must not even try once ctx is done.
	go func() {
		relay(ctx, r, nil, logrus.New())
		close(done)
	}()

	_, err := w.Write([]byte("late input"))
	require.NoError(t, err)
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("relay kept reading after cancellation")
	}
}
