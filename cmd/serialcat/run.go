package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	serial "github.com/luhtfiimanal/go-dbus-serial"
)

type runOptions struct {
	stdin  io.Reader
	stdout io.Writer
	// bus overrides the system bus; tests inject a fake.
	bus serial.Bus
}

func run(ctx context.Context, cfg *Config, opts runOptions) error {
	log := logrus.WithField("component", "serialcat")

	var metrics *serial.Metrics
	if cfg.MetricsAddr != "" {
		reg := prometheus.NewRegistry()
		metrics = serial.NewMetrics(reg)
		srv := &http.Server{Addr: cfg.MetricsAddr, Handler: promhttp.HandlerFor(reg, promhttp.HandlerOpts{})}
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.WithError(err).Error("metrics server stopped")
			}
		}()
		defer srv.Close()
	}

	loop, err := serial.NewLoop()
	if err != nil {
		return err
	}
	defer loop.Close()
	go func() {
		if err := loop.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			log.WithError(err).Error("event loop stopped")
		}
	}()

	s, err := serial.Create(serial.Config{
		SocketPath:      cfg.SocketPath,
		StatusInterface: cfg.StatusInterface,
		StatusSignal:    cfg.StatusSignal,
		Bus:             opts.bus,
		Loop:            loop,
		Logger:          logrus.WithField("component", "serial"),
		Metrics:         metrics,
	})
	if err != nil {
		return fmt.Errorf("create serial: %w", err)
	}
	defer s.Destroy()

	s.SetStateChangedCallback(func(err error, state serial.State) {
		if err != nil {
			log.WithError(err).WithField("state", state).Error("channel state change failed")
			return
		}
		log.WithField("state", state).Info("channel state changed")
	})

	if cfg.PTY {
		b, err := serial.NewBridge(s)
		if err != nil {
			return fmt.Errorf("pty bridge: %w", err)
		}
		defer b.Close()
		log.WithField("device", b.Name()).Info("terminal ready")
	} else {
		s.SetDataReceivedCallback(func(data []byte) {
			if _, err := opts.stdout.Write(data); err != nil {
				log.WithError(err).Warn("stdout write failed")
			}
		})
		go relay(ctx, opts.stdin, s, log)
	}

	if err := s.Open(); err != nil {
		return fmt.Errorf("announce readiness: %w", err)
	}
	log.Info("waiting for broker")

	<-ctx.Done()
	return nil
}

// relay copies r to the channel until r is exhausted or ctx is done. Input
// that arrives while the channel is not connected is dropped. A Read already
// blocked when ctx ends returns only when input arrives or r is closed; the
// data is then discarded instead of reaching a destroyed handle.
func relay(ctx context.Context, r io.Reader, s *serial.Serial, log logrus.FieldLogger) {
	buf := make([]byte, serial.ReadBufferSize)
	for {
		n, err := r.Read(buf)
		if ctx.Err() != nil {
			return
		}
		data := buf[:n]
		for len(data) > 0 {
			sent, werr := s.Write(data)
			if werr != nil {
				log.WithError(werr).WithField("bytes", len(data)).Warn("dropping input")
				break
			}
			data = data[sent:]
		}
		if err != nil {
			if !errors.Is(err, io.EOF) {
				log.WithError(err).Warn("input read failed")
			}
			return
		}
	}
}
