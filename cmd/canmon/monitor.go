package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	candispatch "github.com/jonoton/go-candispatch"
	"github.com/jonoton/go-candispatch/internal/config"
	"github.com/jonoton/go-candispatch/internal/log"
	"github.com/jonoton/go-candispatch/virtual"
)

type stateSource interface {
	State() candispatch.State
}

func newRouter(src stateSource) http.Handler {
	r := chi.NewRouter()
	r.Handle("/metrics", promhttp.Handler())
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		st := src.State()
		if !st.IsReady() {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		fmt.Fprintln(w, st)
	})
	return r
}

// syncWriter serialises writes from the dispatch goroutine and the caller.
type syncWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func (s *syncWriter) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.w.Write(p)
}

// runMonitor blocks until ctx is cancelled or a component fails.
func runMonitor(ctx context.Context, cfg config.Config, out io.Writer) error {
	logger := log.WithComponent("canmon")
	interval, err := cfg.Interval()
	if err != nil {
		return err
	}
	w := &syncWriter{w: out}

	bus := virtual.NewBus()
	mon := candispatch.NewInterface(bus.Factory(cfg.Loopback), candispatch.WithName("monitor"))
	if err := mon.Init(cfg.Device, cfg.Bitrate); err != nil {
		return err
	}
	defer mon.Close()

	printFrame := func(f candispatch.Frame) {
		fmt.Fprintf(w, "%s  %s\n", cfg.Device, f)
	}
	var listeners []interface{ Close() }
	if len(cfg.Filters) == 0 {
		listeners = append(listeners, mon.CreateMsgListener(printFrame))
	}
	for _, id := range cfg.Filters {
		h := candispatch.Header{ID: id, Extended: id > candispatch.StandardIDMask}
		listeners = append(listeners, mon.CreateFilteredMsgListener(h, printFrame))
	}
	listeners = append(listeners, mon.CreateStateListener(func(s candispatch.State) {
		if s.InternalError != 0 {
			text, _ := mon.TranslateError(s.InternalError)
			logger.Warn().Str("error", text).Stringer("state", s).Msg("bus state changed")
			return
		}
		logger.Info().Stringer("state", s).Msg("bus state changed")
	}))
	defer func() {
		for _, l := range listeners {
			l.Close()
		}
	}()

	// Every node is opened before the group starts, so an init failure
	// leaves no goroutine behind.
	var gen *candispatch.Interface[*virtual.Driver]
	if interval > 0 {
		gen = candispatch.NewInterface(bus.Factory(false), candispatch.WithName("generator"))
		if err := gen.Init(cfg.Device+"-gen", cfg.Bitrate); err != nil {
			return err
		}
		defer gen.Close()
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(mon.Run)
	g.Go(func() error {
		<-ctx.Done()
		mon.Shutdown()
		return nil
	})

	if gen != nil {
		g.Go(gen.Run)
		g.Go(func() error {
			defer gen.Shutdown()
			return generate(ctx, gen, cfg.Filters, interval)
		})
	}

	if cfg.MetricsAddr != "" {
		srv := &http.Server{
			Addr:              cfg.MetricsAddr,
			Handler:           newRouter(mon),
			ReadHeaderTimeout: 5 * time.Second,
		}
		g.Go(func() error {
			logger.Info().Str("addr", cfg.MetricsAddr).Msg("metrics listening")
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("metrics server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	}

	return g.Wait()
}

// generate sends one frame per tick, cycling through ids (or 0x100-0x107
// when none are given) with a running counter as payload.
func generate(ctx context.Context, gen *candispatch.Interface[*virtual.Driver], ids []uint32, interval time.Duration) error {
	if len(ids) == 0 {
		for id := uint32(0x100); id < 0x108; id++ {
			ids = append(ids, id)
		}
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var seq uint32
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
		id := ids[int(seq)%len(ids)]
		h := candispatch.Header{ID: id, Extended: id > candispatch.StandardIDMask}
		f, err := candispatch.NewFrame(h, []byte{byte(seq >> 24), byte(seq >> 16), byte(seq >> 8), byte(seq)})
		if err != nil {
			return err
		}
		if err := gen.Send(f); err != nil {
			return err
		}
		seq++
	}
}
