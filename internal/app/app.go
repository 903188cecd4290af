package app

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/rs/zerolog/log"

	"github.com/dokzlo13/shaded/internal/config"
)

// App owns the services of one shaded process and their lifecycle.
type App struct {
	cfg      *config.Config
	services *Services
	ctx      context.Context
	cancel   context.CancelFunc

	mu       sync.Mutex
	fatalErr error
}

// New builds every service without touching the hubs or the network.
func New(cfg *config.Config) (*App, error) {
	services, err := NewServices(cfg)
	if err != nil {
		return nil, err
	}

	return &App{
		cfg:      cfg,
		services: services,
	}, nil
}

// Start discovers the hubs and starts the background services. Cancelling
// ctx, or any background service failing, ends the app.
func (a *App) Start(ctx context.Context) error {
	a.ctx, a.cancel = context.WithCancel(ctx)

	onFatalError := func(err error) {
		log.Error().Err(err).Msg("Fatal error, initiating shutdown")
		a.mu.Lock()
		a.fatalErr = err
		a.mu.Unlock()
		a.cancel()
	}

	if err := a.services.Start(a.ctx, onFatalError); err != nil {
		return err
	}

	ev := log.Info().Int("hubs", len(a.cfg.Hubs))
	if a.cfg.HTTP.Enabled {
		ev = ev.Str("http", a.cfg.HTTP.Addr())
	}
	if a.cfg.MQTT.Enabled {
		ev = ev.Str("mqtt", a.cfg.MQTT.Broker)
	}
	ev.Msg("shaded started")
	return nil
}

// Wait blocks until the app context is cancelled and returns the error of
// the background service that caused it, if any.
func (a *App) Wait() error {
	if a.ctx == nil {
		return nil
	}
	<-a.ctx.Done()

	a.mu.Lock()
	defer a.mu.Unlock()
	return a.fatalErr
}

// Stop cancels the app and waits up to the shutdown timeout for services.
func (a *App) Stop() error {
	log.Info().Dur("timeout", a.cfg.ShutdownTimeout.Duration()).Msg("Shutting down...")

	if a.cancel != nil {
		a.cancel()
	}
	if a.services == nil {
		return nil
	}

	err := a.services.Stop()
	a.mu.Lock()
	defer a.mu.Unlock()
	return errors.Join(a.fatalErr, err)
}

// ClearStoredState drops the persisted last-known device state, so sessions
// start without stale positions.
func (a *App) ClearStoredState() error {
	if a.services != nil {
		return a.services.ClearState()
	}
	return nil
}

// SignalContext returns a context cancelled on the first SIGINT or SIGTERM.
// A second signal exits immediately, for a shutdown stuck on a hung hub.
func SignalContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())

	sigChan := make(chan os.Signal, 2)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigChan
		log.Warn().Str("signal", sig.String()).Msg("Received shutdown signal")
		cancel()

		sig = <-sigChan
		log.Error().Str("signal", sig.String()).Msg("Second signal, exiting without cleanup")
		os.Exit(1)
	}()

	return ctx, cancel
}
