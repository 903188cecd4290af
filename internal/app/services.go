package app

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/dokzlo13/shaded/internal/config"
	"github.com/dokzlo13/shaded/internal/db"
	"github.com/dokzlo13/shaded/internal/eventbus"
	"github.com/dokzlo13/shaded/internal/ledger"
	"github.com/dokzlo13/shaded/internal/metrics"
	"github.com/dokzlo13/shaded/internal/session"
	"github.com/dokzlo13/shaded/internal/storage"
)

// Services is a container for all application services.
// It manages service initialization order and dependencies.
type Services struct {
	cfg *config.Config

	// Core infrastructure
	DB        *db.DB
	Ledger    *ledger.Ledger
	Snapshots *storage.SnapshotStore
	Bus       *eventbus.Bus
	Metrics   *metrics.Metrics

	// High-level services
	Hubs    *HubService
	API     *APIService
	MQTT    *MQTTService
	Cleanup *CleanupService

	done chan struct{}
}

// NewServices creates all services with proper dependency injection.
func NewServices(cfg *config.Config) (*Services, error) {
	s := &Services{cfg: cfg}

	database, err := db.Open(cfg.Database.Path)
	if err != nil {
		return nil, err
	}
	s.DB = database

	s.Ledger = ledger.New(database.DB)
	s.Snapshots = storage.NewSnapshotStore(database.DB)
	s.Bus = eventbus.NewWithConfig(cfg.EventBus.Workers, cfg.EventBus.QueueSize)
	s.Metrics = metrics.New()

	s.Hubs = NewHubService(cfg, session.Deps{
		Bus:       s.Bus,
		Ledger:    s.Ledger,
		Snapshots: s.Snapshots,
		Metrics:   s.Metrics,
	})
	s.API = NewAPIService(cfg, s.Hubs, s.Ledger, s.Bus, s.Metrics)
	s.MQTT = NewMQTTService(cfg, s.Hubs, s.Bus)
	s.Cleanup = NewCleanupService(s.Ledger, cfg.Ledger.CleanupInterval.Duration(), cfg.Ledger.RetentionDays)

	return s, nil
}

// Start discovers the hubs and starts all background services.
// The onFatalError callback is called when a background service fails.
func (s *Services) Start(ctx context.Context, onFatalError func(error)) error {
	s.Hubs.Start(ctx)

	g, gctx := errgroup.WithContext(ctx)
	s.done = make(chan struct{})

	s.Hubs.Run(gctx, g)
	s.API.Run(gctx, g)
	s.MQTT.Run(gctx, g)
	g.Go(func() error {
		return s.Cleanup.Run(gctx)
	})

	go func() {
		defer close(s.done)
		if err := g.Wait(); err != nil {
			onFatalError(err)
		}
	}()

	return nil
}

// ClearState removes every persisted device snapshot.
func (s *Services) ClearState() error {
	n, err := s.Snapshots.Clear("")
	if err != nil {
		return err
	}
	log.Info().Int64("snapshots", n).Msg("Cleared stored device state")
	return nil
}

// Stop waits for the background services to exit and releases all resources.
// The context passed to Start must already be cancelled.
func (s *Services) Stop() error {
	var err error
	if s.done != nil {
		select {
		case <-s.done:
		case <-time.After(s.cfg.ShutdownTimeout.Duration()):
			err = errors.New("timed out waiting for services to stop")
		}
	}
	s.Close()
	return err
}

// Close releases all resources.
func (s *Services) Close() {
	if s.Hubs != nil {
		s.Hubs.Close()
	}
	if s.Bus != nil {
		ctx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout.Duration())
		s.Bus.Close(ctx)
		cancel()
	}
	if s.DB != nil {
		s.DB.Close()
	}
}
