package app

import (
	"context"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/dokzlo13/shaded/internal/api"
	"github.com/dokzlo13/shaded/internal/config"
	"github.com/dokzlo13/shaded/internal/eventbus"
	"github.com/dokzlo13/shaded/internal/ledger"
	"github.com/dokzlo13/shaded/internal/metrics"
)

// APIService serves health, metrics and the shade API over HTTP.
type APIService struct {
	cfg    *config.Config
	Server *api.Server
}

// NewAPIService creates a new APIService.
func NewAPIService(cfg *config.Config, hubs *HubService, history *ledger.Ledger, bus *eventbus.Bus, m *metrics.Metrics) *APIService {
	apiHubs := make([]api.Hub, 0, len(hubs.Sessions))
	for _, sess := range hubs.Sessions {
		apiHubs = append(apiHubs, sess)
	}

	return &APIService{
		cfg: cfg,
		Server: api.NewServer(cfg.HTTP.Host, cfg.HTTP.Port, apiHubs, api.Options{
			History: history,
			Bus:     bus,
			Metrics: m.Handler(),
		}),
	}
}

// Run starts the API server in g if enabled.
func (s *APIService) Run(ctx context.Context, g *errgroup.Group) {
	if !s.cfg.HTTP.Enabled {
		log.Debug().Msg("HTTP API disabled")
		return
	}
	g.Go(func() error {
		return s.Server.Run(ctx, s.cfg.ShutdownTimeout.Duration())
	})
}
