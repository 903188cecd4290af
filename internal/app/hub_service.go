package app

import (
	"context"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/dokzlo13/shaded/internal/config"
	"github.com/dokzlo13/shaded/internal/hub"
	"github.com/dokzlo13/shaded/internal/session"
	"github.com/dokzlo13/shaded/internal/watcher"
)

// HubService owns one hub client and reconciliation session per configured hub.
type HubService struct {
	clients  []*hub.Client
	Sessions []*session.Session
}

// NewHubService creates a session for every configured hub. Nothing talks to
// the hubs until Start.
func NewHubService(cfg *config.Config, deps session.Deps) *HubService {
	s := &HubService{}
	sessCfg := sessionConfig(cfg)

	for _, hc := range cfg.Hubs {
		client := hub.NewClient(hc.Host, hc.Port, hc.Timeout.Duration())
		s.clients = append(s.clients, client)
		s.Sessions = append(s.Sessions, session.New(hc.Name, client, sessCfg, deps))
	}
	return s
}

// sessionConfig maps the engine settings onto a session config.
func sessionConfig(cfg *config.Config) session.Config {
	e := cfg.Engine
	return session.Config{
		Spacing: e.MinSpacing.Duration(),
		Watcher: watcher.Config{
			ArmDelay: e.ArmDelay.Duration(),
			Hold:     e.Hold.Duration(),
			Failsafe: e.Failsafe.Duration(),
			Backoff:  e.ErrorBackoff.Duration(),
		},
		Tolerance:     e.Tolerance,
		FullTravel:    e.FullTravel.Duration(),
		VerifyEnabled: e.Verify.IsEnabled(),
		VerifyDelay:   e.Verify.Delay.Duration(),
		PollInterval:  cfg.Poll.Interval.Duration(),
		BurstInterval: cfg.Poll.BurstInterval.Duration(),
		BurstCycles:   cfg.Poll.BurstCycles,
		RefreshRPS:    e.RefreshRPS,
		LowBattery:    cfg.Battery.LowThreshold,
	}
}

// Start discovers every hub concurrently. An unreachable hub is not fatal:
// its devices stay unavailable and its session retries discovery on each poll.
func (s *HubService) Start(ctx context.Context) {
	var g errgroup.Group
	for _, sess := range s.Sessions {
		g.Go(func() error {
			if err := sess.Start(ctx); err != nil {
				log.Warn().Err(err).Str("hub", sess.Name()).Msg("Hub discovery failed, will retry")
				return nil
			}
			log.Info().
				Str("hub", sess.Name()).
				Str("thing_name", sess.ThingName()).
				Int("devices", len(sess.Devices())).
				Msg("Hub session started")
			return nil
		})
	}
	_ = g.Wait()
}

// Run runs the poll loop of every session in g.
func (s *HubService) Run(ctx context.Context, g *errgroup.Group) {
	for _, sess := range s.Sessions {
		g.Go(func() error {
			return sess.Run(ctx)
		})
	}
}

// Session returns the session of a named hub.
func (s *HubService) Session(name string) (*session.Session, bool) {
	for _, sess := range s.Sessions {
		if sess.Name() == name {
			return sess, true
		}
	}
	return nil, false
}

// Close stops every session and releases the hub clients.
func (s *HubService) Close() {
	for _, sess := range s.Sessions {
		sess.Stop()
	}
	for _, c := range s.clients {
		c.Close()
	}
}
