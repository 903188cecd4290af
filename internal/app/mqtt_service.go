package app

import (
	"context"

	"golang.org/x/sync/errgroup"

	"github.com/dokzlo13/shaded/internal/config"
	"github.com/dokzlo13/shaded/internal/eventbus"
	"github.com/dokzlo13/shaded/internal/mqtt"
)

// MQTTService mirrors shade state to an MQTT broker.
type MQTTService struct {
	cfg    *config.Config
	Bridge *mqtt.Bridge
}

// NewMQTTService creates the bridge and attaches it to the bus. It returns
// nil when MQTT is disabled.
func NewMQTTService(cfg *config.Config, hubs *HubService, bus *eventbus.Bus) *MQTTService {
	if !cfg.MQTT.Enabled {
		return nil
	}

	commanders := make(map[string]mqtt.Commander, len(hubs.Sessions))
	for _, sess := range hubs.Sessions {
		commanders[sess.Name()] = sess
	}

	bridge := mqtt.New(mqtt.Config{
		Broker:    cfg.MQTT.Broker,
		ClientID:  cfg.MQTT.ClientID,
		TopicRoot: cfg.MQTT.TopicRoot,
		Username:  cfg.MQTT.Username,
		Password:  cfg.MQTT.Password,
	}, commanders)
	bridge.Attach(bus)

	return &MQTTService{cfg: cfg, Bridge: bridge}
}

// Run connects the bridge in g.
func (s *MQTTService) Run(ctx context.Context, g *errgroup.Group) {
	if s == nil {
		return
	}
	g.Go(func() error {
		return s.Bridge.Run(ctx)
	})
}
