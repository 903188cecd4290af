// Package mqtt mirrors shade state to an MQTT broker and accepts position
// commands from it.
package mqtt

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/dokzlo13/shaded/internal/eventbus"
	"github.com/dokzlo13/shaded/internal/session"
)

const (
	commandTimeout    = 5 * time.Second
	publishTimeout    = 5 * time.Second
	disconnectQuiesce = 250
)

// ErrInvalidPayload is returned for set payloads that are neither an integer
// position nor OPEN/CLOSE.
var ErrInvalidPayload = errors.New("invalid set payload")

// Commander accepts position commands for the devices of one hub.
type Commander interface {
	SetPosition(ctx context.Context, id string, target int) (session.Command, error)
}

// Config contains broker connection settings.
type Config struct {
	Broker    string
	ClientID  string
	TopicRoot string
	Username  string
	Password  string
}

// conn is the part of the paho client the bridge uses.
type conn interface {
	Publish(topic string, qos byte, retained bool, payload interface{}) paho.Token
	Subscribe(topic string, qos byte, callback paho.MessageHandler) paho.Token
	Disconnect(quiesce uint)
}

// Bridge publishes bus events to MQTT and routes set commands to sessions.
type Bridge struct {
	cfg      Config
	sessions map[string]Commander

	mu     sync.RWMutex
	client conn
	ctx    context.Context
}

// New creates a bridge for the given hub sessions, keyed by hub name.
func New(cfg Config, sessions map[string]Commander) *Bridge {
	if cfg.ClientID == "" {
		cfg.ClientID = "shaded-" + uuid.NewString()[:8]
	}
	cfg.TopicRoot = strings.Trim(cfg.TopicRoot, "/")
	return &Bridge{
		cfg:      cfg,
		sessions: sessions,
		ctx:      context.Background(),
	}
}

// Attach subscribes the bridge to every bus event.
func (b *Bridge) Attach(bus *eventbus.Bus) {
	bus.SubscribeAll(b.handleEvent)
}

// Run connects to the broker and blocks until ctx is cancelled.
func (b *Bridge) Run(ctx context.Context) error {
	opts := paho.NewClientOptions().AddBroker(b.cfg.Broker)
	opts.SetClientID(b.cfg.ClientID)
	opts.SetUsername(b.cfg.Username)
	opts.SetPassword(b.cfg.Password)
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectTimeout(10 * time.Second)
	opts.OnConnect = func(c paho.Client) {
		log.Info().Str("broker", b.cfg.Broker).Msg("MQTT connected")
		b.subscribe(c)
	}
	opts.OnConnectionLost = func(_ paho.Client, err error) {
		log.Warn().Err(err).Msg("MQTT connection lost")
	}

	client := paho.NewClient(opts)
	token := client.Connect()
	select {
	case <-token.Done():
		if err := token.Error(); err != nil {
			return fmt.Errorf("mqtt connect: %w", err)
		}
	case <-ctx.Done():
		client.Disconnect(disconnectQuiesce)
		return nil
	}

	b.setClient(ctx, client)
	<-ctx.Done()

	b.setClient(context.Background(), nil)
	client.Disconnect(disconnectQuiesce)
	log.Info().Msg("MQTT bridge stopped")
	return nil
}

func (b *Bridge) setClient(ctx context.Context, c conn) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.client = c
	b.ctx = ctx
}

func (b *Bridge) subscribe(c conn) {
	topic := b.cfg.TopicRoot + "/+/+/set"
	token := c.Subscribe(topic, 1, b.handleMessage)
	go func() {
		if token.WaitTimeout(publishTimeout) && token.Error() != nil {
			log.Error().Err(token.Error()).Str("topic", topic).Msg("MQTT subscribe failed")
		}
	}()
}

// StateTopic is where the retained device snapshot is published.
func (b *Bridge) StateTopic(hub, device string) string {
	return fmt.Sprintf("%s/%s/%s/state", b.cfg.TopicRoot, hub, device)
}

// PositionTopic is where position updates, including estimates, go.
func (b *Bridge) PositionTopic(hub, device string) string {
	return fmt.Sprintf("%s/%s/%s/position", b.cfg.TopicRoot, hub, device)
}

func (b *Bridge) handleEvent(event eventbus.Event) {
	if event.Device == "" {
		return
	}

	var (
		topic    string
		payload  any
		retained bool
	)
	switch event.Type {
	case eventbus.EventTypeState:
		state, ok := event.Data["state"]
		if !ok {
			return
		}
		topic, payload, retained = b.StateTopic(event.Hub, event.Device), state, true
	case eventbus.EventTypePosition:
		topic, payload = b.PositionTopic(event.Hub, event.Device), event.Data
	default:
		return
	}

	if err := b.publish(topic, payload, retained); err != nil {
		log.Debug().Err(err).Str("topic", topic).Msg("MQTT publish skipped")
	}
}

func (b *Bridge) publish(topic string, payload any, retained bool) error {
	b.mu.RLock()
	client := b.client
	b.mu.RUnlock()
	if client == nil {
		return errors.New("client not connected")
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("unable to encode payload: %w", err)
	}

	token := client.Publish(topic, 1, retained, data)
	go func() {
		if token.WaitTimeout(publishTimeout) && token.Error() != nil {
			log.Error().Err(token.Error()).Str("topic", topic).Msg("MQTT publish failed")
		}
	}()
	return nil
}

func (b *Bridge) handleMessage(_ paho.Client, msg paho.Message) {
	hub, device, ok := ParseSetTopic(b.cfg.TopicRoot, msg.Topic())
	if !ok {
		return
	}
	logger := log.With().Str("hub", hub).Str("device", device).Logger()

	target, err := ParseSetPayload(msg.Payload())
	if err != nil {
		logger.Warn().Err(err).Str("payload", string(msg.Payload())).Msg("Ignoring MQTT command")
		return
	}

	sess, ok := b.sessions[hub]
	if !ok {
		logger.Warn().Msg("MQTT command for unknown hub")
		return
	}

	b.mu.RLock()
	parent := b.ctx
	b.mu.RUnlock()
	ctx, cancel := context.WithTimeout(parent, commandTimeout)
	defer cancel()

	cmd, err := sess.SetPosition(ctx, device, target)
	if err != nil {
		logger.Error().Err(err).Int("target", target).Msg("MQTT command failed")
		return
	}
	logger.Debug().Uint64("command_id", cmd.ID).Int("target", target).Msg("MQTT command accepted")
}

// ParseSetTopic splits <root>/<hub>/<device>/set into its hub and device.
func ParseSetTopic(root, topic string) (hub, device string, ok bool) {
	rest, found := strings.CutPrefix(topic, strings.Trim(root, "/")+"/")
	if !found {
		return "", "", false
	}
	parts := strings.Split(rest, "/")
	if len(parts) != 3 || parts[2] != "set" || parts[0] == "" || parts[1] == "" {
		return "", "", false
	}
	return parts[0], parts[1], true
}

// ParseSetPayload reads a set payload: an integer position, OPEN or CLOSE.
func ParseSetPayload(payload []byte) (int, error) {
	s := strings.TrimSpace(string(payload))
	switch strings.ToUpper(s) {
	case "OPEN":
		return 100, nil
	case "CLOSE":
		return 0, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0, fmt.Errorf("%w: %q", ErrInvalidPayload, s)
	}
	return n, nil
}
