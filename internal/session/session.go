// Package session ties the reconciliation engine together for one hub: it
// owns every device's state, issues commands through the pacer, and ingests
// periodic and event-driven status.
package session

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"

	"github.com/dokzlo13/shaded/internal/estimate"
	"github.com/dokzlo13/shaded/internal/eventbus"
	"github.com/dokzlo13/shaded/internal/hub"
	"github.com/dokzlo13/shaded/internal/ledger"
	"github.com/dokzlo13/shaded/internal/metrics"
	"github.com/dokzlo13/shaded/internal/motion"
	"github.com/dokzlo13/shaded/internal/pacer"
	"github.com/dokzlo13/shaded/internal/storage"
	"github.com/dokzlo13/shaded/internal/verify"
	"github.com/dokzlo13/shaded/internal/watcher"
)

var (
	ErrUnknownDevice = errors.New("unknown device")
	ErrNotDiscovered = errors.New("hub devices not discovered")
	ErrSessionClosed = errors.New("session closed")
)

// queueSize bounds commands waiting for the pacer.
const queueSize = 64

// HubClient is everything a session needs from the hub transport.
type HubClient interface {
	Register(ctx context.Context) (hub.Registration, error)
	ListPeripherals(ctx context.Context) ([]hub.Peripheral, error)
	PollStatus(ctx context.Context) ([]hub.Status, error)
	SendCommand(ctx context.Context, req hub.ControlRequest) error
	LongPoll(ctx context.Context, watermark int64, hold time.Duration) (string, error)
}

// Ledger records command history.
type Ledger interface {
	Append(entry ledger.Entry) error
}

// SnapshotStore persists last known device state.
type SnapshotStore interface {
	Save(hub string, snap storage.Snapshot) error
	Load(hub string) (map[string]storage.Snapshot, error)
}

// Config holds the engine settings of one session.
type Config struct {
	Spacing       time.Duration
	Watcher       watcher.Config
	Tolerance     int
	FullTravel    time.Duration
	VerifyEnabled bool
	VerifyDelay   time.Duration
	PollInterval  time.Duration
	BurstInterval time.Duration
	BurstCycles   int
	RefreshRPS    float64
	LowBattery    int
}

// DefaultConfig returns the stock engine settings.
func DefaultConfig() Config {
	return Config{
		Spacing:       pacer.DefaultSpacing,
		Watcher:       watcher.DefaultConfig(pacer.DefaultSpacing),
		Tolerance:     motion.DefaultTolerance,
		FullTravel:    estimate.DefaultFullTravel,
		VerifyEnabled: true,
		VerifyDelay:   verify.DefaultDelay,
		PollInterval:  30 * time.Second,
		BurstInterval: 2 * time.Second,
		BurstCycles:   5,
		RefreshRPS:    2,
		LowBattery:    20,
	}
}

// Deps are the optional collaborators of a session. Nil fields are skipped.
type Deps struct {
	Bus       *eventbus.Bus
	Ledger    Ledger
	Snapshots SnapshotStore
	Metrics   *metrics.Metrics
}

// Session is the reconciliation facade of one hub.
type Session struct {
	name   string
	id     string
	client HubClient
	cfg    Config
	deps   Deps
	logger zerolog.Logger

	tracker  *motion.Tracker
	pacer    *pacer.Pacer
	animator *estimate.Animator
	watcher  *watcher.Watcher
	verifier *verify.Supervisor

	limiter      *rate.Limiter
	refreshGroup singleflight.Group

	// ctx bounds every background task of the session; cancelled by Stop.
	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	stopOnce sync.Once

	queue chan Command
	// slots reserves queue capacity before a command changes device state.
	slots chan struct{}
	burst chan struct{}

	// cmdMu orders command id allocation with motion, estimate and queue updates.
	cmdMu   sync.Mutex
	nextCmd uint64

	mu          sync.RWMutex
	devices     map[string]*device
	order       []string
	discovered  bool
	thingName   string
	lastPoll    time.Time
	lastPollErr error
}

// New creates a session and starts its command dispatcher.
func New(name string, client HubClient, cfg Config, deps Deps) *Session {
	ctx, cancel := context.WithCancel(context.Background())

	s := &Session{
		name:    name,
		id:      uuid.NewString(),
		client:  client,
		cfg:     cfg,
		deps:    deps,
		ctx:     ctx,
		cancel:  cancel,
		queue:   make(chan Command, queueSize),
		slots:   make(chan struct{}, queueSize),
		burst:   make(chan struct{}, 1),
		devices: make(map[string]*device),
	}
	s.logger = log.With().Str("hub", name).Str("session", s.id).Logger()

	s.tracker = motion.NewTracker(cfg.Tolerance)
	s.pacer = pacer.New(client, cfg.Spacing)
	s.animator = estimate.NewAnimator(cfg.FullTravel, s.publishEstimate)
	s.watcher = watcher.New(name, client, s, cfg.Watcher, deps.Metrics)
	s.verifier = verify.New(name, s)
	s.limiter = newLimiter(cfg.RefreshRPS)

	s.wg.Add(1)
	go s.dispatch()

	return s
}

func newLimiter(rps float64) *rate.Limiter {
	if rps <= 0 {
		return rate.NewLimiter(rate.Inf, 1)
	}
	burst := int(rps)
	if burst < 1 {
		burst = 1
	}
	return rate.NewLimiter(rate.Limit(rps), burst)
}

// Name returns the configured hub name.
func (s *Session) Name() string {
	return s.name
}

// ID returns the unique id of this session instance.
func (s *Session) ID() string {
	return s.id
}

// Discovered reports whether the device set is known.
func (s *Session) Discovered() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.discovered
}

// ThingName returns the hub identity from registration.
func (s *Session) ThingName() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.thingName
}

// LastPoll returns the time and error of the latest status poll.
func (s *Session) LastPoll() (time.Time, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastPoll, s.lastPollErr
}

// WatcherRunning reports whether the long-poll watcher is active.
func (s *Session) WatcherRunning() bool {
	return s.watcher.Running()
}

// Start registers with the hub, discovers its devices, seeds them from the
// snapshot store and runs the first status refresh. A registration or
// discovery failure leaves every device unavailable; Run keeps retrying it.
func (s *Session) Start(ctx context.Context) error {
	if err := s.discover(ctx); err != nil {
		return err
	}

	if err := s.Refresh(ctx); err != nil {
		s.logger.Warn().Err(err).Msg("Initial status refresh failed, showing last known state")
	}
	return nil
}

func (s *Session) discover(ctx context.Context) error {
	reg, err := s.client.Register(ctx)
	if err != nil {
		return fmt.Errorf("%w: register: %v", ErrNotDiscovered, err)
	}

	peripherals, err := s.client.ListPeripherals(ctx)
	if err != nil {
		return fmt.Errorf("%w: list peripherals: %v", ErrNotDiscovered, err)
	}

	var seeds map[string]storage.Snapshot
	if s.deps.Snapshots != nil {
		seeds, err = s.deps.Snapshots.Load(s.name)
		if err != nil {
			s.logger.Warn().Err(err).Msg("Failed to load device snapshots")
		}
	}

	s.mu.Lock()
	s.thingName = reg.ThingName
	// A full re-discovery replaces descriptors wholesale
	for _, p := range peripherals {
		dev, ok := s.devices[p.ID]
		if !ok {
			dev = &device{}
			s.devices[p.ID] = dev
		}
		dev.descriptor = p

		if seed, ok := seeds[p.ID]; ok && !dev.hasStatus {
			dev.seeded = true
			dev.statusAt = seed.UpdatedAt
			if seed.BatteryRaw != nil {
				v := *seed.BatteryRaw
				dev.status.BatteryLevel = &v
			}
			if seed.Position != nil {
				s.tracker.Seed(p.ID, *seed.Position)
			}
		}
	}
	s.order = s.sortedIDs()
	s.discovered = true
	s.mu.Unlock()

	s.logger.Info().
		Str("thing_name", reg.ThingName).
		Int("devices", len(peripherals)).
		Int("seeded", len(seeds)).
		Msg("Hub devices discovered")
	return nil
}

// sortedIDs must be called with mu held.
func (s *Session) sortedIDs() []string {
	ids := make([]string, 0, len(s.devices))
	for id := range s.devices {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Run polls the hub until ctx is done: every poll interval, plus a short
// burst of polls after each command. Poll failures keep the last known state.
func (s *Session) Run(ctx context.Context) error {
	s.logger.Info().
		Dur("interval", s.cfg.PollInterval).
		Dur("burst_interval", s.cfg.BurstInterval).
		Int("burst_cycles", s.cfg.BurstCycles).
		Msg("Hub session polling started")

	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()

	var (
		burstTimer *time.Timer
		burstC     <-chan time.Time
		burstLeft  int
	)
	defer func() {
		if burstTimer != nil {
			burstTimer.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-s.ctx.Done():
			return nil

		case <-ticker.C:
			s.poll(ctx)

		case <-s.burst:
			if s.cfg.BurstCycles <= 0 {
				continue
			}
			burstLeft = s.cfg.BurstCycles
			if burstTimer == nil {
				burstTimer = time.NewTimer(s.cfg.BurstInterval)
			} else {
				burstTimer.Reset(s.cfg.BurstInterval)
			}
			burstC = burstTimer.C

		case <-burstC:
			s.poll(ctx)
			burstLeft--
			if burstLeft > 0 {
				burstTimer.Reset(s.cfg.BurstInterval)
			} else {
				burstC = nil
			}
		}
	}
}

func (s *Session) poll(ctx context.Context) {
	if !s.Discovered() {
		if err := s.Start(ctx); err != nil {
			s.logger.Warn().Err(err).Msg("Hub discovery failed, devices unavailable")
		}
		return
	}
	if err := s.Refresh(ctx); err != nil {
		s.logger.Warn().Err(err).Msg("Status poll failed, keeping last known state")
	}
}

func (s *Session) triggerBurst() {
	select {
	case s.burst <- struct{}{}:
	default:
	}
}

// Stop cancels background work and waits for it to exit.
func (s *Session) Stop() {
	s.stopOnce.Do(func() {
		s.cancel()
		s.wg.Wait()
		s.watcher.Wait()
		s.verifier.Wait()
		s.animator.Stop()
		s.logger.Info().Msg("Hub session stopped")
	})
}

// EffectivePosition returns the pending target while a device is in motion,
// else its last hub position.
func (s *Session) EffectivePosition(id string) (int, bool) {
	return s.tracker.EffectivePosition(id)
}

// EstimatedPosition returns the interpolated position for smooth display,
// falling back to the effective position.
func (s *Session) EstimatedPosition(id string) (int, bool) {
	if pos, ok := s.animator.Position(id); ok {
		return pos, true
	}
	return s.tracker.EffectivePosition(id)
}

// Direction returns the estimated movement direction.
func (s *Session) Direction(id string) estimate.Direction {
	return s.animator.Direction(id)
}

// InMotion reports whether a command for the device is unresolved.
func (s *Session) InMotion(id string) bool {
	return s.tracker.InMotion(id)
}

// Device returns the snapshot of one device.
func (s *Session) Device(id string) (Snapshot, error) {
	s.mu.RLock()
	dev, ok := s.devices[id]
	if !ok {
		discovered := s.discovered
		s.mu.RUnlock()
		if !discovered {
			return Snapshot{}, ErrNotDiscovered
		}
		return Snapshot{}, fmt.Errorf("%w: %s", ErrUnknownDevice, id)
	}
	cp := *dev
	stale := s.lastPollErr != nil
	s.mu.RUnlock()

	return s.snapshot(id, &cp, stale), nil
}

// Devices returns the snapshots of all devices ordered by id.
func (s *Session) Devices() []Snapshot {
	s.mu.RLock()
	type entry struct {
		id  string
		dev device
	}
	entries := make([]entry, 0, len(s.order))
	for _, id := range s.order {
		entries = append(entries, entry{id: id, dev: *s.devices[id]})
	}
	stale := s.lastPollErr != nil
	s.mu.RUnlock()

	snaps := make([]Snapshot, 0, len(entries))
	for i := range entries {
		snaps = append(snaps, s.snapshot(entries[i].id, &entries[i].dev, stale))
	}
	return snaps
}

func (s *Session) snapshot(id string, dev *device, pollFailed bool) Snapshot {
	snap := Snapshot{
		Hub:          s.name,
		ID:           id,
		Name:         dev.name(),
		RoomID:       dev.descriptor.RoomID,
		ModuleType:   dev.descriptor.ModuleType,
		ModuleDetail: dev.descriptor.ModuleDetail,
		Available:    dev.hasStatus,
		Stale:        dev.seeded || pollFailed,
		InMotion:     s.tracker.InMotion(id),
		Direction:    s.animator.Direction(id),
		UpdatedAt:    dev.statusAt,
	}

	if pos, ok := s.tracker.EffectivePosition(id); ok {
		snap.Position = &pos
	}
	if pos, ok := s.tracker.HubPosition(id); ok {
		snap.HubPosition = &pos
	}
	if pos, ok := s.EstimatedPosition(id); ok {
		snap.EstimatedPosition = &pos
	}
	if st, ok := s.tracker.Snapshot(id); ok && st.InMotion {
		snap.Target = st.PendingTarget
	}

	if raw := dev.status.BatteryLevel; raw != nil {
		v := *raw
		snap.BatteryRaw = &v
		if pct, ok := hub.BatteryPercent(v); ok {
			snap.BatteryPercent = &pct
		}
		if low, ok := hub.LowBattery(v, s.cfg.LowBattery); ok {
			snap.LowBattery = low
		}
	}
	if dev.command != nil {
		cmd := *dev.command
		snap.LastCommand = &cmd
	}
	return snap
}

func (s *Session) publish(typ eventbus.EventType, deviceID string, data map[string]any) {
	if s.deps.Bus == nil {
		return
	}
	s.deps.Bus.Publish(eventbus.Event{
		Type:   typ,
		Hub:    s.name,
		Device: deviceID,
		Data:   data,
	})
}

// publishEstimate is the animator callback.
func (s *Session) publishEstimate(deviceID string, pos int) {
	s.publish(eventbus.EventTypePosition, deviceID, map[string]any{
		"position":  pos,
		"estimated": true,
		"direction": string(s.animator.Direction(deviceID)),
	})
}

func (s *Session) record(entry ledger.Entry) {
	if s.deps.Ledger == nil {
		return
	}
	entry.Hub = s.name
	if err := s.deps.Ledger.Append(entry); err != nil {
		s.logger.Warn().Err(err).Str("kind", string(entry.Kind)).Msg("Failed to record ledger entry")
	}
}
