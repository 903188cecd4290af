package session

import (
	"time"

	"github.com/dokzlo13/shaded/internal/estimate"
	"github.com/dokzlo13/shaded/internal/hub"
)

// Command is one issued movement command. IDs increase per session and are
// the only authority on whether a command is still the latest for a device.
type Command struct {
	ID       uint64    `json:"id"`
	DeviceID string    `json:"device"`
	Target   int       `json:"target"`
	IssuedAt time.Time `json:"issued_at"`
}

// device is the per-device record owned by a Session.
type device struct {
	descriptor hub.Peripheral
	status     hub.Status
	// hasStatus is set once the hub reported this device at least once
	hasStatus bool
	statusAt  time.Time
	// seeded marks values loaded from the snapshot store, not the hub
	seeded  bool
	command *Command
}

// Snapshot is the read model of one device.
type Snapshot struct {
	Hub          string `json:"hub"`
	ID           string `json:"id"`
	Name         string `json:"name"`
	RoomID       string `json:"room_id,omitempty"`
	ModuleType   string `json:"module_type,omitempty"`
	ModuleDetail string `json:"module_detail,omitempty"`

	// Available is true once the hub has reported status for the device.
	Available bool `json:"available"`
	// Stale is true while values only come from the persisted snapshot or
	// the latest poll failed.
	Stale bool `json:"stale"`

	// Position is the effective position: the pending target while in
	// motion, otherwise the last hub reading.
	Position          *int               `json:"position"`
	HubPosition       *int               `json:"hub_position"`
	EstimatedPosition *int               `json:"estimated_position"`
	Target            *int               `json:"target,omitempty"`
	InMotion          bool               `json:"in_motion"`
	Direction         estimate.Direction `json:"direction"`

	BatteryRaw     *float64 `json:"battery_raw,omitempty"`
	BatteryPercent *int     `json:"battery_percent,omitempty"`
	LowBattery     bool     `json:"low_battery"`

	LastCommand *Command  `json:"last_command,omitempty"`
	UpdatedAt   time.Time `json:"updated_at"`
}

func (d *device) name() string {
	if d.descriptor.Name != "" {
		return d.descriptor.Name
	}
	if d.status.Name != nil && *d.status.Name != "" {
		return *d.status.Name
	}
	return d.descriptor.ID
}
