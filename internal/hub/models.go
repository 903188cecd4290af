package hub

import (
	"strconv"
	"strings"
)

// Registration is the hub identity returned by the registration handshake.
type Registration struct {
	ThingName string
	Raw       map[string]any
}

// Peripheral describes one shade as reported by GetAllPeripheral.
// Immutable after discovery.
type Peripheral struct {
	ID           string
	Name         string
	RoomID       string
	ModuleType   string
	ModuleDetail string
}

// Status is one hub-reported status record. Nil fields were absent from the
// payload and must not overwrite previously known values.
type Status struct {
	ID                 string
	BottomRailPosition *int
	BatteryLevel       *float64
	Name               *string
}

// Merge applies update on top of s. Fields absent in update keep their value.
func (s Status) Merge(update Status) Status {
	merged := s
	if merged.ID == "" {
		merged.ID = update.ID
	}
	if update.BottomRailPosition != nil {
		pos := *update.BottomRailPosition
		merged.BottomRailPosition = &pos
	}
	if update.BatteryLevel != nil {
		lvl := *update.BatteryLevel
		merged.BatteryLevel = &lvl
	}
	if update.Name != nil {
		name := *update.Name
		merged.Name = &name
	}
	return merged
}

// ControlRequest is the payload of a /control call. Built by the command
// pacer, which owns Timestamp and TaskID.
type ControlRequest struct {
	DeviceID  string
	Position  int
	TaskID    int64
	Timestamp int64
}

// payload renders the request in hub wire format.
func (r ControlRequest) payload(thingName string) map[string]any {
	p := map[string]any{
		"PeripheralUID":      peripheralUID(r.DeviceID),
		"BottomRailPosition": ClampPosition(r.Position),
		"TaskID":             r.TaskID,
		"Timestamp":          r.Timestamp,
	}
	if thingName != "" {
		p["ThingName"] = thingName
	}
	return p
}

// ClampPosition clamps a position into the hub's 0..100 range.
func ClampPosition(pos int) int {
	if pos < 0 {
		return 0
	}
	if pos > 100 {
		return 100
	}
	return pos
}

// peripheralUID sends numeric ids as numbers, anything else verbatim.
func peripheralUID(id string) any {
	id = strings.TrimSpace(id)
	if n, err := strconv.ParseInt(id, 10, 64); err == nil {
		return n
	}
	return id
}
