package hub

import (
	"fmt"

	"github.com/mitchellh/mapstructure"
	"github.com/rs/zerolog/log"
)

// uidKey marks a JSON object as a per-peripheral record.
const uidKey = "PeripheralUID"

// maxSearchDepth bounds the fallback scan for peripheral records.
const maxSearchDepth = 4

// envelopeKeys are the list fields the hub is known to wrap records in.
var envelopeKeys = []string{
	"PeripheralList",
	"Peripherals",
	"PeripheralStatus",
	"Status",
	"Data",
	"data",
}

// flattenRecords extracts peripheral records from a decoded hub response.
//
// Known envelopes are tried first: a top-level list, an object holding a list
// under one of envelopeKeys, or a single record object. If none of them
// yields records, a depth-bounded scan for objects with a PeripheralUID is
// used as a last resort, since firmware versions differ in envelope shape.
func flattenRecords(doc any) []map[string]any {
	switch v := doc.(type) {
	case []any:
		if recs := recordsOf(v); len(recs) > 0 {
			return recs
		}
	case map[string]any:
		if _, ok := v[uidKey]; ok {
			return []map[string]any{v}
		}
		for _, key := range envelopeKeys {
			if list, ok := v[key].([]any); ok {
				if recs := recordsOf(list); len(recs) > 0 {
					return recs
				}
			}
		}
	}

	var found []map[string]any
	searchRecords(doc, 0, &found)
	return found
}

func recordsOf(list []any) []map[string]any {
	var recs []map[string]any
	for _, item := range list {
		if m, ok := item.(map[string]any); ok {
			if _, ok := m[uidKey]; ok {
				recs = append(recs, m)
			}
		}
	}
	return recs
}

func searchRecords(node any, depth int, found *[]map[string]any) {
	if depth > maxSearchDepth {
		return
	}
	switch v := node.(type) {
	case map[string]any:
		if _, ok := v[uidKey]; ok {
			*found = append(*found, v)
		}
		for _, child := range v {
			searchRecords(child, depth+1, found)
		}
	case []any:
		for _, child := range v {
			searchRecords(child, depth+1, found)
		}
	}
}

type rawPeripheral struct {
	PeripheralUID string `mapstructure:"PeripheralUID"`
	Name          string `mapstructure:"Name"`
	DisplayName   string `mapstructure:"DisplayName"`
	RoomID        any    `mapstructure:"RoomID"`
	ModuleType    any    `mapstructure:"ModuleType"`
	ModuleDetail  any    `mapstructure:"ModuleDetail"`
}

type rawStatus struct {
	PeripheralUID      string   `mapstructure:"PeripheralUID"`
	BottomRailPosition *int     `mapstructure:"BottomRailPosition"`
	BatteryVoltage     *float64 `mapstructure:"BatteryVoltage"`
	BatteryLevel       *float64 `mapstructure:"BatteryLevel"`
	Name               *string  `mapstructure:"Name"`
}

func decodeRecord(rec map[string]any, out any) error {
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		WeaklyTypedInput: true,
		Result:           out,
	})
	if err != nil {
		return err
	}
	return dec.Decode(rec)
}

func decodePeripherals(doc any) []Peripheral {
	var out []Peripheral
	for _, rec := range flattenRecords(doc) {
		var raw rawPeripheral
		if err := decodeRecord(rec, &raw); err != nil || raw.PeripheralUID == "" {
			log.Debug().Err(err).Interface("record", rec).Msg("Skipping undecodable peripheral record")
			continue
		}
		name := raw.Name
		if name == "" {
			name = raw.DisplayName
		}
		if name == "" {
			name = "Shade " + raw.PeripheralUID
		}
		out = append(out, Peripheral{
			ID:           raw.PeripheralUID,
			Name:         name,
			RoomID:       stringify(raw.RoomID),
			ModuleType:   stringify(raw.ModuleType),
			ModuleDetail: stringify(raw.ModuleDetail),
		})
	}
	return out
}

func decodeStatuses(doc any) []Status {
	var out []Status
	for _, rec := range flattenRecords(doc) {
		var raw rawStatus
		if err := decodeRecord(rec, &raw); err != nil || raw.PeripheralUID == "" {
			log.Debug().Err(err).Interface("record", rec).Msg("Skipping undecodable status record")
			continue
		}
		battery := raw.BatteryVoltage
		if battery == nil {
			battery = raw.BatteryLevel
		}
		out = append(out, Status{
			ID:                 raw.PeripheralUID,
			BottomRailPosition: raw.BottomRailPosition,
			BatteryLevel:       battery,
			Name:               raw.Name,
		})
	}
	return out
}

func stringify(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case float64:
		if t == float64(int64(t)) {
			return fmt.Sprintf("%d", int64(t))
		}
		return fmt.Sprintf("%g", t)
	default:
		return fmt.Sprint(t)
	}
}
