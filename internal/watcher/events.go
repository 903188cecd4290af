package watcher

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// msThreshold separates second timestamps from millisecond ones.
const msThreshold = 10_000_000_000

var fragmentBoundary = regexp.MustCompile(`\}\s*\{`)

// Event is one parsed notification fragment.
type Event struct {
	// Timestamp is in unix seconds, 0 when the fragment carried none.
	Timestamp   int64
	Peripherals []string
}

// MalformedEventError is reported for a fragment that is not valid JSON.
type MalformedEventError struct {
	Fragment string
	Err      error
}

func (e *MalformedEventError) Error() string {
	return fmt.Sprintf("malformed event fragment %q: %v", e.Fragment, e.Err)
}

func (e *MalformedEventError) Unwrap() error {
	return e.Err
}

// SplitFragments splits back-to-back JSON objects. A fragment ends where a
// closing brace is followed by optional whitespace and an opening brace.
func SplitFragments(text string) []string {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}

	parts := fragmentBoundary.Split(text, -1)
	fragments := make([]string, 0, len(parts))
	for _, part := range parts {
		if part == "" {
			continue
		}
		if !strings.HasPrefix(part, "{") {
			part = "{" + part
		}
		if !strings.HasSuffix(part, "}") {
			part += "}"
		}
		fragments = append(fragments, part)
	}
	return fragments
}

// ParseEvents parses every fragment in text. Malformed fragments are skipped
// and returned as errors alongside the events that did parse.
func ParseEvents(text string) ([]Event, []error) {
	var (
		events []Event
		errs   []error
	)
	for _, fragment := range SplitFragments(text) {
		var obj map[string]any
		if err := json.Unmarshal([]byte(fragment), &obj); err != nil {
			errs = append(errs, &MalformedEventError{Fragment: fragment, Err: err})
			continue
		}
		events = append(events, Event{
			Timestamp:   eventTimestamp(obj),
			Peripherals: eventPeripherals(obj),
		})
	}
	return events, errs
}

func eventTimestamp(obj map[string]any) int64 {
	for _, key := range []string{"Status", "Timestamp"} {
		v, ok := obj[key].(float64)
		if !ok || v <= 0 {
			continue
		}
		if v > msThreshold {
			v /= 1000
		}
		return int64(v)
	}
	return 0
}

func eventPeripherals(obj map[string]any) []string {
	var ids []string
	if list, ok := obj["PeripheralList"].([]any); ok {
		for _, item := range list {
			if id := peripheralID(item); id != "" {
				ids = append(ids, id)
			}
		}
	}
	if id := peripheralID(obj["PeripheralUID"]); id != "" {
		ids = append(ids, id)
	}
	return ids
}

func peripheralID(v any) string {
	switch val := v.(type) {
	case float64:
		return strconv.FormatInt(int64(val), 10)
	case string:
		return strings.TrimSpace(val)
	case map[string]any:
		return peripheralID(val["PeripheralUID"])
	default:
		return ""
	}
}
