package hub

import (
	"errors"
	"fmt"
)

// ErrLongPollTimeout is returned by LongPoll when the hold time elapsed
// without any event.
var ErrLongPollTimeout = errors.New("long-poll hold elapsed")

// TransportError is a network failure, timeout or non-2xx reply from the hub.
type TransportError struct {
	Op         string
	URL        string
	StatusCode int
	Err        error
}

func (e *TransportError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("hub %s %s: status %d: %v", e.Op, e.URL, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("hub %s %s: %v", e.Op, e.URL, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// IsTransport reports whether err is (or wraps) a TransportError.
func IsTransport(err error) bool {
	var te *TransportError
	return errors.As(err, &te)
}
