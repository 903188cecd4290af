// Package hub is the transport client for the ShadeAuto local hub API.
package hub

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// DefaultPort is the hub's local API port.
const DefaultPort = 10123

// longPollGrace is added on top of the hold time so the hub gets a chance
// to answer an expired hold itself before the client gives up.
const longPollGrace = 500 * time.Millisecond

// Client is a thin JSON-over-HTTP client for one hub.
type Client struct {
	host       string
	baseURL    string
	httpClient *http.Client
	pollClient *http.Client
	now        func() time.Time

	mu        sync.RWMutex
	thingName string
}

// NewClient creates a new hub client
func NewClient(host string, port int, timeout time.Duration) *Client {
	if timeout == 0 {
		timeout = 10 * time.Second
	}
	if port == 0 {
		port = DefaultPort
	}

	return &Client{
		host:    host,
		baseURL: fmt.Sprintf("http://%s:%d/NM/v1", host, port),
		httpClient: &http.Client{
			Timeout: timeout,
		},
		// Long-poll requests are bounded per call by the hold context
		pollClient: &http.Client{},
		now:        time.Now,
	}
}

// newClientWithBaseURL is used by tests to point the client at httptest servers.
func newClientWithBaseURL(baseURL string, timeout time.Duration) *Client {
	c := NewClient("test", DefaultPort, timeout)
	c.baseURL = strings.TrimRight(baseURL, "/")
	return c
}

// Host returns the hub host
func (c *Client) Host() string {
	return c.host
}

// ThingName returns the cached registration identity, if any
func (c *Client) ThingName() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.thingName
}

// Close closes idle connections
func (c *Client) Close() {
	c.httpClient.CloseIdleConnections()
	c.pollClient.CloseIdleConnections()
}

// Register performs the registration handshake and caches the hub identity.
func (c *Client) Register(ctx context.Context) (Registration, error) {
	var doc any
	if err := c.post(ctx, c.httpClient, "registration", map[string]any{"Timestamp": c.now().Unix()}, &doc); err != nil {
		return Registration{}, err
	}

	reg := Registration{}
	if m, ok := doc.(map[string]any); ok {
		reg.Raw = m
		for _, key := range []string{"ThingName", "thingName"} {
			if name, ok := m[key].(string); ok && name != "" {
				reg.ThingName = name
				break
			}
		}
	}

	if reg.ThingName != "" {
		c.mu.Lock()
		c.thingName = reg.ThingName
		c.mu.Unlock()
	}

	log.Debug().Str("hub", c.host).Str("thing_name", reg.ThingName).Msg("Hub registered")
	return reg, nil
}

// ListPeripherals returns all shades known to the hub.
func (c *Client) ListPeripherals(ctx context.Context) ([]Peripheral, error) {
	payload := c.withIdentity(map[string]any{
		"TaskID":    1,
		"Timestamp": c.now().Unix(),
	})

	var doc any
	if err := c.post(ctx, c.httpClient, "GetAllPeripheral", payload, &doc); err != nil {
		return nil, err
	}
	return decodePeripherals(doc), nil
}

// PollStatus returns the latest status record of every shade.
func (c *Client) PollStatus(ctx context.Context) ([]Status, error) {
	payload := c.withIdentity(map[string]any{"Timestamp": c.now().Unix()})

	var doc any
	if err := c.post(ctx, c.httpClient, "status", payload, &doc); err != nil {
		return nil, err
	}
	return decodeStatuses(doc), nil
}

// SendCommand moves one shade's bottom rail.
func (c *Client) SendCommand(ctx context.Context, req ControlRequest) error {
	return c.post(ctx, c.httpClient, "control", req.payload(c.ThingName()), nil)
}

// LongPoll holds the notification endpoint open for up to hold and returns
// the raw event text. ErrLongPollTimeout is returned when the hold elapsed.
func (c *Client) LongPoll(ctx context.Context, watermark int64, hold time.Duration) (string, error) {
	holdCtx, cancel := context.WithTimeout(ctx, hold+longPollGrace)
	defer cancel()

	payload := c.withIdentity(map[string]any{
		"Timestamp": watermark,
		"Timeout":   int(hold.Round(time.Second) / time.Second),
	})

	body, err := c.do(holdCtx, c.pollClient, "notification", payload)
	if err != nil {
		if ctx.Err() == nil && errors.Is(holdCtx.Err(), context.DeadlineExceeded) {
			return "", ErrLongPollTimeout
		}
		return "", err
	}

	text := strings.TrimSpace(string(body))
	if text == "" {
		return "", ErrLongPollTimeout
	}
	return text, nil
}

func (c *Client) withIdentity(payload map[string]any) map[string]any {
	if name := c.ThingName(); name != "" {
		payload["ThingName"] = name
	}
	return payload
}

func (c *Client) post(ctx context.Context, httpClient *http.Client, path string, payload any, out *any) error {
	body, err := c.do(ctx, httpClient, path, payload)
	if err != nil {
		return err
	}
	if out == nil || len(bytes.TrimSpace(body)) == 0 {
		return nil
	}

	// The hub sometimes replies without a JSON content type
	if err := json.Unmarshal(body, out); err != nil {
		return &TransportError{Op: path, URL: c.url(path), Err: fmt.Errorf("decode response: %w", err)}
	}
	return nil
}

func (c *Client) do(ctx context.Context, httpClient *http.Client, path string, payload any) ([]byte, error) {
	url := c.url(path)

	bodyBytes, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode %s payload: %w", path, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(bodyBytes))
	if err != nil {
		return nil, fmt.Errorf("build %s request: %w", path, err)
	}
	req.Header.Set("Content-Type", "application/json")

	log.Trace().Str("url", url).RawJSON("payload", bodyBytes).Msg("Hub request")

	resp, err := httpClient.Do(req)
	if err != nil {
		return nil, &TransportError{Op: path, URL: url, Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &TransportError{Op: path, URL: url, Err: fmt.Errorf("read body: %w", err)}
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &TransportError{
			Op:         path,
			URL:        url,
			StatusCode: resp.StatusCode,
			Err:        errors.New(strings.TrimSpace(string(body))),
		}
	}

	return body, nil
}

func (c *Client) url(path string) string {
	return c.baseURL + "/" + path
}
