// Package rpc implements the Metasploit msgrpc client: authentication,
// generic calls, and the console operations consumed by console sessions.
// The wire format is msgpack over HTTP; tokens may expire silently and are
// refreshed by logging in again.
package rpc

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/vmihailenco/msgpack/v5"
	"go.uber.org/zap"

	"github.com/msfailab/msfailab/internal/common/logger"
)

// Endpoint identifies a msgrpc endpoint on the host.
type Endpoint struct {
	Host string
	Port int
}

// URL returns the HTTP URL of the msgrpc API.
func (e Endpoint) URL() string {
	return fmt.Sprintf("http://%s:%d/api/", e.Host, e.Port)
}

// ConsoleInfo describes a freshly created remote console.
type ConsoleInfo struct {
	ID     string
	Prompt string
	Busy   bool
}

// ReadResult holds one chunk of console output.
type ReadResult struct {
	Data   string
	Prompt string
	Busy   bool
}

// API is the msgrpc operation set used by the controller and sessions.
type API interface {
	Login(ctx context.Context, ep Endpoint, user, password string) (string, error)
	Call(ctx context.Context, ep Endpoint, token, method string, args ...any) (map[string]any, error)
	ConsoleCreate(ctx context.Context, ep Endpoint, token string) (ConsoleInfo, error)
	ConsoleDestroy(ctx context.Context, ep Endpoint, token, consoleID string) error
	ConsoleWrite(ctx context.Context, ep Endpoint, token, consoleID, data string) (int, error)
	ConsoleRead(ctx context.Context, ep Endpoint, token, consoleID string) (ReadResult, error)
}

// Client implements API over msgpack-encoded HTTP requests.
type Client struct {
	httpClient *http.Client
	logger     *logger.Logger
}

var _ API = (*Client)(nil)

// NewClient creates a msgrpc client.
func NewClient(log *logger.Logger) *Client {
	return &Client{
		httpClient: &http.Client{Timeout: 30 * time.Second},
		logger:     log,
	}
}

// Login authenticates and returns a session token.
func (c *Client) Login(ctx context.Context, ep Endpoint, user, password string) (string, error) {
	resp, err := c.invoke(ctx, ep, []any{"auth.login", user, password})
	if err != nil {
		return "", err
	}
	if err := responseError(resp); err != nil {
		return "", err
	}
	if asString(resp["result"]) != "success" {
		return "", fmt.Errorf("auth.login rejected")
	}
	token := asString(resp["token"])
	if token == "" {
		return "", fmt.Errorf("auth.login returned no token")
	}
	c.logger.Debug("msgrpc login succeeded", zap.String("host", ep.Host), zap.Int("port", ep.Port))
	return token, nil
}

// Call invokes an arbitrary msgrpc method with the token prepended.
func (c *Client) Call(ctx context.Context, ep Endpoint, token, method string, args ...any) (map[string]any, error) {
	payload := make([]any, 0, len(args)+2)
	payload = append(payload, method, token)
	payload = append(payload, args...)

	resp, err := c.invoke(ctx, ep, payload)
	if err != nil {
		return nil, err
	}
	if err := responseError(resp); err != nil {
		return nil, err
	}
	return resp, nil
}

// ConsoleCreate allocates a new remote console.
func (c *Client) ConsoleCreate(ctx context.Context, ep Endpoint, token string) (ConsoleInfo, error) {
	resp, err := c.Call(ctx, ep, token, "console.create")
	if err != nil {
		return ConsoleInfo{}, fmt.Errorf("console.create: %w", err)
	}
	id := asString(resp["id"])
	if id == "" {
		return ConsoleInfo{}, fmt.Errorf("console.create returned no id")
	}
	return ConsoleInfo{
		ID:     id,
		Prompt: asString(resp["prompt"]),
		Busy:   asBool(resp["busy"]),
	}, nil
}

// ConsoleDestroy releases a remote console.
func (c *Client) ConsoleDestroy(ctx context.Context, ep Endpoint, token, consoleID string) error {
	resp, err := c.Call(ctx, ep, token, "console.destroy", consoleID)
	if err != nil {
		return fmt.Errorf("console.destroy: %w", err)
	}
	if asString(resp["result"]) != "success" {
		return fmt.Errorf("console.destroy failed for console %s", consoleID)
	}
	return nil
}

// ConsoleWrite sends data to a remote console and returns the bytes written.
func (c *Client) ConsoleWrite(ctx context.Context, ep Endpoint, token, consoleID, data string) (int, error) {
	resp, err := c.Call(ctx, ep, token, "console.write", consoleID, data)
	if err != nil {
		return 0, fmt.Errorf("console.write: %w", err)
	}
	return asInt(resp["wrote"]), nil
}

// ConsoleRead drains pending output from a remote console.
func (c *Client) ConsoleRead(ctx context.Context, ep Endpoint, token, consoleID string) (ReadResult, error) {
	resp, err := c.Call(ctx, ep, token, "console.read", consoleID)
	if err != nil {
		return ReadResult{}, fmt.Errorf("console.read: %w", err)
	}
	return ReadResult{
		Data:   asString(resp["data"]),
		Prompt: asString(resp["prompt"]),
		Busy:   asBool(resp["busy"]),
	}, nil
}

// invoke posts a msgpack-encoded payload and decodes the msgpack response.
func (c *Client) invoke(ctx context.Context, ep Endpoint, payload []any) (map[string]any, error) {
	body, err := msgpack.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal msgrpc request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, ep.URL(), bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to build msgrpc request: %w", err)
	}
	req.Header.Set("Content-Type", "binary/message-pack")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("msgrpc request failed: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read msgrpc response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("msgrpc returned HTTP %d", resp.StatusCode)
	}

	dec := msgpack.NewDecoder(bytes.NewReader(raw))
	dec.SetMapDecoder(func(d *msgpack.Decoder) (any, error) {
		return d.DecodeUntypedMap()
	})
	var decoded any
	if err := dec.Decode(&decoded); err != nil {
		return nil, fmt.Errorf("failed to decode msgrpc response: %w", err)
	}
	out, ok := normalizeValue(decoded).(map[string]any)
	if !ok {
		return nil, fmt.Errorf("msgrpc response is not a map")
	}
	return out, nil
}

// responseError converts the msgrpc error envelope into a Go error.
func responseError(resp map[string]any) error {
	if asBool(resp["error"]) {
		msg := asString(resp["error_message"])
		if msg == "" {
			msg = asString(resp["error_string"])
		}
		if msg == "" {
			msg = "unknown msgrpc error"
		}
		return fmt.Errorf("msgrpc error: %s", msg)
	}
	return nil
}

// normalizeMap converts msgpack's any-keyed maps into string-keyed maps.
// Metasploit encodes keys as raw bytes, which decode as []byte or string.
func normalizeMap(in map[string]any) map[string]any {
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = normalizeValue(v)
	}
	return out
}

func normalizeValue(v any) any {
	switch t := v.(type) {
	case []byte:
		return string(t)
	case map[any]any:
		m := make(map[string]any, len(t))
		for k, val := range t {
			m[asString(k)] = normalizeValue(val)
		}
		return m
	case map[string]any:
		return normalizeMap(t)
	case []any:
		for i := range t {
			t[i] = normalizeValue(t[i])
		}
		return t
	default:
		return v
	}
}

func asString(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case []byte:
		return string(t)
	default:
		return ""
	}
}

func asBool(v any) bool {
	b, ok := v.(bool)
	return ok && b
}

func asInt(v any) int {
	switch t := v.(type) {
	case int:
		return t
	case int8:
		return int(t)
	case int16:
		return int(t)
	case int32:
		return int(t)
	case int64:
		return int(t)
	case uint8:
		return int(t)
	case uint16:
		return int(t)
	case uint32:
		return int(t)
	case uint64:
		return int(t)
	case float64:
		return int(t)
	default:
		return 0
	}
}
