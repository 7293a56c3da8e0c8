// Package api is a Go client for the recorder's host control endpoint.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/Eyebottle/sat-lec-rec/internal/control"
)

const (
	writeWait   = 10 * time.Second
	eventBuffer = 64
)

// ErrClosed is returned for calls on a closed or disconnected client.
var ErrClosed = errors.New("control client closed")

// CommandError is a command the recorder rejected. Code is the host error
// code (-1 general, -2 recording state, -3 invalid path, -4 not initialized).
type CommandError struct {
	Command string
	Code    int32
	Message string
}

func (e *CommandError) Error() string {
	return fmt.Sprintf("%s failed (code %d): %s", e.Command, e.Code, e.Message)
}

// Event is a pushed message: progress, finished, archived or log.
type Event struct {
	Type   string          `json:"type"`
	Result json.RawMessage `json:"result"`
}

type inbound struct {
	Type      string          `json:"type"`
	CommandID string          `json:"commandId"`
	Status    string          `json:"status"`
	Code      int32           `json:"code"`
	Result    json.RawMessage `json:"result"`
	Error     string          `json:"error"`
}

type Client struct {
	baseURL    string
	authToken  string
	httpClient *http.Client

	ws      *websocket.Conn
	writeMu sync.Mutex
	events  chan Event

	mu        sync.Mutex
	pending   map[string]chan inbound
	done      chan struct{}
	closeOnce sync.Once
}

// Dial connects to the control server at baseURL (http://host:port).
func Dial(ctx context.Context, baseURL, authToken string) (*Client, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("invalid control url: %w", err)
	}
	wsURL := *u
	switch u.Scheme {
	case "http", "":
		wsURL.Scheme = "ws"
	case "https":
		wsURL.Scheme = "wss"
	}
	wsURL.Path = "/ws"

	header := http.Header{}
	if authToken != "" {
		header.Set("Authorization", "Bearer "+authToken)
	}
	ws, resp, err := websocket.DefaultDialer.DialContext(ctx, wsURL.String(), header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("control connection failed with status %d: %w", resp.StatusCode, err)
		}
		return nil, fmt.Errorf("failed to connect: %w", err)
	}

	c := &Client{
		baseURL:   u.Scheme + "://" + u.Host,
		authToken: authToken,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
		ws:      ws,
		events:  make(chan Event, eventBuffer),
		pending: make(map[string]chan inbound),
		done:    make(chan struct{}),
	}
	go c.readLoop()
	return c, nil
}

// Events delivers pushed messages. Events are dropped when the channel is
// full. It is closed when the connection ends.
func (c *Client) Events() <-chan Event { return c.events }

// Done is closed when the connection ends.
func (c *Client) Done() <-chan struct{} { return c.done }

func (c *Client) Close() error {
	c.shutdown()
	return c.ws.Close()
}

func (c *Client) shutdown() {
	c.closeOnce.Do(func() { close(c.done) })
}

func (c *Client) readLoop() {
	defer close(c.events)
	defer c.shutdown()
	for {
		var m inbound
		if err := c.ws.ReadJSON(&m); err != nil {
			return
		}
		if m.Type != control.MsgCommandResult {
			select {
			case c.events <- Event{Type: m.Type, Result: m.Result}:
			default:
			}
			continue
		}
		c.mu.Lock()
		ch, ok := c.pending[m.CommandID]
		delete(c.pending, m.CommandID)
		c.mu.Unlock()
		if ok {
			ch <- m
		}
	}
}

// Call sends one command and waits for its result. The raw result payload is
// returned even when the command failed.
func (c *Client) Call(ctx context.Context, cmdType string, payload map[string]any) (json.RawMessage, error) {
	id := uuid.NewString()
	ch := make(chan inbound, 1)
	c.mu.Lock()
	c.pending[id] = ch
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
	}()

	c.writeMu.Lock()
	c.ws.SetWriteDeadline(time.Now().Add(writeWait))
	err := c.ws.WriteJSON(control.Command{ID: id, Type: cmdType, Payload: payload})
	c.writeMu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("failed to send %s: %w", cmdType, err)
	}

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-c.done:
		return nil, ErrClosed
	case m := <-ch:
		if m.Status != control.StatusOK {
			return m.Result, &CommandError{Command: cmdType, Code: m.Code, Message: m.Error}
		}
		return m.Result, nil
	}
}

func (c *Client) callStatus(ctx context.Context, cmdType string, payload map[string]any) (control.Status, error) {
	var st control.Status
	raw, err := c.Call(ctx, cmdType, payload)
	if len(raw) > 0 {
		if derr := json.Unmarshal(raw, &st); derr != nil && err == nil {
			err = fmt.Errorf("failed to decode %s result: %w", cmdType, derr)
		}
	}
	return st, err
}

func (c *Client) Initialize(ctx context.Context) (control.Status, error) {
	return c.callStatus(ctx, control.CmdInitialize, nil)
}

func (c *Client) Start(ctx context.Context, req control.StartRequest) (control.Status, error) {
	return c.callStatus(ctx, control.CmdStart, map[string]any{
		"path":   req.Path,
		"width":  req.Width,
		"height": req.Height,
		"fps":    req.FPS,
	})
}

func (c *Client) Stop(ctx context.Context) (control.Status, error) {
	return c.callStatus(ctx, control.CmdStop, nil)
}

func (c *Client) Status(ctx context.Context, detailed bool) (control.Status, error) {
	return c.callStatus(ctx, control.CmdStatus, map[string]any{"detailed": detailed})
}

func (c *Client) Cleanup(ctx context.Context) (control.Status, error) {
	return c.callStatus(ctx, control.CmdCleanup, nil)
}

// Health fetches /healthz over plain HTTP.
func (c *Client) Health(ctx context.Context) (control.Status, error) {
	var st control.Status
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/healthz", nil)
	if err != nil {
		return st, fmt.Errorf("failed to create request: %w", err)
	}
	if c.authToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.authToken)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return st, fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		bodyBytes, _ := io.ReadAll(resp.Body)
		return st, fmt.Errorf("health check failed with status %d: %s", resp.StatusCode, string(bodyBytes))
	}
	if err := json.NewDecoder(resp.Body).Decode(&st); err != nil {
		return st, fmt.Errorf("failed to decode response: %w", err)
	}
	return st, nil
}
