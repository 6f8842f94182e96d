package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/gorilla/websocket"

	"github.com/ward-net/alertfeed/internal/conn"
	"github.com/ward-net/alertfeed/internal/metrics"
	"github.com/ward-net/alertfeed/pkg/types"
)

const writeTimeout = 10 * time.Second

// Subscriber maintains the live WebSocket subscription for one scope.
// All connection-health bookkeeping goes through the state machine; the
// subscriber itself only dials, reads, and heartbeats.
type Subscriber struct {
	baseURL string
	token   string
	scopeID string
	machine *conn.Machine
	enqueue EnqueueFunc
	health  *HealthCollector
	logger  *slog.Logger
	dialer  *websocket.Dialer
}

// NewSubscriber creates a subscriber bound to a scope.
func NewSubscriber(baseURL, token, scopeID string, machine *conn.Machine, enqueue EnqueueFunc, logger *slog.Logger) *Subscriber {
	return &Subscriber{
		baseURL: baseURL,
		token:   token,
		scopeID: scopeID,
		machine: machine,
		enqueue: enqueue,
		health:  NewHealthCollector(),
		logger:  logger.With("component", "subscriber"),
		dialer:  websocket.DefaultDialer,
	}
}

// Run connects and serves until ctx is cancelled, reconnecting with the
// state machine's backoff. It returns once the machine gives up (error
// state) or the server closes normally; the orchestrator decides
// whether and when a fresh Run starts.
func (s *Subscriber) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		delay, retry := s.runOnce(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if !retry {
			return nil
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
}

// runOnce performs a single connect-and-serve cycle and reports the
// machine's verdict on what to do next.
func (s *Subscriber) runOnce(ctx context.Context) (time.Duration, bool) {
	s.machine.Connecting()

	wsURL, err := s.streamURL()
	if err != nil {
		s.logger.Error("invalid authority URL", "error", err)
		return s.machine.ConnectionError(err)
	}

	header := http.Header{}
	if s.token != "" {
		header.Set("Authorization", "Bearer "+s.token)
	}
	c, resp, err := s.dialer.DialContext(ctx, wsURL, header)
	if err != nil {
		if resp != nil {
			resp.Body.Close()
		}
		return s.machine.ConnectionError(&types.TransportError{Op: "dial", Err: err})
	}
	defer c.Close()

	s.machine.ConnectionOpened()
	s.logger.Info("subscription established", "scope_id", s.scopeID)

	hbCtx, hbCancel := context.WithCancel(ctx)
	defer hbCancel()
	go s.heartbeatLoop(hbCtx, c)
	go func() {
		// Unblock the read loop when the subscription is stopped.
		<-hbCtx.Done()
		c.Close()
	}()

	return s.serve(ctx, c)
}

// serve reads messages until the connection fails, classifying the
// failure for the state machine.
func (s *Subscriber) serve(ctx context.Context, c *websocket.Conn) (time.Duration, bool) {
	timeout := s.machine.Config().HeartbeatTimeout
	c.SetPongHandler(func(string) error {
		s.machine.RecordHeartbeat()
		return c.SetReadDeadline(time.Now().Add(timeout))
	})
	_ = c.SetReadDeadline(time.Now().Add(timeout))

	for {
		_, msg, err := c.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				// Deliberate local teardown, not a transport failure; the
				// status indicator must stop reporting connected.
				s.machine.Disconnected()
				return 0, false
			}
			return s.classifyReadError(err)
		}

		var env types.Envelope
		if err := json.Unmarshal(msg, &env); err != nil {
			s.logger.Warn("undecodable subscription message", "error", err)
			continue
		}
		s.handleEnvelope(ctx, env)
		_ = c.SetReadDeadline(time.Now().Add(timeout))
	}
}

func (s *Subscriber) classifyReadError(err error) (time.Duration, bool) {
	var closeErr *websocket.CloseError
	if errors.As(err, &closeErr) {
		normal := closeErr.Code == websocket.CloseNormalClosure ||
			closeErr.Code == websocket.CloseGoingAway
		return s.machine.ConnectionClosed(closeErr.Code, closeErr.Text, normal)
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		// The read deadline only expires when pongs stop arriving.
		return s.machine.HeartbeatTimeout()
	}
	return s.machine.ConnectionError(&types.TransportError{Op: "read", Err: err})
}

// handleEnvelope converts a wire envelope into a queued event. Server
// heartbeats count as liveness; unknown types are logged and dropped.
func (s *Subscriber) handleEnvelope(ctx context.Context, env types.Envelope) {
	if env.Type == "heartbeat" {
		s.machine.RecordHeartbeat()
		return
	}
	metrics.EventsReceivedTotal.WithLabelValues("websocket").Inc()

	t := types.EventType(env.Type)
	if !t.Known() {
		s.logger.Warn("unknown event type, dropping", "type", env.Type, "alert_id", env.AlertID)
		return
	}

	var payload map[string]any
	if len(env.Data) > 0 {
		if err := json.Unmarshal(env.Data, &payload); err != nil {
			s.logger.Warn("undecodable event payload, dropping",
				"type", env.Type, "alert_id", env.AlertID, "error", err)
			return
		}
	}

	s.enqueue(ctx, types.Event{
		ID:        EnvelopeEventID(env),
		Type:      t,
		AlertID:   env.AlertID,
		ScopeID:   env.ScopeID,
		Timestamp: env.Timestamp,
		Payload:   payload,
	})
}

// heartbeatLoop sends a ping frame plus a health report on the
// machine's heartbeat cadence. The server's pong resets our read
// deadline via the pong handler.
func (s *Subscriber) heartbeatLoop(ctx context.Context, c *websocket.Conn) {
	ticker := time.NewTicker(s.machine.Config().HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.sendHeartbeat(c); err != nil {
				s.logger.Warn("heartbeat send failed", "error", err)
				return
			}
		}
	}
}

func (s *Subscriber) sendHeartbeat(c *websocket.Conn) error {
	_ = c.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := c.WriteMessage(websocket.PingMessage, nil); err != nil {
		return fmt.Errorf("ping: %w", err)
	}

	data, err := json.Marshal(struct {
		Type   string             `json:"type"`
		Health types.ClientHealth `json:"health"`
	}{Type: "heartbeat", Health: s.health.Collect()})
	if err != nil {
		return fmt.Errorf("marshal: %w", err)
	}
	_ = c.SetWriteDeadline(time.Now().Add(writeTimeout))
	return c.WriteMessage(websocket.TextMessage, data)
}

// streamURL converts the HTTP authority URL into the scope's WebSocket
// stream endpoint.
func (s *Subscriber) streamURL() (string, error) {
	u, err := url.Parse(s.baseURL)
	if err != nil {
		return "", fmt.Errorf("parsing authority URL: %w", err)
	}
	switch u.Scheme {
	case "http", "ws":
		u.Scheme = "ws"
	case "https", "wss":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	u.Path = fmt.Sprintf("/api/v1/scopes/%s/stream", s.scopeID)
	return u.String(), nil
}
