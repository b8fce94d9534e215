// ABOUTME: Relay agent that connects to the gateway, heartbeats, and executes routed requests.
// ABOUTME: Registers first on every socket, re-registers on unknown_identity, reconnects with backoff.

package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/2389/relay-gateway/internal/identity"
	"github.com/2389/relay-gateway/internal/wire"
)

// DefaultHeartbeatInterval is how often a healthy agent refreshes its
// liveness window.
const DefaultHeartbeatInterval = 25 * time.Second

const (
	initialBackoff = time.Second
	maxBackoff     = 30 * time.Second
)

// ErrReplaced means another process claimed this agent's identity. The
// newer connection wins, so this one stops instead of reconnecting.
var ErrReplaced = errors.New("connection replaced by a newer agent")

// Config holds agent settings.
type Config struct {
	// GatewayURL is the websocket endpoint, e.g. ws://host:8080/ws/agent.
	GatewayURL string
	// Token is the opaque relay token presented as a bearer credential.
	Token string
	// DisplayName is a human label for the machine; defaults to the host label.
	DisplayName string
	// Capabilities advertises what this node can run.
	Capabilities map[string]bool
	// HeartbeatInterval overrides DefaultHeartbeatInterval when positive.
	HeartbeatInterval time.Duration
}

// Agent is one relay agent process. Its identity is derived once at
// startup and stays fixed for the process lifetime, across reconnects.
type Agent struct {
	cfg      Config
	identity string
	executor Executor
	logger   *slog.Logger
	dialer   *websocket.Dialer
}

// New creates an Agent. The identity is bound here, so every socket the
// agent ever opens registers the same "{host}-{pid}" name.
func New(cfg Config, exec Executor, logger *slog.Logger) *Agent {
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if cfg.DisplayName == "" {
		cfg.DisplayName = identity.HostLabel()
	}
	if cfg.Capabilities == nil {
		cfg.Capabilities = map[string]bool{"claude": true}
	}

	return &Agent{
		cfg:      cfg,
		identity: identity.Local(),
		executor: exec,
		logger:   logger,
		dialer:   websocket.DefaultDialer,
	}
}

// Identity returns the agent's fixed identity.
func (a *Agent) Identity() string {
	return a.identity
}

// Run connects to the gateway and serves routed requests until ctx is
// cancelled or the identity is claimed by a newer process. Transient
// failures reconnect with capped exponential backoff.
func (a *Agent) Run(ctx context.Context) error {
	backoff := initialBackoff

	for {
		registered, err := a.session(ctx)
		if errors.Is(err, ErrReplaced) {
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}

		if registered {
			backoff = initialBackoff
		}
		if err != nil {
			a.logger.Warn("session ended", "error", err, "retry_in", backoff)
		} else {
			a.logger.Info("connection lost, reconnecting", "retry_in", backoff)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		if backoff *= 2; backoff > maxBackoff {
			backoff = maxBackoff
		}
	}
}

// session runs one socket's lifetime: dial, register, then serve frames
// until the connection drops. Returns whether registration succeeded,
// used to reset the reconnect backoff.
func (a *Agent) session(ctx context.Context) (registered bool, err error) {
	header := http.Header{"Authorization": {"Bearer " + a.cfg.Token}}
	ws, _, err := a.dialer.DialContext(ctx, a.cfg.GatewayURL, header)
	if err != nil {
		return false, fmt.Errorf("dialing gateway: %w", err)
	}
	conn := &wsConn{ws: ws}
	defer conn.Close()

	// Close the socket when ctx is cancelled so the read loop unblocks.
	sessionCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		<-sessionCtx.Done()
		if ctx.Err() != nil {
			_ = conn.write(&wire.Envelope{
				Type:       wire.TypeDisconnect,
				Disconnect: &wire.Disconnect{Reason: wire.DisconnectShutdown},
			})
		}
		conn.Close()
	}()

	if err := a.register(conn); err != nil {
		return false, err
	}

	ack, err := conn.read()
	if err != nil {
		return false, fmt.Errorf("waiting for registration ack: %w", err)
	}
	if ack.Type != wire.TypeRegistered {
		return false, fmt.Errorf("expected registered frame, got %q", ack.Type)
	}
	a.logger.Info("registered with gateway",
		"identity", a.identity,
		"channel", ack.Registered.Channel,
	)

	go a.heartbeatLoop(sessionCtx, conn)

	for {
		env, err := conn.read()
		if err != nil {
			if ctx.Err() != nil {
				return true, nil
			}
			return true, fmt.Errorf("reading frame: %w", err)
		}

		switch env.Type {
		case wire.TypeRequest:
			go a.handleRequest(sessionCtx, conn, env.Request)

		case wire.TypePing:
			_ = conn.write(&wire.Envelope{Type: wire.TypePong})

		case wire.TypeHeartbeatAck:
			if env.HeartbeatAck != nil && env.HeartbeatAck.Status == wire.HeartbeatUnknownIdentity {
				// The gateway lost our registration (restart, swept row).
				// Re-register on the live socket instead of reconnecting.
				a.logger.Warn("identity unknown to gateway, re-registering", "identity", a.identity)
				if err := a.register(conn); err != nil {
					return true, err
				}
			}

		case wire.TypeDisconnect:
			reason := ""
			if env.Disconnect != nil {
				reason = env.Disconnect.Reason
			}
			if reason == wire.DisconnectReplaced {
				return true, ErrReplaced
			}
			return true, fmt.Errorf("disconnected by gateway: %s", reason)

		default:
			a.logger.Debug("ignoring frame", "type", env.Type)
		}
	}
}

func (a *Agent) register(conn *wsConn) error {
	return conn.write(&wire.Envelope{
		Type: wire.TypeRegister,
		Register: &wire.Register{
			Identity:     a.identity,
			DisplayName:  a.cfg.DisplayName,
			Capabilities: a.cfg.Capabilities,
		},
	})
}

func (a *Agent) heartbeatLoop(ctx context.Context, conn *wsConn) {
	ticker := time.NewTicker(a.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			err := conn.write(&wire.Envelope{
				Type: wire.TypeHeartbeat,
				Heartbeat: &wire.Heartbeat{
					Identity:    a.identity,
					TimestampMs: time.Now().UnixMilli(),
				},
			})
			if err != nil {
				// The read loop will observe the dead socket and reconnect.
				return
			}
		}
	}
}

func (a *Agent) handleRequest(ctx context.Context, conn *wsConn, req *wire.Request) {
	a.logger.Info("executing request",
		"correlation_id", req.ID,
		"method", req.Method,
		"path", req.Path,
	)

	resp := a.executor.Execute(ctx, req)
	if err := conn.write(&wire.Envelope{Type: wire.TypeResponse, Response: resp}); err != nil {
		a.logger.Warn("failed to send response", "correlation_id", req.ID, "error", err)
	}
}

// wsConn serializes writes to the websocket; gorilla allows only one
// concurrent writer.
type wsConn struct {
	mu sync.Mutex
	ws *websocket.Conn

	closeOnce sync.Once
}

func (c *wsConn) write(env *wire.Envelope) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ws.WriteJSON(env)
}

func (c *wsConn) read() (*wire.Envelope, error) {
	var env wire.Envelope
	if err := c.ws.ReadJSON(&env); err != nil {
		return nil, err
	}
	return &env, nil
}

func (c *wsConn) Close() {
	c.closeOnce.Do(func() { _ = c.ws.Close() })
}
