// ABOUTME: Websocket endpoint carrying agent channels, register-first protocol
// ABOUTME: Owns the per-socket read loop: heartbeats, responses, and teardown

package gateway

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/2389/relay-gateway/internal/auth"
	"github.com/2389/relay-gateway/internal/registry"
	"github.com/2389/relay-gateway/internal/relay"
	"github.com/2389/relay-gateway/internal/wire"
)

// registerDeadline bounds how long a fresh socket may stall before its
// first frame. Anything but a prompt register is a protocol error.
const registerDeadline = 10 * time.Second

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
}

// wsSender adapts a websocket connection to relay.Sender. Writes are
// serialized; gorilla allows only one concurrent writer.
type wsSender struct {
	mu sync.Mutex
	ws *websocket.Conn

	closeOnce sync.Once
}

func (s *wsSender) SendEnvelope(env *wire.Envelope) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ws.WriteJSON(env)
}

func (s *wsSender) Close() error {
	s.closeOnce.Do(func() { _ = s.ws.Close() })
	return nil
}

// handleAgentSocket upgrades the connection and runs the agent protocol:
// the first frame must be a register, then the socket carries
// heartbeats, responses, and re-registrations until it drops.
func (g *Gateway) handleAgentSocket(w http.ResponseWriter, r *http.Request) {
	ownerID, ok := auth.OwnerFromContext(r.Context())
	if !ok {
		http.Error(w, `{"error":"not authenticated"}`, http.StatusUnauthorized)
		return
	}

	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		g.logger.Warn("websocket upgrade failed", "error", err)
		return
	}
	sender := &wsSender{ws: ws}
	defer sender.Close()

	logger := g.logger.With("component", "agent-socket", "owner_id", ownerID)

	// Register-first: nothing else is valid on a fresh socket.
	_ = ws.SetReadDeadline(time.Now().Add(registerDeadline))
	var env wire.Envelope
	if err := ws.ReadJSON(&env); err != nil {
		logger.Warn("no register frame", "error", err)
		return
	}
	_ = ws.SetReadDeadline(time.Time{})

	if env.Type != wire.TypeRegister || env.Validate() != nil {
		logger.Warn("first frame was not a valid register", "type", env.Type)
		return
	}

	ch, err := g.acceptRegistration(r.Context(), ownerID, env.Register, sender)
	if err != nil {
		logger.Error("registration failed", "error", err)
		return
	}

	g.readLoop(ws, ch, logger.With("identity", ch.Identity))

	// A superseded socket must not detach its replacement or flip the
	// row offline; Detach's generation check covers both.
	if g.supervisor.Detach(ch) {
		if err := g.registry.MarkOffline(context.Background(), ch.Identity); err != nil {
			logger.Warn("marking node offline", "identity", ch.Identity, "error", err)
		}
	}
}

// acceptRegistration upserts the registry row, installs the channel
// (replacing any previous connection for the identity), and acks.
func (g *Gateway) acceptRegistration(ctx context.Context, ownerID string, reg *wire.Register, sender *wsSender) (*relay.Channel, error) {
	if _, err := g.registry.Register(ctx, ownerID, reg.Identity, reg.DisplayName, reg.Capabilities); err != nil {
		return nil, err
	}

	ch := relay.NewChannel(ownerID, reg.Identity, sender, g.logger)
	if replaced := g.supervisor.Attach(ch); replaced != nil {
		g.registry.RecordSuperseded(ctx, reg.Identity, ownerID)
	}

	err := ch.Send(&wire.Envelope{
		Type: wire.TypeRegistered,
		Registered: &wire.Registered{
			ServerID: g.serverID,
			Identity: ch.Identity,
			Channel:  ch.Name,
		},
	})
	if err != nil {
		return nil, err
	}
	return ch, nil
}

// readLoop serves frames on an established channel until the socket
// drops or the agent says goodbye.
func (g *Gateway) readLoop(ws *websocket.Conn, ch *relay.Channel, logger *slog.Logger) {
	for {
		var env wire.Envelope
		if err := ws.ReadJSON(&env); err != nil {
			logger.Info("agent socket closed", "error", err)
			return
		}
		if err := env.Validate(); err != nil {
			logger.Warn("invalid frame", "error", err)
			continue
		}

		switch env.Type {
		case wire.TypeHeartbeat:
			status := wire.HeartbeatOK
			if err := g.registry.Heartbeat(context.Background(), env.Heartbeat.Identity); err != nil {
				if errors.Is(err, registry.ErrUnknownIdentity) {
					status = wire.HeartbeatUnknownIdentity
				} else {
					logger.Warn("heartbeat failed", "error", err)
					continue
				}
			}
			_ = ch.Send(&wire.Envelope{
				Type:         wire.TypeHeartbeatAck,
				HeartbeatAck: &wire.HeartbeatAck{Status: status},
			})

		case wire.TypeResponse:
			g.router.HandleResponse(ch.ConnID, env.Response)

		case wire.TypeRegister:
			// Re-registration on a live socket, after the agent saw
			// unknown_identity. The channel itself stays.
			if _, err := g.registry.Register(context.Background(), ch.OwnerID, env.Register.Identity, env.Register.DisplayName, env.Register.Capabilities); err != nil {
				logger.Warn("re-registration failed", "error", err)
				continue
			}
			_ = ch.Send(&wire.Envelope{
				Type: wire.TypeRegistered,
				Registered: &wire.Registered{
					ServerID: g.serverID,
					Identity: ch.Identity,
					Channel:  ch.Name,
				},
			})

		case wire.TypePing:
			_ = ch.Send(&wire.Envelope{Type: wire.TypePong})

		case wire.TypePong:
			// Reply to a server ping; nothing to do.

		case wire.TypeDisconnect:
			logger.Info("agent disconnecting")
			return

		default:
			logger.Warn("unexpected frame", "type", env.Type)
		}
	}
}

// disconnectChannel tells one agent the server is going away and flips
// its row offline. Used during shutdown.
func (g *Gateway) disconnectChannel(ctx context.Context, ch *relay.Channel) {
	_ = ch.Send(&wire.Envelope{
		Type:       wire.TypeDisconnect,
		Disconnect: &wire.Disconnect{Reason: wire.DisconnectShutdown},
	})
	_ = ch.Close()

	if g.supervisor.Detach(ch) {
		if err := g.registry.MarkOffline(ctx, ch.Identity); err != nil {
			g.logger.Warn("marking node offline during shutdown", "identity", ch.Identity, "error", err)
		}
	}
}
