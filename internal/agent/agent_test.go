// ABOUTME: Tests for the agent's socket lifecycle against a fake gateway
// ABOUTME: Covers register-first, request execution, re-registration, and replacement

package agent

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/relay-gateway/internal/wire"
)

type fakeExecutor struct {
	requests chan *wire.Request
}

func newFakeExecutor() *fakeExecutor {
	return &fakeExecutor{requests: make(chan *wire.Request, 8)}
}

func (f *fakeExecutor) Execute(ctx context.Context, req *wire.Request) *wire.Response {
	f.requests <- req
	return &wire.Response{ID: req.ID, Status: 200, Body: json.RawMessage(`{"done":true}`)}
}

// fakeGateway accepts one websocket connection and hands it to fn.
func fakeGateway(t *testing.T, fn func(t *testing.T, conn *websocket.Conn, r *http.Request)) string {
	t.Helper()

	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		require.NoError(t, err)
		defer conn.Close()
		fn(t, conn, r)
	}))
	t.Cleanup(srv.Close)

	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func readEnvelope(t *testing.T, conn *websocket.Conn) *wire.Envelope {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	var env wire.Envelope
	require.NoError(t, conn.ReadJSON(&env))
	return &env
}

func writeEnvelope(t *testing.T, conn *websocket.Conn, env *wire.Envelope) {
	t.Helper()
	require.NoError(t, conn.WriteJSON(env))
}

func ackRegistration(t *testing.T, conn *websocket.Conn, reg *wire.Register) {
	t.Helper()
	writeEnvelope(t, conn, &wire.Envelope{
		Type: wire.TypeRegistered,
		Registered: &wire.Registered{
			ServerID: "gw-test",
			Identity: reg.Identity,
			Channel:  wire.ChannelName("alice", reg.Identity),
		},
	})
}

func TestAgent_RegistersFirstWithBearerToken(t *testing.T) {
	url := fakeGateway(t, func(t *testing.T, conn *websocket.Conn, r *http.Request) {
		assert.Equal(t, "Bearer relay-token", r.Header.Get("Authorization"))

		env := readEnvelope(t, conn)
		require.Equal(t, wire.TypeRegister, env.Type)
		require.NotNil(t, env.Register)
		assert.NotEmpty(t, env.Register.Identity)
		assert.True(t, env.Register.Capabilities["claude"])

		ackRegistration(t, conn, env.Register)
		writeEnvelope(t, conn, &wire.Envelope{
			Type:       wire.TypeDisconnect,
			Disconnect: &wire.Disconnect{Reason: wire.DisconnectShutdown},
		})
	})

	a := New(Config{GatewayURL: url, Token: "relay-token"}, newFakeExecutor(), slog.Default())
	registered, err := a.session(context.Background())
	assert.True(t, registered)
	assert.ErrorContains(t, err, "disconnected by gateway")
}

func TestAgent_ExecutesRoutedRequest(t *testing.T) {
	exec := newFakeExecutor()

	url := fakeGateway(t, func(t *testing.T, conn *websocket.Conn, r *http.Request) {
		env := readEnvelope(t, conn)
		require.Equal(t, wire.TypeRegister, env.Type)
		ackRegistration(t, conn, env.Register)

		writeEnvelope(t, conn, &wire.Envelope{
			Type:    wire.TypeRequest,
			Request: &wire.Request{ID: "corr-1", Method: "GET", Path: "/status"},
		})

		resp := readEnvelope(t, conn)
		require.Equal(t, wire.TypeResponse, resp.Type)
		assert.Equal(t, "corr-1", resp.Response.ID)
		assert.Equal(t, 200, resp.Response.Status)

		writeEnvelope(t, conn, &wire.Envelope{
			Type:       wire.TypeDisconnect,
			Disconnect: &wire.Disconnect{Reason: wire.DisconnectShutdown},
		})
	})

	a := New(Config{GatewayURL: url, Token: "tok"}, exec, slog.Default())
	_, err := a.session(context.Background())
	assert.Error(t, err)

	got := <-exec.requests
	assert.Equal(t, "corr-1", got.ID)
}

func TestAgent_ReplacedStopsRun(t *testing.T) {
	url := fakeGateway(t, func(t *testing.T, conn *websocket.Conn, r *http.Request) {
		env := readEnvelope(t, conn)
		ackRegistration(t, conn, env.Register)

		writeEnvelope(t, conn, &wire.Envelope{
			Type:       wire.TypeDisconnect,
			Disconnect: &wire.Disconnect{Reason: wire.DisconnectReplaced},
		})
	})

	a := New(Config{GatewayURL: url, Token: "tok"}, newFakeExecutor(), slog.Default())

	// Run must stop outright rather than reconnect and fight the
	// replacement for the identity.
	err := a.Run(context.Background())
	assert.ErrorIs(t, err, ErrReplaced)
}

func TestAgent_ReRegistersOnUnknownIdentity(t *testing.T) {
	url := fakeGateway(t, func(t *testing.T, conn *websocket.Conn, r *http.Request) {
		env := readEnvelope(t, conn)
		require.Equal(t, wire.TypeRegister, env.Type)
		firstIdentity := env.Register.Identity
		ackRegistration(t, conn, env.Register)

		writeEnvelope(t, conn, &wire.Envelope{
			Type:         wire.TypeHeartbeatAck,
			HeartbeatAck: &wire.HeartbeatAck{Status: wire.HeartbeatUnknownIdentity},
		})

		// Same socket, same identity, fresh registration.
		env = readEnvelope(t, conn)
		require.Equal(t, wire.TypeRegister, env.Type)
		assert.Equal(t, firstIdentity, env.Register.Identity)

		writeEnvelope(t, conn, &wire.Envelope{
			Type:       wire.TypeDisconnect,
			Disconnect: &wire.Disconnect{Reason: wire.DisconnectShutdown},
		})
	})

	a := New(Config{GatewayURL: url, Token: "tok"}, newFakeExecutor(), slog.Default())
	_, err := a.session(context.Background())
	assert.Error(t, err)
}

func TestAgent_AnswersPing(t *testing.T) {
	url := fakeGateway(t, func(t *testing.T, conn *websocket.Conn, r *http.Request) {
		env := readEnvelope(t, conn)
		ackRegistration(t, conn, env.Register)

		writeEnvelope(t, conn, &wire.Envelope{Type: wire.TypePing})

		pong := readEnvelope(t, conn)
		assert.Equal(t, wire.TypePong, pong.Type)

		writeEnvelope(t, conn, &wire.Envelope{
			Type:       wire.TypeDisconnect,
			Disconnect: &wire.Disconnect{Reason: wire.DisconnectShutdown},
		})
	})

	a := New(Config{GatewayURL: url, Token: "tok"}, newFakeExecutor(), slog.Default())
	_, err := a.session(context.Background())
	assert.Error(t, err)
}

func TestAgent_HeartbeatsOnInterval(t *testing.T) {
	beats := make(chan *wire.Heartbeat, 4)

	url := fakeGateway(t, func(t *testing.T, conn *websocket.Conn, r *http.Request) {
		env := readEnvelope(t, conn)
		ackRegistration(t, conn, env.Register)

		for i := 0; i < 2; i++ {
			env = readEnvelope(t, conn)
			require.Equal(t, wire.TypeHeartbeat, env.Type)
			beats <- env.Heartbeat
			writeEnvelope(t, conn, &wire.Envelope{
				Type:         wire.TypeHeartbeatAck,
				HeartbeatAck: &wire.HeartbeatAck{Status: wire.HeartbeatOK},
			})
		}

		writeEnvelope(t, conn, &wire.Envelope{
			Type:       wire.TypeDisconnect,
			Disconnect: &wire.Disconnect{Reason: wire.DisconnectShutdown},
		})
	})

	a := New(Config{GatewayURL: url, Token: "tok", HeartbeatInterval: 20 * time.Millisecond}, newFakeExecutor(), slog.Default())
	_, err := a.session(context.Background())
	assert.Error(t, err)

	beat := <-beats
	assert.Equal(t, a.Identity(), beat.Identity)
	assert.NotZero(t, beat.TimestampMs)
}
