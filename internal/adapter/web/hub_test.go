package web

import (
	"context"
	"errors"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/Nyukimin/convoroute/internal/application/delivery"
	"github.com/Nyukimin/convoroute/internal/application/orchestrator"
	"github.com/Nyukimin/convoroute/internal/domain/outbox"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// echoProcessor は受信テキストをそのまま Hub 経由で返す
type echoProcessor struct {
	hub *Hub
	err error
}

func (p *echoProcessor) ProcessTurn(ctx context.Context, req orchestrator.ProcessTurnRequest) (orchestrator.ProcessTurnResponse, error) {
	if p.err != nil {
		return orchestrator.ProcessTurnResponse{}, p.err
	}
	_, err := p.hub.Send(ctx, delivery.SendRequest{Destination: req.Destination, Text: "eco: " + req.Text})
	return orchestrator.ProcessTurnResponse{}, err
}

func dial(t *testing.T, server *httptest.Server, query string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(server.URL, "http") + "/ws" + query
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	return conn
}

func readMessage(t *testing.T, conn *websocket.Conn) OutboundMessage {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var msg OutboundMessage
	require.NoError(t, conn.ReadJSON(&msg))
	return msg
}

func TestHub_SessionAndEcho(t *testing.T) {
	hub := NewHub(outbox.ChannelWeb, nil)
	hub.SetProcessor(&echoProcessor{hub: hub})
	server := httptest.NewServer(hub)
	defer server.Close()

	conn := dial(t, server, "?conversation_id=conv-42")
	defer conn.Close()

	session := readMessage(t, conn)
	assert.Equal(t, "session", session.Type)
	assert.Equal(t, "conv-42", session.ConversationID)

	require.NoError(t, conn.WriteJSON(InboundMessage{Text: "oi"}))
	msg := readMessage(t, conn)
	assert.Equal(t, "message", msg.Type)
	assert.Equal(t, "eco: oi", msg.Text)
	assert.NotEmpty(t, msg.MessageID)
}

func TestHub_AssignsConversationID(t *testing.T) {
	hub := NewHub(outbox.ChannelApp, nil)
	server := httptest.NewServer(hub)
	defer server.Close()

	conn := dial(t, server, "")
	defer conn.Close()

	session := readMessage(t, conn)
	assert.NotEmpty(t, session.ConversationID)
	assert.Equal(t, outbox.ChannelApp, hub.Channel())
}

func TestHub_ProcessorErrorIsReported(t *testing.T) {
	hub := NewHub(outbox.ChannelWeb, nil)
	hub.SetProcessor(&echoProcessor{hub: hub, err: errors.New("delivery halted")})
	server := httptest.NewServer(hub)
	defer server.Close()

	conn := dial(t, server, "?conversation_id=c1")
	defer conn.Close()
	readMessage(t, conn)

	require.NoError(t, conn.WriteJSON(InboundMessage{Text: "oi"}))
	msg := readMessage(t, conn)
	assert.Equal(t, "error", msg.Type)
}

func TestHub_SendToDisconnectedClient(t *testing.T) {
	hub := NewHub(outbox.ChannelWeb, nil)

	res, err := hub.Send(context.Background(), delivery.SendRequest{Destination: "nobody", Text: "Olá"})
	require.ErrorIs(t, err, ErrNotConnected)
	assert.Equal(t, delivery.StatusFailed, res.Status)
}

func TestHub_UnregistersOnDisconnect(t *testing.T) {
	hub := NewHub(outbox.ChannelWeb, nil)
	server := httptest.NewServer(hub)
	defer server.Close()

	conn := dial(t, server, "?conversation_id=c2")
	readMessage(t, conn)
	assert.Equal(t, 1, hub.Connected())

	conn.Close()
	assert.Eventually(t, func() bool { return hub.Connected() == 0 }, 2*time.Second, 10*time.Millisecond)
}
