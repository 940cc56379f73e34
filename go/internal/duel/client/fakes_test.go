package client

import (
	"bytes"
	"context"
	"encoding/json"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/mcdev12/duelsync/go/internal/duel/config"
	"github.com/mcdev12/duelsync/go/internal/duel/events"
	"github.com/mcdev12/duelsync/go/internal/duel/gateway"
	"github.com/mcdev12/duelsync/go/internal/duel/store"
)

// fakeServer is a gateway.Dialer whose transports record commands and ack every submission
type fakeServer struct {
	mu       sync.Mutex
	handler  gateway.TransportHandler
	commands []events.EventType
	closed   bool
}

func (f *fakeServer) Dial(_ context.Context, _ gateway.DialOptions, h gateway.TransportHandler) (gateway.Transport, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handler = h
	f.closed = false
	return &fakeServerTransport{server: f}, nil
}

func (f *fakeServer) push(t *testing.T, event events.EventType, payload any) {
	t.Helper()
	data, err := json.Marshal(payload)
	require.NoError(t, err)
	f.mu.Lock()
	h := f.handler
	f.mu.Unlock()
	require.NotNil(t, h, "push before dial")
	h.HandleMessage(event, data)
}

func (f *fakeServer) Commands() []events.EventType {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]events.EventType(nil), f.commands...)
}

type fakeServerTransport struct {
	server *fakeServer
}

func (t *fakeServerTransport) record(event events.EventType) error {
	t.server.mu.Lock()
	defer t.server.mu.Unlock()
	if t.server.closed {
		return gateway.ErrTransportClosed
	}
	t.server.commands = append(t.server.commands, event)
	return nil
}

func (t *fakeServerTransport) Emit(_ context.Context, event events.EventType, _ any) error {
	return t.record(event)
}

func (t *fakeServerTransport) EmitWithAck(_ context.Context, event events.EventType, _ any, ack gateway.AckFunc) error {
	if err := t.record(event); err != nil {
		return err
	}
	if event == events.CommandInvitePlayer {
		ack(json.RawMessage(`{"ok":true,"inviteId":"inv-1","targetUsername":"carol"}`))
		return nil
	}
	ack(json.RawMessage(`{"ok":true}`))
	return nil
}

func (t *fakeServerTransport) Close() error {
	t.server.mu.Lock()
	defer t.server.mu.Unlock()
	t.server.closed = true
	return nil
}

// syncBuffer is a bytes.Buffer safe for concurrent console writes
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func testConfig() *config.Config {
	cfg := config.Default()
	cfg.Store = store.Config{Driver: "memory"}
	cfg.Debug.Enabled = false
	return &cfg
}

func newTestApp(t *testing.T) (*App, *fakeServer, *syncBuffer) {
	t.Helper()
	server := &fakeServer{}
	out := &syncBuffer{}
	app, err := NewWithDialer(context.Background(), testConfig(), server, out)
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = app.Shutdown(context.Background())
	})
	return app, server, out
}

// startMatch connects and plays the server side up to question 0
func startMatch(t *testing.T, app *App, server *fakeServer) {
	t.Helper()
	require.NoError(t, app.Manager.Connect(context.Background()))
	server.push(t, events.EventTypeMatchFound, events.MatchFoundPayload{
		MatchID:  "m1",
		Player:   events.PlayerRef{ID: "p1", Username: "alice"},
		Opponent: events.PlayerRef{ID: "p2", Username: "bob"},
		Subject:  "history",
	})
	server.push(t, events.EventTypeQuestionStarted, events.QuestionStartedPayload{
		MatchID: "m1",
		Index:   0,
		Question: events.QuestionPayload{
			ID:      "q1",
			Text:    "Who crossed the Rubicon?",
			Choices: []string{"Pompey", "Caesar", "Crassus"},
		},
	})
}
