package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/mcdev12/duelsync/go/internal/duel/events"
)

// WebSocketConfig holds configuration for the WebSocket transport
type WebSocketConfig struct {
	URL              string        `yaml:"url" validate:"required,url"`
	HandshakeTimeout time.Duration `yaml:"handshake_timeout"`
	WriteTimeout     time.Duration `yaml:"write_timeout"`
	ReadTimeout      time.Duration `yaml:"read_timeout"`
	PingInterval     time.Duration `yaml:"ping_interval"`
	MaxMessageSize   int64         `yaml:"max_message_size"`
	SendBufferSize   int           `yaml:"send_buffer_size"`
}

// DefaultWebSocketConfig returns default WebSocket configuration
func DefaultWebSocketConfig() WebSocketConfig {
	return WebSocketConfig{
		URL:              "ws://localhost:8081/ws/duel",
		HandshakeTimeout: 10 * time.Second,
		WriteTimeout:     10 * time.Second,
		ReadTimeout:      60 * time.Second,
		PingInterval:     25 * time.Second,
		MaxMessageSize:   64 * 1024,
		SendBufferSize:   256,
	}
}

// WebSocketDialer dials the duel server over a WebSocket
type WebSocketDialer struct {
	config WebSocketConfig
	dialer *websocket.Dialer
}

// NewWebSocketDialer creates a dialer for config.URL. Zero durations and sizes take their defaults.
func NewWebSocketDialer(config WebSocketConfig) *WebSocketDialer {
	defaults := DefaultWebSocketConfig()
	if config.HandshakeTimeout <= 0 {
		config.HandshakeTimeout = defaults.HandshakeTimeout
	}
	if config.WriteTimeout <= 0 {
		config.WriteTimeout = defaults.WriteTimeout
	}
	if config.ReadTimeout <= 0 {
		config.ReadTimeout = defaults.ReadTimeout
	}
	if config.PingInterval <= 0 {
		config.PingInterval = defaults.PingInterval
	}
	if config.MaxMessageSize <= 0 {
		config.MaxMessageSize = defaults.MaxMessageSize
	}
	if config.SendBufferSize <= 0 {
		config.SendBufferSize = defaults.SendBufferSize
	}
	return &WebSocketDialer{
		config: config,
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: config.HandshakeTimeout,
		},
	}
}

// Dial opens the socket and starts its pumps
func (d *WebSocketDialer) Dial(ctx context.Context, opts DialOptions, h TransportHandler) (Transport, error) {
	u, err := url.Parse(d.config.URL)
	if err != nil {
		return nil, fmt.Errorf("parse websocket url: %w", err)
	}
	if opts.GuestID != "" {
		q := u.Query()
		q.Set("guest_id", opts.GuestID)
		u.RawQuery = q.Encode()
	}

	header := http.Header{}
	if opts.Token != "" {
		header.Set("Authorization", "Bearer "+opts.Token)
	}

	conn, _, err := d.dialer.DialContext(ctx, u.String(), header)
	if err != nil {
		return nil, fmt.Errorf("dial websocket: %w", err)
	}

	t := &wsTransport{
		id:      uuid.New().String(),
		conn:    conn,
		config:  d.config,
		handler: h,
		send:    make(chan []byte, d.config.SendBufferSize),
		done:    make(chan struct{}),
		acks:    make(map[uint64]AckFunc),
	}

	go t.writePump()
	go t.readPump()

	log.Info().
		Str("connection_id", t.id).
		Str("url", d.config.URL).
		Msg("WebSocket connection established")

	return t, nil
}

type wsTransport struct {
	id      string
	conn    *websocket.Conn
	config  WebSocketConfig
	handler TransportHandler

	send      chan []byte
	done      chan struct{}
	closeOnce sync.Once
	closing   atomic.Bool

	ackMu   sync.Mutex
	nextAck uint64
	acks    map[uint64]AckFunc
}

func (t *wsTransport) Emit(ctx context.Context, event events.EventType, payload any) error {
	env, err := events.NewEnvelope(event, payload, 0)
	if err != nil {
		return err
	}
	return t.write(ctx, env)
}

func (t *wsTransport) EmitWithAck(ctx context.Context, event events.EventType, payload any, ack AckFunc) error {
	t.ackMu.Lock()
	t.nextAck++
	id := t.nextAck
	t.acks[id] = ack
	t.ackMu.Unlock()

	env, err := events.NewEnvelope(event, payload, id)
	if err == nil {
		err = t.write(ctx, env)
	}
	if err != nil {
		t.ackMu.Lock()
		delete(t.acks, id)
		t.ackMu.Unlock()
	}
	return err
}

func (t *wsTransport) write(ctx context.Context, env events.Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}
	select {
	case <-t.done:
		return ErrTransportClosed
	default:
	}
	select {
	case t.send <- data:
		return nil
	case <-t.done:
		return ErrTransportClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close shuts the socket without reporting a disconnect
func (t *wsTransport) Close() error {
	t.closing.Store(true)
	t.shutdown(nil)
	return nil
}

func (t *wsTransport) shutdown(cause error) {
	t.closeOnce.Do(func() {
		close(t.done)
		if cause == nil {
			_ = t.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(time.Second))
		}
		_ = t.conn.Close()

		t.ackMu.Lock()
		dropped := len(t.acks)
		t.acks = make(map[uint64]AckFunc)
		t.ackMu.Unlock()

		log.Info().
			Str("connection_id", t.id).
			Int("pending_acks", dropped).
			Msg("WebSocket connection closed")

		if !t.closing.Load() {
			t.handler.HandleDisconnect(cause)
		}
	})
}

// writePump handles sending messages to the WebSocket connection
func (t *wsTransport) writePump() {
	ticker := time.NewTicker(t.config.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-t.done:
			return

		case message := <-t.send:
			_ = t.conn.SetWriteDeadline(time.Now().Add(t.config.WriteTimeout))
			if err := t.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				log.Error().
					Err(err).
					Str("connection_id", t.id).
					Msg("failed to write message to WebSocket")
				t.shutdown(err)
				return
			}

		case <-ticker.C:
			_ = t.conn.SetWriteDeadline(time.Now().Add(t.config.WriteTimeout))
			if err := t.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				log.Error().
					Err(err).
					Str("connection_id", t.id).
					Msg("failed to send ping")
				t.shutdown(err)
				return
			}
		}
	}
}

// readPump handles reading messages from the WebSocket connection
func (t *wsTransport) readPump() {
	t.conn.SetReadLimit(t.config.MaxMessageSize)
	_ = t.conn.SetReadDeadline(time.Now().Add(t.config.ReadTimeout))
	t.conn.SetPongHandler(func(string) error {
		return t.conn.SetReadDeadline(time.Now().Add(t.config.ReadTimeout))
	})

	for {
		_, message, err := t.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) && !t.closing.Load() {
				log.Warn().
					Err(err).
					Str("connection_id", t.id).
					Msg("unexpected WebSocket close error")
			}
			t.shutdown(err)
			return
		}
		_ = t.conn.SetReadDeadline(time.Now().Add(t.config.ReadTimeout))

		var env events.Envelope
		if err := json.Unmarshal(message, &env); err != nil {
			log.Warn().
				Err(err).
				Str("connection_id", t.id).
				Msg("dropping malformed frame")
			continue
		}

		if env.Event == events.EventTypeAck {
			t.resolveAck(env.AckID, env.Data)
			continue
		}
		t.handler.HandleMessage(env.Event, env.Data)
	}
}

func (t *wsTransport) resolveAck(id uint64, data json.RawMessage) {
	t.ackMu.Lock()
	ack, ok := t.acks[id]
	delete(t.acks, id)
	t.ackMu.Unlock()

	if !ok {
		log.Debug().Uint64("ack_id", id).Msg("ack for unknown request")
		return
	}
	if ack != nil {
		ack(data)
	}
}
