package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog/log"

	"github.com/mcdev12/duelsync/go/internal/duel/events"
)

// NATSConfig holds configuration for the NATS transport
type NATSConfig struct {
	URL            string        `yaml:"url" validate:"required"`
	SubjectPrefix  string        `yaml:"subject_prefix"`
	Name           string        `yaml:"name"`
	RequestTimeout time.Duration `yaml:"request_timeout"`
}

// DefaultNATSConfig returns default NATS transport configuration
func DefaultNATSConfig() NATSConfig {
	return NATSConfig{
		URL:            nats.DefaultURL,
		SubjectPrefix:  "duel",
		Name:           "duel-client",
		RequestTimeout: 5 * time.Second,
	}
}

// NATSDialer connects to the duel server through a NATS broker.
// Server events arrive on <prefix>.client.<guestID>; commands are published to
// <prefix>.server.<event>, and acked commands use request/reply.
type NATSDialer struct {
	config NATSConfig
}

// NewNATSDialer creates a NATS dialer
func NewNATSDialer(config NATSConfig) *NATSDialer {
	if config.SubjectPrefix == "" {
		config.SubjectPrefix = DefaultNATSConfig().SubjectPrefix
	}
	if config.RequestTimeout <= 0 {
		config.RequestTimeout = DefaultNATSConfig().RequestTimeout
	}
	return &NATSDialer{config: config}
}

// ClientSubject is the subject server events for guestID are published on
func (d *NATSDialer) ClientSubject(guestID string) string {
	return fmt.Sprintf("%s.client.%s", d.config.SubjectPrefix, guestID)
}

// Dial connects to NATS and subscribes to this client's subject.
// NATS' own reconnect is disabled; the connection manager owns the retry policy.
func (d *NATSDialer) Dial(ctx context.Context, opts DialOptions, h TransportHandler) (Transport, error) {
	if opts.GuestID == "" {
		return nil, fmt.Errorf("nats transport requires a guest id")
	}

	t := &natsTransport{
		config:  d.config,
		guestID: opts.GuestID,
		handler: h,
	}

	natsOpts := []nats.Option{
		nats.Name(d.config.Name),
		nats.NoReconnect(),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			t.dropped(err)
		}),
		nats.ClosedHandler(func(_ *nats.Conn) {
			t.dropped(nil)
		}),
		nats.ErrorHandler(func(_ *nats.Conn, _ *nats.Subscription, err error) {
			log.Error().Err(err).Msg("NATS error")
		}),
	}
	if opts.Token != "" {
		natsOpts = append(natsOpts, nats.Token(opts.Token))
	}
	if deadline, ok := ctx.Deadline(); ok {
		natsOpts = append(natsOpts, nats.Timeout(time.Until(deadline)))
	}

	nc, err := nats.Connect(d.config.URL, natsOpts...)
	if err != nil {
		return nil, fmt.Errorf("connect to NATS: %w", err)
	}
	t.nc = nc

	sub, err := nc.Subscribe(d.ClientSubject(opts.GuestID), t.handleMsg)
	if err != nil {
		t.closing.Store(true)
		nc.Close()
		return nil, fmt.Errorf("subscribe client subject: %w", err)
	}
	t.sub = sub

	log.Info().
		Str("url", nc.ConnectedUrl()).
		Str("subject", sub.Subject).
		Msg("NATS transport connected")

	return t, nil
}

type natsTransport struct {
	config  NATSConfig
	guestID string
	handler TransportHandler
	nc      *nats.Conn
	sub     *nats.Subscription

	closing  atomic.Bool
	dropOnce sync.Once
}

func (t *natsTransport) subject(event events.EventType) string {
	return fmt.Sprintf("%s.server.%s", t.config.SubjectPrefix, event)
}

func (t *natsTransport) message(event events.EventType, payload any) (*nats.Msg, error) {
	env, err := events.NewEnvelope(event, payload, 0)
	if err != nil {
		return nil, err
	}
	data, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("marshal envelope: %w", err)
	}
	msg := nats.NewMsg(t.subject(event))
	msg.Header.Set("Guest-Id", t.guestID)
	msg.Data = data
	return msg, nil
}

func (t *natsTransport) Emit(_ context.Context, event events.EventType, payload any) error {
	if t.closing.Load() || !t.nc.IsConnected() {
		return ErrTransportClosed
	}
	msg, err := t.message(event, payload)
	if err != nil {
		return err
	}
	if err := t.nc.PublishMsg(msg); err != nil {
		return fmt.Errorf("publish %s: %w", event, err)
	}
	return nil
}

// EmitWithAck sends a request and delivers the reply body to ack. A request
// that times out is logged and never acked.
func (t *natsTransport) EmitWithAck(_ context.Context, event events.EventType, payload any, ack AckFunc) error {
	if t.closing.Load() || !t.nc.IsConnected() {
		return ErrTransportClosed
	}
	msg, err := t.message(event, payload)
	if err != nil {
		return err
	}

	go func() {
		reqCtx, cancel := context.WithTimeout(context.Background(), t.config.RequestTimeout)
		defer cancel()

		reply, err := t.nc.RequestMsgWithContext(reqCtx, msg)
		if err != nil {
			log.Warn().
				Err(err).
				Str("event", string(event)).
				Msg("no ack from duel server")
			return
		}
		if ack != nil {
			ack(reply.Data)
		}
	}()
	return nil
}

func (t *natsTransport) Close() error {
	t.closing.Store(true)
	if t.sub != nil {
		_ = t.sub.Unsubscribe()
	}
	t.nc.Close()
	return nil
}

func (t *natsTransport) handleMsg(msg *nats.Msg) {
	var env events.Envelope
	if err := json.Unmarshal(msg.Data, &env); err != nil {
		log.Warn().Err(err).Str("subject", msg.Subject).Msg("dropping malformed NATS message")
		return
	}
	t.handler.HandleMessage(env.Event, env.Data)
}

func (t *natsTransport) dropped(err error) {
	if t.closing.Load() {
		return
	}
	t.dropOnce.Do(func() {
		log.Warn().Err(err).Msg("NATS transport disconnected")
		t.handler.HandleDisconnect(err)
	})
}
