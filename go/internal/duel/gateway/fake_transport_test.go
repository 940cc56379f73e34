package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"sync"

	"github.com/mcdev12/duelsync/go/internal/duel/events"
)

type emission struct {
	event   events.EventType
	payload json.RawMessage
}

// fakeTransport records emits and lets tests push server traffic
type fakeTransport struct {
	handler TransportHandler
	reply   func(events.EventType, json.RawMessage) json.RawMessage

	mu      sync.Mutex
	emitted []emission
	pending []AckFunc
	closed  bool
}

func (t *fakeTransport) record(event events.EventType, payload any) (json.RawMessage, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil, ErrTransportClosed
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	t.emitted = append(t.emitted, emission{event: event, payload: data})
	return data, nil
}

func (t *fakeTransport) Emit(_ context.Context, event events.EventType, payload any) error {
	_, err := t.record(event, payload)
	return err
}

func (t *fakeTransport) EmitWithAck(_ context.Context, event events.EventType, payload any, ack AckFunc) error {
	data, err := t.record(event, payload)
	if err != nil {
		return err
	}
	if t.reply != nil {
		if resp := t.reply(event, data); resp != nil {
			ack(resp)
			return nil
		}
	}
	t.mu.Lock()
	t.pending = append(t.pending, ack)
	t.mu.Unlock()
	return nil
}

func (t *fakeTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closed = true
	return nil
}

func (t *fakeTransport) Emitted() []emission {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]emission(nil), t.emitted...)
}

func (t *fakeTransport) EmittedOf(event events.EventType) []emission {
	var out []emission
	for _, e := range t.Emitted() {
		if e.event == event {
			out = append(out, e)
		}
	}
	return out
}

// Ack resolves the oldest pending ack with body
func (t *fakeTransport) Ack(body string) {
	t.mu.Lock()
	if len(t.pending) == 0 {
		t.mu.Unlock()
		return
	}
	ack := t.pending[0]
	t.pending = t.pending[1:]
	t.mu.Unlock()
	ack(json.RawMessage(body))
}

func (t *fakeTransport) Push(event events.EventType, body string) {
	t.handler.HandleMessage(event, json.RawMessage(body))
}

func (t *fakeTransport) Drop() {
	t.handler.HandleDisconnect(errors.New("connection reset"))
}

// fakeDialer hands out fakeTransports, or fails while failNext > 0
type fakeDialer struct {
	reply func(events.EventType, json.RawMessage) json.RawMessage

	mu         sync.Mutex
	failNext   int
	options    []DialOptions
	transports []*fakeTransport
}

func (d *fakeDialer) Dial(_ context.Context, opts DialOptions, h TransportHandler) (Transport, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.options = append(d.options, opts)
	if d.failNext > 0 {
		d.failNext--
		return nil, errors.New("connection refused")
	}
	t := &fakeTransport{handler: h, reply: d.reply}
	d.transports = append(d.transports, t)
	return t, nil
}

func (d *fakeDialer) Dials() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.options)
}

func (d *fakeDialer) Last() *fakeTransport {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.transports) == 0 {
		return nil
	}
	return d.transports[len(d.transports)-1]
}

type notice struct {
	kind    NoticeKind
	message string
}

type recordingNotifier struct {
	mu      sync.Mutex
	notices []notice
}

func (n *recordingNotifier) Notify(kind NoticeKind, message string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.notices = append(n.notices, notice{kind: kind, message: message})
}

func (n *recordingNotifier) All() []notice {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]notice(nil), n.notices...)
}
