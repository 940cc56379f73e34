package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"github.com/mcdev12/duelsync/go/internal/duel/events"
	"github.com/mcdev12/duelsync/go/internal/duel/offlinequeue"
	"github.com/mcdev12/duelsync/go/internal/duel/store"
)

// Status is the logical connection status
type Status string

const (
	StatusDisconnected Status = "disconnected"
	StatusConnecting   Status = "connecting"
	StatusConnected    Status = "connected"
)

// Handler receives decoded server events
type Handler func(events.Event)

// ConnectionConfig holds reconnect and flush tuning
type ConnectionConfig struct {
	BaseRetryDelay time.Duration `yaml:"base_retry_delay"`
	MaxRetryDelay  time.Duration `yaml:"max_retry_delay"`
	FlushItemDelay time.Duration `yaml:"flush_item_delay"`
	DialTimeout    time.Duration `yaml:"dial_timeout"`
}

// DefaultConnectionConfig returns the default reconnect policy
func DefaultConnectionConfig() ConnectionConfig {
	return ConnectionConfig{
		BaseRetryDelay: time.Second,
		MaxRetryDelay:  30 * time.Second,
		FlushItemDelay: 100 * time.Millisecond,
		DialTimeout:    15 * time.Second,
	}
}

// ConnectionManager owns one logical connection to the duel server. It hides
// transport drops behind exponential-backoff reconnects, keeps event handlers
// across transports, and queues answers submitted while offline.
type ConnectionManager struct {
	dialer   Dialer
	kv       store.KV
	queue    *offlinequeue.Queue
	clock    clockwork.Clock
	notifier Notifier
	metrics  MetricsCollector
	config   ConnectionConfig

	mu             sync.Mutex
	transport      Transport
	generation     uint64
	status         Status
	attempts       int
	reconnectTimer clockwork.Timer
	nextRetryAt    time.Time
	flushTimer     clockwork.Timer
	flushing       bool
	token          string
	lastMatchID    string
	closed         bool

	guestMu sync.Mutex
	guestID string

	handlersMu      sync.RWMutex
	nextHandlerID   uint64
	handlers        map[events.EventType]map[uint64]Handler
	statusListeners map[uint64]func(Status)
}

// Option configures a ConnectionManager
type Option func(*ConnectionManager)

// WithClock replaces the real clock, mainly for tests
func WithClock(c clockwork.Clock) Option {
	return func(cm *ConnectionManager) { cm.clock = c }
}

// WithNotifier sets the sink for user-facing notifications
func WithNotifier(n Notifier) Option {
	return func(cm *ConnectionManager) { cm.notifier = n }
}

// WithMetrics sets the metrics collector
func WithMetrics(m MetricsCollector) Option {
	return func(cm *ConnectionManager) { cm.metrics = m }
}

// WithConfig overrides the reconnect policy
func WithConfig(c ConnectionConfig) Option {
	return func(cm *ConnectionManager) { cm.config = c }
}

// NewConnectionManager creates a manager that dials with dialer and persists
// the offline queue and guest identity in kv
func NewConnectionManager(dialer Dialer, kv store.KV, opts ...Option) *ConnectionManager {
	cm := &ConnectionManager{
		dialer:          dialer,
		kv:              kv,
		queue:           offlinequeue.New(kv),
		clock:           clockwork.NewRealClock(),
		notifier:        LogNotifier{},
		metrics:         NoOpMetricsCollector{},
		config:          DefaultConnectionConfig(),
		status:          StatusDisconnected,
		handlers:        make(map[events.EventType]map[uint64]Handler),
		statusListeners: make(map[uint64]func(Status)),
	}
	for _, opt := range opts {
		opt(cm)
	}
	return cm
}

// SetAuthToken sets the token presented by the next transport
func (cm *ConnectionManager) SetAuthToken(token string) {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	cm.token = token
}

// GuestID returns the stable anonymous identity, creating it once
func (cm *ConnectionManager) GuestID(ctx context.Context) (string, error) {
	cm.guestMu.Lock()
	defer cm.guestMu.Unlock()
	if cm.guestID != "" {
		return cm.guestID, nil
	}
	id, err := loadOrCreateGuestID(ctx, cm.kv)
	if err != nil {
		return "", err
	}
	cm.guestID = id
	return id, nil
}

// Status returns the current connection status
func (cm *ConnectionManager) Status() Status {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	return cm.status
}

// IsConnected reports whether a transport is live
func (cm *ConnectionManager) IsConnected() bool {
	return cm.Status() == StatusConnected
}

// ReconnectAttempts returns the number of reconnects scheduled since the last successful connect
func (cm *ConnectionManager) ReconnectAttempts() int {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	return cm.attempts
}

// NextRetryIn returns the time until the scheduled reconnect, or 0 if none is pending
func (cm *ConnectionManager) NextRetryIn() time.Duration {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	if cm.nextRetryAt.IsZero() {
		return 0
	}
	d := cm.nextRetryAt.Sub(cm.clock.Now())
	if d < 0 {
		return 0
	}
	return d
}

// Connect dials the server unless a transport is live or being dialed.
// A failed dial schedules a reconnect and returns the error for logging only.
func (cm *ConnectionManager) Connect(ctx context.Context) error {
	cm.mu.Lock()
	if cm.closed {
		cm.mu.Unlock()
		return ErrManagerClosed
	}
	if cm.status != StatusDisconnected {
		cm.mu.Unlock()
		return nil
	}
	cm.stopReconnectLocked()
	cm.generation++
	gen := cm.generation
	token := cm.token
	cm.setStatusLocked(StatusConnecting)
	cm.mu.Unlock()
	cm.publishStatus(StatusConnecting)

	guestID, err := cm.GuestID(ctx)
	if err != nil {
		log.Warn().Err(err).Msg("connecting without guest identity")
	}

	t, err := cm.dialer.Dial(ctx, DialOptions{Token: token, GuestID: guestID}, &transportEvents{cm: cm, generation: gen})

	cm.mu.Lock()
	if gen != cm.generation {
		// Disconnected or dropped while dialing.
		cm.mu.Unlock()
		if t != nil {
			_ = t.Close()
		}
		return nil
	}
	if err != nil {
		cm.setStatusLocked(StatusDisconnected)
		cm.scheduleReconnectLocked()
		cm.mu.Unlock()
		cm.publishStatus(StatusDisconnected)

		log.Warn().Err(err).Msg("failed to connect to duel server")
		return fmt.Errorf("dial duel server: %w", err)
	}
	cm.transport = t
	cm.attempts = 0
	cm.nextRetryAt = time.Time{}
	cm.setStatusLocked(StatusConnected)
	cm.mu.Unlock()
	cm.publishStatus(StatusConnected)

	log.Info().Str("guest_id", guestID).Msg("connected to duel server")

	cm.flushQueue()
	return nil
}

// Disconnect tears the transport down without scheduling a reconnect
func (cm *ConnectionManager) Disconnect() {
	cm.mu.Lock()
	cm.generation++
	cm.stopReconnectLocked()
	t := cm.transport
	cm.transport = nil
	changed := cm.status != StatusDisconnected
	cm.setStatusLocked(StatusDisconnected)
	cm.mu.Unlock()

	if t != nil {
		if err := t.Close(); err != nil {
			log.Warn().Err(err).Msg("failed to close transport")
		}
	}
	if changed {
		cm.publishStatus(StatusDisconnected)
		log.Info().Msg("disconnected from duel server")
	}
}

// Close disconnects and stops every pending timer. The manager cannot be reused.
func (cm *ConnectionManager) Close() error {
	cm.mu.Lock()
	cm.closed = true
	if cm.flushTimer != nil {
		cm.flushTimer.Stop()
		cm.flushTimer = nil
	}
	cm.flushing = false
	cm.mu.Unlock()

	cm.Disconnect()
	return nil
}

// On registers handler for eventType. Handlers survive reconnects and may be
// registered before the first Connect.
func (cm *ConnectionManager) On(eventType events.EventType, handler Handler) (unsubscribe func()) {
	cm.handlersMu.Lock()
	defer cm.handlersMu.Unlock()

	cm.nextHandlerID++
	id := cm.nextHandlerID
	set := cm.handlers[eventType]
	if set == nil {
		set = make(map[uint64]Handler)
		cm.handlers[eventType] = set
	}
	set[id] = handler

	return func() {
		cm.handlersMu.Lock()
		defer cm.handlersMu.Unlock()
		delete(cm.handlers[eventType], id)
	}
}

// OnStatusChange registers a connection status listener
func (cm *ConnectionManager) OnStatusChange(fn func(Status)) (unsubscribe func()) {
	cm.handlersMu.Lock()
	defer cm.handlersMu.Unlock()

	cm.nextHandlerID++
	id := cm.nextHandlerID
	cm.statusListeners[id] = fn

	return func() {
		cm.handlersMu.Lock()
		defer cm.handlersMu.Unlock()
		delete(cm.statusListeners, id)
	}
}

// SubmitAnswer sends s, or appends it to the offline queue when no transport
// is live. queued reports which path was taken. onAck is only called for sent
// submissions.
func (cm *ConnectionManager) SubmitAnswer(ctx context.Context, s events.Submission, onAck func(events.SubmitAck)) (queued bool, err error) {
	cm.mu.Lock()
	cm.lastMatchID = s.MatchID
	t := cm.transport
	connected := cm.status == StatusConnected
	cm.mu.Unlock()

	if connected && t != nil {
		err := t.EmitWithAck(ctx, events.CommandSubmitAnswer, s, func(data json.RawMessage) {
			ack := decodeSubmitAck(data)
			cm.handleSubmitAck(s, ack)
			if onAck != nil {
				onAck(ack)
			}
		})
		if err == nil {
			return false, nil
		}
		log.Warn().
			Err(err).
			Str("match_id", s.MatchID).
			Int("question_index", s.QuestionIndex).
			Msg("submit failed on live transport, queueing")
	}

	n, err := cm.queue.Append(ctx, s)
	if err != nil {
		return false, fmt.Errorf("queue submission: %w", err)
	}
	cm.metrics.SetQueueLength(n)

	log.Info().
		Str("match_id", s.MatchID).
		Int("question_index", s.QuestionIndex).
		Int("answer_index", s.AnswerIndex).
		Int("queue_length", n).
		Msg("submission queued while offline")
	return true, nil
}

func decodeSubmitAck(data json.RawMessage) events.SubmitAck {
	var ack events.SubmitAck
	if err := json.Unmarshal(data, &ack); err != nil {
		log.Warn().Err(err).Msg("malformed submit ack")
		return events.SubmitAck{OK: false, Error: "malformed acknowledgment"}
	}
	return ack
}

// handleSubmitAck turns a frozen rejection into a freeze resync and surfaces other rejections
func (cm *ConnectionManager) handleSubmitAck(s events.Submission, ack events.SubmitAck) {
	if ack.OK {
		return
	}
	if ack.Error == events.FrozenReason {
		if err := cm.RequestFreezeState(context.Background(), s.MatchID); err != nil {
			log.Debug().Err(err).Str("match_id", s.MatchID).Msg("could not request freeze state")
		}
		return
	}
	cm.notifier.Notify(NoticeError, ack.Error)
}

// Queue helpers. These work regardless of connection state.

// QueueCount returns the number of queued submissions
func (cm *ConnectionManager) QueueCount(ctx context.Context) (int, error) {
	return cm.queue.Count(ctx)
}

// QueueList returns the queued submissions in FIFO order
func (cm *ConnectionManager) QueueList(ctx context.Context) ([]events.Submission, error) {
	return cm.queue.List(ctx)
}

// RemoveQueued deletes the submission at index and returns it for undo
func (cm *ConnectionManager) RemoveQueued(ctx context.Context, index int) (events.Submission, error) {
	s, err := cm.queue.RemoveAt(ctx, index)
	if err != nil {
		return events.Submission{}, err
	}
	cm.refreshQueueMetric(ctx)
	return s, nil
}

// InsertQueued re-inserts a removed submission at its original index
func (cm *ConnectionManager) InsertQueued(ctx context.Context, index int, s events.Submission) error {
	if err := cm.queue.InsertAt(ctx, index, s); err != nil {
		return err
	}
	cm.refreshQueueMetric(ctx)
	return nil
}

// ClearQueue drops every queued submission
func (cm *ConnectionManager) ClearQueue(ctx context.Context) error {
	if err := cm.queue.Clear(ctx); err != nil {
		return err
	}
	cm.metrics.SetQueueLength(0)
	return nil
}

func (cm *ConnectionManager) refreshQueueMetric(ctx context.Context) {
	if n, err := cm.queue.Count(ctx); err == nil {
		cm.metrics.SetQueueLength(n)
	}
}

// flushQueue replays the offline queue in order, one item per FlushItemDelay,
// then removes the replayed items. Items are not acknowledged individually: if
// the connection drops mid-flush the remaining emits fail and those items are
// still removed. Submissions queued while the flush runs stay for the next one.
func (cm *ConnectionManager) flushQueue() {
	ctx := context.Background()
	items, err := cm.queue.List(ctx)
	if err != nil {
		log.Error().Err(err).Msg("failed to read offline queue")
		return
	}
	if len(items) == 0 {
		return
	}

	cm.mu.Lock()
	if cm.flushing || cm.closed {
		cm.mu.Unlock()
		return
	}
	cm.flushing = true
	cm.mu.Unlock()

	log.Info().Int("count", len(items)).Msg("flushing offline queue")
	cm.flushItem(items, 0)
}

func (cm *ConnectionManager) flushItem(items []events.Submission, i int) {
	cm.mu.Lock()
	if !cm.flushing {
		cm.mu.Unlock()
		return
	}
	cm.flushTimer = nil
	cm.mu.Unlock()

	item := items[i]
	err := cm.emitWithAck(context.Background(), events.CommandSubmitAnswer, item, func(data json.RawMessage) {
		cm.handleSubmitAck(item, decodeSubmitAck(data))
	})
	cm.metrics.RecordFlushed(err == nil)
	if err != nil {
		log.Warn().
			Err(err).
			Str("match_id", item.MatchID).
			Int("question_index", item.QuestionIndex).
			Msg("failed to replay queued submission")
	}

	if i+1 < len(items) {
		cm.mu.Lock()
		if cm.flushing {
			cm.flushTimer = cm.clock.AfterFunc(cm.config.FlushItemDelay, func() {
				cm.flushItem(items, i+1)
			})
		}
		cm.mu.Unlock()
		return
	}
	cm.finishFlush(len(items))
}

func (cm *ConnectionManager) finishFlush(count int) {
	remaining, err := cm.queue.TrimFront(context.Background(), count)
	if err != nil {
		log.Error().Err(err).Msg("failed to trim offline queue after flush")
	} else {
		cm.metrics.SetQueueLength(remaining)
	}

	cm.mu.Lock()
	cm.flushing = false
	cm.mu.Unlock()

	log.Info().Int("count", count).Msg("offline queue flushed")
	cm.notifier.Notify(NoticeSuccess, fmt.Sprintf("Synced %d offline answer(s)", count))
}

func (cm *ConnectionManager) currentTransport() Transport {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	if cm.status != StatusConnected {
		return nil
	}
	return cm.transport
}

func (cm *ConnectionManager) emit(ctx context.Context, event events.EventType, payload any) error {
	t := cm.currentTransport()
	if t == nil {
		return ErrNotConnected
	}
	if err := t.Emit(ctx, event, payload); err != nil {
		return fmt.Errorf("emit %s: %w", event, err)
	}
	return nil
}

func (cm *ConnectionManager) emitWithAck(ctx context.Context, event events.EventType, payload any, ack AckFunc) error {
	t := cm.currentTransport()
	if t == nil {
		return ErrNotConnected
	}
	if err := t.EmitWithAck(ctx, event, payload, ack); err != nil {
		return fmt.Errorf("emit %s: %w", event, err)
	}
	return nil
}

// dispatch decodes one inbound event and fans it out to registered handlers
func (cm *ConnectionManager) dispatch(eventType events.EventType, data json.RawMessage) {
	ev, err := events.Decode(eventType, data)
	if err != nil {
		reason := "malformed"
		if errors.Is(err, events.ErrUnknownEvent) {
			reason = "unknown"
		}
		cm.metrics.RecordEventDropped(string(eventType), reason)
		log.Warn().Err(err).Str("event", string(eventType)).Msg("dropping server event")
		return
	}
	cm.metrics.RecordEventReceived(string(eventType))

	if p, ok := ev.(events.ErrorPayload); ok {
		cm.handleServerError(p)
	}

	cm.handlersMu.RLock()
	set := cm.handlers[eventType]
	handlers := make([]Handler, 0, len(set))
	for _, h := range set {
		handlers = append(handlers, h)
	}
	cm.handlersMu.RUnlock()

	for _, h := range handlers {
		h(ev)
	}
}

func (cm *ConnectionManager) handleServerError(p events.ErrorPayload) {
	if p.Message != events.FrozenReason {
		cm.notifier.Notify(NoticeError, p.Message)
		return
	}
	cm.mu.Lock()
	matchID := cm.lastMatchID
	cm.mu.Unlock()
	if matchID == "" {
		return
	}
	if err := cm.RequestFreezeState(context.Background(), matchID); err != nil {
		log.Debug().Err(err).Str("match_id", matchID).Msg("could not request freeze state")
	}
}

func (cm *ConnectionManager) handleDisconnect(gen uint64, cause error) {
	cm.mu.Lock()
	if gen != cm.generation || cm.closed {
		cm.mu.Unlock()
		return
	}
	cm.generation++
	cm.transport = nil
	cm.setStatusLocked(StatusDisconnected)
	cm.scheduleReconnectLocked()
	cm.mu.Unlock()
	cm.publishStatus(StatusDisconnected)

	log.Warn().Err(cause).Msg("connection to duel server lost")
}

// scheduleReconnectLocked arms the single reconnect timer. Caller holds cm.mu.
func (cm *ConnectionManager) scheduleReconnectLocked() {
	cm.stopReconnectLocked()

	delay := Backoff(cm.attempts, cm.config.BaseRetryDelay, cm.config.MaxRetryDelay)
	cm.attempts++
	cm.nextRetryAt = cm.clock.Now().Add(delay)
	cm.reconnectTimer = cm.clock.AfterFunc(delay, cm.reconnect)
	cm.metrics.RecordReconnectScheduled(cm.attempts, delay)

	log.Debug().
		Int("attempt", cm.attempts).
		Dur("delay", delay).
		Msg("reconnect scheduled")
}

func (cm *ConnectionManager) stopReconnectLocked() {
	if cm.reconnectTimer != nil {
		cm.reconnectTimer.Stop()
		cm.reconnectTimer = nil
	}
	cm.nextRetryAt = time.Time{}
}

func (cm *ConnectionManager) reconnect() {
	cm.mu.Lock()
	cm.reconnectTimer = nil
	timeout := cm.config.DialTimeout
	cm.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	_ = cm.Connect(ctx)
}

func (cm *ConnectionManager) setStatusLocked(s Status) {
	cm.status = s
	cm.metrics.SetConnectionStatus(s)
}

func (cm *ConnectionManager) publishStatus(s Status) {
	cm.handlersMu.RLock()
	listeners := make([]func(Status), 0, len(cm.statusListeners))
	for _, fn := range cm.statusListeners {
		listeners = append(listeners, fn)
	}
	cm.handlersMu.RUnlock()

	for _, fn := range listeners {
		fn(s)
	}
}

// transportEvents binds one transport's callbacks to the generation that created it
type transportEvents struct {
	cm         *ConnectionManager
	generation uint64
}

func (e *transportEvents) HandleMessage(eventType events.EventType, data json.RawMessage) {
	e.cm.mu.Lock()
	stale := e.generation != e.cm.generation
	e.cm.mu.Unlock()
	if stale {
		return
	}
	e.cm.dispatch(eventType, data)
}

func (e *transportEvents) HandleDisconnect(err error) {
	e.cm.handleDisconnect(e.generation, err)
}
