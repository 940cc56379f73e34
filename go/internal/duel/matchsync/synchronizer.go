package matchsync

import (
	"context"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"github.com/mcdev12/duelsync/go/internal/duel/events"
	"github.com/mcdev12/duelsync/go/internal/duel/gateway"
)

// maxRecentEvents bounds the debug ring
const maxRecentEvents = 5

// Connection is the part of the connection manager the synchronizer drives
type Connection interface {
	On(eventType events.EventType, handler gateway.Handler) (unsubscribe func())
	SubmitAnswer(ctx context.Context, s events.Submission, onAck func(events.SubmitAck)) (queued bool, err error)
	FindOpponent(ctx context.Context, subject string) error
	CancelSearch(ctx context.Context) error
	LeaveMatch(ctx context.Context) error
	IdleTimeout(ctx context.Context, matchID string) error
}

// DropRecorder counts events discarded by the cross-match filter.
// gateway.MetricsCollector satisfies it.
type DropRecorder interface {
	RecordEventDropped(eventType, reason string)
}

var _ Connection = (*gateway.ConnectionManager)(nil)

type noopDrops struct{}

func (noopDrops) RecordEventDropped(string, string) {}

// Config holds the game timing rules
type Config struct {
	TickInterval       time.Duration `yaml:"tick_interval"`
	IdleTimeout        time.Duration `yaml:"idle_timeout"`
	FreezeDuration     time.Duration `yaml:"freeze_duration"`
	HighlightDuration  time.Duration `yaml:"highlight_duration"`
	SubmitTimeout      time.Duration `yaml:"submit_timeout"`
	SubmitRetryDelay   time.Duration `yaml:"submit_retry_delay"`
	NavigationAttempts int           `yaml:"navigation_attempts" validate:"gte=1"`
	NavigationDelay    time.Duration `yaml:"navigation_delay"`
}

// DefaultConfig returns the production timing rules
func DefaultConfig() Config {
	return Config{
		TickInterval:       time.Second,
		IdleTimeout:        30 * time.Second,
		FreezeDuration:     15 * time.Second,
		HighlightDuration:  3 * time.Second,
		SubmitTimeout:      5 * time.Second,
		SubmitRetryDelay:   150 * time.Millisecond,
		NavigationAttempts: 10,
		NavigationDelay:    200 * time.Millisecond,
	}
}

// Synchronizer mirrors the active duel from server events. It owns the match,
// the idle and freeze countdowns and the submission guard. All state is
// guarded by mu; observers, the navigator and the connection are always
// called without it.
type Synchronizer struct {
	conn    Connection
	nav     Navigator
	clock   clockwork.Clock
	metrics DropRecorder
	config  Config

	mu            sync.Mutex
	match         *Match
	myID          string
	searching     bool
	currentIndex  int
	idleRemaining int
	idleTick      timerSlot
	freezes       map[string]*playerFreeze
	eliminated    map[int]map[int]struct{}
	answered      map[int]struct{}
	inFlight      map[int]*timerSlot
	combo         int
	lastResult    *events.AnswerResultPayload
	opponentPick  *int
	highlight     timerSlot
	retry         timerSlot
	navTimer      timerSlot
	results       *Results
	recent        []DebugEvent
	timerSeq      uint64
	closed        bool
	unsubscribe   []func()

	observersMu    sync.RWMutex
	nextObserverID uint64
	observers      map[uint64]func(Change)
}

// Option configures a Synchronizer
type Option func(*Synchronizer)

// WithClock replaces the real clock, mainly for tests
func WithClock(c clockwork.Clock) Option {
	return func(s *Synchronizer) { s.clock = c }
}

// WithMetrics sets the recorder for filtered events
func WithMetrics(m DropRecorder) Option {
	return func(s *Synchronizer) { s.metrics = m }
}

// WithConfig overrides the timing rules
func WithConfig(c Config) Option {
	return func(s *Synchronizer) { s.config = c }
}

// New creates a synchronizer and subscribes it to every server event on conn.
// nav may be nil when nothing should be routed.
func New(conn Connection, nav Navigator, opts ...Option) *Synchronizer {
	s := &Synchronizer{
		conn:       conn,
		nav:        nav,
		clock:      clockwork.NewRealClock(),
		metrics:    noopDrops{},
		config:     DefaultConfig(),
		freezes:    make(map[string]*playerFreeze),
		eliminated: make(map[int]map[int]struct{}),
		answered:   make(map[int]struct{}),
		inFlight:   make(map[int]*timerSlot),
		observers:  make(map[uint64]func(Change)),
	}
	for _, opt := range opts {
		opt(s)
	}
	for _, eventType := range events.ServerEvents {
		s.unsubscribe = append(s.unsubscribe, conn.On(eventType, s.HandleEvent))
	}
	return s
}

// Subscribe registers fn for change notifications
func (s *Synchronizer) Subscribe(fn func(Change)) (unsubscribe func()) {
	s.observersMu.Lock()
	defer s.observersMu.Unlock()

	s.nextObserverID++
	id := s.nextObserverID
	s.observers[id] = fn

	return func() {
		s.observersMu.Lock()
		defer s.observersMu.Unlock()
		delete(s.observers, id)
	}
}

func (s *Synchronizer) publish(changes ...Change) {
	if len(changes) == 0 {
		return
	}
	s.observersMu.RLock()
	observers := make([]func(Change), 0, len(s.observers))
	for _, fn := range s.observers {
		observers = append(observers, fn)
	}
	s.observersMu.RUnlock()

	for _, c := range changes {
		for _, fn := range observers {
			fn(c)
		}
	}
}

// effects is the work a transition leaves for after the lock is released
type effects struct {
	matchID     string
	changes     []ChangeKind
	idleTimeout bool
	navigate    bool
	dest        Destination
	results     *Results
}

func (fx *effects) add(kinds ...ChangeKind) {
	fx.changes = append(fx.changes, kinds...)
}

func (s *Synchronizer) apply(fx effects) {
	if fx.idleTimeout {
		if err := s.conn.IdleTimeout(context.Background(), fx.matchID); err != nil {
			log.Warn().Err(err).Str("match_id", fx.matchID).Msg("failed to report idle timeout")
		}
	}
	changes := make([]Change, 0, len(fx.changes))
	for _, kind := range fx.changes {
		changes = append(changes, Change{Kind: kind, MatchID: fx.matchID})
	}
	s.publish(changes...)
	if fx.navigate {
		s.tryNavigate(fx.dest, fx.results, 1)
	}
}

// notifyLater captures the current match id for a change published after unlock. Caller holds s.mu.
func (s *Synchronizer) notifyLater(kinds ...ChangeKind) func() {
	fx := effects{matchID: s.matchIDLocked()}
	fx.add(kinds...)
	return func() { s.apply(fx) }
}

func (s *Synchronizer) matchIDLocked() string {
	if s.match == nil {
		return ""
	}
	return s.match.ID
}

// HandleEvent applies one server event. Events are applied in the order the
// connection delivers them.
func (s *Synchronizer) HandleEvent(ev events.Event) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	if reason := s.filterLocked(ev); reason != "" {
		active := s.matchIDLocked()
		s.recordLocked(ev, true)
		s.mu.Unlock()

		s.metrics.RecordEventDropped(string(ev.Type()), reason)
		log.Debug().
			Str("event", string(ev.Type())).
			Str("event_match_id", ev.Match()).
			Str("active_match_id", active).
			Str("reason", reason).
			Msg("dropping event for another match")
		return
	}
	s.recordLocked(ev, false)

	var fx effects
	switch e := ev.(type) {
	case events.MatchFoundPayload:
		fx = s.onMatchFoundLocked(e)
	case events.QuestionStartedPayload:
		fx = s.onQuestionStartedLocked(e)
	case events.AnswerResultPayload:
		fx = s.onAnswerResultLocked(e)
	case events.QuestionEndedPayload:
		fx = s.onQuestionEndedLocked(e)
	case events.PlayerUnfrozenPayload:
		fx = s.onPlayerUnfrozenLocked(e)
	case events.FreezeStateSyncPayload:
		fx = s.onFreezeStateSyncLocked(e)
	case events.MatchEndedPayload:
		fx = s.onMatchEndedLocked(e)
	case events.OpponentLeftPayload:
		fx = s.onOpponentLeftLocked()
	case events.ErrorPayload:
		// Surfaced by the connection manager.
	default:
		log.Warn().Str("event", string(ev.Type())).Msg("unhandled event type")
	}
	s.mu.Unlock()

	s.apply(fx)
}

// filterLocked returns why ev must not touch the current match, or "" to accept it
func (s *Synchronizer) filterLocked(ev events.Event) string {
	switch ev.(type) {
	case events.MatchFoundPayload, events.ErrorPayload:
		return ""
	}
	if s.match == nil {
		return "no_match"
	}
	if id := ev.Match(); id != "" && id != s.match.ID {
		return "match_mismatch"
	}
	return ""
}

func (s *Synchronizer) recordLocked(ev events.Event, dropped bool) {
	s.recent = append(s.recent, DebugEvent{
		Event:   ev.Type(),
		Payload: ev,
		At:      s.clock.Now(),
		Dropped: dropped,
	})
	if len(s.recent) > maxRecentEvents {
		s.recent = s.recent[len(s.recent)-maxRecentEvents:]
	}
}

// resetLocked drops the match and stops every match-scoped timer. The
// navigation retry and the last results are left alone.
func (s *Synchronizer) resetLocked() {
	s.idleTick.stop()
	s.idleRemaining = 0
	s.clearFreezesLocked()
	s.releaseAllInFlightLocked()
	s.highlight.stop()
	s.retry.stop()
	s.match = nil
	s.myID = ""
	s.currentIndex = 0
	s.eliminated = make(map[int]map[int]struct{})
	s.answered = make(map[int]struct{})
	s.combo = 0
	s.lastResult = nil
	s.opponentPick = nil
}

// Reset drops the current match and every timer it owns
func (s *Synchronizer) Reset() {
	s.mu.Lock()
	matchID := s.matchIDLocked()
	s.resetLocked()
	s.navTimer.stop()
	s.searching = false
	s.results = nil
	s.mu.Unlock()

	log.Info().Str("match_id", matchID).Msg("match state reset")
	s.publish(Change{Kind: ChangeMatch, MatchID: matchID})
}

// Close unsubscribes from the connection and stops every timer
func (s *Synchronizer) Close() error {
	s.mu.Lock()
	s.resetLocked()
	s.navTimer.stop()
	s.closed = true
	unsubscribe := s.unsubscribe
	s.unsubscribe = nil
	s.mu.Unlock()

	for _, fn := range unsubscribe {
		fn()
	}
	return nil
}

// FindOpponent enters matchmaking
func (s *Synchronizer) FindOpponent(ctx context.Context, subject string) error {
	if err := s.conn.FindOpponent(ctx, subject); err != nil {
		return err
	}
	s.mu.Lock()
	s.searching = true
	s.results = nil
	s.mu.Unlock()
	s.publish(Change{Kind: ChangeMatch})
	return nil
}

// CancelSearch leaves matchmaking
func (s *Synchronizer) CancelSearch(ctx context.Context) error {
	s.mu.Lock()
	s.searching = false
	s.mu.Unlock()
	s.publish(Change{Kind: ChangeMatch})
	return s.conn.CancelSearch(ctx)
}

// LeaveMatch forfeits the match on the server and resets local state even if the server could not be told
func (s *Synchronizer) LeaveMatch(ctx context.Context) error {
	err := s.conn.LeaveMatch(ctx)
	if err != nil {
		log.Warn().Err(err).Msg("failed to notify server of leaving match")
	}
	s.Reset()
	return err
}

// tryNavigate routes to dest once the navigator is mounted, retrying a bounded
// number of times
func (s *Synchronizer) tryNavigate(dest Destination, results *Results, attempt int) {
	if s.nav == nil {
		return
	}
	if s.nav.Ready() {
		log.Info().Str("destination", string(dest)).Int("attempt", attempt).Msg("navigating")
		s.nav.Navigate(dest, results)
		return
	}
	if attempt >= s.config.NavigationAttempts {
		log.Warn().
			Str("destination", string(dest)).
			Int("attempts", attempt).
			Msg("navigator never became ready, giving up")
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.armLocked(&s.navTimer, s.config.NavigationDelay, func() func() {
		return func() { s.tryNavigate(dest, results, attempt+1) }
	})
}
