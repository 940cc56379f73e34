package matchsync

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	"github.com/mcdev12/duelsync/go/internal/duel/events"
	"github.com/mcdev12/duelsync/go/internal/duel/gateway"
)

// fakeConn stands in for the connection manager
type fakeConn struct {
	mu           sync.Mutex
	nextID       uint64
	handlers     map[events.EventType]map[uint64]gateway.Handler
	submissions  []events.Submission
	pendingAcks  []func(events.SubmitAck)
	autoAck      *events.SubmitAck
	offline      bool
	submitErr    error
	idleTimeouts []string
	leaves       int
	searches     []string
	cancels      int
}

func newFakeConn() *fakeConn {
	return &fakeConn{handlers: make(map[events.EventType]map[uint64]gateway.Handler)}
}

func (c *fakeConn) On(eventType events.EventType, h gateway.Handler) func() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nextID++
	id := c.nextID
	if c.handlers[eventType] == nil {
		c.handlers[eventType] = make(map[uint64]gateway.Handler)
	}
	c.handlers[eventType][id] = h
	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		delete(c.handlers[eventType], id)
	}
}

func (c *fakeConn) handlerCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, set := range c.handlers {
		n += len(set)
	}
	return n
}

func (c *fakeConn) push(ev events.Event) {
	c.mu.Lock()
	var hs []gateway.Handler
	for _, h := range c.handlers[ev.Type()] {
		hs = append(hs, h)
	}
	c.mu.Unlock()
	for _, h := range hs {
		h(ev)
	}
}

func (c *fakeConn) SubmitAnswer(_ context.Context, s events.Submission, onAck func(events.SubmitAck)) (bool, error) {
	c.mu.Lock()
	if c.submitErr != nil {
		c.mu.Unlock()
		return false, c.submitErr
	}
	c.submissions = append(c.submissions, s)
	if c.offline {
		c.mu.Unlock()
		return true, nil
	}
	auto := c.autoAck
	if auto == nil {
		c.pendingAcks = append(c.pendingAcks, onAck)
	}
	c.mu.Unlock()
	if auto != nil {
		onAck(*auto)
	}
	return false, nil
}

// ack resolves the oldest pending submission
func (c *fakeConn) ack(ack events.SubmitAck) {
	c.mu.Lock()
	fn := c.pendingAcks[0]
	c.pendingAcks = c.pendingAcks[1:]
	c.mu.Unlock()
	fn(ack)
}

func (c *fakeConn) Submissions() []events.Submission {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]events.Submission(nil), c.submissions...)
}

func (c *fakeConn) FindOpponent(_ context.Context, subject string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.searches = append(c.searches, subject)
	return nil
}

func (c *fakeConn) CancelSearch(context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cancels++
	return nil
}

func (c *fakeConn) LeaveMatch(context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.leaves++
	return nil
}

func (c *fakeConn) IdleTimeout(_ context.Context, matchID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.idleTimeouts = append(c.idleTimeouts, matchID)
	return nil
}

func (c *fakeConn) IdleTimeouts() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.idleTimeouts...)
}

type navigation struct {
	dest    Destination
	results *Results
}

// fakeNavigator becomes ready after readyAfter Ready calls; a negative value means never
type fakeNavigator struct {
	mu         sync.Mutex
	readyAfter int
	readyCalls int
	navs       []navigation
}

func (n *fakeNavigator) Ready() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.readyCalls++
	return n.readyAfter >= 0 && n.readyCalls > n.readyAfter
}

func (n *fakeNavigator) Navigate(dest Destination, results *Results) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.navs = append(n.navs, navigation{dest: dest, results: results})
}

func (n *fakeNavigator) ReadyCalls() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.readyCalls
}

func (n *fakeNavigator) Navigations() []navigation {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]navigation(nil), n.navs...)
}

type recordingDrops struct {
	mu      sync.Mutex
	reasons []string
}

func (r *recordingDrops) RecordEventDropped(eventType, reason string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.reasons = append(r.reasons, eventType+":"+reason)
}

func (r *recordingDrops) All() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.reasons...)
}

const (
	testMe       = "p1"
	testOpponent = "p2"
	testMatch    = "m1"
)

type harness struct {
	t      *testing.T
	clock  *clockwork.FakeClock
	conn   *fakeConn
	nav    *fakeNavigator
	drops  *recordingDrops
	engine *Synchronizer
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		t:     t,
		clock: clockwork.NewFakeClock(),
		conn:  newFakeConn(),
		nav:   &fakeNavigator{},
		drops: &recordingDrops{},
	}
	h.engine = New(h.conn, h.nav, WithClock(h.clock), WithMetrics(h.drops))
	t.Cleanup(func() { _ = h.engine.Close() })
	return h
}

// start puts the harness into question 0 of an active match
func (h *harness) start() {
	h.conn.push(events.MatchFoundPayload{
		MatchID:  testMatch,
		Player:   events.PlayerRef{ID: testMe, Username: "ada"},
		Opponent: events.PlayerRef{ID: testOpponent, Username: "bob"},
	})
	h.question(0)
}

func (h *harness) question(index int) {
	h.conn.push(events.QuestionStartedPayload{
		MatchID: testMatch,
		Index:   index,
		Question: events.QuestionPayload{
			ID:      "q" + string(rune('0'+index)),
			Text:    "Capital of France?",
			Choices: []string{"Berlin", "Madrid", "Paris", "Rome"},
		},
	})
}

// tick moves the fake clock one second once the previous tick has re-armed,
// which is visible through the idle countdown
func (h *harness) tick(idleBefore int) {
	h.t.Helper()
	h.waitFor(func() bool { return h.engine.IdleRemaining() == idleBefore })
	h.clock.Advance(time.Second)
}

func (h *harness) waitFor(cond func() bool) {
	h.t.Helper()
	require.Eventually(h.t, cond, 2*time.Second, time.Millisecond)
}

// blockAndAdvance waits for exactly the given number of pending timers, then advances
func (h *harness) blockAndAdvance(waiters int, d time.Duration) {
	h.t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(h.t, h.clock.BlockUntilContext(ctx, waiters))
	h.clock.Advance(d)
}
