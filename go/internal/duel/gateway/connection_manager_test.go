package gateway

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mcdev12/duelsync/go/internal/duel/events"
	"github.com/mcdev12/duelsync/go/internal/duel/store"
)

const (
	waitFor = 2 * time.Second
	tick    = 5 * time.Millisecond
)

type harness struct {
	cm       *ConnectionManager
	dialer   *fakeDialer
	clock    *clockwork.FakeClock
	notifier *recordingNotifier
	kv       *store.MemoryStore
}

func newHarness(t *testing.T, opts ...Option) *harness {
	t.Helper()
	h := &harness{
		dialer:   &fakeDialer{},
		clock:    clockwork.NewFakeClock(),
		notifier: &recordingNotifier{},
		kv:       store.NewMemoryStore(),
	}
	opts = append([]Option{WithClock(h.clock), WithNotifier(h.notifier)}, opts...)
	h.cm = NewConnectionManager(h.dialer, h.kv, opts...)
	t.Cleanup(func() { _ = h.cm.Close() })
	return h
}

func (h *harness) advance(t *testing.T, d time.Duration) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()
	require.NoError(t, h.clock.BlockUntilContext(ctx, 1), "no timer pending")
	h.clock.Advance(d)
}

func TestBackoff(t *testing.T) {
	tests := []struct {
		attempts int
		want     time.Duration
	}{
		{0, time.Second},
		{1, 2 * time.Second},
		{2, 4 * time.Second},
		{4, 16 * time.Second},
		{5, 30 * time.Second},
		{40, 30 * time.Second},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, Backoff(tt.attempts, time.Second, 30*time.Second), "attempts=%d", tt.attempts)
	}
}

func TestConnectIsIdempotent(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	require.NoError(t, h.cm.Connect(ctx))
	require.NoError(t, h.cm.Connect(ctx))

	assert.Equal(t, 1, h.dialer.Dials())
	assert.True(t, h.cm.IsConnected())
}

func TestHandlersRegisteredBeforeConnectReceiveEvents(t *testing.T) {
	h := newHarness(t)
	var got []events.Event
	h.cm.On(events.EventTypeQuestionStarted, func(ev events.Event) { got = append(got, ev) })

	require.NoError(t, h.cm.Connect(context.Background()))
	h.dialer.Last().Push(events.EventTypeQuestionStarted, `{"matchId":"m1","index":0,"question":{"id":"q1","text":"2+2?","choices":["3","4"]}}`)

	require.Len(t, got, 1)
	p := got[0].(events.QuestionStartedPayload)
	assert.Equal(t, "q1", p.Question.ID)
}

func TestHandlersSurviveReconnect(t *testing.T) {
	h := newHarness(t)
	var calls int
	h.cm.On(events.EventTypePlayerUnfrozen, func(events.Event) { calls++ })

	ctx := context.Background()
	require.NoError(t, h.cm.Connect(ctx))
	first := h.dialer.Last()
	h.cm.Disconnect()
	require.NoError(t, h.cm.Connect(ctx))
	second := h.dialer.Last()

	require.NotSame(t, first, second)
	first.Push(events.EventTypePlayerUnfrozen, `{"playerId":"p1"}`)
	second.Push(events.EventTypePlayerUnfrozen, `{"playerId":"p1"}`)
	assert.Equal(t, 1, calls, "stale transport must not dispatch")
}

func TestUnsubscribe(t *testing.T) {
	h := newHarness(t)
	var calls int
	unsubscribe := h.cm.On(events.EventTypeQuestionEnded, func(events.Event) { calls++ })
	require.NoError(t, h.cm.Connect(context.Background()))

	unsubscribe()
	h.dialer.Last().Push(events.EventTypeQuestionEnded, `{"correctIndex":1}`)
	assert.Zero(t, calls)
}

func TestReconnectBackoffDoublesAndResets(t *testing.T) {
	h := newHarness(t)
	h.dialer.failNext = 3

	require.Error(t, h.cm.Connect(context.Background()))
	assert.Equal(t, StatusDisconnected, h.cm.Status())
	assert.Equal(t, 1, h.cm.ReconnectAttempts())
	assert.Equal(t, time.Second, h.cm.NextRetryIn())

	h.advance(t, time.Second)
	require.Eventually(t, func() bool { return h.cm.ReconnectAttempts() == 2 }, waitFor, tick)
	assert.Equal(t, 2*time.Second, h.cm.NextRetryIn())

	h.advance(t, 2*time.Second)
	require.Eventually(t, func() bool { return h.cm.ReconnectAttempts() == 3 }, waitFor, tick)
	assert.Equal(t, 4*time.Second, h.cm.NextRetryIn())

	h.advance(t, 4*time.Second)
	require.Eventually(t, h.cm.IsConnected, waitFor, tick)
	assert.Equal(t, 0, h.cm.ReconnectAttempts())
	assert.Equal(t, time.Duration(0), h.cm.NextRetryIn())
	assert.Equal(t, 4, h.dialer.Dials())
}

func TestTransportDropSchedulesReconnect(t *testing.T) {
	h := newHarness(t)
	var (
		mu       sync.Mutex
		statuses []Status
	)
	h.cm.OnStatusChange(func(s Status) {
		mu.Lock()
		defer mu.Unlock()
		statuses = append(statuses, s)
	})

	require.NoError(t, h.cm.Connect(context.Background()))
	h.dialer.Last().Drop()

	assert.Equal(t, StatusDisconnected, h.cm.Status())
	assert.Equal(t, time.Second, h.cm.NextRetryIn())

	h.advance(t, time.Second)
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(statuses) == 5
	}, waitFor, tick)
	assert.Equal(t, 2, h.dialer.Dials())
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []Status{StatusConnecting, StatusConnected, StatusDisconnected, StatusConnecting, StatusConnected}, statuses)
}

func TestManualDisconnectDoesNotReconnect(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.cm.Connect(context.Background()))

	h.cm.Disconnect()

	assert.Equal(t, StatusDisconnected, h.cm.Status())
	assert.Equal(t, time.Duration(0), h.cm.NextRetryIn())
	assert.True(t, h.dialer.Last().closed)

	require.NoError(t, h.cm.Connect(context.Background()))
	assert.Equal(t, 2, h.dialer.Dials())
}

func TestGuestIdentityIsStable(t *testing.T) {
	h := newHarness(t)
	h.cm.SetAuthToken("tok")
	require.NoError(t, h.cm.Connect(context.Background()))

	first := h.dialer.options[0]
	assert.NotEmpty(t, first.GuestID)
	assert.Equal(t, "tok", first.Token)

	// A fresh manager on the same storage, as after an app restart.
	other := NewConnectionManager(&fakeDialer{}, h.kv, WithClock(h.clock))
	id, err := other.GuestID(context.Background())
	require.NoError(t, err)
	assert.Equal(t, first.GuestID, id)
}

func TestSubmitWhileDisconnectedQueuesAndFlushesOnConnect(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	sub := events.Submission{MatchID: "m1", QuestionIndex: 2, AnswerIndex: 1}

	queued, err := h.cm.SubmitAnswer(ctx, sub, nil)
	require.NoError(t, err)
	assert.True(t, queued)
	count, err := h.cm.QueueCount(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	require.NoError(t, h.cm.Connect(ctx))

	count, err = h.cm.QueueCount(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, count)

	sent := h.dialer.Last().EmittedOf(events.CommandSubmitAnswer)
	require.Len(t, sent, 1)
	assert.JSONEq(t, `{"matchId":"m1","questionIndex":2,"answerIndex":1}`, string(sent[0].payload))
	assert.Contains(t, h.notifier.All(), notice{kind: NoticeSuccess, message: "Synced 1 offline answer(s)"})
}

func TestFlushReplaysInOrderWithDelay(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		_, err := h.cm.SubmitAnswer(ctx, events.Submission{MatchID: "m1", QuestionIndex: i, AnswerIndex: i}, nil)
		require.NoError(t, err)
	}

	require.NoError(t, h.cm.Connect(ctx))
	tr := h.dialer.Last()
	assert.Len(t, tr.EmittedOf(events.CommandSubmitAnswer), 1)

	h.advance(t, 100*time.Millisecond)
	require.Eventually(t, func() bool { return len(tr.EmittedOf(events.CommandSubmitAnswer)) == 2 }, waitFor, tick)

	count, err := h.cm.QueueCount(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, count, "queue is cleared only after the last item")

	h.advance(t, 100*time.Millisecond)
	require.Eventually(t, func() bool {
		n, err := h.cm.QueueCount(ctx)
		return err == nil && n == 0
	}, waitFor, tick)

	sent := tr.EmittedOf(events.CommandSubmitAnswer)
	require.Len(t, sent, 3)
	for i, e := range sent {
		var s events.Submission
		require.NoError(t, json.Unmarshal(e.payload, &s))
		assert.Equal(t, i, s.QuestionIndex)
	}
}

func TestFlushClearsQueueEvenIfConnectionDrops(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	for i := 0; i < 2; i++ {
		_, err := h.cm.SubmitAnswer(ctx, events.Submission{MatchID: "m1", QuestionIndex: i}, nil)
		require.NoError(t, err)
	}

	require.NoError(t, h.cm.Connect(ctx))
	tr := h.dialer.Last()
	tr.Drop()

	// Reconnect timer plus the pending flush item.
	waitCtx, cancel := context.WithTimeout(ctx, waitFor)
	defer cancel()
	require.NoError(t, h.clock.BlockUntilContext(waitCtx, 2))
	h.clock.Advance(100 * time.Millisecond)

	require.Eventually(t, func() bool {
		n, err := h.cm.QueueCount(ctx)
		return err == nil && n == 0
	}, waitFor, tick)
	assert.Len(t, tr.EmittedOf(events.CommandSubmitAnswer), 1, "second item was never sent")
}

func TestFlushKeepsSubmissionsQueuedWhileFlushing(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	for i := 0; i < 2; i++ {
		_, err := h.cm.SubmitAnswer(ctx, events.Submission{MatchID: "m1", QuestionIndex: i}, nil)
		require.NoError(t, err)
	}

	require.NoError(t, h.cm.Connect(ctx))
	h.dialer.Last().Drop()
	require.Eventually(t, func() bool { return h.cm.Status() != StatusConnected }, waitFor, tick)

	late := events.Submission{MatchID: "m1", QuestionIndex: 7, AnswerIndex: 3}
	queued, err := h.cm.SubmitAnswer(ctx, late, nil)
	require.NoError(t, err)
	assert.True(t, queued)

	waitCtx, cancel := context.WithTimeout(ctx, waitFor)
	defer cancel()
	require.NoError(t, h.clock.BlockUntilContext(waitCtx, 2))
	h.clock.Advance(100 * time.Millisecond)

	require.Eventually(t, func() bool {
		n, err := h.cm.QueueCount(ctx)
		return err == nil && n == 1
	}, waitFor, tick)
	items, err := h.cm.QueueList(ctx)
	require.NoError(t, err)
	assert.Equal(t, []events.Submission{late}, items)
}

func TestSubmitOnlineWaitsForAck(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	require.NoError(t, h.cm.Connect(ctx))

	var acked atomic.Bool
	queued, err := h.cm.SubmitAnswer(ctx, events.Submission{MatchID: "m1"}, func(ack events.SubmitAck) {
		acked.Store(ack.OK)
	})
	require.NoError(t, err)
	assert.False(t, queued)

	h.dialer.Last().Ack(`{"ok":true}`)
	assert.True(t, acked.Load())
	assert.Empty(t, h.notifier.All())
}

func TestFrozenAckRequestsFreezeState(t *testing.T) {
	h := newHarness(t)
	h.dialer.reply = func(ev events.EventType, _ json.RawMessage) json.RawMessage {
		if ev == events.CommandSubmitAnswer {
			return json.RawMessage(`{"ok":false,"error":"You are frozen"}`)
		}
		return nil
	}
	ctx := context.Background()
	require.NoError(t, h.cm.Connect(ctx))

	var got events.SubmitAck
	_, err := h.cm.SubmitAnswer(ctx, events.Submission{MatchID: "m9", QuestionIndex: 1}, func(ack events.SubmitAck) { got = ack })
	require.NoError(t, err)

	assert.False(t, got.OK)
	reqs := h.dialer.Last().EmittedOf(events.CommandGetFreezeState)
	require.Len(t, reqs, 1)
	assert.JSONEq(t, `{"matchId":"m9"}`, string(reqs[0].payload))
	assert.Empty(t, h.notifier.All())
}

func TestOtherRejectionNotifies(t *testing.T) {
	h := newHarness(t)
	h.dialer.reply = func(events.EventType, json.RawMessage) json.RawMessage {
		return json.RawMessage(`{"ok":false,"error":"Question closed"}`)
	}
	ctx := context.Background()
	require.NoError(t, h.cm.Connect(ctx))

	_, err := h.cm.SubmitAnswer(ctx, events.Submission{MatchID: "m1"}, nil)
	require.NoError(t, err)

	assert.Equal(t, []notice{{kind: NoticeError, message: "Question closed"}}, h.notifier.All())
	assert.Empty(t, h.dialer.Last().EmittedOf(events.CommandGetFreezeState))
}

func TestServerErrorEvent(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	require.NoError(t, h.cm.Connect(ctx))
	_, err := h.cm.SubmitAnswer(ctx, events.Submission{MatchID: "m3"}, nil)
	require.NoError(t, err)
	tr := h.dialer.Last()

	tr.Push(events.EventTypeError, `{"message":"You are frozen"}`)
	assert.Empty(t, h.notifier.All())
	require.Len(t, tr.EmittedOf(events.CommandGetFreezeState), 1)

	tr.Push(events.EventTypeError, `{"message":"Match not found"}`)
	assert.Equal(t, []notice{{kind: NoticeError, message: "Match not found"}}, h.notifier.All())
}

func TestCommandsRequireConnection(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	assert.ErrorIs(t, h.cm.FindOpponent(ctx, "math"), ErrNotConnected)

	require.NoError(t, h.cm.Connect(ctx))
	require.NoError(t, h.cm.FindOpponent(ctx, "math"))
	require.NoError(t, h.cm.CancelSearch(ctx))
	require.NoError(t, h.cm.IdleTimeout(ctx, "m1"))

	sent := h.dialer.Last().Emitted()
	require.Len(t, sent, 3)
	assert.Equal(t, events.CommandFindOpponent, sent[0].event)
	assert.JSONEq(t, `{"subject":"math"}`, string(sent[0].payload))
	assert.Equal(t, events.CommandCancelSearch, sent[1].event)
	assert.JSONEq(t, `{"matchId":"m1"}`, string(sent[2].payload))
}

func TestInviteAck(t *testing.T) {
	h := newHarness(t)
	h.dialer.reply = func(ev events.EventType, _ json.RawMessage) json.RawMessage {
		if ev == events.CommandInvitePlayer {
			return json.RawMessage(`{"ok":true,"inviteId":"inv1","targetUsername":"bob"}`)
		}
		return json.RawMessage(`{"ok":false,"error":"Invite expired"}`)
	}
	ctx := context.Background()
	require.NoError(t, h.cm.Connect(ctx))

	var invite events.InviteAck
	require.NoError(t, h.cm.InvitePlayer(ctx, "bob", "", func(ack events.InviteAck) { invite = ack }))
	assert.Equal(t, "inv1", invite.InviteID)

	var resp events.RespondInviteAck
	require.NoError(t, h.cm.RespondInvite(ctx, "inv0", true, func(ack events.RespondInviteAck) { resp = ack }))
	assert.False(t, resp.OK)
	assert.Equal(t, []notice{{kind: NoticeError, message: "Invite expired"}}, h.notifier.All())
}

func TestQueueUndo(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	for i := 0; i < 2; i++ {
		_, err := h.cm.SubmitAnswer(ctx, events.Submission{MatchID: "m1", QuestionIndex: i}, nil)
		require.NoError(t, err)
	}

	removed, err := h.cm.RemoveQueued(ctx, 0)
	require.NoError(t, err)
	require.NoError(t, h.cm.InsertQueued(ctx, 0, removed))

	list, err := h.cm.QueueList(ctx)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, 0, list[0].QuestionIndex)

	require.NoError(t, h.cm.ClearQueue(ctx))
	n, err := h.cm.QueueCount(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestPrometheusMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	metrics := NewPrometheusMetrics(reg)
	h := newHarness(t, WithMetrics(metrics))
	ctx := context.Background()

	_, err := h.cm.SubmitAnswer(ctx, events.Submission{MatchID: "m1"}, nil)
	require.NoError(t, err)
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.queueLength))

	require.NoError(t, h.cm.Connect(ctx))
	assert.Equal(t, 0.0, testutil.ToFloat64(metrics.queueLength))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.connectionStatus.WithLabelValues(string(StatusConnected))))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.flushed.WithLabelValues("success")))

	h.dialer.Last().Push(events.EventTypeOpponentLeft, `{}`)
	h.dialer.Last().Push("bogus", `{}`)
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.eventsReceived.WithLabelValues("opponentLeft")))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.eventsDropped.WithLabelValues("bogus", "unknown")))

	h.dialer.Last().Drop()
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.reconnects))
}
