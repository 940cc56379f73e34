package matchsync

import (
	"time"

	"github.com/mcdev12/duelsync/go/internal/duel/events"
)

// MatchStatus is the lifecycle state of the local match mirror
type MatchStatus string

const (
	MatchPending MatchStatus = "pending"
	MatchActive  MatchStatus = "active"
	MatchEnded   MatchStatus = "ended"
)

// PlayerStatus is derived on read from the match status and the freeze map
type PlayerStatus string

const (
	PlayerInactive  PlayerStatus = "inactive"
	PlayerFrozen    PlayerStatus = "frozen"
	PlayerCanAnswer PlayerStatus = "can-answer"
)

// UnknownCorrectIndex marks a question whose answer has not been revealed
const UnknownCorrectIndex = -1

// MaxQuestionIndex bounds questionStarted indexes accepted from the server
const MaxQuestionIndex = 255

// MatchPlayer is one of the two duel participants
type MatchPlayer struct {
	ID       string `json:"id"`
	Username string `json:"username"`
	Score    int    `json:"score"`
	IsFrozen bool   `json:"isFrozen"`
}

// Question is one question of the duel. CorrectIndex stays UnknownCorrectIndex until questionEnded.
type Question struct {
	ID           string   `json:"id"`
	Text         string   `json:"text"`
	Choices      []string `json:"choices"`
	CorrectIndex int      `json:"correctIndex"`
}

// Match is the local mirror of the server-authoritative duel. Questions is
// sparse: a nil entry is a question index that has not started yet.
type Match struct {
	ID        string        `json:"id"`
	Subject   string        `json:"subject,omitempty"`
	Players   []MatchPlayer `json:"players"`
	Questions []*Question   `json:"questions"`
	Status    MatchStatus   `json:"status"`
	WinnerID  *string       `json:"winnerId,omitempty"`
}

func (m *Match) clone() *Match {
	if m == nil {
		return nil
	}
	out := *m
	out.Players = append([]MatchPlayer(nil), m.Players...)
	out.Questions = make([]*Question, len(m.Questions))
	for i, q := range m.Questions {
		if q == nil {
			continue
		}
		cp := *q
		cp.Choices = append([]string(nil), q.Choices...)
		out.Questions[i] = &cp
	}
	if m.WinnerID != nil {
		w := *m.WinnerID
		out.WinnerID = &w
	}
	return &out
}

func (m *Match) player(id string) *MatchPlayer {
	for i := range m.Players {
		if m.Players[i].ID == id {
			return &m.Players[i]
		}
	}
	return nil
}

func (m *Match) setQuestion(index int, q *Question) {
	for len(m.Questions) <= index {
		m.Questions = append(m.Questions, nil)
	}
	m.Questions[index] = q
}

// Destination is a terminal navigation target
type Destination string

const (
	DestinationHome    Destination = "home"
	DestinationResults Destination = "results"
)

// Result reasons
const (
	ReasonIdle         = "idle"
	ReasonOpponentLeft = "opponent_left"
)

// ResultPlayer is a normalized matchEnded player entry
type ResultPlayer struct {
	ID       string `json:"id"`
	Username string `json:"username"`
	Score    int    `json:"score"`
}

// Results is what the results screen shows after a decided match
type Results struct {
	MatchID  string         `json:"matchId"`
	WinnerID *string        `json:"winnerId,omitempty"`
	Players  []ResultPlayer `json:"players"`
	Reason   string         `json:"reason,omitempty"`
	Won      bool           `json:"won"`
}

// Navigator is the view layer's navigation host. Ready reports whether it is
// mounted; Navigate is only called after Ready returned true.
type Navigator interface {
	Ready() bool
	Navigate(dest Destination, results *Results)
}

// SubmitOutcome reports what SubmitAnswer did. Rejections are not errors.
type SubmitOutcome string

const (
	SubmitSent       SubmitOutcome = "sent"
	SubmitQueued     SubmitOutcome = "queued"
	SubmitRetrying   SubmitOutcome = "retrying"
	SubmitInactive   SubmitOutcome = "inactive"
	SubmitFrozen     SubmitOutcome = "frozen"
	SubmitDuplicate  SubmitOutcome = "duplicate"
	SubmitEliminated SubmitOutcome = "eliminated"
)

// ChangeKind tells observers which part of the state moved
type ChangeKind string

const (
	ChangeMatch     ChangeKind = "match"
	ChangeQuestion  ChangeKind = "question"
	ChangeAnswer    ChangeKind = "answer"
	ChangeFreeze    ChangeKind = "freeze"
	ChangeIdle      ChangeKind = "idle"
	ChangeHighlight ChangeKind = "highlight"
	ChangeTerminal  ChangeKind = "terminal"
)

// Change is delivered to Subscribe observers after every mutation
type Change struct {
	Kind    ChangeKind
	MatchID string
}

// DebugEvent is one entry of the recent-events ring
type DebugEvent struct {
	Event   events.EventType `json:"event"`
	Payload events.Event     `json:"payload"`
	At      time.Time        `json:"at"`
	Dropped bool             `json:"dropped,omitempty"`
}
