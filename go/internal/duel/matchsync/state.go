package matchsync

import (
	"fmt"
	"sort"

	"github.com/mcdev12/duelsync/go/internal/duel/events"
)

// Match returns a copy of the active match, or nil
func (s *Synchronizer) Match() *Match {
	s.mu.Lock()
	defer s.mu.Unlock()
	m := s.match.clone()
	if m == nil {
		return nil
	}
	for i := range m.Players {
		_, m.Players[i].IsFrozen = s.freezes[m.Players[i].ID]
	}
	return m
}

// PlayerID returns this client's id in the active match
func (s *Synchronizer) PlayerID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.myID
}

// OpponentID returns the other player's id in the active match
func (s *Synchronizer) OpponentID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.opponentIDLocked()
}

func (s *Synchronizer) opponentIDLocked() string {
	if s.match == nil {
		return ""
	}
	for _, p := range s.match.Players {
		if p.ID != s.myID {
			return p.ID
		}
	}
	return ""
}

// PlayerStatus derives playerID's status from the match status and the freeze map
func (s *Synchronizer) PlayerStatus(playerID string) PlayerStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.playerStatusLocked(playerID)
}

// MyStatus is PlayerStatus for this client
func (s *Synchronizer) MyStatus() PlayerStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.playerStatusLocked(s.myID)
}

func (s *Synchronizer) playerStatusLocked(playerID string) PlayerStatus {
	if s.match == nil || s.match.Status != MatchActive {
		return PlayerInactive
	}
	if _, frozen := s.freezes[playerID]; frozen {
		return PlayerFrozen
	}
	return PlayerCanAnswer
}

// StatusMessage combines both players' statuses into one line for the match screen
func (s *Synchronizer) StatusMessage() string {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.match == nil {
		if s.searching {
			return "Searching for an opponent"
		}
		return ""
	}
	if s.match.Status == MatchPending {
		return "Get ready"
	}

	me := s.playerStatusLocked(s.myID)
	opponent := s.playerStatusLocked(s.opponentIDLocked())
	_, answered := s.answered[s.currentIndex]
	switch {
	case me == PlayerFrozen && opponent == PlayerFrozen:
		return "Both players frozen, waiting for next question"
	case me == PlayerFrozen:
		return fmt.Sprintf("Frozen for %ds", s.freezes[s.myID].remaining)
	case answered:
		return "Waiting for next question"
	case opponent == PlayerFrozen:
		return "Opponent frozen, answer now"
	default:
		return "Pick an answer"
	}
}

// Searching reports whether matchmaking is in progress
func (s *Synchronizer) Searching() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.searching
}

// CurrentQuestion returns the last started question and its index
func (s *Synchronizer) CurrentQuestion() (*Question, int, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.match == nil || s.currentIndex >= len(s.match.Questions) {
		return nil, 0, false
	}
	q := s.match.Questions[s.currentIndex]
	if q == nil {
		return nil, 0, false
	}
	cp := *q
	cp.Choices = append([]string(nil), q.Choices...)
	return &cp, s.currentIndex, true
}

// IdleRemaining returns the idle countdown in seconds
func (s *Synchronizer) IdleRemaining() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.idleRemaining
}

// IsFrozen reports whether playerID is frozen
func (s *Synchronizer) IsFrozen(playerID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.freezes[playerID]
	return ok
}

// FreezeRemaining returns playerID's freeze countdown in seconds, 0 when not frozen
func (s *Synchronizer) FreezeRemaining(playerID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if f, ok := s.freezes[playerID]; ok {
		return f.remaining
	}
	return 0
}

// Frozen returns every frozen player with its remaining seconds
func (s *Synchronizer) Frozen() map[string]int {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]int, len(s.freezes))
	for id, f := range s.freezes {
		out[id] = f.remaining
	}
	return out
}

// Eliminated returns the choices known to be wrong for questionIndex, ascending
func (s *Synchronizer) Eliminated(questionIndex int) []int {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]int, 0, len(s.eliminated[questionIndex]))
	for idx := range s.eliminated[questionIndex] {
		out = append(out, idx)
	}
	sort.Ints(out)
	return out
}

// Answered reports whether this client already answered questionIndex
func (s *Synchronizer) Answered(questionIndex int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.answered[questionIndex]
	return ok
}

// InFlight reports whether a submission for questionIndex awaits its ack
func (s *Synchronizer) InFlight(questionIndex int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.inFlight[questionIndex]
	return ok
}

// Combo returns this client's consecutive correct answers
func (s *Synchronizer) Combo() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.combo
}

// LastAnswerResult returns this client's latest result for the current question
func (s *Synchronizer) LastAnswerResult() (events.AnswerResultPayload, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.lastResult == nil {
		return events.AnswerResultPayload{}, false
	}
	return *s.lastResult, true
}

// OpponentWrongPick returns the opponent's latest wrong choice while it is highlighted
func (s *Synchronizer) OpponentWrongPick() (int, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.opponentPick == nil {
		return 0, false
	}
	return *s.opponentPick, true
}

// Results returns the results of the last decided match
func (s *Synchronizer) Results() *Results {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.results == nil {
		return nil
	}
	out := *s.results
	out.Players = append([]ResultPlayer(nil), s.results.Players...)
	return &out
}

// RecentEvents returns the last few events received, oldest first
func (s *Synchronizer) RecentEvents() []DebugEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]DebugEvent(nil), s.recent...)
}
