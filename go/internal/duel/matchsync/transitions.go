package matchsync

import (
	"time"

	"github.com/rs/zerolog/log"

	"github.com/mcdev12/duelsync/go/internal/duel/events"
)

func (s *Synchronizer) onMatchFoundLocked(e events.MatchFoundPayload) effects {
	s.resetLocked()
	s.navTimer.stop()
	s.searching = false
	s.results = nil
	s.myID = e.Player.ID
	s.match = &Match{
		ID:      e.MatchID,
		Subject: e.Subject,
		Players: []MatchPlayer{
			{ID: e.Player.ID, Username: e.Player.Username},
			{ID: e.Opponent.ID, Username: e.Opponent.Username},
		},
		Status: MatchPending,
	}

	log.Info().
		Str("match_id", e.MatchID).
		Str("player_id", e.Player.ID).
		Str("opponent_id", e.Opponent.ID).
		Msg("match found")

	fx := effects{matchID: e.MatchID}
	fx.add(ChangeMatch)
	return fx
}

func (s *Synchronizer) onQuestionStartedLocked(e events.QuestionStartedPayload) effects {
	if e.Index < 0 || e.Index > MaxQuestionIndex {
		log.Warn().Int("index", e.Index).Msg("ignoring question with out of range index")
		return effects{}
	}
	s.match.setQuestion(e.Index, &Question{
		ID:           e.Question.ID,
		Text:         e.Question.Text,
		Choices:      append([]string(nil), e.Question.Choices...),
		CorrectIndex: UnknownCorrectIndex,
	})
	s.match.Status = MatchActive
	s.currentIndex = e.Index

	s.clearFreezesLocked()
	delete(s.eliminated, e.Index)
	s.answered = make(map[int]struct{})
	s.releaseAllInFlightLocked()
	s.lastResult = nil
	s.restartIdleLocked()

	log.Debug().Str("match_id", s.match.ID).Int("index", e.Index).Msg("question started")

	fx := effects{matchID: s.match.ID}
	fx.add(ChangeQuestion, ChangeFreeze, ChangeIdle)
	return fx
}

func (s *Synchronizer) onAnswerResultLocked(e events.AnswerResultPayload) effects {
	fx := effects{matchID: s.match.ID}
	mine := e.PlayerID == s.myID

	if mine {
		s.answered[e.QuestionIndex] = struct{}{}
		s.releaseInFlightLocked(e.QuestionIndex)
		result := e
		s.lastResult = &result
		if e.Correct {
			s.combo++
		} else {
			s.combo = 0
		}
	}
	if e.Correct {
		if p := s.match.player(e.PlayerID); p != nil {
			p.Score++
		}
	}

	if s.match.Status == MatchActive {
		s.restartIdleLocked()
		fx.add(ChangeIdle)
	}

	if e.Freeze {
		s.freezeLocked(e.PlayerID, s.freezeDuration(e.UnfreezeTime))
	} else {
		s.unfreezeLocked(e.PlayerID)
	}
	fx.add(ChangeFreeze)

	if !e.Correct {
		set := s.eliminated[e.QuestionIndex]
		if set == nil {
			set = make(map[int]struct{})
			s.eliminated[e.QuestionIndex] = set
		}
		set[e.AnswerIndex] = struct{}{}

		if !mine {
			pick := e.AnswerIndex
			s.opponentPick = &pick
			s.armLocked(&s.highlight, s.config.HighlightDuration, func() func() {
				s.opponentPick = nil
				return s.notifyLater(ChangeHighlight)
			})
			fx.add(ChangeHighlight)
		}
	}

	log.Debug().
		Str("match_id", s.match.ID).
		Str("player_id", e.PlayerID).
		Bool("correct", e.Correct).
		Bool("freeze", e.Freeze).
		Int("question_index", e.QuestionIndex).
		Msg("answer result")

	fx.add(ChangeAnswer)
	return fx
}

// freezeDuration prefers the server's unfreeze instant when it is still ahead
func (s *Synchronizer) freezeDuration(unfreezeTime *int64) time.Duration {
	if unfreezeTime != nil {
		if d := time.UnixMilli(*unfreezeTime).Sub(s.clock.Now()); d > 0 {
			return d
		}
	}
	return s.config.FreezeDuration
}

func (s *Synchronizer) onQuestionEndedLocked(e events.QuestionEndedPayload) effects {
	if s.currentIndex < len(s.match.Questions) {
		if q := s.match.Questions[s.currentIndex]; q != nil {
			q.CorrectIndex = e.CorrectIndex
		}
	}
	s.releaseAllInFlightLocked()
	s.clearFreezesLocked()

	fx := effects{matchID: s.match.ID}
	fx.add(ChangeQuestion, ChangeFreeze)
	return fx
}

func (s *Synchronizer) onPlayerUnfrozenLocked(e events.PlayerUnfrozenPayload) effects {
	s.unfreezeLocked(e.PlayerID)
	if e.PlayerID == s.myID {
		s.releaseAllInFlightLocked()
		s.answered = make(map[int]struct{})
	}

	fx := effects{matchID: s.match.ID}
	fx.add(ChangeFreeze)
	return fx
}

// onFreezeStateSyncLocked replaces all local freeze bookkeeping with the server's view
func (s *Synchronizer) onFreezeStateSyncLocked(e events.FreezeStateSyncPayload) effects {
	s.clearFreezesLocked()
	now := s.clock.Now()
	for playerID, unfreezeAt := range e.Frozen {
		if d := time.UnixMilli(unfreezeAt).Sub(now); d > 0 {
			s.freezeLocked(playerID, d)
		}
	}

	log.Debug().
		Str("match_id", s.match.ID).
		Int("frozen", len(s.freezes)).
		Msg("freeze state synchronized")

	fx := effects{matchID: s.match.ID}
	fx.add(ChangeFreeze)
	return fx
}

func (s *Synchronizer) onMatchEndedLocked(e events.MatchEndedPayload) effects {
	players := make([]ResultPlayer, 0, len(e.Players))
	for _, p := range e.Players {
		rp := ResultPlayer{ID: p.PlayerID(), Username: p.Username}
		if p.Score != nil {
			rp.Score = *p.Score
		} else if local := s.match.player(rp.ID); local != nil {
			rp.Score = local.Score
		}
		players = append(players, rp)
	}
	if len(players) == 0 {
		players = s.localResultPlayersLocked()
	}

	var winner *string
	if e.WinnerID != nil && *e.WinnerID != "" {
		w := *e.WinnerID
		winner = &w
	}

	if e.Reason == ReasonIdle || (winner == nil && allZero(players)) {
		return s.finishLocked(DestinationHome, nil, e.Reason)
	}
	return s.finishLocked(DestinationResults, &Results{
		MatchID:  s.match.ID,
		WinnerID: winner,
		Players:  players,
		Reason:   e.Reason,
		Won:      winner != nil && *winner == s.myID,
	}, e.Reason)
}

// onOpponentLeftLocked awards the match to this client
func (s *Synchronizer) onOpponentLeftLocked() effects {
	me := s.myID
	return s.finishLocked(DestinationResults, &Results{
		MatchID:  s.match.ID,
		WinnerID: &me,
		Players:  s.localResultPlayersLocked(),
		Reason:   ReasonOpponentLeft,
		Won:      true,
	}, ReasonOpponentLeft)
}

func (s *Synchronizer) localResultPlayersLocked() []ResultPlayer {
	players := make([]ResultPlayer, 0, len(s.match.Players))
	for _, p := range s.match.Players {
		players = append(players, ResultPlayer{ID: p.ID, Username: p.Username, Score: p.Score})
	}
	return players
}

func allZero(players []ResultPlayer) bool {
	for _, p := range players {
		if p.Score != 0 {
			return false
		}
	}
	return true
}

// finishLocked ends the match and leaves the routing for after the lock is released
func (s *Synchronizer) finishLocked(dest Destination, results *Results, reason string) effects {
	matchID := s.match.ID
	s.resetLocked()
	s.results = results

	log.Info().
		Str("match_id", matchID).
		Str("destination", string(dest)).
		Str("reason", reason).
		Msg("match finished")

	fx := effects{matchID: matchID, navigate: true, dest: dest, results: results}
	fx.add(ChangeTerminal)
	return fx
}

// restartIdleLocked resets the idle countdown to its ceiling and restarts the tick
func (s *Synchronizer) restartIdleLocked() {
	s.idleRemaining = ceilTicks(s.config.IdleTimeout, s.config.TickInterval)
	s.armIdleTickLocked()
}

func (s *Synchronizer) armIdleTickLocked() {
	s.armLocked(&s.idleTick, s.config.TickInterval, s.onIdleTickLocked)
}

func (s *Synchronizer) onIdleTickLocked() func() {
	if s.match == nil {
		return nil
	}
	s.idleRemaining--
	if s.idleRemaining > 0 {
		s.armIdleTickLocked()
		return s.notifyLater(ChangeIdle)
	}

	log.Info().Str("match_id", s.match.ID).Msg("match idle, ending locally")
	fx := s.finishLocked(DestinationHome, nil, ReasonIdle)
	fx.idleTimeout = true
	return func() { s.apply(fx) }
}

// freezeLocked starts a countdown of d for playerID, replacing any running one
func (s *Synchronizer) freezeLocked(playerID string, d time.Duration) {
	s.unfreezeLocked(playerID)
	f := &playerFreeze{remaining: ceilTicks(d, s.config.TickInterval)}
	s.freezes[playerID] = f
	s.armFreezeTickLocked(playerID, f)
	s.armLocked(&f.deadline, d, func() func() {
		return s.expireFreezeLocked(playerID, f)
	})
}

func (s *Synchronizer) armFreezeTickLocked(playerID string, f *playerFreeze) {
	s.armLocked(&f.tick, s.config.TickInterval, func() func() {
		f.remaining--
		if f.remaining > 0 {
			s.armFreezeTickLocked(playerID, f)
			return s.notifyLater(ChangeFreeze)
		}
		return s.expireFreezeLocked(playerID, f)
	})
}

func (s *Synchronizer) expireFreezeLocked(playerID string, f *playerFreeze) func() {
	if s.freezes[playerID] != f {
		return nil
	}
	f.remaining = 0
	f.stop()
	delete(s.freezes, playerID)
	if playerID == s.myID {
		s.releaseAllInFlightLocked()
		s.answered = make(map[int]struct{})
	}

	log.Debug().Str("player_id", playerID).Msg("freeze expired")
	return s.notifyLater(ChangeFreeze)
}

func (s *Synchronizer) unfreezeLocked(playerID string) {
	if f, ok := s.freezes[playerID]; ok {
		f.stop()
		delete(s.freezes, playerID)
	}
}

func (s *Synchronizer) clearFreezesLocked() {
	for playerID, f := range s.freezes {
		f.stop()
		delete(s.freezes, playerID)
	}
}

func (s *Synchronizer) releaseInFlightLocked(questionIndex int) {
	if slot, ok := s.inFlight[questionIndex]; ok {
		slot.stop()
		delete(s.inFlight, questionIndex)
	}
}

func (s *Synchronizer) releaseAllInFlightLocked() {
	for questionIndex, slot := range s.inFlight {
		slot.stop()
		delete(s.inFlight, questionIndex)
	}
}
