package matchsync

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/mcdev12/duelsync/go/internal/duel/events"
)

// SubmitAnswer submits answerIndex for questionIndex of the current match.
// Submissions the guard blocks are reported through the outcome and never
// reach the connection. The error is only set when the answer could be
// neither sent nor queued.
func (s *Synchronizer) SubmitAnswer(ctx context.Context, questionIndex, answerIndex int) (SubmitOutcome, error) {
	return s.submit(ctx, questionIndex, answerIndex, true)
}

func (s *Synchronizer) submit(ctx context.Context, questionIndex, answerIndex int, allowRetry bool) (SubmitOutcome, error) {
	s.mu.Lock()
	if s.closed || s.match == nil {
		s.mu.Unlock()
		return SubmitInactive, nil
	}
	switch s.playerStatusLocked(s.myID) {
	case PlayerInactive:
		s.mu.Unlock()
		return SubmitInactive, nil
	case PlayerFrozen:
		s.mu.Unlock()
		return SubmitFrozen, nil
	}
	if _, ok := s.eliminated[questionIndex][answerIndex]; ok {
		s.mu.Unlock()
		return SubmitEliminated, nil
	}

	_, answered := s.answered[questionIndex]
	_, inFlight := s.inFlight[questionIndex]
	if answered || inFlight {
		if !allowRetry {
			s.mu.Unlock()
			log.Debug().Int("question_index", questionIndex).Msg("duplicate submission dropped")
			return SubmitDuplicate, nil
		}
		// The player can answer but the guard still holds, usually an unfreeze
		// racing the release of the previous submission. Try once more.
		s.armLocked(&s.retry, s.config.SubmitRetryDelay, func() func() {
			return func() {
				if _, err := s.submit(context.Background(), questionIndex, answerIndex, false); err != nil {
					log.Warn().Err(err).Int("question_index", questionIndex).Msg("submit retry failed")
				}
			}
		})
		s.mu.Unlock()
		return SubmitRetrying, nil
	}

	matchID := s.match.ID
	s.answered[questionIndex] = struct{}{}
	slot := &timerSlot{}
	s.inFlight[questionIndex] = slot
	s.armLocked(slot, s.config.SubmitTimeout, func() func() {
		if s.inFlight[questionIndex] == slot {
			delete(s.inFlight, questionIndex)
		}
		return nil
	})
	s.mu.Unlock()

	sub := events.Submission{MatchID: matchID, QuestionIndex: questionIndex, AnswerIndex: answerIndex}
	queued, err := s.conn.SubmitAnswer(ctx, sub, func(ack events.SubmitAck) {
		s.handleAck(sub, ack)
	})
	if err != nil {
		s.mu.Lock()
		if s.matchIDLocked() == matchID {
			delete(s.answered, questionIndex)
			s.releaseInFlightLocked(questionIndex)
		}
		s.mu.Unlock()
		return "", fmt.Errorf("submit answer: %w", err)
	}

	s.publish(Change{Kind: ChangeAnswer, MatchID: matchID})
	if queued {
		return SubmitQueued, nil
	}
	return SubmitSent, nil
}

// handleAck releases the in-flight guard. A rejection also reopens the
// question so the player can answer again once allowed.
func (s *Synchronizer) handleAck(sub events.Submission, ack events.SubmitAck) {
	s.mu.Lock()
	if s.closed || s.matchIDLocked() != sub.MatchID {
		s.mu.Unlock()
		return
	}
	s.releaseInFlightLocked(sub.QuestionIndex)
	if !ack.OK {
		delete(s.answered, sub.QuestionIndex)
	}
	s.mu.Unlock()

	if !ack.OK {
		log.Debug().
			Str("match_id", sub.MatchID).
			Int("question_index", sub.QuestionIndex).
			Str("error", ack.Error).
			Msg("submission rejected")
	}
	s.publish(Change{Kind: ChangeAnswer, MatchID: sub.MatchID})
}
