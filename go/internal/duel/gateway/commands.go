package gateway

import (
	"context"
	"encoding/json"

	"github.com/rs/zerolog/log"

	"github.com/mcdev12/duelsync/go/internal/duel/events"
)

// FindOpponent enters matchmaking
func (cm *ConnectionManager) FindOpponent(ctx context.Context, subject string) error {
	return cm.emit(ctx, events.CommandFindOpponent, events.FindOpponentRequest{Subject: subject})
}

// CancelSearch leaves matchmaking
func (cm *ConnectionManager) CancelSearch(ctx context.Context) error {
	return cm.emit(ctx, events.CommandCancelSearch, nil)
}

// LeaveMatch forfeits the current match
func (cm *ConnectionManager) LeaveMatch(ctx context.Context) error {
	return cm.emit(ctx, events.CommandLeaveMatch, nil)
}

// IdleTimeout reports a locally detected idle timeout
func (cm *ConnectionManager) IdleTimeout(ctx context.Context, matchID string) error {
	return cm.emit(ctx, events.CommandIdleTimeout, events.MatchRef{MatchID: matchID})
}

// RequestFreezeState asks the server for a freezeStateSync
func (cm *ConnectionManager) RequestFreezeState(ctx context.Context, matchID string) error {
	log.Debug().Str("match_id", matchID).Msg("requesting freeze state")
	return cm.emit(ctx, events.CommandGetFreezeState, events.MatchRef{MatchID: matchID})
}

// InvitePlayer invites username to a duel
func (cm *ConnectionManager) InvitePlayer(ctx context.Context, username, subject string, onAck func(events.InviteAck)) error {
	req := events.InvitePlayerRequest{Username: username, Subject: subject}
	return cm.emitWithAck(ctx, events.CommandInvitePlayer, req, ackDecoder(func(ack events.InviteAck) {
		if !ack.OK {
			cm.notifier.Notify(NoticeError, ack.Error)
		}
		if onAck != nil {
			onAck(ack)
		}
	}))
}

// RespondInvite accepts or declines an invite
func (cm *ConnectionManager) RespondInvite(ctx context.Context, inviteID string, accepted bool, onAck func(events.RespondInviteAck)) error {
	req := events.RespondInviteRequest{InviteID: inviteID, Accepted: accepted}
	return cm.emitWithAck(ctx, events.CommandRespondInvite, req, ackDecoder(func(ack events.RespondInviteAck) {
		if !ack.OK {
			cm.notifier.Notify(NoticeError, ack.Error)
		}
		if onAck != nil {
			onAck(ack)
		}
	}))
}

func ackDecoder[T any](fn func(T)) AckFunc {
	return func(data json.RawMessage) {
		var ack T
		if err := json.Unmarshal(data, &ack); err != nil {
			log.Warn().Err(err).Msg("malformed acknowledgment")
			return
		}
		fn(ack)
	}
}
