package events

// Event payload types shared between the gateway and matchsync packages.
// JSON tags follow the duel server's camelCase wire format.

// PlayerRef identifies a participant in a matchFound event
type PlayerRef struct {
	ID       string `json:"id"`
	Username string `json:"username"`
}

// QuestionPayload is the question body carried by questionStarted
type QuestionPayload struct {
	ID      string   `json:"id"`
	Text    string   `json:"text"`
	Choices []string `json:"choices"`
}

// MatchFoundPayload is the payload for a matchFound event
type MatchFoundPayload struct {
	MatchID  string    `json:"matchId"`
	Player   PlayerRef `json:"player"`
	Opponent PlayerRef `json:"opponent"`
	Subject  string    `json:"subject,omitempty"`
}

// QuestionStartedPayload is the payload for a questionStarted event
type QuestionStartedPayload struct {
	MatchID  string          `json:"matchId,omitempty"`
	Index    int             `json:"index"`
	Question QuestionPayload `json:"question"`
}

// AnswerResultPayload is the payload for an answerResult event
type AnswerResultPayload struct {
	MatchID       string `json:"matchId,omitempty"`
	PlayerID      string `json:"playerId"`
	Correct       bool   `json:"correct"`
	Freeze        bool   `json:"freeze"`
	AnswerIndex   int    `json:"answerIndex"`
	QuestionIndex int    `json:"questionIndex"`
	// UnfreezeTime is the absolute unfreeze instant in epoch milliseconds.
	UnfreezeTime *int64 `json:"unfreezeTime,omitempty"`
}

// QuestionEndedPayload is the payload for a questionEnded event
type QuestionEndedPayload struct {
	MatchID      string `json:"matchId,omitempty"`
	CorrectIndex int    `json:"correctIndex"`
}

// PlayerUnfrozenPayload is the payload for a playerUnfrozen event
type PlayerUnfrozenPayload struct {
	MatchID  string `json:"matchId,omitempty"`
	PlayerID string `json:"playerId"`
}

// FreezeStateSyncPayload carries authoritative unfreeze instants (epoch ms) per player
type FreezeStateSyncPayload struct {
	MatchID string           `json:"matchId,omitempty"`
	Frozen  map[string]int64 `json:"frozen"`
}

// EndedPlayer is a player entry in matchEnded. Older servers send userId instead of id.
type EndedPlayer struct {
	ID       string `json:"id,omitempty"`
	UserID   string `json:"userId,omitempty"`
	Username string `json:"username"`
	Score    *int   `json:"score,omitempty"`
	IsFrozen *bool  `json:"isFrozen,omitempty"`
}

// PlayerID returns id, falling back to userId
func (p EndedPlayer) PlayerID() string {
	if p.ID != "" {
		return p.ID
	}
	return p.UserID
}

// MatchEndedPayload is the payload for a matchEnded event
type MatchEndedPayload struct {
	MatchID  string        `json:"matchId,omitempty"`
	WinnerID *string       `json:"winnerId"`
	Players  []EndedPlayer `json:"players"`
	Reason   string        `json:"reason,omitempty"`
}

// OpponentLeftPayload is the payload for an opponentLeft event. All fields are optional.
type OpponentLeftPayload struct {
	MatchID string `json:"matchId,omitempty"`
}

// ErrorPayload is a generic server-side rejection
type ErrorPayload struct {
	Message string         `json:"message"`
	Details map[string]any `json:"-"`
}

// Client -> server payloads

// FindOpponentRequest starts matchmaking, optionally restricted to a subject
type FindOpponentRequest struct {
	Subject string `json:"subject,omitempty"`
}

// MatchRef is the body of idleTimeout and getFreezeState
type MatchRef struct {
	MatchID string `json:"matchId"`
}

// Submission is one answer submission. It is also the persisted offline queue record.
type Submission struct {
	MatchID       string `json:"matchId"`
	QuestionIndex int    `json:"questionIndex"`
	AnswerIndex   int    `json:"answerIndex"`
}

// InvitePlayerRequest invites a user by name
type InvitePlayerRequest struct {
	Username string `json:"username"`
	Subject  string `json:"subject,omitempty"`
}

// RespondInviteRequest accepts or declines an invite
type RespondInviteRequest struct {
	InviteID string `json:"inviteId"`
	Accepted bool   `json:"accepted"`
}

// Acknowledgments

// SubmitAck acknowledges a submitAnswer
type SubmitAck struct {
	OK    bool   `json:"ok"`
	Error string `json:"error,omitempty"`
}

// InviteAck acknowledges an invitePlayer
type InviteAck struct {
	OK             bool   `json:"ok"`
	InviteID       string `json:"inviteId,omitempty"`
	TargetUsername string `json:"targetUsername,omitempty"`
	Subject        string `json:"subject,omitempty"`
	Error          string `json:"error,omitempty"`
}

// RespondInviteAck acknowledges a respondInvite
type RespondInviteAck struct {
	OK       bool   `json:"ok"`
	Accepted bool   `json:"accepted"`
	Error    string `json:"error,omitempty"`
}

// FrozenReason is the rejection message the server uses when a frozen player submits
const FrozenReason = "You are frozen"
