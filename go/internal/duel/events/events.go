package events

import (
	"encoding/json"
	"errors"
	"fmt"
)

// EventType is the wire name of an event
type EventType string

// Server -> client events
const (
	EventTypeMatchFound      EventType = "matchFound"
	EventTypeQuestionStarted EventType = "questionStarted"
	EventTypeAnswerResult    EventType = "answerResult"
	EventTypeQuestionEnded   EventType = "questionEnded"
	EventTypePlayerUnfrozen  EventType = "playerUnfrozen"
	EventTypeFreezeStateSync EventType = "freezeStateSync"
	EventTypeMatchEnded      EventType = "matchEnded"
	EventTypeOpponentLeft    EventType = "opponentLeft"
	EventTypeError           EventType = "error"
)

// Client -> server commands
const (
	CommandFindOpponent   EventType = "findOpponent"
	CommandCancelSearch   EventType = "cancelSearch"
	CommandLeaveMatch     EventType = "leaveMatch"
	CommandIdleTimeout    EventType = "idleTimeout"
	CommandGetFreezeState EventType = "getFreezeState"
	CommandSubmitAnswer   EventType = "submitAnswer"
	CommandInvitePlayer   EventType = "invitePlayer"
	CommandRespondInvite  EventType = "respondInvite"
)

// EventTypeAck carries the reply to an acked command
const EventTypeAck EventType = "ack"

// ServerEvents lists every server -> client event the engine understands
var ServerEvents = []EventType{
	EventTypeMatchFound,
	EventTypeQuestionStarted,
	EventTypeAnswerResult,
	EventTypeQuestionEnded,
	EventTypePlayerUnfrozen,
	EventTypeFreezeStateSync,
	EventTypeMatchEnded,
	EventTypeOpponentLeft,
	EventTypeError,
}

// ErrUnknownEvent is returned by Decode for event names outside ServerEvents
var ErrUnknownEvent = errors.New("unknown event type")

// Event is the closed set of decoded server events. Only types in this package implement it.
type Event interface {
	Type() EventType
	// Match returns the match id the event refers to, or "" when the server omitted it.
	Match() string
	isEvent()
}

// Envelope is the JSON frame exchanged with the duel server
type Envelope struct {
	Event EventType       `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
	AckID uint64          `json:"ack_id,omitempty"`
}

func (MatchFoundPayload) Type() EventType      { return EventTypeMatchFound }
func (QuestionStartedPayload) Type() EventType { return EventTypeQuestionStarted }
func (AnswerResultPayload) Type() EventType    { return EventTypeAnswerResult }
func (QuestionEndedPayload) Type() EventType   { return EventTypeQuestionEnded }
func (PlayerUnfrozenPayload) Type() EventType  { return EventTypePlayerUnfrozen }
func (FreezeStateSyncPayload) Type() EventType { return EventTypeFreezeStateSync }
func (MatchEndedPayload) Type() EventType      { return EventTypeMatchEnded }
func (OpponentLeftPayload) Type() EventType    { return EventTypeOpponentLeft }
func (ErrorPayload) Type() EventType           { return EventTypeError }

func (p MatchFoundPayload) Match() string      { return p.MatchID }
func (p QuestionStartedPayload) Match() string { return p.MatchID }
func (p AnswerResultPayload) Match() string    { return p.MatchID }
func (p QuestionEndedPayload) Match() string   { return p.MatchID }
func (p PlayerUnfrozenPayload) Match() string  { return p.MatchID }
func (p FreezeStateSyncPayload) Match() string { return p.MatchID }
func (p MatchEndedPayload) Match() string      { return p.MatchID }
func (p OpponentLeftPayload) Match() string    { return p.MatchID }
func (ErrorPayload) Match() string             { return "" }

func (MatchFoundPayload) isEvent()      {}
func (QuestionStartedPayload) isEvent() {}
func (AnswerResultPayload) isEvent()    {}
func (QuestionEndedPayload) isEvent()   {}
func (PlayerUnfrozenPayload) isEvent()  {}
func (FreezeStateSyncPayload) isEvent() {}
func (MatchEndedPayload) isEvent()      {}
func (OpponentLeftPayload) isEvent()    {}
func (ErrorPayload) isEvent()           {}

// UnmarshalJSON keeps every field besides message in Details
func (p *ErrorPayload) UnmarshalJSON(data []byte) error {
	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	if msg, ok := raw["message"].(string); ok {
		p.Message = msg
	}
	delete(raw, "message")
	if len(raw) > 0 {
		p.Details = raw
	}
	return nil
}

// Decode parses event data into the matching payload type
func Decode(eventType EventType, data json.RawMessage) (Event, error) {
	if len(data) == 0 || string(data) == "null" {
		data = json.RawMessage("{}")
	}

	var (
		ev  Event
		err error
	)
	switch eventType {
	case EventTypeMatchFound:
		ev, err = decodeAs[MatchFoundPayload](data)
	case EventTypeQuestionStarted:
		ev, err = decodeAs[QuestionStartedPayload](data)
	case EventTypeAnswerResult:
		ev, err = decodeAs[AnswerResultPayload](data)
	case EventTypeQuestionEnded:
		ev, err = decodeAs[QuestionEndedPayload](data)
	case EventTypePlayerUnfrozen:
		ev, err = decodeAs[PlayerUnfrozenPayload](data)
	case EventTypeFreezeStateSync:
		ev, err = decodeAs[FreezeStateSyncPayload](data)
	case EventTypeMatchEnded:
		ev, err = decodeAs[MatchEndedPayload](data)
	case EventTypeOpponentLeft:
		ev, err = decodeAs[OpponentLeftPayload](data)
	case EventTypeError:
		var p ErrorPayload
		if err = json.Unmarshal(data, &p); err == nil {
			ev = p
		}
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownEvent, eventType)
	}
	if err != nil {
		return nil, fmt.Errorf("decode %s payload: %w", eventType, err)
	}
	return ev, nil
}

func decodeAs[T Event](data json.RawMessage) (Event, error) {
	var payload T
	if err := json.Unmarshal(data, &payload); err != nil {
		return nil, err
	}
	return payload, nil
}

// NewEnvelope marshals a command payload into a frame
func NewEnvelope(eventType EventType, payload any, ackID uint64) (Envelope, error) {
	env := Envelope{Event: eventType, AckID: ackID}
	if payload == nil {
		return env, nil
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, fmt.Errorf("marshal %s payload: %w", eventType, err)
	}
	env.Data = data
	return env, nil
}
