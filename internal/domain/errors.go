package domain

import "errors"

var (
	// ErrUnauthorized is returned when a non-host sends a host-only action.
	ErrUnauthorized = errors.New("action restricted to the host")
	// ErrInvalidAction is returned when an action's preconditions fail.
	ErrInvalidAction = errors.New("action not allowed")
	// ErrInvalidPhase is returned when an action is illegal in the current phase.
	ErrInvalidPhase = errors.New("action not allowed in current phase")
	// ErrUnknownQuestion indicates a submitted question ID is not in the quiz.
	ErrUnknownQuestion = errors.New("question not found")
	// ErrUnknownOption indicates an option index outside the question's range.
	ErrUnknownOption = errors.New("option not found")
	// ErrUnknownParticipant is returned when a user acts before joining.
	ErrUnknownParticipant = errors.New("participant not found in room")
	// ErrSessionClosed is returned once a room reached game over or was torn down.
	ErrSessionClosed = errors.New("session closed")
	// ErrMalformedMessage indicates an undecodable inbound payload.
	ErrMalformedMessage = errors.New("malformed message")
	// ErrRoomNotFound is returned when a room code resolves to nothing.
	ErrRoomNotFound = errors.New("room not found")
	// ErrQuizNotFound indicates the quiz content could not be loaded.
	ErrQuizNotFound = errors.New("quiz not found")
)

// ErrorCode maps an error to its wire code for protocol error events.
func ErrorCode(err error) string {
	switch {
	case errors.Is(err, ErrUnauthorized):
		return "unauthorized"
	case errors.Is(err, ErrInvalidAction):
		return "invalid_action"
	case errors.Is(err, ErrInvalidPhase):
		return "invalid_phase"
	case errors.Is(err, ErrUnknownQuestion):
		return "unknown_question"
	case errors.Is(err, ErrUnknownOption):
		return "unknown_option"
	case errors.Is(err, ErrUnknownParticipant):
		return "unknown_participant"
	case errors.Is(err, ErrSessionClosed):
		return "session_closed"
	case errors.Is(err, ErrMalformedMessage):
		return "malformed_message"
	case errors.Is(err, ErrRoomNotFound):
		return "room_not_found"
	case errors.Is(err, ErrQuizNotFound):
		return "quiz_not_found"
	default:
		return "internal"
	}
}
