package domain

// ActionType tags an inbound message. Handling is one typed handler per
// variant; unknown tags are rejected as malformed instead of silently dropped.
type ActionType string

const (
	ActionJoin         ActionType = "join"
	ActionStartGame    ActionType = "start_game"
	ActionNextQuestion ActionType = "next_question"
	ActionForceSubmit  ActionType = "force_submit"
	ActionSubmitAnswer ActionType = "submit_answer"
	ActionClearAnswer  ActionType = "clear_answer"
	ActionSubmitTest   ActionType = "submit_test"
	ActionLogViolation ActionType = "log_violation"
	ActionGameOver     ActionType = "game_over"
)

// EventType tags an outbound message.
type EventType string

const (
	EventStateSync         EventType = "state_sync"
	EventParticipantUpdate EventType = "participant_update"
	EventGameStart         EventType = "game_start"
	EventNewQuestion       EventType = "new_question"
	EventLeaderboardUpdate EventType = "leaderboard_update"
	EventGameOver          EventType = "game_over"
	EventAnswerAck         EventType = "answer_ack"
	EventViolation         EventType = "violation"
	EventError             EventType = "error"
)

// AudienceKind selects who receives an event.
type AudienceKind int

const (
	AudienceBroadcast AudienceKind = iota
	AudienceHost
	AudienceParticipant
)

// Audience addresses an event: the whole room, host connections only, or a
// single participant.
type Audience struct {
	Kind          AudienceKind
	ParticipantID string
}

func Broadcast() Audience              { return Audience{Kind: AudienceBroadcast} }
func HostOnly() Audience               { return Audience{Kind: AudienceHost} }
func ToParticipant(id string) Audience { return Audience{Kind: AudienceParticipant, ParticipantID: id} }

// Event is one outbound message plus its audience. The room coordinator emits
// event sets; the connection hub does the transport I/O.
type Event struct {
	Audience Audience
	Type     EventType
	Payload  any
}

// Inbound payloads.

type JoinPayload struct {
	Nickname string `json:"name"`
}

type SubmitAnswerPayload struct {
	QuestionID string `json:"questionId"`
	OptionIdx  int    `json:"optionIdx"`
}

type ClearAnswerPayload struct {
	QuestionID string `json:"questionId"`
}

type LogViolationPayload struct {
	Kind  string `json:"type"`
	Count int    `json:"count"`
}

// Outbound payloads.

// StateSyncPayload carries the full session view appropriate to the receiver's
// role. Host-only fields stay empty for participants.
type StateSyncPayload struct {
	Phase         Phase              `json:"status"`
	Mode          Mode               `json:"mode"`
	Participants  []Participant      `json:"participants"`
	QuestionIndex int                `json:"currentQuestionIndex"`
	QuestionCount int                `json:"questionCount"`
	Question      *QuestionView      `json:"currentQuestion,omitempty"`
	Questions     []QuestionView     `json:"questions,omitempty"`
	MyAnswers     map[string]int     `json:"myAnswers,omitempty"`
	Leaderboard   []LeaderboardEntry `json:"leaderboard,omitempty"`
	Violations    map[string]int     `json:"violations,omitempty"`
}

type ParticipantUpdatePayload struct {
	Participants []Participant `json:"participants"`
}

// GameStartPayload announces entry into the active phase. Questions is only
// populated in self-paced mode, where the whole paper is delivered up front.
type GameStartPayload struct {
	Mode          Mode           `json:"mode"`
	QuestionCount int            `json:"questionCount"`
	CountdownSec  int            `json:"countdown,omitempty"`
	Questions     []QuestionView `json:"questions,omitempty"`
}

type NewQuestionPayload struct {
	Question     QuestionView `json:"question"`
	TimeLimitSec int          `json:"timeLimit"`
	Index        int          `json:"index"`
	Total        int          `json:"total"`
}

type LeaderboardUpdatePayload struct {
	Leaderboard []LeaderboardEntry `json:"leaderboard"`
}

type GameOverPayload struct {
	Leaderboard []LeaderboardEntry `json:"leaderboard"`
}

// AnswerAckPayload confirms an upserted or cleared response to its author
// only; other participants never learn about each other's progress.
type AnswerAckPayload struct {
	QuestionID string `json:"questionId"`
	OptionIdx  int    `json:"optionIdx"`
	Cleared    bool   `json:"cleared,omitempty"`
}

// ViolationPayload notifies the host view of an integrity signal. The
// violating participant never receives it.
type ViolationPayload struct {
	ParticipantID string `json:"participantId"`
	Nickname      string `json:"nickname"`
	Kind          string `json:"type"`
	Count         int    `json:"count"`
}

type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}
