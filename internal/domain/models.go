package domain

import "time"

// Mode selects how a room moves through its questions. It is fixed at room
// creation and only changes which actions are legal while the room is active.
type Mode string

const (
	// ModeSynchronized advances one shared question at a time, driven by the
	// host and a server-owned per-question timer.
	ModeSynchronized Mode = "synchronized"
	// ModeSelfPaced delivers every question up front; each participant
	// navigates independently and finishes with submit_test.
	ModeSelfPaced Mode = "self_paced"
)

// ParseMode maps the wire/config string to a Mode, defaulting to synchronized.
func ParseMode(raw string) Mode {
	if Mode(raw) == ModeSelfPaced {
		return ModeSelfPaced
	}
	return ModeSynchronized
}

// Phase is the single source of truth for which actions a room accepts.
type Phase string

const (
	PhaseLobby       Phase = "lobby"
	PhaseCountdown   Phase = "countdown"
	PhaseActive      Phase = "active"
	PhaseLeaderboard Phase = "leaderboard"
	PhaseGameOver    Phase = "game_over"
)

// Terminal reports whether the phase accepts no further mutations.
func (p Phase) Terminal() bool { return p == PhaseGameOver }

const (
	// DefaultPoints is awarded for a correct answer when the quiz author left
	// the per-question value unset.
	DefaultPoints = 100
	// DefaultTimeLimit applies when a question carries no time limit.
	DefaultTimeLimit = 30 * time.Second
)

// Option represents a possible answer for a question.
type Option struct {
	Text    string `json:"text"`
	Correct bool   `json:"is_correct"`
}

// Question models an MCQ question with exactly one correct option.
type Question struct {
	ID           string   `json:"id"`
	Text         string   `json:"text"`
	Options      []Option `json:"options"`
	Points       int      `json:"points"`     // defaults to DefaultPoints if zero
	TimeLimitSec int      `json:"time_limit"` // seconds, defaults to DefaultTimeLimit if zero
}

// TimeLimit returns the answering window for the question.
func (q Question) TimeLimit() time.Duration {
	if q.TimeLimitSec <= 0 {
		return DefaultTimeLimit
	}
	return time.Duration(q.TimeLimitSec) * time.Second
}

// PointValue returns the points awarded for a correct answer.
func (q Question) PointValue() int {
	if q.Points <= 0 {
		return DefaultPoints
	}
	return q.Points
}

// Quiz is an ordered collection of questions, consumed read-only.
type Quiz struct {
	ID        string     `json:"id"`
	Title     string     `json:"title"`
	Questions []Question `json:"questions"`
}

// QuestionByID returns the question and its index, or ok=false.
func (q Quiz) QuestionByID(id string) (Question, int, bool) {
	for i := range q.Questions {
		if q.Questions[i].ID == id {
			return q.Questions[i], i, true
		}
	}
	return Question{}, 0, false
}

// OptionView is a participant-safe option: the answer key is stripped.
type OptionView struct {
	Text string `json:"text"`
}

// QuestionView is the participant-safe projection of a question.
type QuestionView struct {
	ID           string       `json:"id"`
	Text         string       `json:"text"`
	Options      []OptionView `json:"options"`
	Points       int          `json:"points"`
	TimeLimitSec int          `json:"timeLimit"`
}

// View strips the answer key from a question.
func (q Question) View() QuestionView {
	options := make([]OptionView, len(q.Options))
	for i, opt := range q.Options {
		options[i] = OptionView{Text: opt.Text}
	}
	return QuestionView{
		ID:           q.ID,
		Text:         q.Text,
		Options:      options,
		Points:       q.PointValue(),
		TimeLimitSec: int(q.TimeLimit() / time.Second),
	}
}

// Views projects the whole quiz into participant-safe form.
func (q Quiz) Views() []QuestionView {
	views := make([]QuestionView, len(q.Questions))
	for i, question := range q.Questions {
		views[i] = question.View()
	}
	return views
}

// Participant is a joined player. Participants are never removed on
// disconnect; Connected flips false and the answers stay.
type Participant struct {
	ID        string    `json:"id"`
	Nickname  string    `json:"nickname"`
	Connected bool      `json:"connected"`
	Completed bool      `json:"completed"`
	JoinedAt  time.Time `json:"joinedAt"`
}

// Response is one participant's recorded selection for one question.
// At most one exists per (participant, question); later submissions overwrite.
type Response struct {
	OptionIdx   int           `json:"optionIdx"`
	SubmittedAt time.Time     `json:"submittedAt"`
	Elapsed     time.Duration `json:"-"`
}

// LeaderboardEntry is a snapshot-friendly view of a participant's standing.
type LeaderboardEntry struct {
	ParticipantID string `json:"id"`
	Nickname      string `json:"nickname"`
	Score         int    `json:"score"`
}
