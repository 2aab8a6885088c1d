// Package session holds the authoritative in-memory record for one room.
// A Session is exclusively owned by its room coordinator, which serializes
// every mutation; this package is plain state plus derivations.
package session

import (
	"sort"
	"time"

	"quizpulse/internal/domain"
	"quizpulse/internal/score"
)

// Session is the aggregate root for one live room.
type Session struct {
	roomCode string
	mode     domain.Mode
	now      func() time.Time

	createdAt time.Time
	phase     domain.Phase

	// Synchronized mode: index of the question currently on screen (-1 before
	// the first) and when it was put there. Self-paced mode: activeStartedAt
	// marks when the paper was handed out.
	questionIndex     int
	questionStartedAt time.Time
	activeStartedAt   time.Time

	participants map[string]*domain.Participant
	responses    map[string]map[string]domain.Response
	violations   map[string]int

	// Cached view; recomputable from responses at any time.
	leaderboard []domain.LeaderboardEntry
}

// New creates a session in the lobby phase.
func New(roomCode string, mode domain.Mode) *Session {
	return NewWithClock(roomCode, mode, time.Now)
}

// NewWithClock allows deterministic timestamps in tests.
func NewWithClock(roomCode string, mode domain.Mode, now func() time.Time) *Session {
	return &Session{
		roomCode:      roomCode,
		mode:          mode,
		now:           now,
		createdAt:     now(),
		phase:         domain.PhaseLobby,
		questionIndex: -1,
		participants:  make(map[string]*domain.Participant),
		responses:     make(map[string]map[string]domain.Response),
		violations:    make(map[string]int),
	}
}

func (s *Session) RoomCode() string  { return s.roomCode }
func (s *Session) Mode() domain.Mode { return s.mode }
func (s *Session) Phase() domain.Phase {
	return s.phase
}

// SetPhase records a transition. Legality is the coordinator's job.
func (s *Session) SetPhase(phase domain.Phase) {
	s.phase = phase
	if phase == domain.PhaseActive && s.activeStartedAt.IsZero() {
		s.activeStartedAt = s.now()
	}
}

// QuestionIndex returns the current question index, -1 before the first.
func (s *Session) QuestionIndex() int { return s.questionIndex }

// AdvanceQuestion moves to the given question and restarts its clock.
func (s *Session) AdvanceQuestion(index int) {
	s.questionIndex = index
	s.questionStartedAt = s.now()
}

// QuestionElapsed is the time since the current question went on screen.
func (s *Session) QuestionElapsed() time.Duration {
	if s.questionStartedAt.IsZero() {
		return 0
	}
	return s.now().Sub(s.questionStartedAt)
}

// Join admits a new participant or reconnects a returning one. Answers and
// violations survive because participants are never removed mid-session.
func (s *Session) Join(id, nickname string) (domain.Participant, bool) {
	if p, ok := s.participants[id]; ok {
		p.Connected = true
		if nickname != "" {
			p.Nickname = nickname
		}
		return *p, true
	}
	p := &domain.Participant{
		ID:        id,
		Nickname:  nickname,
		Connected: true,
		JoinedAt:  s.now(),
	}
	s.participants[id] = p
	return *p, false
}

// Participant returns a copy of the participant record.
func (s *Session) Participant(id string) (domain.Participant, bool) {
	p, ok := s.participants[id]
	if !ok {
		return domain.Participant{}, false
	}
	return *p, true
}

// SetConnected flips the liveness flag; a transient disconnect keeps the
// participant and every recorded response.
func (s *Session) SetConnected(id string, connected bool) bool {
	p, ok := s.participants[id]
	if !ok {
		return false
	}
	p.Connected = connected
	return true
}

// MarkCompleted freezes a self-paced participant's paper.
func (s *Session) MarkCompleted(id string) bool {
	p, ok := s.participants[id]
	if !ok {
		return false
	}
	p.Completed = true
	return true
}

// Completed reports whether the participant has handed in.
func (s *Session) Completed(id string) bool {
	p, ok := s.participants[id]
	return ok && p.Completed
}

// AllCompleted reports whether every participant has handed in.
func (s *Session) AllCompleted() bool {
	if len(s.participants) == 0 {
		return false
	}
	for _, p := range s.participants {
		if !p.Completed {
			return false
		}
	}
	return true
}

// Participants returns the participant set ordered by join time then id.
func (s *Session) Participants() []domain.Participant {
	out := make([]domain.Participant, 0, len(s.participants))
	for _, p := range s.participants {
		out = append(out, *p)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].JoinedAt.Equal(out[j].JoinedAt) {
			return out[i].JoinedAt.Before(out[j].JoinedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// ParticipantCount returns the number of admitted participants.
func (s *Session) ParticipantCount() int { return len(s.participants) }

// AnyConnected reports whether at least one participant is still connected.
func (s *Session) AnyConnected() bool {
	for _, p := range s.participants {
		if p.Connected {
			return true
		}
	}
	return false
}

// UpsertResponse records a selection, overwriting any earlier one for the
// same (participant, question) pair.
func (s *Session) UpsertResponse(participantID, questionID string, response domain.Response) {
	byQuestion, ok := s.responses[participantID]
	if !ok {
		byQuestion = make(map[string]domain.Response)
		s.responses[participantID] = byQuestion
	}
	byQuestion[questionID] = response
}

// ClearResponse deletes a recorded selection; reports whether one existed.
func (s *Session) ClearResponse(participantID, questionID string) bool {
	byQuestion, ok := s.responses[participantID]
	if !ok {
		return false
	}
	if _, ok := byQuestion[questionID]; !ok {
		return false
	}
	delete(byQuestion, questionID)
	return true
}

// Response returns the stored selection for one (participant, question) pair.
func (s *Session) Response(participantID, questionID string) (domain.Response, bool) {
	r, ok := s.responses[participantID][questionID]
	return r, ok
}

// AnswersOf returns questionID → option index for one participant, for the
// role-scoped state sync.
func (s *Session) AnswersOf(participantID string) map[string]int {
	byQuestion := s.responses[participantID]
	if len(byQuestion) == 0 {
		return nil
	}
	out := make(map[string]int, len(byQuestion))
	for questionID, r := range byQuestion {
		out[questionID] = r.OptionIdx
	}
	return out
}

// ScoreOf recomputes one participant's total from their responses. The
// leaderboard is only ever a cache of this.
func (s *Session) ScoreOf(participantID string, quiz domain.Quiz, scorer score.Scorer) int {
	total := 0
	for questionID, response := range s.responses[participantID] {
		question, _, ok := quiz.QuestionByID(questionID)
		if !ok {
			continue
		}
		total += scorer.Score(question, response)
	}
	return total
}

// RecordViolation merges an integrity signal monotonically: the stored count
// becomes max(stored+1, reported) so a client-reported running count can
// never lower the server's view.
func (s *Session) RecordViolation(participantID string, reported int) int {
	count := s.violations[participantID] + 1
	if reported > count {
		count = reported
	}
	s.violations[participantID] = count
	return count
}

// Violations returns a copy of the per-participant violation counts.
func (s *Session) Violations() map[string]int {
	if len(s.violations) == 0 {
		return nil
	}
	out := make(map[string]int, len(s.violations))
	for id, count := range s.violations {
		out[id] = count
	}
	return out
}

// RecomputeLeaderboard rebuilds the cached standings from responses: score
// descending, ties broken by earliest final submission, then participant id.
func (s *Session) RecomputeLeaderboard(quiz domain.Quiz, scorer score.Scorer) []domain.LeaderboardEntry {
	entries := make([]domain.LeaderboardEntry, 0, len(s.participants))
	finishedAt := make(map[string]time.Time, len(s.participants))
	for id, p := range s.participants {
		entries = append(entries, domain.LeaderboardEntry{
			ParticipantID: id,
			Nickname:      p.Nickname,
			Score:         s.ScoreOf(id, quiz, scorer),
		})
		finishedAt[id] = s.lastSubmissionAt(id)
	}
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].Score != entries[j].Score {
			return entries[i].Score > entries[j].Score
		}
		ti, tj := finishedAt[entries[i].ParticipantID], finishedAt[entries[j].ParticipantID]
		if !ti.Equal(tj) {
			return ti.Before(tj)
		}
		return entries[i].ParticipantID < entries[j].ParticipantID
	})
	s.leaderboard = entries
	return entries
}

// Leaderboard returns the cached standings.
func (s *Session) Leaderboard() []domain.LeaderboardEntry { return s.leaderboard }

func (s *Session) lastSubmissionAt(participantID string) time.Time {
	var last time.Time
	for _, r := range s.responses[participantID] {
		if r.SubmittedAt.After(last) {
			last = r.SubmittedAt
		}
	}
	return last
}
