// Package room contains the per-room coordinator and the process-wide
// registry. The coordinator owns one session, serializes every mutating
// action under a single mutex, runs the phase machine, and emits event sets.
// It never performs transport I/O; delivery belongs to the connection hub.
package room

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"quizpulse/internal/domain"
	"quizpulse/internal/score"
	"quizpulse/internal/session"
)

// EventSink receives the event sets a room produces. Deliver is invoked while
// the room's mutex is held, so consecutive calls arrive in mutation order.
// Implementations must not block: a slow receiver must never stall the
// coordinator, and Deliver must not call back into the room.
type EventSink interface {
	Deliver(roomCode string, events []domain.Event)
}

// ResultRecorder persists the final leaderboard, invoked once on game over.
type ResultRecorder interface {
	RecordResult(ctx context.Context, roomCode, quizID string, leaderboard []domain.LeaderboardEntry) error
}

// Settings tunes the room lifecycle.
type Settings struct {
	Countdown       time.Duration
	MinParticipants int
	GameOverGrace   time.Duration
	IdleTimeout     time.Duration
}

// Room coordinates one live quiz session.
type Room struct {
	code     string
	quiz     domain.Quiz
	mode     domain.Mode
	settings Settings
	scorer   score.Scorer
	sink     EventSink
	recorder ResultRecorder
	log      *zap.Logger
	clock    func() time.Time

	mu            sync.Mutex
	sess          *session.Session
	countdown     *time.Timer
	questionTimer *time.Timer
	closed        bool
	recorded      bool
	endedAt       time.Time
	lastActivity  time.Time
}

// New creates a room in the lobby phase.
func New(code string, quiz domain.Quiz, mode domain.Mode, settings Settings, scorer score.Scorer, sink EventSink, recorder ResultRecorder, log *zap.Logger) *Room {
	return NewWithClock(code, quiz, mode, settings, scorer, sink, recorder, log, time.Now)
}

// NewWithClock allows deterministic timestamps in tests.
func NewWithClock(code string, quiz domain.Quiz, mode domain.Mode, settings Settings, scorer score.Scorer, sink EventSink, recorder ResultRecorder, log *zap.Logger, now func() time.Time) *Room {
	if settings.MinParticipants < 1 {
		settings.MinParticipants = 1
	}
	return &Room{
		code:         code,
		quiz:         quiz,
		mode:         mode,
		settings:     settings,
		scorer:       scorer,
		sink:         sink,
		recorder:     recorder,
		log:          log.With(zap.String("room", code)),
		clock:        now,
		sess:         session.NewWithClock(code, mode, now),
		lastActivity: now(),
	}
}

func (r *Room) Code() string      { return r.code }
func (r *Room) QuizID() string    { return r.quiz.ID }
func (r *Room) Mode() domain.Mode { return r.mode }

// Phase returns the current phase.
func (r *Room) Phase() domain.Phase {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sess.Phase()
}

// Leaderboard returns the cached standings snapshot.
func (r *Room) Leaderboard() []domain.LeaderboardEntry {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sess.Leaderboard()
}

// Touch bumps the idle clock; the hub calls it when a connection attaches.
func (r *Room) Touch() {
	r.mu.Lock()
	r.lastActivity = r.clock()
	r.mu.Unlock()
}

// Join admits a participant or reconnects a returning one, and syncs state to
// the joining connection. Host connections only receive their state view.
func (r *Room) Join(participantID, nickname string, isHost bool) error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return domain.ErrSessionClosed
	}
	r.lastActivity = r.clock()

	if isHost {
		events := []domain.Event{r.stateSyncLocked(participantID, true)}
		r.emit(events)
		r.mu.Unlock()
		return nil
	}

	_, existing := r.sess.Participant(participantID)
	if !existing {
		// Fresh admissions happen in the lobby, during the countdown, or
		// mid-question; reconnects are allowed whenever the room is open.
		switch r.sess.Phase() {
		case domain.PhaseGameOver:
			r.mu.Unlock()
			return domain.ErrSessionClosed
		case domain.PhaseLeaderboard:
			r.mu.Unlock()
			return domain.ErrInvalidPhase
		}
	}

	r.sess.Join(participantID, nickname)
	r.sess.RecomputeLeaderboard(r.quiz, r.scorer)
	events := []domain.Event{
		r.stateSyncLocked(participantID, false),
		r.participantUpdateLocked(),
	}
	r.emit(events)
	r.mu.Unlock()

	if existing {
		r.log.Info("participant reconnected", zap.String("participant", participantID))
	} else {
		r.log.Info("participant joined", zap.String("participant", participantID), zap.String("nickname", nickname))
	}
	return nil
}

// StartGame moves the lobby into the countdown. Host only.
func (r *Room) StartGame(isHost bool) error {
	if !isHost {
		return domain.ErrUnauthorized
	}
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return domain.ErrSessionClosed
	}
	if r.sess.Phase() != domain.PhaseLobby {
		r.mu.Unlock()
		return domain.ErrInvalidPhase
	}
	if r.sess.ParticipantCount() < r.settings.MinParticipants {
		r.mu.Unlock()
		return domain.ErrInvalidAction
	}

	r.lastActivity = r.clock()
	r.sess.SetPhase(domain.PhaseCountdown)
	r.countdown = time.AfterFunc(r.settings.Countdown, r.onCountdownElapsed)
	events := []domain.Event{{
		Audience: domain.Broadcast(),
		Type:     domain.EventGameStart,
		Payload: domain.GameStartPayload{
			Mode:          r.mode,
			QuestionCount: len(r.quiz.Questions),
			CountdownSec:  int(r.settings.Countdown / time.Second),
		},
	}}
	r.emit(events)
	r.mu.Unlock()
	r.log.Info("game starting", zap.Duration("countdown", r.settings.Countdown))
	return nil
}

// onCountdownElapsed is the countdown timer re-entering the serialized action
// stream; it is just another action, not a special case.
func (r *Room) onCountdownElapsed() {
	r.mu.Lock()
	if r.closed || r.sess.Phase() != domain.PhaseCountdown {
		r.mu.Unlock()
		return
	}
	events := r.enterActiveLocked()
	r.emit(events)
	r.mu.Unlock()
}

func (r *Room) enterActiveLocked() []domain.Event {
	r.sess.SetPhase(domain.PhaseActive)
	if r.mode == domain.ModeSelfPaced {
		// The whole paper is handed out at once; navigation is client-side.
		return []domain.Event{{
			Audience: domain.Broadcast(),
			Type:     domain.EventGameStart,
			Payload: domain.GameStartPayload{
				Mode:          r.mode,
				QuestionCount: len(r.quiz.Questions),
				Questions:     r.quiz.Views(),
			},
		}}
	}
	return r.advanceQuestionLocked(0)
}

func (r *Room) advanceQuestionLocked(index int) []domain.Event {
	question := r.quiz.Questions[index]
	r.sess.SetPhase(domain.PhaseActive)
	r.sess.AdvanceQuestion(index)
	r.questionTimer = time.AfterFunc(question.TimeLimit(), func() { r.onQuestionElapsed(index) })
	return []domain.Event{{
		Audience: domain.Broadcast(),
		Type:     domain.EventNewQuestion,
		Payload: domain.NewQuestionPayload{
			Question:     question.View(),
			TimeLimitSec: int(question.TimeLimit() / time.Second),
			Index:        index,
			Total:        len(r.quiz.Questions),
		},
	}}
}

// onQuestionElapsed closes the answering window for one question.
func (r *Room) onQuestionElapsed(index int) {
	r.mu.Lock()
	if r.closed || r.sess.Phase() != domain.PhaseActive || r.sess.QuestionIndex() != index {
		r.mu.Unlock()
		return
	}
	events := r.showLeaderboardLocked()
	r.emit(events)
	r.mu.Unlock()
}

func (r *Room) showLeaderboardLocked() []domain.Event {
	r.stopQuestionTimerLocked()
	r.sess.SetPhase(domain.PhaseLeaderboard)
	lb := r.sess.RecomputeLeaderboard(r.quiz, r.scorer)
	return []domain.Event{{
		Audience: domain.Broadcast(),
		Type:     domain.EventLeaderboardUpdate,
		Payload:  domain.LeaderboardUpdatePayload{Leaderboard: lb},
	}}
}

// NextQuestion drives the synchronized flow. In Active it ends the current
// question early; in Leaderboard it advances to the next question or, after
// the last one, to game over. Host only.
func (r *Room) NextQuestion(isHost bool) error {
	if !isHost {
		return domain.ErrUnauthorized
	}
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return domain.ErrSessionClosed
	}
	if r.mode != domain.ModeSynchronized {
		r.mu.Unlock()
		return domain.ErrInvalidAction
	}

	var events []domain.Event
	switch r.sess.Phase() {
	case domain.PhaseActive:
		events = r.showLeaderboardLocked()
	case domain.PhaseLeaderboard:
		next := r.sess.QuestionIndex() + 1
		if next < len(r.quiz.Questions) {
			events = r.advanceQuestionLocked(next)
		} else {
			events = r.finishGameLocked()
		}
	default:
		r.mu.Unlock()
		return domain.ErrInvalidPhase
	}
	r.lastActivity = r.clock()
	r.emit(events)
	r.mu.Unlock()
	return nil
}

// ForceSubmit is the host's early termination: in synchronized mode it closes
// the current question; in self-paced mode it ends the whole test.
func (r *Room) ForceSubmit(isHost bool) error {
	if !isHost {
		return domain.ErrUnauthorized
	}
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return domain.ErrSessionClosed
	}
	if r.sess.Phase() != domain.PhaseActive {
		r.mu.Unlock()
		return domain.ErrInvalidPhase
	}

	var events []domain.Event
	if r.mode == domain.ModeSelfPaced {
		events = r.finishGameLocked()
	} else {
		events = r.showLeaderboardLocked()
	}
	r.lastActivity = r.clock()
	r.emit(events)
	r.mu.Unlock()
	return nil
}

// EndGame terminates the session from Active or Leaderboard. Host only.
func (r *Room) EndGame(isHost bool) error {
	if !isHost {
		return domain.ErrUnauthorized
	}
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return domain.ErrSessionClosed
	}
	phase := r.sess.Phase()
	if phase != domain.PhaseActive && phase != domain.PhaseLeaderboard {
		r.mu.Unlock()
		return domain.ErrInvalidPhase
	}
	events := r.finishGameLocked()
	r.emit(events)
	r.mu.Unlock()
	return nil
}

// SubmitAnswer upserts a response inside the answering window and acks the
// author only; other participants never see each other's progress.
func (r *Room) SubmitAnswer(participantID, questionID string, optionIdx int) error {
	r.mu.Lock()
	if r.closed || r.sess.Phase().Terminal() {
		r.mu.Unlock()
		return domain.ErrSessionClosed
	}
	if _, ok := r.sess.Participant(participantID); !ok {
		r.mu.Unlock()
		return domain.ErrUnknownParticipant
	}
	question, index, ok := r.quiz.QuestionByID(questionID)
	if !ok {
		r.mu.Unlock()
		return domain.ErrUnknownQuestion
	}
	if optionIdx < 0 || optionIdx >= len(question.Options) {
		r.mu.Unlock()
		return domain.ErrUnknownOption
	}
	if err := r.answerWindowLocked(participantID, index); err != nil {
		r.mu.Unlock()
		return err
	}

	now := r.clock()
	r.sess.UpsertResponse(participantID, questionID, domain.Response{
		OptionIdx:   optionIdx,
		SubmittedAt: now,
		Elapsed:     r.elapsedLocked(),
	})
	r.sess.RecomputeLeaderboard(r.quiz, r.scorer)
	r.lastActivity = now
	events := []domain.Event{{
		Audience: domain.ToParticipant(participantID),
		Type:     domain.EventAnswerAck,
		Payload:  domain.AnswerAckPayload{QuestionID: questionID, OptionIdx: optionIdx},
	}}
	r.emit(events)
	r.mu.Unlock()
	return nil
}

// ClearAnswer deletes a saved response. Clearing an absent response is a
// successful no-op; the window rules match SubmitAnswer.
func (r *Room) ClearAnswer(participantID, questionID string) error {
	r.mu.Lock()
	if r.closed || r.sess.Phase().Terminal() {
		r.mu.Unlock()
		return domain.ErrSessionClosed
	}
	if _, ok := r.sess.Participant(participantID); !ok {
		r.mu.Unlock()
		return domain.ErrUnknownParticipant
	}
	_, index, ok := r.quiz.QuestionByID(questionID)
	if !ok {
		r.mu.Unlock()
		return domain.ErrUnknownQuestion
	}
	if err := r.answerWindowLocked(participantID, index); err != nil {
		r.mu.Unlock()
		return err
	}

	r.sess.ClearResponse(participantID, questionID)
	r.sess.RecomputeLeaderboard(r.quiz, r.scorer)
	r.lastActivity = r.clock()
	events := []domain.Event{{
		Audience: domain.ToParticipant(participantID),
		Type:     domain.EventAnswerAck,
		Payload:  domain.AnswerAckPayload{QuestionID: questionID, Cleared: true},
	}}
	r.emit(events)
	r.mu.Unlock()
	return nil
}

// answerWindowLocked enforces when a response may change: the room must be
// active, in synchronized mode only the on-screen question is open, and a
// completed self-paced participant is frozen.
func (r *Room) answerWindowLocked(participantID string, questionIndex int) error {
	if r.sess.Phase() != domain.PhaseActive {
		return domain.ErrInvalidPhase
	}
	if r.mode == domain.ModeSynchronized && questionIndex != r.sess.QuestionIndex() {
		return domain.ErrInvalidPhase
	}
	if r.mode == domain.ModeSelfPaced && r.sess.Completed(participantID) {
		return domain.ErrInvalidAction
	}
	return nil
}

func (r *Room) elapsedLocked() time.Duration {
	// Self-paced rooms run on the host's overall clock; per-question limits
	// are advisory there and only synchronized rooms time each question.
	if r.mode == domain.ModeSynchronized {
		return r.sess.QuestionElapsed()
	}
	return 0
}

// MarkComplete freezes a self-paced participant's answers; the last one to
// hand in ends the game.
func (r *Room) MarkComplete(participantID string) error {
	r.mu.Lock()
	if r.closed || r.sess.Phase().Terminal() {
		r.mu.Unlock()
		return domain.ErrSessionClosed
	}
	if r.mode != domain.ModeSelfPaced {
		r.mu.Unlock()
		return domain.ErrInvalidAction
	}
	if r.sess.Phase() != domain.PhaseActive {
		r.mu.Unlock()
		return domain.ErrInvalidPhase
	}
	if _, ok := r.sess.Participant(participantID); !ok {
		r.mu.Unlock()
		return domain.ErrUnknownParticipant
	}

	r.sess.MarkCompleted(participantID)
	r.lastActivity = r.clock()
	events := []domain.Event{r.participantUpdateLocked()}
	if r.sess.AllCompleted() {
		events = append(events, r.finishGameLocked()...)
	}
	r.emit(events)
	r.mu.Unlock()
	return nil
}

// LogViolation merges an integrity signal and notifies the host view only.
// The phase never changes and the violating participant learns nothing.
func (r *Room) LogViolation(participantID, kind string, reported int) error {
	r.mu.Lock()
	if r.closed || r.sess.Phase().Terminal() {
		r.mu.Unlock()
		return domain.ErrSessionClosed
	}
	p, ok := r.sess.Participant(participantID)
	if !ok {
		r.mu.Unlock()
		return domain.ErrUnknownParticipant
	}

	count := r.sess.RecordViolation(participantID, reported)
	events := []domain.Event{{
		Audience: domain.HostOnly(),
		Type:     domain.EventViolation,
		Payload: domain.ViolationPayload{
			ParticipantID: participantID,
			Nickname:      p.Nickname,
			Kind:          kind,
			Count:         count,
		},
	}}
	r.emit(events)
	r.mu.Unlock()
	r.log.Warn("integrity violation",
		zap.String("participant", participantID),
		zap.String("kind", kind),
		zap.Int("count", count))
	return nil
}

// HandleDisconnect marks a participant offline. Responses and scores stay;
// nothing session-level is cancelled.
func (r *Room) HandleDisconnect(participantID string, isHost bool) {
	r.mu.Lock()
	r.lastActivity = r.clock()
	if isHost || r.closed {
		r.mu.Unlock()
		return
	}
	if !r.sess.SetConnected(participantID, false) {
		r.mu.Unlock()
		return
	}
	events := []domain.Event{r.participantUpdateLocked()}
	r.emit(events)
	r.mu.Unlock()
	r.log.Info("participant disconnected", zap.String("participant", participantID))
}

func (r *Room) finishGameLocked() []domain.Event {
	r.stopTimersLocked()
	r.sess.SetPhase(domain.PhaseGameOver)
	lb := r.sess.RecomputeLeaderboard(r.quiz, r.scorer)
	r.endedAt = r.clock()

	if !r.recorded && r.recorder != nil {
		r.recorded = true
		snapshot := make([]domain.LeaderboardEntry, len(lb))
		copy(snapshot, lb)
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := r.recorder.RecordResult(ctx, r.code, r.quiz.ID, snapshot); err != nil {
				r.log.Error("record result failed", zap.Error(err))
			}
		}()
	}

	r.log.Info("game over", zap.Int("participants", len(lb)))
	return []domain.Event{{
		Audience: domain.Broadcast(),
		Type:     domain.EventGameOver,
		Payload:  domain.GameOverPayload{Leaderboard: lb},
	}}
}

// Close tears the room down: pending timers are cancelled and every further
// action is refused.
func (r *Room) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}
	r.closed = true
	r.stopTimersLocked()
	r.log.Info("room closed")
}

// Reapable reports whether the registry should tear this room down: game over
// plus the grace period, or the idle timeout with nobody connected.
func (r *Room) Reapable(now time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return true
	}
	if r.sess.Phase().Terminal() {
		return now.Sub(r.endedAt) >= r.settings.GameOverGrace
	}
	if r.settings.IdleTimeout > 0 && !r.sess.AnyConnected() {
		return now.Sub(r.lastActivity) >= r.settings.IdleTimeout
	}
	return false
}

func (r *Room) stopQuestionTimerLocked() {
	if r.questionTimer != nil {
		r.questionTimer.Stop()
		r.questionTimer = nil
	}
}

func (r *Room) stopTimersLocked() {
	if r.countdown != nil {
		r.countdown.Stop()
		r.countdown = nil
	}
	r.stopQuestionTimerLocked()
}

func (r *Room) participantUpdateLocked() domain.Event {
	return domain.Event{
		Audience: domain.Broadcast(),
		Type:     domain.EventParticipantUpdate,
		Payload:  domain.ParticipantUpdatePayload{Participants: r.sess.Participants()},
	}
}

// stateSyncLocked builds the role-scoped catch-up view. This is the sole
// reconnect mechanism; no message replay log is kept.
func (r *Room) stateSyncLocked(participantID string, isHost bool) domain.Event {
	phase := r.sess.Phase()
	payload := domain.StateSyncPayload{
		Phase:         phase,
		Mode:          r.mode,
		Participants:  r.sess.Participants(),
		QuestionIndex: r.sess.QuestionIndex(),
		QuestionCount: len(r.quiz.Questions),
	}

	if phase == domain.PhaseActive || phase == domain.PhaseLeaderboard {
		if r.mode == domain.ModeSelfPaced {
			payload.Questions = r.quiz.Views()
		} else if idx := r.sess.QuestionIndex(); idx >= 0 {
			view := r.quiz.Questions[idx].View()
			payload.Question = &view
		}
	}

	if isHost {
		payload.Leaderboard = r.sess.RecomputeLeaderboard(r.quiz, r.scorer)
		payload.Violations = r.sess.Violations()
		return domain.Event{
			Audience: domain.HostOnly(),
			Type:     domain.EventStateSync,
			Payload:  payload,
		}
	}

	payload.MyAnswers = r.sess.AnswersOf(participantID)
	if phase == domain.PhaseLeaderboard || phase.Terminal() {
		payload.Leaderboard = r.sess.Leaderboard()
	}
	return domain.Event{
		Audience: domain.ToParticipant(participantID),
		Type:     domain.EventStateSync,
		Payload:  payload,
	}
}

// emit hands an event set to the sink. Callers hold r.mu, which keeps
// delivery in the same total order as the mutations that produced the events.
func (r *Room) emit(events []domain.Event) {
	if len(events) == 0 || r.sink == nil {
		return
	}
	r.sink.Deliver(r.code, events)
}
