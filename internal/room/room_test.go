package room

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"quizpulse/internal/domain"
	"quizpulse/internal/score"
)

type captureSink struct {
	mu     sync.Mutex
	events []domain.Event
}

func (c *captureSink) Deliver(_ string, events []domain.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, events...)
}

func (c *captureSink) ofType(t domain.EventType) []domain.Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []domain.Event
	for _, e := range c.events {
		if e.Type == t {
			out = append(out, e)
		}
	}
	return out
}

type captureRecorder struct {
	mu      sync.Mutex
	calls   int
	entries []domain.LeaderboardEntry
	done    chan struct{}
}

func newCaptureRecorder() *captureRecorder {
	return &captureRecorder{done: make(chan struct{}, 1)}
}

func (c *captureRecorder) RecordResult(_ context.Context, _, _ string, lb []domain.LeaderboardEntry) error {
	c.mu.Lock()
	c.calls++
	c.entries = lb
	c.mu.Unlock()
	select {
	case c.done <- struct{}{}:
	default:
	}
	return nil
}

func testQuiz() domain.Quiz {
	return domain.Quiz{
		ID: "quiz-1",
		Questions: []domain.Question{
			{
				ID:   "q1",
				Text: "Pick the first option",
				Options: []domain.Option{
					{Text: "A", Correct: true},
					{Text: "B"},
					{Text: "C"},
					{Text: "D"},
				},
				Points:       100,
				TimeLimitSec: 30,
			},
			{
				ID:   "q2",
				Text: "Pick the second option",
				Options: []domain.Option{
					{Text: "A"},
					{Text: "B", Correct: true},
				},
				Points:       50,
				TimeLimitSec: 30,
			},
		},
	}
}

func testSettings() Settings {
	return Settings{
		Countdown:       10 * time.Millisecond,
		MinParticipants: 1,
		GameOverGrace:   time.Minute,
		IdleTimeout:     time.Hour,
	}
}

func newTestRoom(t *testing.T, mode domain.Mode) (*Room, *captureSink, *captureRecorder) {
	t.Helper()
	sink := &captureSink{}
	recorder := newCaptureRecorder()
	r := New("123456", testQuiz(), mode, testSettings(), score.Base{}, sink, recorder, zap.NewNop())
	return r, sink, recorder
}

func waitPhase(t *testing.T, r *Room, want domain.Phase) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if r.Phase() == want {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("room never reached phase %s, stuck at %s", want, r.Phase())
}

func TestStartGameRequiresHost(t *testing.T) {
	r, _, _ := newTestRoom(t, domain.ModeSynchronized)
	_ = r.Join("p1", "Alice", false)

	if err := r.StartGame(false); !errors.Is(err, domain.ErrUnauthorized) {
		t.Fatalf("expected unauthorized, got %v", err)
	}
	if r.Phase() != domain.PhaseLobby {
		t.Fatalf("phase must not change on rejected action, got %s", r.Phase())
	}
}

func TestStartGameRequiresParticipants(t *testing.T) {
	r, _, _ := newTestRoom(t, domain.ModeSynchronized)
	if err := r.StartGame(true); !errors.Is(err, domain.ErrInvalidAction) {
		t.Fatalf("expected invalid action with empty lobby, got %v", err)
	}
}

func TestSubmitAnswerInLobbyRejected(t *testing.T) {
	r, sink, _ := newTestRoom(t, domain.ModeSynchronized)
	_ = r.Join("p1", "Alice", false)

	err := r.SubmitAnswer("p1", "q1", 0)
	if !errors.Is(err, domain.ErrInvalidPhase) {
		t.Fatalf("expected invalid phase, got %v", err)
	}
	if acks := sink.ofType(domain.EventAnswerAck); len(acks) != 0 {
		t.Fatalf("rejected submission must not produce an ack")
	}
}

func TestNonHostNextQuestionRejected(t *testing.T) {
	r, _, _ := newTestRoom(t, domain.ModeSynchronized)
	_ = r.Join("p1", "Alice", false)
	if err := r.NextQuestion(false); !errors.Is(err, domain.ErrUnauthorized) {
		t.Fatalf("expected unauthorized, got %v", err)
	}
	if r.Phase() != domain.PhaseLobby {
		t.Fatalf("phase changed on rejected action: %s", r.Phase())
	}
}

func TestSynchronizedFlow(t *testing.T) {
	r, sink, recorder := newTestRoom(t, domain.ModeSynchronized)
	_ = r.Join("p1", "Alice", false)
	_ = r.Join("p2", "Bob", false)

	if err := r.StartGame(true); err != nil {
		t.Fatalf("start: %v", err)
	}
	if r.Phase() != domain.PhaseCountdown {
		t.Fatalf("expected countdown, got %s", r.Phase())
	}
	waitPhase(t, r, domain.PhaseActive)

	if got := len(sink.ofType(domain.EventNewQuestion)); got != 1 {
		t.Fatalf("expected one new_question after countdown, got %d", got)
	}

	if err := r.SubmitAnswer("p1", "q1", 0); err != nil {
		t.Fatalf("p1 submit: %v", err)
	}
	if err := r.SubmitAnswer("p2", "q1", 1); err != nil {
		t.Fatalf("p2 submit: %v", err)
	}

	// Submitting for a question that is not on screen is out of its window.
	if err := r.SubmitAnswer("p1", "q2", 0); !errors.Is(err, domain.ErrInvalidPhase) {
		t.Fatalf("expected invalid phase for off-screen question, got %v", err)
	}

	// Host closes question one, advances to question two, then ends early.
	if err := r.NextQuestion(true); err != nil {
		t.Fatalf("close q1: %v", err)
	}
	if r.Phase() != domain.PhaseLeaderboard {
		t.Fatalf("expected interim leaderboard, got %s", r.Phase())
	}
	if err := r.NextQuestion(true); err != nil {
		t.Fatalf("advance to q2: %v", err)
	}
	if r.Phase() != domain.PhaseActive {
		t.Fatalf("expected active on q2, got %s", r.Phase())
	}
	if err := r.EndGame(true); err != nil {
		t.Fatalf("end game: %v", err)
	}
	if r.Phase() != domain.PhaseGameOver {
		t.Fatalf("expected game over, got %s", r.Phase())
	}

	lb := r.Leaderboard()
	if len(lb) != 2 || lb[0].ParticipantID != "p1" || lb[0].Score != 100 || lb[1].Score != 0 {
		t.Fatalf("unexpected leaderboard: %+v", lb)
	}

	select {
	case <-recorder.done:
	case <-time.After(2 * time.Second):
		t.Fatalf("result was never recorded")
	}
	recorder.mu.Lock()
	defer recorder.mu.Unlock()
	if recorder.calls != 1 {
		t.Fatalf("expected exactly one result record, got %d", recorder.calls)
	}
	if len(recorder.entries) != 2 || recorder.entries[0].Score != 100 {
		t.Fatalf("recorded leaderboard mismatch: %+v", recorder.entries)
	}
}

func TestQuestionTimerClosesWindow(t *testing.T) {
	quiz := testQuiz()
	quiz.Questions = quiz.Questions[:1]
	quiz.Questions[0].TimeLimitSec = 1

	sink := &captureSink{}
	r := New("123456", quiz, domain.ModeSynchronized, testSettings(), score.Base{}, sink, nil, zap.NewNop())
	_ = r.Join("p1", "Alice", false)
	if err := r.StartGame(true); err != nil {
		t.Fatalf("start: %v", err)
	}
	waitPhase(t, r, domain.PhaseActive)
	waitPhase(t, r, domain.PhaseLeaderboard)

	if err := r.SubmitAnswer("p1", "q1", 0); !errors.Is(err, domain.ErrInvalidPhase) {
		t.Fatalf("expected invalid phase after timer expiry, got %v", err)
	}
	if got := len(sink.ofType(domain.EventLeaderboardUpdate)); got != 1 {
		t.Fatalf("expected a leaderboard_update on expiry, got %d", got)
	}
}

func TestSelfPacedFlow(t *testing.T) {
	r, sink, _ := newTestRoom(t, domain.ModeSelfPaced)
	_ = r.Join("p1", "Alice", false)
	_ = r.Join("p2", "Bob", false)

	if err := r.StartGame(true); err != nil {
		t.Fatalf("start: %v", err)
	}
	waitPhase(t, r, domain.PhaseActive)

	starts := sink.ofType(domain.EventGameStart)
	var delivered bool
	for _, e := range starts {
		if payload, ok := e.Payload.(domain.GameStartPayload); ok && len(payload.Questions) == 2 {
			delivered = true
			for _, q := range payload.Questions {
				for range q.Options {
					// OptionView carries no correctness flag by construction;
					// this loop only asserts options survived the projection.
				}
			}
		}
	}
	if !delivered {
		t.Fatalf("self-paced active entry must deliver the full question set")
	}

	// Free navigation: any question, any order, overwrite and clear.
	if err := r.SubmitAnswer("p1", "q2", 1); err != nil {
		t.Fatalf("submit q2: %v", err)
	}
	if err := r.SubmitAnswer("p1", "q1", 1); err != nil {
		t.Fatalf("submit q1: %v", err)
	}
	if err := r.SubmitAnswer("p1", "q1", 0); err != nil {
		t.Fatalf("overwrite q1: %v", err)
	}
	if err := r.ClearAnswer("p1", "q2"); err != nil {
		t.Fatalf("clear q2: %v", err)
	}
	if err := r.ClearAnswer("p1", "q2"); err != nil {
		t.Fatalf("clearing an absent answer must be a no-op, got %v", err)
	}

	if err := r.MarkComplete("p1"); err != nil {
		t.Fatalf("p1 complete: %v", err)
	}
	if r.Phase() != domain.PhaseActive {
		t.Fatalf("one completion must not end the game, got %s", r.Phase())
	}
	if err := r.SubmitAnswer("p1", "q2", 0); !errors.Is(err, domain.ErrInvalidAction) {
		t.Fatalf("completed participant must be frozen, got %v", err)
	}

	if err := r.SubmitAnswer("p2", "q1", 3); err != nil {
		t.Fatalf("p2 submit: %v", err)
	}
	if err := r.MarkComplete("p2"); err != nil {
		t.Fatalf("p2 complete: %v", err)
	}
	if r.Phase() != domain.PhaseGameOver {
		t.Fatalf("last completion should end the game, got %s", r.Phase())
	}

	lb := r.Leaderboard()
	if lb[0].ParticipantID != "p1" || lb[0].Score != 100 || lb[1].Score != 0 {
		t.Fatalf("unexpected leaderboard: %+v", lb)
	}
}

func TestForceSubmitEndsSelfPacedTest(t *testing.T) {
	r, _, _ := newTestRoom(t, domain.ModeSelfPaced)
	_ = r.Join("p1", "Alice", false)
	_ = r.StartGame(true)
	waitPhase(t, r, domain.PhaseActive)

	if err := r.ForceSubmit(true); err != nil {
		t.Fatalf("force submit: %v", err)
	}
	if r.Phase() != domain.PhaseGameOver {
		t.Fatalf("expected game over, got %s", r.Phase())
	}
}

func TestGameOverRejectsFurtherActions(t *testing.T) {
	r, _, _ := newTestRoom(t, domain.ModeSelfPaced)
	_ = r.Join("p1", "Alice", false)
	_ = r.StartGame(true)
	waitPhase(t, r, domain.PhaseActive)
	_ = r.ForceSubmit(true)

	if err := r.SubmitAnswer("p1", "q1", 0); !errors.Is(err, domain.ErrSessionClosed) {
		t.Fatalf("expected session closed, got %v", err)
	}
	if err := r.StartGame(true); !errors.Is(err, domain.ErrInvalidPhase) && !errors.Is(err, domain.ErrSessionClosed) {
		t.Fatalf("expected rejection after game over, got %v", err)
	}
	if err := r.Join("p9", "Late", false); !errors.Is(err, domain.ErrSessionClosed) {
		t.Fatalf("new join after game over should be rejected, got %v", err)
	}
}

func TestViolationVisibleToHostOnly(t *testing.T) {
	r, sink, _ := newTestRoom(t, domain.ModeSelfPaced)
	_ = r.Join("p1", "Alice", false)

	if err := r.LogViolation("p1", "tab_switch", 0); err != nil {
		t.Fatalf("log violation: %v", err)
	}
	if err := r.LogViolation("p1", "tab_switch", 5); err != nil {
		t.Fatalf("log violation: %v", err)
	}

	events := sink.ofType(domain.EventViolation)
	if len(events) != 2 {
		t.Fatalf("expected 2 violation events, got %d", len(events))
	}
	for _, e := range events {
		if e.Audience.Kind != domain.AudienceHost {
			t.Fatalf("violation must be host-only, got audience %v", e.Audience)
		}
	}
	last := events[1].Payload.(domain.ViolationPayload)
	if last.Count != 5 {
		t.Fatalf("expected merged count 5, got %d", last.Count)
	}
	if r.Phase() != domain.PhaseLobby {
		t.Fatalf("violations must not alter the phase, got %s", r.Phase())
	}
}

func TestReconnectGetsStateSyncWithOwnAnswers(t *testing.T) {
	r, sink, _ := newTestRoom(t, domain.ModeSelfPaced)
	_ = r.Join("p1", "Alice", false)
	_ = r.StartGame(true)
	waitPhase(t, r, domain.PhaseActive)

	if err := r.SubmitAnswer("p1", "q1", 0); err != nil {
		t.Fatalf("submit: %v", err)
	}
	r.HandleDisconnect("p1", false)

	if err := r.Join("p1", "Alice", false); err != nil {
		t.Fatalf("rejoin: %v", err)
	}

	syncs := sink.ofType(domain.EventStateSync)
	last := syncs[len(syncs)-1]
	if last.Audience.Kind != domain.AudienceParticipant || last.Audience.ParticipantID != "p1" {
		t.Fatalf("state_sync must target the reconnecting participant, got %+v", last.Audience)
	}
	payload := last.Payload.(domain.StateSyncPayload)
	if payload.Phase != domain.PhaseActive {
		t.Fatalf("expected active phase in sync, got %s", payload.Phase)
	}
	if got, ok := payload.MyAnswers["q1"]; !ok || got != 0 {
		t.Fatalf("state_sync must carry the participant's own answers, got %+v", payload.MyAnswers)
	}
	if len(payload.Questions) != 2 {
		t.Fatalf("self-paced sync must redeliver the question set, got %d", len(payload.Questions))
	}
	if payload.Violations != nil {
		t.Fatalf("participants must not see the violation map")
	}

	// The disconnect itself produced a participant_update, never an error.
	updates := sink.ofType(domain.EventParticipantUpdate)
	if len(updates) == 0 {
		t.Fatalf("expected participant_update on disconnect")
	}
}

func TestHostStateSyncSeesEverything(t *testing.T) {
	r, sink, _ := newTestRoom(t, domain.ModeSelfPaced)
	_ = r.Join("p1", "Alice", false)
	_ = r.LogViolation("p1", "tab_switch", 0)

	if err := r.Join("host", "", true); err != nil {
		t.Fatalf("host join: %v", err)
	}
	syncs := sink.ofType(domain.EventStateSync)
	last := syncs[len(syncs)-1]
	if last.Audience.Kind != domain.AudienceHost {
		t.Fatalf("host sync must be host-only, got %+v", last.Audience)
	}
	payload := last.Payload.(domain.StateSyncPayload)
	if payload.Violations["p1"] != 1 {
		t.Fatalf("host sync must include violations, got %+v", payload.Violations)
	}
	if payload.Leaderboard == nil {
		t.Fatalf("host sync must include the leaderboard")
	}
}

func TestUnknownReferencesRejected(t *testing.T) {
	r, _, _ := newTestRoom(t, domain.ModeSelfPaced)
	_ = r.Join("p1", "Alice", false)
	_ = r.StartGame(true)
	waitPhase(t, r, domain.PhaseActive)

	if err := r.SubmitAnswer("ghost", "q1", 0); !errors.Is(err, domain.ErrUnknownParticipant) {
		t.Fatalf("expected unknown participant, got %v", err)
	}
	if err := r.SubmitAnswer("p1", "q99", 0); !errors.Is(err, domain.ErrUnknownQuestion) {
		t.Fatalf("expected unknown question, got %v", err)
	}
	if err := r.SubmitAnswer("p1", "q1", 42); !errors.Is(err, domain.ErrUnknownOption) {
		t.Fatalf("expected unknown option, got %v", err)
	}
}

func TestConcurrentActionsStaySerialized(t *testing.T) {
	r, _, _ := newTestRoom(t, domain.ModeSelfPaced)
	for _, id := range []string{"p1", "p2", "p3", "p4"} {
		_ = r.Join(id, id, false)
	}
	_ = r.StartGame(true)
	waitPhase(t, r, domain.PhaseActive)

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		id := []string{"p1", "p2", "p3", "p4"}[i]
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				_ = r.SubmitAnswer(id, "q1", j%4)
				_ = r.SubmitAnswer(id, "q2", j%2)
			}
		}()
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		for j := 0; j < 20; j++ {
			_ = r.NextQuestion(true) // invalid in self-paced, must never corrupt state
		}
	}()
	wg.Wait()

	switch r.Phase() {
	case domain.PhaseActive, domain.PhaseGameOver:
	default:
		t.Fatalf("room ended in an unreachable phase: %s", r.Phase())
	}

	// Every cached score equals a recomputation from responses.
	_ = r.EndGame(true)
	lb := r.Leaderboard()
	if len(lb) != 4 {
		t.Fatalf("expected 4 entries, got %d", len(lb))
	}
	for _, entry := range lb {
		if entry.Score < 0 || entry.Score > 150 {
			t.Fatalf("score out of range for %s: %d", entry.ParticipantID, entry.Score)
		}
	}
}

func TestEventsDeliveredInMutationOrder(t *testing.T) {
	r, sink, _ := newTestRoom(t, domain.ModeSynchronized)

	const workers = 8
	const joinsPerWorker = 40
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < joinsPerWorker; i++ {
				id := fmt.Sprintf("p%d-%d", w, i)
				if err := r.Join(id, id, false); err != nil {
					t.Errorf("join %s: %v", id, err)
				}
			}
		}(w)
	}
	wg.Wait()

	// Each join grows the roster by one, so the broadcast roster sizes must
	// reach the sink in the order the mutations happened: never shrinking,
	// ending at the full count.
	updates := sink.ofType(domain.EventParticipantUpdate)
	if len(updates) != workers*joinsPerWorker {
		t.Fatalf("expected %d roster updates, got %d", workers*joinsPerWorker, len(updates))
	}
	prev := 0
	for i, e := range updates {
		n := len(e.Payload.(domain.ParticipantUpdatePayload).Participants)
		if n < prev {
			t.Fatalf("update %d delivered out of order: roster shrank %d -> %d", i, prev, n)
		}
		prev = n
	}
	if prev != workers*joinsPerWorker {
		t.Fatalf("final roster update has %d participants, want %d", prev, workers*joinsPerWorker)
	}
}

func TestJoinAdmissionByPhase(t *testing.T) {
	r, _, _ := newTestRoom(t, domain.ModeSynchronized)
	_ = r.Join("p1", "Alice", false)

	if err := r.StartGame(true); err != nil {
		t.Fatalf("start: %v", err)
	}
	if r.Phase() == domain.PhaseCountdown {
		if err := r.Join("p2", "Bob", false); err != nil {
			t.Fatalf("countdown must admit new participants, got %v", err)
		}
	}
	waitPhase(t, r, domain.PhaseActive)

	if err := r.Join("p3", "Carol", false); err != nil {
		t.Fatalf("active must admit new participants, got %v", err)
	}

	if err := r.NextQuestion(true); err != nil {
		t.Fatalf("to leaderboard: %v", err)
	}
	if err := r.Join("p4", "Dave", false); !errors.Is(err, domain.ErrInvalidPhase) {
		t.Fatalf("interim leaderboard must not admit new participants, got %v", err)
	}
	if err := r.Join("p1", "Alice", false); err != nil {
		t.Fatalf("reconnect during leaderboard must work, got %v", err)
	}
}
