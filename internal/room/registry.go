package room

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"go.uber.org/zap"

	"quizpulse/internal/domain"
	"quizpulse/internal/score"
)

// QuizRepository loads quiz content (from cache/backing store). Called once
// per room at creation; the room never mutates the quiz.
type QuizRepository interface {
	GetQuiz(ctx context.Context, quizID string) (domain.Quiz, error)
}

// Liveness marks open rooms in a shared store (best effort, e.g. Redis keys).
type Liveness interface {
	Mark(ctx context.Context, roomCode string) error
	Clear(ctx context.Context, roomCode string) error
}

// Registry is the process-scoped map from room code to coordinator. It is
// created at process start and injected into whatever accepts connections;
// entries are created and removed only through explicit calls plus the reaper.
type Registry struct {
	quizzes  QuizRepository
	sink     EventSink
	recorder ResultRecorder
	liveness Liveness
	settings Settings
	scorer   score.Scorer
	log      *zap.Logger

	mu    sync.Mutex
	rooms map[string]*Room
	rnd   *rand.Rand
}

// NewRegistry wires a registry. liveness may be nil.
func NewRegistry(quizzes QuizRepository, sink EventSink, recorder ResultRecorder, liveness Liveness, settings Settings, scorer score.Scorer, log *zap.Logger) *Registry {
	return &Registry{
		quizzes:  quizzes,
		sink:     sink,
		recorder: recorder,
		liveness: liveness,
		settings: settings,
		scorer:   scorer,
		log:      log,
		rooms:    make(map[string]*Room),
		rnd:      rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// CreateRoom allocates a fresh code, loads the quiz, and opens a room.
func (g *Registry) CreateRoom(ctx context.Context, quizID string, mode domain.Mode) (*Room, error) {
	quiz, err := g.quizzes.GetQuiz(ctx, quizID)
	if err != nil {
		return nil, err
	}

	g.mu.Lock()
	code := g.allocateCodeLocked()
	r := New(code, quiz, mode, g.settings, g.scorer, g.sink, g.recorder, g.log)
	g.rooms[code] = r
	g.mu.Unlock()

	g.markLiveness(ctx, code)
	g.log.Info("room created",
		zap.String("room", code),
		zap.String("quiz", quizID),
		zap.String("mode", string(mode)))
	return r, nil
}

// GetOrCreate returns the room for code, creating it if absent. Creation is
// idempotent per code: a racing duplicate create gets the existing room.
func (g *Registry) GetOrCreate(ctx context.Context, code, quizID string, mode domain.Mode) (*Room, error) {
	g.mu.Lock()
	if r, ok := g.rooms[code]; ok {
		g.mu.Unlock()
		return r, nil
	}
	g.mu.Unlock()

	// Load outside the lock; quiz fetch may hit the network.
	quiz, err := g.quizzes.GetQuiz(ctx, quizID)
	if err != nil {
		return nil, err
	}

	g.mu.Lock()
	if r, ok := g.rooms[code]; ok {
		g.mu.Unlock()
		return r, nil
	}
	r := New(code, quiz, mode, g.settings, g.scorer, g.sink, g.recorder, g.log)
	g.rooms[code] = r
	g.mu.Unlock()

	g.markLiveness(ctx, code)
	return r, nil
}

// Get returns an open room.
func (g *Registry) Get(code string) (*Room, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	r, ok := g.rooms[code]
	return r, ok
}

// Close tears a room down and removes its registry entry.
func (g *Registry) Close(code string) {
	g.mu.Lock()
	r, ok := g.rooms[code]
	if ok {
		delete(g.rooms, code)
	}
	g.mu.Unlock()
	if !ok {
		return
	}
	r.Close()
	if g.liveness != nil {
		_ = g.liveness.Clear(context.Background(), code)
	}
	g.log.Info("room removed", zap.String("room", code))
}

// Len returns the number of open rooms.
func (g *Registry) Len() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.rooms)
}

// RunReaper tears down finished and idle rooms until ctx is cancelled.
func (g *Registry) RunReaper(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			g.reap(now)
		}
	}
}

func (g *Registry) reap(now time.Time) {
	g.mu.Lock()
	var expired []string
	for code, r := range g.rooms {
		if r.Reapable(now) {
			expired = append(expired, code)
		}
	}
	g.mu.Unlock()
	for _, code := range expired {
		g.Close(code)
	}
}

// allocateCodeLocked picks a 6-digit code unique among currently-open rooms.
func (g *Registry) allocateCodeLocked() string {
	for {
		code := fmt.Sprintf("%06d", g.rnd.Intn(1000000))
		if _, taken := g.rooms[code]; !taken {
			return code
		}
	}
}

func (g *Registry) markLiveness(ctx context.Context, code string) {
	if g.liveness == nil {
		return
	}
	if err := g.liveness.Mark(ctx, code); err != nil {
		g.log.Warn("liveness mark failed", zap.String("room", code), zap.Error(err))
	}
}
