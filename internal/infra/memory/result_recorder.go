package memory

import (
	"context"
	"sync"

	"quizpulse/internal/domain"
)

// ResultRecorder keeps final leaderboards in memory; the stand-in when no
// database is configured.
type ResultRecorder struct {
	mu      sync.Mutex
	results map[string][]domain.LeaderboardEntry
}

func NewResultRecorder() *ResultRecorder {
	return &ResultRecorder{results: make(map[string][]domain.LeaderboardEntry)}
}

func (r *ResultRecorder) RecordResult(_ context.Context, roomCode, _ string, leaderboard []domain.LeaderboardEntry) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	snapshot := make([]domain.LeaderboardEntry, len(leaderboard))
	copy(snapshot, leaderboard)
	r.results[roomCode] = snapshot
	return nil
}

// Result returns the recorded leaderboard for a room, if any.
func (r *ResultRecorder) Result(roomCode string) ([]domain.LeaderboardEntry, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	lb, ok := r.results[roomCode]
	return lb, ok
}
