package postgres

import (
	"context"
	"time"

	"github.com/uptrace/bun"

	"quizpulse/internal/domain"
)

// GameResult is the persisted outcome of one finished room.
type GameResult struct {
	bun.BaseModel `bun:"table:game_results"`

	ID          int64                    `bun:"id,pk,autoincrement"`
	RoomCode    string                   `bun:"room_code,notnull"`
	QuizID      string                   `bun:"quiz_id,notnull"`
	Leaderboard []domain.LeaderboardEntry `bun:"leaderboard,type:jsonb"`
	FinishedAt  time.Time                `bun:"finished_at,notnull"`
}

// ResultRecorder persists final leaderboards, invoked once per room on game
// over.
type ResultRecorder struct {
	db *bun.DB
}

func NewResultRecorder(db *bun.DB) *ResultRecorder {
	return &ResultRecorder{db: db}
}

func (r *ResultRecorder) RecordResult(ctx context.Context, roomCode, quizID string, leaderboard []domain.LeaderboardEntry) error {
	result := &GameResult{
		RoomCode:    roomCode,
		QuizID:      quizID,
		Leaderboard: leaderboard,
		FinishedAt:  time.Now().UTC(),
	}
	_, err := r.db.NewInsert().Model(result).Exec(ctx)
	return err
}
