package integration

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/jackc/pgx/v4/pgxpool"
	goredis "github.com/redis/go-redis/v9"
	tc "github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/pgdialect"
	"github.com/uptrace/bun/driver/pgdriver"
	"github.com/uptrace/bun/migrate"
	"go.uber.org/zap"

	"quizpulse/internal/domain"
	pginfra "quizpulse/internal/infra/postgres"
	pgmigrations "quizpulse/internal/infra/postgres/migrations"
	redisinfra "quizpulse/internal/infra/redis"
	"quizpulse/internal/room"
	"quizpulse/internal/score"
)

type nullSink struct{}

func (nullSink) Deliver(string, []domain.Event) {}

func TestGameResultPersistedEndToEnd(t *testing.T) {
	ctx := context.Background()
	requireDocker(t)

	pgURL, pgCleanup := startPostgres(t, ctx)
	defer pgCleanup()
	redisURL, redisCleanup := startRedis(t, ctx)
	defer redisCleanup()

	db := seedQuiz(t, ctx, pgURL, sampleQuiz())
	defer db.Close()

	pool, err := pgxpool.Connect(ctx, pgURL)
	if err != nil {
		t.Fatalf("connect pg: %v", err)
	}
	defer pool.Close()

	redisClient, err := redisClientFromURL(redisURL)
	if err != nil {
		t.Fatalf("redis client: %v", err)
	}
	defer redisClient.Close()

	quizRepo := redisinfra.NewQuizRepository(redisClient, pginfra.NewQuizLoader(pool), 5*time.Minute)
	recorder := pginfra.NewResultRecorder(db)
	liveness := redisinfra.NewLiveness(redisClient, time.Hour)

	registry := room.NewRegistry(quizRepo, nullSink{}, recorder, liveness, room.Settings{
		Countdown:       20 * time.Millisecond,
		MinParticipants: 1,
		GameOverGrace:   time.Minute,
		IdleTimeout:     time.Hour,
	}, score.Base{}, zap.NewNop())

	rm, err := registry.CreateRoom(ctx, "quiz-1", domain.ModeSynchronized)
	if err != nil {
		t.Fatalf("create room: %v", err)
	}

	// The open room shows up in the shared liveness keyspace.
	if n, err := redisClient.Exists(ctx, "room:live:"+rm.Code()).Result(); err != nil || n != 1 {
		t.Fatalf("expected liveness key for %s, got n=%d err=%v", rm.Code(), n, err)
	}

	if err := rm.Join("p1", "Alice", false); err != nil {
		t.Fatalf("join: %v", err)
	}
	if err := rm.StartGame(true); err != nil {
		t.Fatalf("start: %v", err)
	}
	waitPhase(t, rm, domain.PhaseActive)

	if err := rm.SubmitAnswer("p1", "q1", 1); err != nil {
		t.Fatalf("submit: %v", err)
	}
	if err := rm.NextQuestion(true); err != nil {
		t.Fatalf("to leaderboard: %v", err)
	}
	if err := rm.NextQuestion(true); err != nil {
		t.Fatalf("to game over: %v", err)
	}
	waitPhase(t, rm, domain.PhaseGameOver)

	// The recorder runs async off the game-over transition.
	deadline := time.Now().Add(5 * time.Second)
	var results []pginfra.GameResult
	for {
		results = nil
		if err := db.NewSelect().Model(&results).Where("room_code = ?", rm.Code()).Scan(ctx); err != nil {
			t.Fatalf("select results: %v", err)
		}
		if len(results) > 0 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("game result never persisted")
		}
		time.Sleep(20 * time.Millisecond)
	}

	if len(results) != 1 {
		t.Fatalf("expected exactly one result row, got %d", len(results))
	}
	got := results[0]
	if got.QuizID != "quiz-1" {
		t.Fatalf("unexpected quiz id %q", got.QuizID)
	}
	if len(got.Leaderboard) != 1 || got.Leaderboard[0].ParticipantID != "p1" || got.Leaderboard[0].Score != 100 {
		t.Fatalf("unexpected leaderboard %+v", got.Leaderboard)
	}

	// Quiz doc was cached through Redis on the way in.
	if n, err := redisClient.Exists(ctx, "quiz:quiz-1:doc").Result(); err != nil || n != 1 {
		t.Fatalf("expected cached quiz doc, got n=%d err=%v", n, err)
	}

	registry.Close(rm.Code())
	if n, err := redisClient.Exists(ctx, "room:live:"+rm.Code()).Result(); err != nil || n != 0 {
		t.Fatalf("liveness key should be cleared on close, got n=%d err=%v", n, err)
	}
}

func waitPhase(t *testing.T, r *room.Room, want domain.Phase) {
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

func startPostgres(t *testing.T, ctx context.Context) (string, func()) {
	t.Helper()
	req := tc.ContainerRequest{
		Image:        "postgres:15-alpine",
		Env:          map[string]string{"POSTGRES_USER": "quiz", "POSTGRES_PASSWORD": "quizpass", "POSTGRES_DB": "quizdb"},
		ExposedPorts: []string{"5432/tcp"},
		WaitingFor:   wait.ForListeningPort("5432/tcp").WithStartupTimeout(60 * time.Second),
	}
	container, err := tc.GenericContainer(ctx, tc.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		if strings.Contains(err.Error(), "Cannot connect to the Docker daemon") {
			t.Skipf("docker not available: %v", err)
		}
		t.Fatalf("start postgres: %v", err)
	}
	host, err := container.Host(ctx)
	if err != nil {
		t.Fatalf("host: %v", err)
	}
	port, err := container.MappedPort(ctx, "5432/tcp")
	if err != nil {
		t.Fatalf("port: %v", err)
	}
	dsn := fmt.Sprintf("postgres://quiz:quizpass@%s:%s/quizdb?sslmode=disable", host, port.Port())
	return dsn, func() {
		_ = container.Terminate(ctx)
	}
}

func startRedis(t *testing.T, ctx context.Context) (string, func()) {
	t.Helper()
	req := tc.ContainerRequest{
		Image:        "redis:7-alpine",
		ExposedPorts: []string{"6379/tcp"},
		WaitingFor:   wait.ForListeningPort("6379/tcp").WithStartupTimeout(30 * time.Second),
	}
	container, err := tc.GenericContainer(ctx, tc.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		if strings.Contains(err.Error(), "Cannot connect to the Docker daemon") {
			t.Skipf("docker not available: %v", err)
		}
		t.Fatalf("start redis: %v", err)
	}
	host, err := container.Host(ctx)
	if err != nil {
		t.Fatalf("redis host: %v", err)
	}
	port, err := container.MappedPort(ctx, "6379/tcp")
	if err != nil {
		t.Fatalf("redis port: %v", err)
	}
	url := fmt.Sprintf("redis://%s:%s", host, port.Port())
	return url, func() {
		_ = container.Terminate(ctx)
	}
}

// seedQuiz migrates the schema and inserts the quiz document. The returned
// bun.DB stays open for assertions.
func seedQuiz(t *testing.T, ctx context.Context, dsn string, quiz domain.Quiz) *bun.DB {
	t.Helper()
	sqldb := sql.OpenDB(pgdriver.NewConnector(pgdriver.WithDSN(dsn)))
	db := bun.NewDB(sqldb, pgdialect.New())

	migrator := migrate.NewMigrator(db, pgmigrations.Migrations)
	if err := migrator.Init(ctx); err != nil {
		t.Fatalf("migrator init: %v", err)
	}
	if _, err := migrator.Migrate(ctx); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	data, err := json.Marshal(quiz)
	if err != nil {
		t.Fatalf("marshal quiz: %v", err)
	}
	if _, err := db.ExecContext(ctx, `INSERT INTO quizzes (id, data) VALUES (?, ?::jsonb) ON CONFLICT (id) DO UPDATE SET data=EXCLUDED.data`, quiz.ID, string(data)); err != nil {
		t.Fatalf("insert quiz: %v", err)
	}
	return db
}

func sampleQuiz() domain.Quiz {
	return domain.Quiz{
		ID:    "quiz-1",
		Title: "Warmup",
		Questions: []domain.Question{
			{
				ID:   "q1",
				Text: "What is 2 + 2?",
				Options: []domain.Option{
					{Text: "3"},
					{Text: "4", Correct: true},
					{Text: "5"},
				},
				Points:       100,
				TimeLimitSec: 30,
			},
		},
	}
}

func redisClientFromURL(url string) (*goredis.Client, error) {
	opts, err := goredis.ParseURL(url)
	if err != nil {
		return nil, err
	}
	return goredis.NewClient(&goredis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	}), nil
}

func requireDocker(t *testing.T) {
	t.Helper()
	if _, err := tc.NewDockerProvider(); err != nil {
		t.Skipf("docker not available: %v", err)
	}
}
