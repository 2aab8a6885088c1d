package cli

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v4/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/pgdialect"
	"github.com/uptrace/bun/driver/pgdriver"
	"go.uber.org/zap"

	"quizpulse/internal/auth"
	"quizpulse/internal/config"
	"quizpulse/internal/domain"
	"quizpulse/internal/hub"
	"quizpulse/internal/infra/memory"
	pginfra "quizpulse/internal/infra/postgres"
	redisinfra "quizpulse/internal/infra/redis"
	"quizpulse/internal/room"
	"quizpulse/internal/score"
	transport "quizpulse/internal/transport/http"
)

// NewStartCmd builds the CLI subcommand to start the server.
func NewStartCmd(configPath, port *string) *cobra.Command {
	return &cobra.Command{
		Use:   "start",
		Short: "Start the quiz coordinator",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context(), *configPath, *port)
		},
	}
}

func runServer(ctx context.Context, configPath, portFlag string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	log, err := zap.NewProduction()
	if err != nil {
		return err
	}
	defer log.Sync()

	if cfg.Postgres.URL != "" {
		if err := runMigrationsWithConfig(ctx, cfg, log); err != nil {
			return err
		}
	}

	finalPort := portFlag
	if finalPort == "" {
		finalPort = cfg.Server.Port
	}
	if finalPort == "" {
		finalPort = "8080"
	}

	var redisClient *redis.Client
	if cfg.Redis.Addr != "" {
		redisClient = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer redisClient.Close()
	}

	var pool *pgxpool.Pool
	var bunDB *bun.DB
	if cfg.Postgres.URL != "" {
		pool, err = pgxpool.Connect(ctx, cfg.Postgres.URL)
		if err != nil {
			return err
		}
		defer pool.Close()

		sqldb := sql.OpenDB(pgdriver.NewConnector(pgdriver.WithDSN(cfg.Postgres.URL)))
		bunDB = bun.NewDB(sqldb, pgdialect.New())
		defer bunDB.Close()
	}

	var loader memory.QuizLoader = memory.NewStaticQuizLoader(sampleQuizzes())
	if pool != nil {
		loader = pginfra.NewQuizLoader(pool)
	}

	quizTTL := config.TTLDuration(cfg.Quiz.TTL, 10*time.Minute)
	var quizRepo room.QuizRepository
	if redisClient != nil {
		quizRepo = redisinfra.NewQuizRepository(redisClient, loader, quizTTL)
	} else {
		quizRepo = memory.NewQuizRepository(loader, quizTTL)
	}

	var recorder room.ResultRecorder = memory.NewResultRecorder()
	if bunDB != nil {
		recorder = pginfra.NewResultRecorder(bunDB)
	}

	var liveness room.Liveness
	if redisClient != nil {
		redisTTL := config.TTLDuration(cfg.Redis.TTL, time.Hour)
		liveness = redisinfra.NewLiveness(redisClient, redisTTL)
	}

	secret := cfg.Auth.Secret
	if secret == "" {
		secret = randomSecret()
		log.Warn("auth.secret not configured, host tokens will not survive a restart")
	}
	tokens := auth.NewTokenService(secret, config.TTLDuration(cfg.Auth.TTL, 12*time.Hour))

	settings := room.Settings{
		Countdown:       config.TTLDuration(cfg.Game.Countdown, 5*time.Second),
		MinParticipants: cfg.Game.MinParticipants,
		GameOverGrace:   config.TTLDuration(cfg.Game.GameOverGrace, 5*time.Minute),
		IdleTimeout:     config.TTLDuration(cfg.Game.IdleTimeout, 30*time.Minute),
	}
	if settings.MinParticipants <= 0 {
		settings.MinParticipants = 1
	}

	h := hub.New(log)
	registry := room.NewRegistry(quizRepo, h, recorder, liveness, settings, scorerFor(cfg.Game.Scoring), log)

	reaperCtx, stopReaper := context.WithCancel(ctx)
	defer stopReaper()
	go registry.RunReaper(reaperCtx, config.TTLDuration(cfg.Game.ReapInterval, time.Minute))

	wsHandler := transport.NewWSHandler(registry, h, tokens, log)
	roomsHandler := transport.NewRoomsHandler(registry, tokens, domain.ParseMode(cfg.Game.DefaultMode), log)

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("ok"))
	})
	mux.HandleFunc("/api/rooms", roomsHandler.CreateRoom)
	mux.HandleFunc("/ws", wsHandler.ServeWS)

	server := &http.Server{
		Addr:         ":" + finalPort,
		Handler:      mux,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
	}

	go func() {
		log.Info("starting quizpulse", zap.String("port", finalPort))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("failed to start server", zap.Error(err))
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	select {
	case <-stop:
		log.Info("shutting down server...")
	case <-ctx.Done():
		log.Info("context canceled, shutting down server...")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return server.Shutdown(shutdownCtx)
}

func scorerFor(name string) score.Scorer {
	if name == "time_bonus" {
		return score.TimeBonus{}
	}
	return score.Base{}
}

func randomSecret() string {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		panic(err)
	}
	return hex.EncodeToString(buf)
}

// sampleQuizzes provides minimal quiz data for running without Postgres; swap
// the loader for the database-backed one in production.
func sampleQuizzes() map[string]domain.Quiz {
	return map[string]domain.Quiz{
		"quiz-1": {
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
				{
					ID:   "q2",
					Text: "Which planet is closest to the sun?",
					Options: []domain.Option{
						{Text: "Venus"},
						{Text: "Mercury", Correct: true},
					},
					Points:       100,
					TimeLimitSec: 20,
				},
			},
		},
	}
}
