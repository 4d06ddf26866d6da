package main

import (
	"context"
	"database/sql"
	"errors"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"

	"github.com/OnixChiconela/Schedule-MG-sub002/internal/api"
	"github.com/OnixChiconela/Schedule-MG-sub002/internal/bus"
	"github.com/OnixChiconela/Schedule-MG-sub002/internal/client"
	"github.com/OnixChiconela/Schedule-MG-sub002/internal/config"
	"github.com/OnixChiconela/Schedule-MG-sub002/internal/dispatch"
	"github.com/OnixChiconela/Schedule-MG-sub002/internal/quota"
	"github.com/OnixChiconela/Schedule-MG-sub002/internal/repo"
	"github.com/OnixChiconela/Schedule-MG-sub002/internal/scheduler"
	"github.com/OnixChiconela/Schedule-MG-sub002/internal/service"
)

func main() {
	_ = godotenv.Load()

	cfg, err := config.LoadAll()
	if err != nil {
		log.Fatal(err)
	}

	db, err := sql.Open("pgx", cfg.Database.PostgresURL)
	if err != nil {
		log.Fatalf("open postgres: %v", err)
	}
	defer db.Close()

	pingCtx, cancelPing := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelPing()
	if err := db.PingContext(pingCtx); err != nil {
		log.Fatalf("ping postgres: %v", err)
	}

	messages := repo.NewPostgresMessageRepo(db)

	var throttle quota.Throttle
	if cfg.Redis.Enabled {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Address,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer rdb.Close()
		throttle = quota.NewRedisThrottle(rdb, cfg.Quota.DailyMax)
	} else {
		slog.Warn("redis disabled, quota counters are process-local")
		throttle = quota.NewMemoryThrottle(cfg.Quota.DailyMax)
	}

	eventBus := bus.New()
	notifier := bus.NewNotifier(eventBus, messages)
	chat := client.NewChatClient(cfg.Chat.SendURL)
	dispatcher := dispatch.New(chat, messages, notifier, time.Second)
	svc := service.New(messages, throttle, dispatcher, notifier, cfg.Scheduler.BatchSize)
	defer svc.Close()

	sched, err := scheduler.New(cfg.Scheduler.Interval, svc.ProcessDue)
	if err != nil {
		log.Fatal(err)
	}
	sched.Start()
	defer sched.Stop()

	handler := api.NewHandler(svc, sched, eventBus)
	srv := &http.Server{
		Addr:    cfg.Server.Address,
		Handler: loggingMiddleware(api.Router(handler)),
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go func() {
		slog.Info("http server listening", "addr", cfg.Server.Address)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("http server: %v", err)
		}
	}()

	<-ctx.Done()
	slog.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("http shutdown", "err", err)
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// Flush keeps the SSE endpoint streaming through the wrapper.
func (r *statusRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()

		next.ServeHTTP(rec, r)

		slog.Info("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", rec.status,
			"duration_ms", time.Since(start).Milliseconds(),
		)
	})
}
