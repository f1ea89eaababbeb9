// Command dualauthd serves the Twitter account linking and login endpoints.
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/smhanov/dualauth"
)

func main() {
	settings, err := dualauth.LoadSettings()
	if err != nil {
		l := zerolog.New(os.Stderr)
		l.Fatal().Err(err).Msg("failed to load settings")
	}

	logger := dualauth.NewLogger(settings.Env, settings.LogLevel, os.Stdout)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// ============
	// database
	// ============
	db, err := sqlx.Open(settings.DatabaseDriver, settings.DatabaseURL)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to open database")
	}
	defer db.Close()
	if settings.DatabaseDriver == "sqlite3" {
		// sqlite allows one writer at a time
		db.SetMaxOpenConns(1)
	}

	userDB, err := dualauth.NewUserDB(db)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to create tables")
	}

	// ============
	// attempt store
	// ============
	var store dualauth.AttemptStore
	if settings.RedisURL != "" {
		opts, err := redis.ParseURL(settings.RedisURL)
		if err != nil {
			logger.Fatal().Err(err).Msg("invalid REDIS_URL")
		}
		client := redis.NewClient(opts)
		defer client.Close()
		if err := client.Ping(ctx).Err(); err != nil {
			logger.Fatal().Err(err).Msg("failed to connect to redis")
		}
		store = dualauth.NewRedisAttemptStore(client)
		logger.Info().Str("addr", opts.Addr).Msg("attempts stored in redis")
	} else {
		mem := dualauth.NewMemoryAttemptStore()
		go sweep(ctx, mem, time.Minute)
		store = mem
		logger.Info().Msg("attempts stored in memory")
	}

	// ============
	// HTTP handler
	// ============
	metrics := dualauth.NewMetrics(prometheus.DefaultRegisterer)
	authHandler := dualauth.New(userDB, store, settings,
		dualauth.WithLogger(logger),
		dualauth.WithMetrics(metrics),
		dualauth.WithHTTPClient(&http.Client{Timeout: 15 * time.Second}),
	)

	mux := http.NewServeMux()
	mux.Handle("/auth/", dualauth.CORS(settings.TrustedOrigins(), authHandler))
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		dualauth.SendJSON(w, map[string]string{"status": "healthy", "env": settings.Env})
	})

	server := &http.Server{
		Addr:              settings.Addr,
		Handler:           dualauth.RecoverErrors(logger, mux),
		ReadHeaderTimeout: 10 * time.Second,
		// popup waits are long polls
		WriteTimeout: settings.PopupWaitTimeout + 30*time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Error().Err(err).Msg("failed to shut down")
		}
	}()

	logger.Info().Str("addr", settings.Addr).Msg("starting server")
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Fatal().Err(err).Msg("server failed")
	}
}

// sweep drops abandoned attempts from the memory store.
func sweep(ctx context.Context, store *dualauth.MemoryAttemptStore, every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			store.RemoveExpired()
		}
	}
}
