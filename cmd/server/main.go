package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"

	"github.com/org/timecapsule/internal/api"
	"github.com/org/timecapsule/internal/storage"
)

type config struct {
	ListenAddr     string `yaml:"listen_addr"`
	TLSCertFile    string `yaml:"tls_cert"`
	TLSKeyFile     string `yaml:"tls_key"`
	DBUrl          string `yaml:"db_url"`
	MigrationsDir  string `yaml:"migrations_dir"`
	BlobDir        string `yaml:"blob_dir"`
	Ledger         string `yaml:"ledger"`
	RateLimitRPS   int    `yaml:"rate_limit_rps"`
	RateLimitBurst int    `yaml:"rate_limit_burst"`
	MaxBlobSize    int64  `yaml:"max_blob_size"`
	TrustProxy     bool   `yaml:"trust_proxy"`
	LogLevel       string `yaml:"log_level"`
}

const gcInterval = 10 * time.Minute

func main() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	cfgFile := "config.yaml"
	if v := os.Getenv("TIMECAPSULE_CONFIG"); v != "" {
		cfgFile = v
	}

	cfg := config{
		ListenAddr: ":8200",
		BlobDir:    "data/blobs",
		Ledger:     "postgres",
		LogLevel:   "info",
	}

	if data, err := os.ReadFile(cfgFile); err == nil {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			log.Fatal().Err(err).Msg("failed to parse config")
		}
	} else {
		log.Warn().Str("file", cfgFile).Msg("config file not found, using defaults")
	}

	if v := os.Getenv("TIMECAPSULE_LISTEN_ADDR"); v != "" {
		cfg.ListenAddr = v
	}
	if v := os.Getenv("DATABASE_URL"); v != "" {
		cfg.DBUrl = v
	}

	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	ctx := context.Background()

	blobs, err := storage.OpenBadgerBlobStore(cfg.BlobDir, &log.Logger)
	if err != nil {
		log.Fatal().Err(err).Str("dir", cfg.BlobDir).Msg("failed to open blob store")
	}
	defer blobs.Close()

	var (
		backend storage.LedgerBackend
		pg      *storage.PostgresBackend
	)
	switch cfg.Ledger {
	case "memory":
		log.Warn().Msg("using in-memory ledger, anchored messages are lost on restart")
		backend = storage.NewMemoryLedger()
	case "postgres":
		if cfg.DBUrl == "" {
			log.Fatal().Msg("db_url must be configured (or DATABASE_URL env var)")
		}
		pg, err = storage.NewPostgresBackend(ctx, cfg.DBUrl)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to connect to database")
		}
		version, err := storage.RunMigrations(cfg.DBUrl, cfg.MigrationsDir)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to run migrations")
		}
		log.Info().Uint("version", version).Msg("migrations applied")
		backend = pg
	default:
		log.Fatal().Str("ledger", cfg.Ledger).Msg("ledger must be postgres or memory")
	}
	defer backend.Close()

	srv := api.NewServer(blobs, storage.NewLedger(backend), api.Config{
		ListenAddr:     cfg.ListenAddr,
		TLSCertFile:    cfg.TLSCertFile,
		TLSKeyFile:     cfg.TLSKeyFile,
		RateLimitRPS:   cfg.RateLimitRPS,
		RateLimitBurst: cfg.RateLimitBurst,
		MaxBlobSize:    cfg.MaxBlobSize,
		TrustProxy:     cfg.TrustProxy,
	}, log.Logger)
	if pg != nil {
		srv.AddHealthCheck(pg)
	}

	gcCtx, stopGC := context.WithCancel(ctx)
	defer stopGC()
	go collectGarbage(gcCtx, blobs)

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("server failed")
		}
	}()

	log.Info().Str("addr", cfg.ListenAddr).Str("ledger", cfg.Ledger).Msg("server started")
	<-quit

	log.Info().Msg("shutting down...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("shutdown error")
	}
	log.Info().Msg("server stopped")
}

// collectGarbage periodically reclaims value log space in the blob store.
func collectGarbage(ctx context.Context, blobs *storage.BadgerBlobStore) {
	ticker := time.NewTicker(gcInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := blobs.CollectGarbage(); err != nil {
				log.Warn().Err(err).Msg("blob store garbage collection failed")
			}
		}
	}
}
