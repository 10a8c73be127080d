package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"

	"github.com/peicollab/familyaccess/internal/api"
	"github.com/peicollab/familyaccess/internal/mail"
	"github.com/peicollab/familyaccess/internal/storage"
)

type config struct {
	ListenAddr     string `yaml:"listen_addr"`
	TLSCertFile    string `yaml:"tls_cert"`
	TLSKeyFile     string `yaml:"tls_key"`
	StorageDriver  string `yaml:"storage_driver"` // postgres | sqlite | memory
	DBUrl          string `yaml:"db_url"`
	SQLitePath     string `yaml:"sqlite_path"`
	MigrationsDir  string `yaml:"migrations_dir"`
	PublicBaseURL  string `yaml:"public_base_url"`
	SendgridKey    string `yaml:"sendgrid_key"`
	MailFromName   string `yaml:"mail_from_name"`
	MailFromEmail  string `yaml:"mail_from_email"`
	RateLimitRPS   int    `yaml:"rate_limit_rps"`
	RateLimitBurst int    `yaml:"rate_limit_burst"`
	LogLevel       string `yaml:"log_level"`
}

func main() {
	// Configure zerolog
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	// Local development convenience; absent .env files are fine.
	godotenv.Load() //nolint:errcheck

	cfgFile := "config.yaml"
	if v := os.Getenv("FAMILYACCESS_CONFIG"); v != "" {
		cfgFile = v
	}

	cfg := config{
		ListenAddr:    ":8300",
		StorageDriver: "postgres",
		SQLitePath:    "familyaccess.db",
		MigrationsDir: "migrations",
		PublicBaseURL: "http://localhost:8300",
		MailFromName:  "PEI Collab",
		LogLevel:      "info",
	}

	if data, err := os.ReadFile(cfgFile); err == nil {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			log.Fatal().Err(err).Msg("failed to parse config")
		}
	} else {
		log.Warn().Str("file", cfgFile).Msg("config file not found, using defaults")
	}

	// Env overrides
	if v := os.Getenv("FAMILYACCESS_LISTEN_ADDR"); v != "" {
		cfg.ListenAddr = v
	}
	if v := os.Getenv("DATABASE_URL"); v != "" {
		cfg.DBUrl = v
	}
	if v := os.Getenv("SENDGRID_API_KEY"); v != "" {
		cfg.SendgridKey = v
	}

	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	ctx := context.Background()

	store, err := openStore(ctx, cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to open storage")
	}
	defer store.Close()

	var mailer mail.Mailer = mail.Disabled{}
	if cfg.SendgridKey != "" && cfg.MailFromEmail != "" {
		mailer = mail.NewSendgridMailer(cfg.SendgridKey, cfg.MailFromName, cfg.MailFromEmail)
		log.Info().Str("from", cfg.MailFromEmail).Msg("access link mail delivery enabled")
	}

	srv := api.NewServer(store, mailer, api.Config{
		ListenAddr:     cfg.ListenAddr,
		TLSCertFile:    cfg.TLSCertFile,
		TLSKeyFile:     cfg.TLSKeyFile,
		PublicBaseURL:  cfg.PublicBaseURL,
		RateLimitRPS:   cfg.RateLimitRPS,
		RateLimitBurst: cfg.RateLimitBurst,
	})

	// Handle graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		if err := srv.Start(); err != nil {
			log.Fatal().Err(err).Msg("server failed")
		}
	}()

	log.Info().Str("addr", cfg.ListenAddr).Msg("server started")
	<-quit

	log.Info().Msg("shutting down...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("shutdown error")
	}
	log.Info().Msg("server stopped")
}

func openStore(ctx context.Context, cfg config) (storage.Store, error) {
	switch cfg.StorageDriver {
	case "sqlite":
		log.Info().Str("path", cfg.SQLitePath).Msg("using sqlite storage")
		return storage.NewSQLiteStore(cfg.SQLitePath)
	case "memory":
		// Throwaway dev mode: everything is lost on restart.
		log.Warn().Msg("using in-memory storage, state will not survive restarts")
		return storage.NewMemoryStore(), nil
	default:
		if cfg.DBUrl == "" {
			log.Fatal().Msg("db_url must be configured (or DATABASE_URL env var)")
		}
		store, err := storage.NewPostgresStore(ctx, cfg.DBUrl)
		if err != nil {
			return nil, err
		}
		if err := storage.RunMigrations(cfg.DBUrl, cfg.MigrationsDir); err != nil {
			return nil, err
		}
		log.Info().Msg("migrations applied")
		return store, nil
	}
}
