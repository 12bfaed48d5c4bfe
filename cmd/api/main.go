package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	_ "github.com/joho/godotenv/autoload"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/molpadia/molparelay/internal/app"
	"github.com/molpadia/molparelay/internal/config"
	"github.com/molpadia/molparelay/internal/infrastructure/persistence"
	"github.com/molpadia/molparelay/internal/infrastructure/telegram"
	"github.com/molpadia/molparelay/internal/metrics"
	"github.com/molpadia/molparelay/internal/relay"
	"github.com/molpadia/molparelay/internal/session"
)

const (
	shutdownTimeout = 30 * time.Second
	notifyQueueSize = 256
	notifyTimeout   = 30 * time.Second
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("invalid configuration")
	}
	flag.StringVar(&cfg.Addr, "addr", cfg.Addr, "web server address")
	flag.StringVar(&cfg.CertFile, "cert", cfg.CertFile, "path of TLS certificate file")
	flag.StringVar(&cfg.KeyFile, "key", cfg.KeyFile, "path of TLS private key file")
	flag.Parse()

	logger := newLogger(cfg)
	log.Logger = logger
	if err := run(cfg, logger); err != nil {
		logger.Fatal().Err(err).Msg("server stopped")
	}
}

func newLogger(cfg *config.Config) zerolog.Logger {
	level, err := zerolog.ParseLevel(strings.ToLower(cfg.LogLevel))
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)
	if cfg.LogFormat == "console" {
		return zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}).With().Timestamp().Logger()
	}
	return zerolog.New(os.Stdout).With().Timestamp().Str("service", "molparelay").Logger()
}

func component(logger zerolog.Logger, name string) zerolog.Logger {
	return logger.With().Str("component", name).Logger()
}

func run(cfg *config.Config, logger zerolog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	s3opts := persistence.S3Options{
		Endpoint:       cfg.S3Endpoint,
		Region:         cfg.S3Region,
		AccessKey:      cfg.S3AccessKey,
		SecretKey:      cfg.S3SecretKey,
		ForcePathStyle: cfg.S3ForcePathStyle,
	}
	s3api, err := persistence.NewS3API(s3opts)
	if err != nil {
		return err
	}
	uploader := persistence.NewUploader(s3api, persistence.UploaderOptions{
		Bucket:       cfg.S3Bucket,
		BaseURL:      cfg.BaseURL(),
		SignedURLs:   cfg.SignedURLs,
		SignedURLTTL: cfg.SignedURLTTL,
		Timeout:      cfg.NetworkTimeout,
	})

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	defer rdb.Close()
	store := persistence.NewRedisStateStore(rdb, cfg.StateNamespace)
	queue := persistence.NewRedisJobQueue(rdb, cfg.StateNamespace)
	if err := store.Ping(ctx); err != nil {
		logger.Warn().Err(err).Str("addr", cfg.RedisAddr).Msg("state store is not reachable yet")
	}

	m := metrics.MustNewMetrics(prometheus.DefaultRegisterer)
	sessions := session.NewManager(store, uploader, cfg.SessionTTL, component(logger, "session"), m)

	source := telegram.NewClient(&http.Client{Timeout: cfg.SourceTimeout}, cfg.TelegramAPIURL, cfg.TelegramToken, component(logger, "source"))
	bot := telegram.NewClient(&http.Client{Timeout: cfg.NetworkTimeout}, cfg.TelegramAPIURL, cfg.TelegramToken, component(logger, "bot"))

	notifier := relay.NewDispatcher(telegram.NewNotifier(bot, component(logger, "notifier")), notifyQueueSize, notifyTimeout, component(logger, "notifier"))

	deps := relay.Deps{
		Sessions: sessions,
		Uploader: uploader,
		Source:   source,
		Notifier: notifier,
		Jobs:     relay.NewJobStore(store, cfg.JobTTL),
		Queue:    queue,
		Metrics:  m,
		Log:      component(logger, "relay"),
	}
	if cfg.VideoTable != "" {
		db, err := persistence.NewDynamoDBAPI(s3opts)
		if err != nil {
			return err
		}
		deps.Videos = persistence.NewVideoRepository(db, cfg.VideoTable)
	}
	rl := relay.New(deps, relay.OptionsFromConfig(cfg))

	r := mux.NewRouter()
	app.SetupRoutes(r, rl, store, app.Options{
		MaxFileSize:  cfg.MaxFileSize,
		MaxChunkSize: cfg.MaxChunkSize,
		Metrics:      promhttp.Handler(),
	}, component(logger, "http"))

	srv := &http.Server{
		Handler:           r,
		Addr:              cfg.Addr,
		ReadHeaderTimeout: 15 * time.Second,
		// Synchronous relays stream the whole file before responding.
		WriteTimeout: cfg.SourceTimeout,
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info().Str("addr", cfg.Addr).Msg("the server started")
		var err error
		if cfg.CertFile != "" && cfg.KeyFile != "" {
			err = srv.ListenAndServeTLS(cfg.CertFile, cfg.KeyFile)
		} else {
			err = srv.ListenAndServe()
		}
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	})
	g.Go(func() error {
		<-ctx.Done()
		logger.Info().Msg("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	g.Go(func() error {
		return relay.NewWorkers(rl, queue, cfg.Workers, component(logger, "worker")).Run(ctx)
	})
	g.Go(func() error {
		return notifier.Run(ctx)
	})
	g.Go(func() error {
		return relay.NewReaper(uploader, sessions, cfg.KeyPrefix, cfg.SessionTTL, cfg.ReaperInterval, component(logger, "reaper"), m).Run(ctx)
	})
	return g.Wait()
}
