// Package main implements the entry point for qrseald.
// It initializes all components and starts the HTTP server.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/qrseal/qrseal-go/internal/binding"
	"github.com/qrseal/qrseal-go/internal/config"
	"github.com/qrseal/qrseal-go/internal/envelope"
	"github.com/qrseal/qrseal-go/internal/event"
	"github.com/qrseal/qrseal-go/internal/fingerprint"
	"github.com/qrseal/qrseal-go/internal/jwks"
	"github.com/qrseal/qrseal-go/internal/media"
	"github.com/qrseal/qrseal-go/internal/metrics"
	"github.com/qrseal/qrseal-go/internal/qrcodec"
	"github.com/qrseal/qrseal-go/internal/schema"
	"github.com/qrseal/qrseal-go/internal/server"
	"github.com/qrseal/qrseal-go/internal/service"
	"github.com/qrseal/qrseal-go/internal/stego"
	"github.com/qrseal/qrseal-go/internal/storage"
	"github.com/qrseal/qrseal-go/internal/sweeper"
	"github.com/qrseal/qrseal-go/internal/telemetry"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	// Load configuration from environment variables
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config load failed: %v\n", err)
		os.Exit(1)
	}

	logLevel := slog.LevelInfo
	if cfg.IsDev() {
		logLevel = slog.LevelDebug
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	}))
	slog.SetDefault(logger)

	if err := run(cfg, logger); err != nil {
		logger.Error("qrseald failed", "error", err)
		os.Exit(1)
	}
}

func run(cfg config.Config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if _, err := telemetry.InitTracer("qrseald", version, cfg.IsDev()); err != nil {
		return fmt.Errorf("init tracer: %w", err)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		telemetry.ShutdownTracer(ctx)
	}()

	store, err := openStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer store.Close()

	keys, err := openKeys(cfg, logger)
	if err != nil {
		return err
	}
	logger.Info("binding key loaded", "source", keys.Source(), "key_id", keys.ID())

	pub := openPublisher(cfg, logger)
	defer pub.Close()

	var objects media.ObjectStore
	if cfg.S3Enabled() {
		s3, err := media.NewS3Client(ctx, cfg.S3Endpoint, cfg.S3Region, cfg.S3Bucket, cfg.S3AccessKey, cfg.S3SecretKey)
		if err != nil {
			return fmt.Errorf("init s3: %w", err)
		}
		objects = s3
	}

	m := metrics.NewMetrics()
	cache := stego.NewAnalysisCache(10 * time.Minute)
	defer cache.Close()

	svc, err := service.New(service.Deps{
		Fingerprinter: fingerprint.New(
			fingerprint.WithMaxSize(cfg.MaxDocumentSize),
			fingerprint.WithLogger(logger),
		),
		Tokens:             binding.NewService(keys, binding.WithLogger(logger)),
		Packer:             envelope.NewPacker(cfg.QRCapacity),
		QR:                 qrcodec.New(),
		Store:              store,
		Events:             pub,
		Objects:            objects,
		Schemas:            schema.MustValidator(),
		Metrics:            m,
		Cache:              cache,
		Logger:             logger,
		DefaultExpiryHours: cfg.DefaultExpiryHours,
	})
	if err != nil {
		return err
	}

	opts := server.Options{
		CORSOrigins: cfg.CORSAllowedOrigins,
		MaxUpload:   cfg.MaxUploadSize,
		Metrics:     m,
		Logger:      logger,
	}
	if cfg.JWTIssuer != "" {
		opts.Auth = jwks.NewClient(cfg.JWKSURL, cfg.JWTIssuer, cfg.JWTAudience)
	}
	if cfg.RateLimitRPS > 0 {
		opts.Limiter = server.NewRateLimiter(cfg.RateLimitRPS, cfg.RateLimitBurst)
	}

	sw := sweeper.New(store, cfg.SweepInterval, logger, m)
	sw.Start(ctx)
	defer sw.Stop()

	addr := fmt.Sprintf(":%s", cfg.Port)
	srv := &http.Server{
		Addr:              addr,
		Handler:           server.NewMux(svc, opts),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server starting", "addr", addr, "env", cfg.Env, "store", cfg.Store, "version", version)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("listen: %w", err)
		}
	case <-ctx.Done():
	}

	logger.Info("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}
	logger.Info("server exited")
	return nil
}

// openStore builds the record store selected by QRS_STORE.
func openStore(ctx context.Context, cfg config.Config, logger *slog.Logger) (storage.Store, error) {
	switch cfg.Store {
	case config.StoreMemory:
		logger.Warn("using in-memory store, records are lost on restart")
		return storage.NewMemory(), nil
	case config.StoreBadger:
		s, err := storage.NewBadger(cfg.BadgerDir(), logger)
		if err != nil {
			return nil, fmt.Errorf("open badger store: %w", err)
		}
		return s, nil
	case config.StorePostgres:
		s, err := storage.NewPostgres(ctx, cfg.DatabaseDSN)
		if err != nil {
			return nil, fmt.Errorf("open postgres store: %w", err)
		}
		return s, nil
	default:
		s, err := storage.NewFile(cfg.RecordDir(), logger)
		if err != nil {
			return nil, fmt.Errorf("open file store: %w", err)
		}
		if cfg.MigrateLegacy {
			report, err := s.MigrateLegacy(ctx)
			if err != nil {
				s.Close()
				return nil, fmt.Errorf("migrate legacy records: %w", err)
			}
			logger.Info("legacy record migration finished",
				"migrated", len(report.Migrated), "failed", len(report.Failed), "backup", report.Backup)
		}
		return s, nil
	}
}

// openKeys derives the binding key from the configured secret, or loads
// it from the key file.
func openKeys(cfg config.Config, logger *slog.Logger) (*binding.KeyStore, error) {
	if cfg.SigningSecret != "" {
		ks, err := binding.KeyStoreFromSecret(cfg.SigningSecret, cfg.SigningSalt)
		if err != nil {
			return nil, fmt.Errorf("derive binding key: %w", err)
		}
		return ks, nil
	}
	ks, err := binding.OpenKeyStore(cfg.KeyFile, logger)
	if err != nil {
		return nil, fmt.Errorf("open binding key: %w", err)
	}
	return ks, nil
}

// openPublisher combines the NATS and AMQP publishers that are configured.
func openPublisher(cfg config.Config, logger *slog.Logger) event.Publisher {
	pubs := event.Multi{event.NewPublisher(cfg.NATSURL, logger)}
	if cfg.AMQPURL != "" {
		amqp, err := event.NewAMQP(cfg.AMQPURL, cfg.AMQPExchange, logger)
		if err != nil {
			logger.Warn("AMQP unavailable, events go to NATS only", "error", err)
		} else {
			pubs = append(pubs, amqp)
		}
	}
	if len(pubs) == 1 {
		return pubs[0]
	}
	return pubs
}
