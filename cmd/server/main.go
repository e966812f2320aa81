package main

import (
	"context"
	"crypto/tls"
	"errors"
	"flag"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"ravensync/internal/blobstorage"
	"ravensync/internal/conf"
	"ravensync/internal/db"
	"ravensync/internal/notify"
	"ravensync/internal/server"
	"ravensync/internal/server/auth"
)

func main() {
	// Command-line flags
	configPath := flag.String("config", "", "Path to configuration file (default: search the standard locations)")
	dbPath := flag.String("db", "", "Path to database directory (overrides database.path)")
	flag.Parse()

	cfg, err := loadConfig(*configPath)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load configuration")
	}
	if *dbPath != "" {
		cfg.Database.Path = *dbPath
	}
	setupLogging(cfg.Log)
	if err := cfg.Validate(); err != nil {
		log.Fatal().Err(err).Msg("invalid configuration")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg); err != nil {
		log.Fatal().Err(err).Msg("server failed")
	}
	log.Info().Msg("server stopped")
}

func loadConfig(path string) (*conf.Config, error) {
	if path != "" {
		return conf.LoadConfigFrom(path)
	}
	return conf.LoadConfig()
}

func setupLogging(cfg conf.LogConfig) {
	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)
	if cfg.Format == "console" {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	}
}

func run(ctx context.Context, cfg *conf.Config) error {
	var blobs db.BlobStore
	if cfg.BlobStorage.Enabled {
		s3Storage, err := blobstorage.NewS3BlobStorage(ctx, cfg.BlobStorage)
		if err != nil {
			return err
		}
		blobs = s3Storage
		log.Info().Str("endpoint", cfg.BlobStorage.Endpoint).Str("bucket", cfg.BlobStorage.Bucket).Msg("S3 blob storage initialized")
	} else {
		log.Info().Msg("S3 blob storage is disabled, message bodies are kept in SQLite")
	}

	dbManager, err := db.NewDBManager(cfg.Database.Path, notify.NewHub(), blobs)
	if err != nil {
		return err
	}
	defer func() {
		if err := dbManager.Close(); err != nil {
			log.Error().Err(err).Msg("error closing database manager")
		}
	}()
	log.Info().Str("path", cfg.Database.Path).Msg("database manager initialized")

	var tlsConfig *tls.Config
	if cfg.TLS.Enabled() {
		cert, err := tls.LoadX509KeyPair(cfg.TLS.Cert, cfg.TLS.Key)
		if err != nil {
			return err
		}
		tlsConfig = &tls.Config{Certificates: []tls.Certificate{cert}, MinVersion: tls.VersionTLS12}
	}

	imapServer := server.NewIMAPServer(dbManager, server.Options{
		TLSConfig:     tlsConfig,
		Verifier:      auth.NewVerifier(cfg.Auth.JWTSecret, cfg.Auth.Issuer),
		IdleKeepAlive: cfg.Idle.KeepAlive,
	})

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		ln, err := net.Listen("tcp", cfg.Listen.IMAP)
		if err != nil {
			return err
		}
		log.Info().Str("addr", cfg.Listen.IMAP).Msg("IMAP server listening")
		return imapServer.Serve(ctx, ln, false)
	})

	if tlsConfig != nil && cfg.Listen.IMAPS != "" {
		g.Go(func() error {
			ln, err := tls.Listen("tcp", cfg.Listen.IMAPS, tlsConfig)
			if err != nil {
				return err
			}
			log.Info().Str("addr", cfg.Listen.IMAPS).Msg("IMAPS server listening")
			return imapServer.Serve(ctx, ln, true)
		})
	}

	if cfg.Listen.Metrics != "" {
		metricsServer := &http.Server{
			Addr:              cfg.Listen.Metrics,
			Handler:           metricsMux(),
			ReadHeaderTimeout: 10 * time.Second,
		}
		g.Go(func() error {
			log.Info().Str("addr", cfg.Listen.Metrics).Msg("metrics endpoint listening")
			if err := metricsServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
		g.Go(func() error {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return metricsServer.Shutdown(shutdownCtx)
		})
	}

	return g.Wait()
}

func metricsMux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	return mux
}
