package main

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"net/url"
	"os"
	"time"

	"github.com/go-logr/logr"
	"github.com/go-logr/zerologr"
	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"speakers/config"
	"speakers/speakers"
)

func newLogger(cfg config.Log) logr.Logger {
	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}

	var w io.Writer = os.Stderr
	if cfg.Format != "json" {
		w = zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}
	}

	zerologr.NameFieldName = "logger"
	zerologr.VerbosityFieldName = ""
	zl := zerolog.New(w).Level(level).With().Timestamp().Logger()
	return zerologr.New(&zl)
}

// openStore connects to the configured store, retrying while it comes up.
func openStore(ctx context.Context, cfg config.Database, log logr.Logger) (speakers.Store, error) {
	switch cfg.Driver {
	case "mongo":
		return openMongo(ctx, cfg, log)
	default:
		return openSQLite(ctx, cfg, log)
	}
}

// sqliteDSN opens every connection with BEGIN IMMEDIATE transactions so the
// job claim serializes across processes. Pragmas are per connection, so they
// travel in the DSN rather than a one-off Exec.
func sqliteDSN(path string) string {
	q := url.Values{}
	q.Set("_txlock", "immediate")
	q.Set("_busy_timeout", "10000")
	q.Set("_journal_mode", "WAL")
	q.Set("_synchronous", "NORMAL")
	q.Set("_foreign_keys", "on")
	q.Set("_cache_size", "-16000")
	return "file:" + path + "?" + q.Encode()
}

func openSQLite(ctx context.Context, cfg config.Database, log logr.Logger) (speakers.Store, error) {
	db, err := sql.Open("sqlite3", sqliteDSN(cfg.Path))
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	err = retry(ctx, cfg.ConnectRetries, cfg.RetryDelay, log, func(ctx context.Context) error {
		return db.PingContext(ctx)
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("connect sqlite %s: %w", cfg.Path, err)
	}

	store := speakers.NewSQLiteStore(db)
	if err = store.Migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}
	log.V(1).Info("sqlite store ready", "path", cfg.Path)
	return store, nil
}

func openMongo(ctx context.Context, cfg config.Database, log logr.Logger) (speakers.Store, error) {
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(cfg.URI))
	if err != nil {
		return nil, fmt.Errorf("connect mongo: %w", err)
	}

	err = retry(ctx, cfg.ConnectRetries, cfg.RetryDelay, log, func(ctx context.Context) error {
		return client.Ping(ctx, nil)
	})
	if err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("connect mongo: %w", err)
	}

	store := speakers.NewMongoStore(client, cfg.Name)
	if err = store.EnsureIndexes(ctx); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, err
	}
	log.V(1).Info("mongo store ready", "database", cfg.Name)
	return store, nil
}

// retry runs fn up to attempts times, sleeping delay between failures.
func retry(ctx context.Context, attempts int, delay time.Duration, log logr.Logger, fn func(context.Context) error) error {
	if attempts < 1 {
		attempts = 1
	}

	var err error
	for i := 1; i <= attempts; i++ {
		if err = fn(ctx); err == nil {
			return nil
		}
		if i == attempts {
			break
		}

		log.Info("store not reachable, retrying", "attempt", i, "of", attempts, "error", err.Error())
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
	return err
}
