// Package cli implements the interactive clinicsync shell: a small REPL that
// drives the sync engine against the configured local database and remote
// bucket.
package cli

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"

	"github.com/clinicsync/clinicsync/internal/config"
	"github.com/clinicsync/clinicsync/internal/engine"
	"github.com/clinicsync/clinicsync/internal/keys"
	"github.com/clinicsync/clinicsync/internal/logging"
	"github.com/clinicsync/clinicsync/internal/remote"
	"github.com/clinicsync/clinicsync/internal/retention"
	"github.com/clinicsync/clinicsync/internal/snapshot"
	"github.com/clinicsync/clinicsync/internal/store"
)

// App wires configuration, the local store, the key manager, the remote
// bucket and the sync engine behind the interactive shell.
type App struct {
	config   *config.Config
	store    *store.SQLiteStore
	keys     *keys.Manager
	engine   *engine.Engine
	debounce *engine.Debouncer
	log      logging.Logger
	reader   *bufio.Reader
	out      io.Writer
}

func NewApp(cfg *config.Config) (*App, error) {
	ctx := context.Background()

	logger := logging.NewTextLogger(os.Stderr)

	st, err := store.Open(ctx, cfg.DatabasePath)
	if err != nil {
		return nil, fmt.Errorf("failed to open local database: %w", err)
	}

	fs, err := keys.NewFileStorage(cfg.KeysDir)
	if err != nil {
		return nil, fmt.Errorf("failed to open keys directory: %w", err)
	}
	km := keys.NewManager(fs, logger, keys.WithRotationInterval(cfg.KeyRotationInterval))

	// An empty secret means the config deliberately leaves the credential
	// out of files and flags; ask for it without echo.
	secret := cfg.S3SecretAccessKey
	if secret == "" {
		pw, err := GetPassword(os.Stdout, "Enter S3 secret access key: ")
		if err != nil {
			return nil, err
		}
		secret = string(pw)
	}

	rs, err := remote.NewS3Storage(ctx, remote.S3Config{
		Region:          cfg.S3Region,
		Endpoint:        cfg.S3BaseEndpoint,
		Bucket:          cfg.S3Bucket,
		Prefix:          cfg.S3Prefix,
		AccessKeyID:     cfg.S3AccessKeyID,
		SecretAccessKey: secret,
		UsePathStyle:    cfg.S3UsePathStyle,
	}, logger)
	if err != nil {
		return nil, err
	}

	eng := engine.New(cfg.TenantID, cfg.OriginID, st, rs, km, logger,
		engine.WithCompressor(snapshot.ForName(cfg.Compression)),
		engine.WithRetention(retention.Policy{
			MaxDailyBackups:   cfg.MaxDailyBackups,
			MaxMonthlyBackups: cfg.MaxMonthlyBackups,
			MaxYearlyBackups:  cfg.MaxYearlyBackups,
			MaxAge:            cfg.MaxBackupAge,
		}),
		engine.WithProgress(func(fraction float64, step string) {
			fmt.Printf("\r[%3.0f%%] %-40s", fraction*100, step)
			if fraction >= 1 {
				fmt.Println()
			}
		}),
	)

	return &App{
		config:   cfg,
		store:    st,
		keys:     km,
		engine:   eng,
		debounce: engine.NewDebouncer(cfg.SyncDebounce),
		log:      logger,
		reader:   bufio.NewReader(os.Stdin),
		out:      os.Stdout,
	}, nil
}

// Close cancels any scheduled auto-sync and releases the local database
// handle.
func (a *App) Close() error {
	a.debounce.Stop()
	return a.store.Close()
}
