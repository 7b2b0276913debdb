package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"

	"HeimLog/internal/archive"
	"HeimLog/internal/backlog"
	"HeimLog/internal/config"
	"HeimLog/internal/session"
	"HeimLog/internal/telemetry"
	"HeimLog/internal/transport"

	"github.com/google/uuid"
)

// runLogger connects to the room and logs until ctx is cancelled or the
// session ends
func runLogger(ctx context.Context, cfg *config.Config, stdout io.Writer) error {
	runID := uuid.NewString()

	logger, closeLog, err := telemetry.InitLogger(telemetry.LoggerOptions{
		Path:   cfg.AppLogPath,
		Debug:  cfg.Debug,
		Stdout: stdout,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer closeLog()
	logger = logger.With("run_id", runID, "room", cfg.Room)

	tracer, meter, shutdown, err := telemetry.InitTelemetry(ctx, filepath.Dir(cfg.AppLogPath), runID)
	if err != nil {
		return fmt.Errorf("failed to initialize telemetry: %w", err)
	}
	defer shutdown()

	inst, err := telemetry.NewInstruments(tracer, meter)
	if err != nil {
		return fmt.Errorf("failed to create instruments: %w", err)
	}

	catchupTo, found, err := archive.ScanCheckpoint(cfg.LogPath)
	if err != nil {
		return err
	}
	if found {
		logger.Info("resuming from checkpoint", "id", catchupTo)
	} else {
		logger.Info("no checkpoint found", "full_history", cfg.FullHistory)
	}

	store, err := openStores(cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := store.Close(); err != nil {
			logger.Error("failed to close message stores", "error", err)
		}
	}()

	rec, err := backlog.New(store, backlog.Options{
		PageSize:    cfg.PageSize,
		MinPageSize: cfg.MinPageSize,
		MaxRetries:  cfg.MaxRetries,
		RetryDelay:  cfg.RetryDelay,
		FullHistory: cfg.FullHistory,
	})
	if err != nil {
		return err
	}

	endpoint, err := transport.RoomURL(cfg.Server, cfg.Room)
	if err != nil {
		return err
	}
	conn, err := transport.Dial(ctx, endpoint, transport.Options{}, logger)
	if err != nil {
		return err
	}

	sess, err := session.New(conn, session.Overlay(session.Base(), rec.Table()), session.Config{
		Nick:        cfg.Nick,
		CallTimeout: cfg.CallTimeout,
		CatchupTo:   catchupTo,
	}, logger, inst)
	if err != nil {
		conn.Close()
		return err
	}

	if err := sess.Run(ctx); err != nil {
		return err
	}
	logger.Info("logger stopped", "pages", rec.Pages())
	return nil
}

// openStores opens the message log and, when configured, the sqlite mirror
func openStores(cfg *config.Config, logger *slog.Logger) (archive.Store, error) {
	file, err := archive.Open(cfg.LogPath, archive.FileOptions{Sync: cfg.SyncWrites, Logger: logger})
	if err != nil {
		return nil, err
	}
	if cfg.DBPath == "" {
		return file, nil
	}

	db, err := telemetry.InitDB(cfg.DBPath)
	if err != nil {
		file.Close()
		return nil, err
	}
	mirror, err := archive.NewSQLiteStore(db, cfg.Room, logger)
	if err != nil {
		db.Close()
		file.Close()
		return nil, err
	}
	logger.Info("mirroring messages to sqlite", "path", cfg.DBPath)
	return archive.Multi(file, mirror), nil
}
