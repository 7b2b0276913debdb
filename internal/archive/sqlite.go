package archive

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"HeimLog/internal/protocol"
)

// SQLiteStore mirrors logged messages into a sqlite database for querying.
// The schema is created by telemetry.InitDB.
type SQLiteStore struct {
	db     *sql.DB
	room   string
	logger *slog.Logger
}

var _ Store = (*SQLiteStore)(nil)

// NewSQLiteStore wraps an initialized database
func NewSQLiteStore(db *sql.DB, room string, logger *slog.Logger) (*SQLiteStore, error) {
	if db == nil {
		return nil, fmt.Errorf("database cannot be nil")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &SQLiteStore{db: db, room: room, logger: logger}, nil
}

// AppendMessage upserts the message keyed by room and id
func (s *SQLiteStore) AppendMessage(ctx context.Context, msg protocol.Message) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO messages
			(room, id, parent, time, sender_id, sender_name, content, edited, deleted)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		s.room, msg.ID, msg.Parent, msg.Time, msg.Sender.ID, msg.Sender.Name, msg.Content, msg.Edited, msg.Deleted,
	)
	if err != nil {
		return fmt.Errorf("failed to save message %s: %w", msg.ID, err)
	}
	return nil
}

// AppendCheckpoint records a caughtup marker
func (s *SQLiteStore) AppendCheckpoint(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx,
		"INSERT INTO checkpoints (room, message_id, created_at) VALUES (?, ?, ?)",
		s.room, id, time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to save checkpoint: %w", err)
	}
	return nil
}

// LastCheckpoint returns the most recent checkpoint id for the room
func (s *SQLiteStore) LastCheckpoint(ctx context.Context) (string, bool, error) {
	var id string
	err := s.db.QueryRowContext(ctx,
		"SELECT message_id FROM checkpoints WHERE room = ? ORDER BY seq DESC LIMIT 1",
		s.room,
	).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("failed to load checkpoint: %w", err)
	}
	return id, true, nil
}

// CountMessages returns how many distinct messages are mirrored for the room
func (s *SQLiteStore) CountMessages(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM messages WHERE room = ?", s.room).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count messages: %w", err)
	}
	return n, nil
}

// Close closes the database
func (s *SQLiteStore) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}
	s.logger.Info("closed message database", "room", s.room)
	return nil
}
