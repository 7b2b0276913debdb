package archive

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"HeimLog/internal/protocol"
)

// FileOptions controls how the log file is written
type FileOptions struct {
	// Sync calls fsync after every record
	Sync   bool
	Logger *slog.Logger
}

// FileLog appends newline-delimited JSON records to a file
type FileLog struct {
	path   string
	file   *os.File
	sync   bool
	logger *slog.Logger
	mu     sync.Mutex
	closed bool
}

var _ Store = (*FileLog)(nil)

// Open opens path for appending, creating it and its directory if needed
func Open(path string, opts FileOptions) (*FileLog, error) {
	if path == "" {
		return nil, fmt.Errorf("log path cannot be empty")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create log directory: %w", err)
		}
	}

	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open log file: %w", err)
	}

	if err := terminateLastLine(path, f, logger); err != nil {
		f.Close()
		return nil, err
	}

	logger.Info("opened message log", "path", path, "sync", opts.Sync)
	return &FileLog{path: path, file: f, sync: opts.Sync, logger: logger}, nil
}

// terminateLastLine ends a partial trailing line left by a crash so the next
// record starts on its own line
func terminateLastLine(path string, f *os.File, logger *slog.Logger) error {
	info, err := f.Stat()
	if err != nil {
		return fmt.Errorf("failed to stat log file: %w", err)
	}
	if info.Size() == 0 {
		return nil
	}

	r, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("failed to open log file: %w", err)
	}
	defer r.Close()

	last := make([]byte, 1)
	if _, err := r.ReadAt(last, info.Size()-1); err != nil {
		return fmt.Errorf("failed to read log file: %w", err)
	}
	if last[0] == '\n' {
		return nil
	}

	logger.Warn("terminating partial record at end of log", "path", path)
	if _, err := f.Write([]byte{'\n'}); err != nil {
		return fmt.Errorf("failed to terminate partial record: %w", err)
	}
	return f.Sync()
}

// Path returns the file the log appends to
func (l *FileLog) Path() string {
	return l.path
}

// AppendMessage writes a message record
func (l *FileLog) AppendMessage(ctx context.Context, msg protocol.Message) error {
	return l.append(ctx, KindMessage, msg)
}

// AppendCheckpoint writes a caughtup record for id
func (l *FileLog) AppendCheckpoint(ctx context.Context, id string) error {
	if err := l.append(ctx, KindCaughtUp, Checkpoint{ID: id}); err != nil {
		return err
	}
	l.logger.Info("wrote checkpoint", "id", id)
	return nil
}

func (l *FileLog) append(ctx context.Context, kind string, v interface{}) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal %s record: %w", kind, err)
	}
	line, err := json.Marshal(Record{Kind: kind, Data: data})
	if err != nil {
		return fmt.Errorf("failed to marshal %s record: %w", kind, err)
	}
	line = append(line, '\n')

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return fmt.Errorf("log %s is closed", l.path)
	}
	// one write per record so a crash leaves at most one partial trailing line
	if _, err := l.file.Write(line); err != nil {
		return fmt.Errorf("failed to append %s record: %w", kind, err)
	}
	if l.sync {
		if err := l.file.Sync(); err != nil {
			return fmt.Errorf("failed to sync log: %w", err)
		}
	}
	return nil
}

// Close flushes and closes the file
func (l *FileLog) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return nil
	}
	l.closed = true

	if err := l.file.Sync(); err != nil {
		l.file.Close()
		return fmt.Errorf("failed to sync log: %w", err)
	}
	return l.file.Close()
}

// ScanStats summarizes a pass over the log
type ScanStats struct {
	Messages    int
	Checkpoints int
	Skipped     int
}

// Scan reads path front to back and calls fn for every well-formed record.
// Lines that do not parse, such as a partial line left by a crash, are skipped.
// A missing file yields no records and no error.
func Scan(path string, fn func(Record) error) (ScanStats, error) {
	var stats ScanStats

	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return stats, nil
		}
		return stats, fmt.Errorf("failed to open log file: %w", err)
	}
	defer f.Close()

	r := bufio.NewReader(f)
	for {
		line, readErr := r.ReadBytes('\n')
		if readErr != nil && !errors.Is(readErr, io.EOF) {
			return stats, fmt.Errorf("failed to read log file: %w", readErr)
		}

		line = bytes.TrimSpace(line)
		if len(line) > 0 {
			var rec Record
			if err := json.Unmarshal(line, &rec); err != nil || rec.Kind == "" {
				stats.Skipped++
			} else {
				switch rec.Kind {
				case KindMessage:
					stats.Messages++
				case KindCaughtUp:
					stats.Checkpoints++
				}
				if err := fn(rec); err != nil {
					return stats, err
				}
			}
		}

		if readErr != nil {
			return stats, nil
		}
	}
}

// Summary is the result of reading a whole log
type Summary struct {
	ScanStats
	// Checkpoint is the id of the last valid caughtup record
	Checkpoint string
	Found      bool
}

// Summarize scans path and reduces it to its last valid checkpoint.
// Records with an empty or malformed id are not checkpoints.
func Summarize(path string) (Summary, error) {
	var sum Summary
	stats, err := Scan(path, func(rec Record) error {
		if rec.Kind != KindCaughtUp {
			return nil
		}
		var cp Checkpoint
		if err := json.Unmarshal(rec.Data, &cp); err != nil || cp.ID == "" {
			return nil
		}
		sum.Checkpoint, sum.Found = cp.ID, true
		return nil
	})
	if err != nil {
		return Summary{}, err
	}
	sum.ScanStats = stats
	return sum, nil
}

// ScanCheckpoint returns the id of the last caughtup record in the log
func ScanCheckpoint(path string) (string, bool, error) {
	sum, err := Summarize(path)
	if err != nil {
		return "", false, err
	}
	return sum.Checkpoint, sum.Found, nil
}
