// Package backlog turns a room session into a resumable logger: it persists
// every message it sees and pages backward through history until the gap to
// the last checkpoint is closed.
package backlog

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"HeimLog/internal/archive"
	"HeimLog/internal/protocol"
	"HeimLog/internal/session"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// ErrLogRequest is returned when the server rejects a history request at the
// smallest allowed page size
var ErrLogRequest = errors.New("log request rejected")

// Options tune history paging
type Options struct {
	// PageSize is the number of messages asked for per request
	PageSize int
	// MinPageSize bounds how far PageSize is halved after error replies
	MinPageSize int
	// MaxRetries is the number of extra attempts after a timed out request
	MaxRetries int
	// RetryDelay is multiplied by the attempt number between retries
	RetryDelay time.Duration
	// FullHistory pages back to the start of the room when no checkpoint exists
	FullHistory bool
}

const (
	DefaultPageSize    = 1000
	DefaultMinPageSize = 50
	DefaultMaxRetries  = 3
	DefaultRetryDelay  = 2 * time.Second
)

// Logger persists room traffic to a Store and drives catchup
type Logger struct {
	store archive.Store
	opts  Options
	pages atomic.Int64
}

// New creates a Logger writing to store
func New(store archive.Store, opts Options) (*Logger, error) {
	if store == nil {
		return nil, fmt.Errorf("store cannot be nil")
	}
	if opts.PageSize <= 0 {
		opts.PageSize = DefaultPageSize
	}
	if opts.MinPageSize <= 0 {
		opts.MinPageSize = DefaultMinPageSize
	}
	if opts.MinPageSize > opts.PageSize {
		opts.MinPageSize = opts.PageSize
	}
	if opts.MaxRetries < 0 {
		opts.MaxRetries = 0
	}
	if opts.RetryDelay <= 0 {
		opts.RetryDelay = DefaultRetryDelay
	}
	return &Logger{store: store, opts: opts}, nil
}

// Pages returns the number of history requests answered so far
func (l *Logger) Pages() int {
	return int(l.pages.Load())
}

// Table returns the dispatch entries that turn a session into a logger.
// Overlay it on session.Base.
func (l *Logger) Table() *session.Table {
	presence := func(_ context.Context, s *session.Session, _ *session.State, env *protocol.Envelope) error {
		var who protocol.SessionView
		if len(env.Data) > 0 {
			if err := env.Unmarshal(&who); err != nil {
				return err
			}
		}
		s.Logger().Debug("presence", "type", env.Type, "session_id", who.SessionID, "name", who.Name)
		return nil
	}

	return &session.Table{
		Handlers: map[protocol.PacketType]session.Handler{
			protocol.SnapshotEventType: l.handleSnapshot,
			protocol.SendEventType:     l.handleSend,
			protocol.JoinEventType:     presence,
			protocol.PartEventType:     presence,
			protocol.NickEventType:     presence,
		},
		Pre: func(_ context.Context, s *session.Session, st *session.State, env *protocol.Envelope) error {
			s.Logger().Debug("received packet", "type", env.Type, "id", env.ID, "lifecycle", st.Lifecycle.String())
			return nil
		},
		Halt: l.handleHalt,
	}
}

func (l *Logger) handleSend(ctx context.Context, s *session.Session, st *session.State, env *protocol.Envelope) error {
	var msg protocol.Message
	if err := env.Unmarshal(&msg); err != nil {
		return err
	}
	if err := l.write(ctx, s, []protocol.Message{msg}); err != nil {
		return err
	}
	st.Observe(msg)
	return nil
}

func (l *Logger) handleSnapshot(_ context.Context, s *session.Session, st *session.State, env *protocol.Envelope) error {
	var snap protocol.SnapshotEvent
	if err := env.Unmarshal(&snap); err != nil {
		return err
	}
	s.Logger().Info("joined room", "identity", snap.Identity, "sessions", len(snap.Listing), "log", len(snap.Log))

	switch st.Lifecycle {
	case session.Ending:
		return nil
	case session.Catchup, session.Tailing:
		s.Logger().Warn("ignoring repeated snapshot", "lifecycle", st.Lifecycle.String())
		return nil
	}

	if err := st.Transition(session.Catchup); err != nil {
		return err
	}

	s.Logger().Info("catching up", "catchup_to", st.CatchupTo, "page_size", l.opts.PageSize)
	return s.Go(func(ctx context.Context) error {
		return l.catchup(ctx, s, snap.Log)
	})
}

// handleHalt records where the next run should resume. Nothing is written
// unless catchup had finished, so an interrupted catchup is redone.
func (l *Logger) handleHalt(ctx context.Context, s *session.Session, st session.State) error {
	if st.HaltedFrom != session.Tailing || st.LastSeen == nil {
		s.Logger().Info("halted without checkpoint", "halted_from", st.HaltedFrom.String())
		return nil
	}
	if err := l.store.AppendCheckpoint(ctx, st.LastSeen.ID); err != nil {
		return fmt.Errorf("failed to write final checkpoint: %w", err)
	}
	s.Logger().Info("wrote final checkpoint", "id", st.LastSeen.ID)
	return nil
}

// write appends msgs to the store. Stores serialize their own writes, so
// pages are written without the session lock.
func (l *Logger) write(ctx context.Context, s *session.Session, msgs []protocol.Message) error {
	for _, msg := range msgs {
		if err := l.store.AppendMessage(ctx, msg); err != nil {
			return fmt.Errorf("failed to log message %s: %w", msg.ID, err)
		}
	}
	if len(msgs) > 0 {
		s.Instruments().MessagesLogged(ctx, len(msgs))
	}
	return nil
}

// apply logs page, then advances LastSeen and decides under the lock whether
// the gap is closed. LastSeen only moves past messages that were written.
func (l *Logger) apply(ctx context.Context, s *session.Session, page []protocol.Message) (done bool, err error) {
	if s.Lifecycle() != session.Catchup {
		return true, nil
	}
	if err := l.write(ctx, s, page); err != nil {
		return false, err
	}

	var caughtUp, stopped bool
	var checkpoint string
	err = s.Update(func(st *session.State) error {
		if st.Lifecycle != session.Catchup {
			stopped = true
			return nil
		}
		for _, msg := range page {
			st.Observe(msg)
		}
		caughtUp = l.caughtUp(st, page)
		if caughtUp && st.LastSeen != nil {
			checkpoint = st.LastSeen.ID
		}
		return nil
	})
	if err != nil || stopped {
		return true, err
	}
	if !caughtUp {
		return false, nil
	}
	return true, l.complete(ctx, s, checkpoint)
}

// complete writes the checkpoint and moves to Tailing. An empty id means
// nothing was ever seen and no checkpoint is written.
func (l *Logger) complete(ctx context.Context, s *session.Session, checkpoint string) error {
	if checkpoint != "" {
		if err := l.store.AppendCheckpoint(ctx, checkpoint); err != nil {
			return fmt.Errorf("failed to write checkpoint: %w", err)
		}
	}
	return s.Update(func(st *session.State) error {
		if st.Lifecycle != session.Catchup {
			return nil
		}
		if checkpoint != "" {
			st.CatchupTo = checkpoint
		}
		if err := st.Transition(session.Tailing); err != nil {
			return err
		}
		s.Logger().Info("caught up", "checkpoint", st.CatchupTo, "pages", l.Pages())
		return nil
	})
}

func (l *Logger) caughtUp(st *session.State, page []protocol.Message) bool {
	if len(page) == 0 {
		return true
	}
	if st.CatchupTo == "" {
		return !l.opts.FullHistory
	}
	for _, msg := range page {
		if msg.ID == st.CatchupTo {
			return true
		}
	}
	return false
}

// catchup treats the snapshot log as the first page and then pages backward
// until apply reports the gap closed. An empty snapshot starts from the
// newest page. It runs outside the session lock so the reactor keeps
// dispatching.
func (l *Logger) catchup(ctx context.Context, s *session.Session, snapshot []protocol.Message) error {
	size := l.opts.PageSize
	page := snapshot
	before := ""
	if len(page) == 0 {
		var err error
		if page, err = l.fetch(ctx, s, before, &size); err != nil {
			return fmt.Errorf("failed to fetch newest history: %w", err)
		}
	}

	for {
		done, err := l.apply(ctx, s, page)
		if err != nil || done {
			if done && err == nil && s.Lifecycle() != session.Tailing {
				s.Logger().Info("catchup stopped", "lifecycle", s.Lifecycle().String())
			}
			return err
		}

		oldest, _ := protocol.Oldest(page)
		before = oldest.ID
		if page, err = l.fetch(ctx, s, before, &size); err != nil {
			return fmt.Errorf("failed to fetch history before %q: %w", before, err)
		}
	}
}

// fetch requests one page. Timeouts are retried with linear backoff and
// error replies halve *size until MinPageSize.
func (l *Logger) fetch(ctx context.Context, s *session.Session, before string, size *int) ([]protocol.Message, error) {
	inst := s.Instruments()
	for attempt := 1; ; attempt++ {
		ctx, span := inst.Tracer.Start(ctx, "backlog.page", trace.WithAttributes(
			attribute.String("before", before),
			attribute.Int("n", *size),
			attribute.Int("attempt", attempt),
		))

		reply, err := s.Call(ctx, protocol.LogType, protocol.LogCommand{N: *size, Before: before})
		switch {
		case err == nil && reply.Error == "":
			var page protocol.LogReply
			if err := reply.Unmarshal(&page); err != nil {
				span.RecordError(err)
				span.SetStatus(codes.Error, "bad log-reply")
				span.End()
				return nil, err
			}
			l.pages.Add(1)
			inst.CatchupPage(ctx)
			span.SetAttributes(attribute.Int("messages", len(page.Log)))
			span.End()
			if reply.Throttled {
				s.Logger().Warn("history request throttled", "reason", reply.ThrottledReason)
			}
			return page.Log, nil

		case err == nil:
			span.SetStatus(codes.Error, reply.Error)
			span.End()
			if *size <= l.opts.MinPageSize {
				return nil, fmt.Errorf("%w: %s", ErrLogRequest, reply.Error)
			}
			*size = max(*size/2, l.opts.MinPageSize)
			s.Logger().Warn("history request failed, shrinking page", "error", reply.Error, "page_size", *size)

		case errors.Is(err, session.ErrTimeout) && attempt <= l.opts.MaxRetries:
			span.RecordError(err)
			span.End()
			delay := time.Duration(attempt) * l.opts.RetryDelay
			s.Logger().Warn("history request timed out, retrying", "attempt", attempt, "delay", delay)
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(delay):
			}

		default:
			span.RecordError(err)
			span.SetStatus(codes.Error, "log call failed")
			span.End()
			return nil, err
		}
	}
}
