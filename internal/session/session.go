package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"HeimLog/internal/protocol"
	"HeimLog/internal/telemetry"
	"HeimLog/internal/transport"

	"golang.org/x/sync/errgroup"
)

// ErrHandler wraps faults raised by dispatch handlers
var ErrHandler = errors.New("handler fault")

// ErrNotRunning is returned by Go before Run has started or after it returned
var ErrNotRunning = errors.New("session is not running")

// Config holds per-session settings
type Config struct {
	Nick        string
	CallTimeout time.Duration
	// CatchupTo seeds the last checkpointed message id
	CatchupTo string
	QueueSize int
}

// Session is a single room connection. It owns the transport and all
// per-connection state.
type Session struct {
	conn   transport.Conn
	table  *Table
	cfg    Config
	logger *slog.Logger
	inst   *telemetry.Instruments
	sender *sender

	mu       sync.Mutex
	state    State
	pending  map[string]*pendingCall
	packetID atomic.Uint64

	runMu      sync.Mutex
	started    bool
	group      *errgroup.Group
	groupCtx   context.Context
	cancelRead context.CancelFunc
}

// New creates a session over conn dispatching through table
func New(conn transport.Conn, table *Table, cfg Config, logger *slog.Logger, inst *telemetry.Instruments) (*Session, error) {
	if conn == nil {
		return nil, fmt.Errorf("connection cannot be nil")
	}
	if table == nil {
		return nil, fmt.Errorf("dispatch table cannot be nil")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger cannot be nil")
	}
	if inst == nil {
		inst = telemetry.Noop()
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = 30 * time.Second
	}

	return &Session{
		conn:    conn,
		table:   table,
		cfg:     cfg,
		logger:  logger,
		inst:    inst,
		sender:  newSender(conn, cfg.QueueSize, logger),
		state:   State{Lifecycle: Connected, CatchupTo: cfg.CatchupTo},
		pending: make(map[string]*pendingCall),
	}, nil
}

// Logger returns the session logger
func (s *Session) Logger() *slog.Logger {
	return s.logger
}

// Instruments returns the session metrics and tracer
func (s *Session) Instruments() *telemetry.Instruments {
	return s.inst
}

// Snapshot returns a copy of the current state
func (s *Session) Snapshot() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Lifecycle returns the current lifecycle
func (s *Session) Lifecycle() Lifecycle {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.Lifecycle
}

// Update applies fn to the state under the session lock
func (s *Session) Update(fn func(st *State) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return fn(&s.state)
}

// Send queues env for transmission and returns immediately
func (s *Session) Send(env *protocol.Envelope) error {
	return s.send(env, false)
}

// SendUrgent queues env ahead of any normal sends still waiting
func (s *Session) SendUrgent(env *protocol.Envelope) error {
	return s.send(env, true)
}

func (s *Session) send(env *protocol.Envelope, urgent bool) error {
	data, err := env.Encode()
	if err != nil {
		return err
	}
	return s.sender.enqueue(outbound{typ: string(env.Type), data: data}, urgent)
}

// Go runs fn as a supervised task of the running session. An error from fn
// ends the session the same way a handler fault does.
func (s *Session) Go(fn func(ctx context.Context) error) error {
	s.runMu.Lock()
	g, ctx := s.group, s.groupCtx
	s.runMu.Unlock()

	if g == nil {
		return ErrNotRunning
	}
	g.Go(func() error {
		err := fn(ctx)
		if err != nil && ctx.Err() != nil && errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})
	return nil
}

// Halt asks the session to stop. Run returns once the reactor observes it.
func (s *Session) Halt() {
	s.mu.Lock()
	s.state.end()
	s.mu.Unlock()

	s.runMu.Lock()
	cancel := s.cancelRead
	s.runMu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// Run pumps inbound frames until the session halts, the transport fails, or
// a handler faults. Cancelling ctx halts the session. Teardown always runs
// the halt hook and closes the connection.
func (s *Session) Run(ctx context.Context) error {
	s.runMu.Lock()
	if s.started {
		s.runMu.Unlock()
		return fmt.Errorf("session already started")
	}
	s.started = true

	runCtx, cancelRun := context.WithCancel(ctx)
	defer cancelRun()
	g, gctx := errgroup.WithContext(runCtx)
	readCtx, cancelRead := context.WithCancel(gctx)
	defer cancelRead()

	s.group, s.groupCtx, s.cancelRead = g, gctx, cancelRead
	s.runMu.Unlock()

	g.Go(func() error {
		return s.sender.run(gctx)
	})
	g.Go(func() error {
		defer cancelRun()
		return s.pump(ctx, readCtx)
	})

	err := g.Wait()

	s.runMu.Lock()
	s.group, s.groupCtx, s.cancelRead = nil, nil, nil
	s.runMu.Unlock()

	s.teardown()
	if err != nil {
		s.logger.Error("session ended with error", "error", err)
	}
	return err
}

func (s *Session) pump(parent, ctx context.Context) error {
	for {
		if s.Lifecycle() == Ending {
			return nil
		}

		raw, err := s.conn.ReadFrame(ctx)
		if err != nil {
			if s.Lifecycle() == Ending {
				return nil
			}
			if parent.Err() != nil {
				s.Halt()
				return nil
			}
			if ctx.Err() != nil {
				// another task failed and cancelled the group
				return nil
			}
			return fmt.Errorf("failed to read from room: %w", err)
		}

		env, err := protocol.Decode(raw)
		if err != nil {
			s.logger.Error("failed to decode frame", "raw", string(raw), "error", err)
			return err
		}

		if err := s.dispatch(ctx, env); err != nil {
			return err
		}
	}
}

// dispatch applies one envelope inside a single critical section: reply
// correlation first, then the pre hook, then the type handler.
func (s *Session) dispatch(ctx context.Context, env *protocol.Envelope) (err error) {
	s.inst.FrameReceived(ctx, string(env.Type))

	s.mu.Lock()
	defer s.mu.Unlock()

	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("handler panicked", "type", env.Type, "id", env.ID, "panic", r, "stack", string(debug.Stack()))
			err = fmt.Errorf("%w: %s: panic: %v", ErrHandler, env.Type, r)
		}
	}()

	if env.ID != "" {
		s.resolveLocked(env)
	}

	if s.table.Pre != nil {
		if err := s.table.Pre(ctx, s, &s.state, env); err != nil {
			return fmt.Errorf("%w: pre hook for %s: %w", ErrHandler, env.Type, err)
		}
	}

	h := s.table.lookup(env.Type)
	if h == nil {
		return nil
	}
	if err := h(ctx, s, &s.state, env); err != nil {
		s.logger.Error("handler failed", "type", env.Type, "id", env.ID, "error", err)
		return fmt.Errorf("%w: %s: %w", ErrHandler, env.Type, err)
	}
	return nil
}

func (s *Session) teardown() {
	s.mu.Lock()
	s.state.end()
	final := s.state
	s.mu.Unlock()

	if s.table.Halt != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		func() {
			defer func() {
				if r := recover(); r != nil {
					s.logger.Error("halt hook panicked", "panic", r, "stack", string(debug.Stack()))
				}
			}()
			if err := s.table.Halt(ctx, s, final); err != nil {
				s.logger.Error("halt hook failed", "error", err)
			}
		}()
		cancel()
	}

	if err := s.conn.Close(); err != nil {
		s.logger.Warn("failed to close connection", "error", err)
	}
	s.logger.Info("session ended", "halted_from", final.HaltedFrom.String())
}
