package session

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"HeimLog/internal/protocol"

	"github.com/stretchr/testify/require"
)

// fakeConn is an in-memory transport: tests push inbound frames on in and
// read what the session wrote from out.
type fakeConn struct {
	in       chan []byte
	out      chan []byte
	closed   chan struct{}
	once     sync.Once
	writeErr error
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		in:     make(chan []byte, 64),
		out:    make(chan []byte, 512),
		closed: make(chan struct{}),
	}
}

func (c *fakeConn) ReadFrame(ctx context.Context) ([]byte, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-c.closed:
		return nil, io.EOF
	case f := <-c.in:
		return f, nil
	}
}

func (c *fakeConn) WriteFrame(_ context.Context, data []byte) error {
	if c.writeErr != nil {
		return c.writeErr
	}
	select {
	case c.out <- data:
		return nil
	case <-c.closed:
		return io.ErrClosedPipe
	}
}

func (c *fakeConn) Close() error {
	c.once.Do(func() { close(c.closed) })
	return nil
}

func (c *fakeConn) isClosed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func push(t *testing.T, c *fakeConn, typ protocol.PacketType, id string, payload interface{}) {
	t.Helper()
	env, err := protocol.NewEnvelope(typ, id, payload)
	require.NoError(t, err)
	data, err := env.Encode()
	require.NoError(t, err)
	c.in <- data
}

func next(t *testing.T, c *fakeConn) *protocol.Envelope {
	t.Helper()
	select {
	case data := <-c.out:
		var env protocol.Envelope
		require.NoError(t, json.Unmarshal(data, &env))
		return &env
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for outbound frame")
		return nil
	}
}

type running struct {
	sess *Session
	conn *fakeConn
	done chan error
}

func start(t *testing.T, table *Table, cfg Config) *running {
	t.Helper()
	conn := newFakeConn()
	sess, err := New(conn, table, cfg, testLogger(), nil)
	require.NoError(t, err)

	r := &running{sess: sess, conn: conn, done: make(chan error, 1)}
	go func() { r.done <- sess.Run(context.Background()) }()

	// wait for Run to install its task group
	require.Eventually(t, func() bool {
		sess.runMu.Lock()
		defer sess.runMu.Unlock()
		return sess.group != nil
	}, 2*time.Second, time.Millisecond)

	t.Cleanup(func() {
		sess.Halt()
		select {
		case <-r.done:
		case <-time.After(2 * time.Second):
		}
	})
	return r
}

func (r *running) wait(t *testing.T) error {
	t.Helper()
	select {
	case err := <-r.done:
		// hand the result back for the cleanup
		r.done <- err
		return err
	case <-time.After(5 * time.Second):
		t.Fatal("session did not stop")
		return nil
	}
}
