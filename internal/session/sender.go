package session

import (
	"context"
	"errors"
	"log/slog"

	"HeimLog/internal/transport"
)

// ErrSenderClosed is returned when enqueueing after the sender has stopped
var ErrSenderClosed = errors.New("sender is closed")

type outbound struct {
	typ    string
	data   []byte
	result chan error // nil for fire-and-forget sends
}

// sender serializes all writes to the connection. One goroutine drains the
// queues; the urgent lane is always drained before the normal one.
type sender struct {
	conn   transport.Conn
	logger *slog.Logger
	urgent chan outbound
	queue  chan outbound
	done   chan struct{}
}

func newSender(conn transport.Conn, size int, logger *slog.Logger) *sender {
	if size <= 0 {
		size = 256
	}
	return &sender{
		conn:   conn,
		logger: logger,
		urgent: make(chan outbound, 16),
		queue:  make(chan outbound, size),
		done:   make(chan struct{}),
	}
}

func (w *sender) enqueue(item outbound, urgent bool) error {
	ch := w.queue
	if urgent {
		ch = w.urgent
	}
	select {
	case <-w.done:
		return ErrSenderClosed
	default:
	}
	select {
	case ch <- item:
		return nil
	case <-w.done:
		return ErrSenderClosed
	}
}

func (w *sender) run(ctx context.Context) error {
	defer close(w.done)

	for {
		select {
		case item := <-w.urgent:
			w.write(ctx, item)
			continue
		default:
		}

		select {
		case <-ctx.Done():
			return nil
		case item := <-w.urgent:
			w.write(ctx, item)
		case item := <-w.queue:
			w.write(ctx, item)
		}
	}
}

func (w *sender) write(ctx context.Context, item outbound) {
	err := w.conn.WriteFrame(ctx, item.data)
	if item.result != nil {
		item.result <- err
		return
	}
	if err != nil {
		w.logger.Error("failed to send packet", "type", item.typ, "error", err)
	}
}
