package session

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"HeimLog/internal/protocol"
)

// CallErrorKind classifies why a correlated request failed
type CallErrorKind string

const (
	KindSendingFailed CallErrorKind = "sending-failed"
	KindTimeout       CallErrorKind = "timeout"
	KindUnexpected    CallErrorKind = "unexpected"
)

// Sentinels matched by CallError.Is
var (
	ErrSendingFailed = errors.New("sending failed")
	ErrTimeout       = errors.New("call timed out")
	ErrUnexpected    = errors.New("unexpected call failure")
)

// CallError reports a failed correlated request
type CallError struct {
	Kind     CallErrorKind
	Type     protocol.PacketType
	PacketID string
	Err      error
}

func (e *CallError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s call %s (%s): %v", e.Type, e.PacketID, e.Kind, e.Err)
	}
	return fmt.Sprintf("%s call %s (%s)", e.Type, e.PacketID, e.Kind)
}

func (e *CallError) Unwrap() error { return e.Err }

// Is matches the sentinel for the error's kind
func (e *CallError) Is(target error) bool {
	switch e.Kind {
	case KindSendingFailed:
		return target == ErrSendingFailed
	case KindTimeout:
		return target == ErrTimeout
	case KindUnexpected:
		return target == ErrUnexpected
	}
	return false
}

type pendingCall struct {
	id    string
	start time.Time
	reply chan *protocol.Envelope
}

// nextPacketID returns a fresh id; ids are never reused within a session
func (s *Session) nextPacketID() string {
	return strconv.FormatUint(s.packetID.Add(1), 10)
}

// Call sends a request and blocks until the correlated reply arrives, the
// call timeout elapses, or ctx is done. It must not be called from a
// dispatch handler; use Go to run it on a supervised goroutine instead.
func (s *Session) Call(ctx context.Context, typ protocol.PacketType, payload interface{}) (*protocol.Envelope, error) {
	id := s.nextPacketID()
	pc := &pendingCall{id: id, start: time.Now(), reply: make(chan *protocol.Envelope, 1)}

	// register before transmitting so an early reply is never lost
	s.mu.Lock()
	s.pending[id] = pc
	s.mu.Unlock()
	defer s.deregister(id)

	reply, err := s.await(ctx, typ, pc, payload)
	outcome := "ok"
	var callErr *CallError
	if errors.As(err, &callErr) {
		outcome = string(callErr.Kind)
	}
	s.inst.CallFinished(ctx, string(typ), outcome, time.Since(pc.start))
	return reply, err
}

func (s *Session) await(ctx context.Context, typ protocol.PacketType, pc *pendingCall, payload interface{}) (*protocol.Envelope, error) {
	env, err := protocol.NewEnvelope(typ, pc.id, payload)
	if err != nil {
		return nil, &CallError{Kind: KindUnexpected, Type: typ, PacketID: pc.id, Err: err}
	}
	data, err := env.Encode()
	if err != nil {
		return nil, &CallError{Kind: KindUnexpected, Type: typ, PacketID: pc.id, Err: err}
	}

	sent := make(chan error, 1)
	if err := s.sender.enqueue(outbound{typ: string(typ), data: data, result: sent}, false); err != nil {
		return nil, &CallError{Kind: KindSendingFailed, Type: typ, PacketID: pc.id, Err: err}
	}
	s.logger.Debug("sent call", "type", typ, "id", pc.id)

	timer := time.NewTimer(s.cfg.CallTimeout)
	defer timer.Stop()

	for {
		select {
		case err := <-sent:
			if err != nil {
				return nil, &CallError{Kind: KindSendingFailed, Type: typ, PacketID: pc.id, Err: err}
			}
			sent = nil
		case reply := <-pc.reply:
			return reply, nil
		case <-timer.C:
			return nil, &CallError{Kind: KindTimeout, Type: typ, PacketID: pc.id}
		case <-ctx.Done():
			return nil, &CallError{Kind: KindUnexpected, Type: typ, PacketID: pc.id, Err: ctx.Err()}
		}
	}
}

func (s *Session) deregister(id string) {
	s.mu.Lock()
	delete(s.pending, id)
	s.mu.Unlock()
}

// resolveLocked hands env to the pending call with the same id, at most once.
// Replies for calls that already timed out are dropped.
func (s *Session) resolveLocked(env *protocol.Envelope) {
	pc, ok := s.pending[env.ID]
	if !ok {
		s.logger.Debug("dropping uncorrelated reply", "type", env.Type, "id", env.ID)
		return
	}
	delete(s.pending, env.ID)
	select {
	case pc.reply <- env:
	default:
	}
}

// Pending returns the number of in-flight calls
func (s *Session) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}
