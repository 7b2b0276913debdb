package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"HeimLog/internal/protocol"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// echoServer answers every log request with a log-reply naming the request id
func echoServer(t *testing.T, c *fakeConn) {
	t.Helper()
	go func() {
		for {
			select {
			case data := <-c.out:
				env, err := protocol.Decode(data)
				if err != nil || env.Type != protocol.LogType {
					continue
				}
				reply, _ := protocol.NewEnvelope(protocol.LogReplyType, env.ID, protocol.LogReply{Before: env.ID})
				raw, _ := reply.Encode()
				select {
				case c.in <- raw:
				case <-c.closed:
					return
				}
			case <-c.closed:
				return
			}
		}
	}()
}

func TestCallConcurrentCallersGetTheirOwnReply(t *testing.T) {
	r := start(t, Base(), Config{CallTimeout: 5 * time.Second})
	echoServer(t, r.conn)

	const callers = 50
	var wg sync.WaitGroup
	var mu sync.Mutex
	ids := make(map[string]bool)

	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			reply, err := r.sess.Call(context.Background(), protocol.LogType, protocol.LogCommand{N: 1})
			if !assert.NoError(t, err) {
				return
			}
			var page protocol.LogReply
			if !assert.NoError(t, reply.Unmarshal(&page)) {
				return
			}
			// the server echoes the request id, so each caller must see its own
			assert.Equal(t, reply.ID, page.Before)

			mu.Lock()
			defer mu.Unlock()
			assert.False(t, ids[reply.ID], "packet id %s reused", reply.ID)
			ids[reply.ID] = true
		}()
	}
	wg.Wait()

	assert.Len(t, ids, callers)
	assert.Equal(t, 0, r.sess.Pending())
}

func TestCallTimeoutDeregisters(t *testing.T) {
	r := start(t, Base(), Config{CallTimeout: 50 * time.Millisecond})
	before := r.sess.Pending()

	_, err := r.sess.Call(context.Background(), protocol.LogType, protocol.LogCommand{N: 10})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrTimeout)

	var callErr *CallError
	require.True(t, errors.As(err, &callErr))
	assert.Equal(t, KindTimeout, callErr.Kind)
	assert.NotEmpty(t, callErr.PacketID)
	assert.Equal(t, before, r.sess.Pending())

	// a late reply is dropped without disturbing the session
	req := next(t, r.conn)
	push(t, r.conn, protocol.LogReplyType, req.ID, protocol.LogReply{})
	push(t, r.conn, protocol.PingEventType, "", protocol.PingEvent{Time: 7})
	assert.Equal(t, protocol.PingReplyType, next(t, r.conn).Type)
	assert.Equal(t, 0, r.sess.Pending())
}

func TestCallSendingFailed(t *testing.T) {
	conn := newFakeConn()
	conn.writeErr = errors.New("broken pipe")
	sess, err := New(conn, Base(), Config{CallTimeout: time.Second}, testLogger(), nil)
	require.NoError(t, err)

	go sess.Run(context.Background())
	defer sess.Halt()

	_, err = sess.Call(context.Background(), protocol.LogType, protocol.LogCommand{N: 10})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrSendingFailed)
	assert.Equal(t, 0, sess.Pending())
}

func TestCallSendingFailedWhenSenderStopped(t *testing.T) {
	r := start(t, Base(), Config{CallTimeout: time.Second})
	r.sess.Halt()
	require.NoError(t, r.wait(t))

	_, err := r.sess.Call(context.Background(), protocol.LogType, protocol.LogCommand{N: 10})
	assert.ErrorIs(t, err, ErrSendingFailed)
}

func TestCallContextCancelled(t *testing.T) {
	r := start(t, Base(), Config{CallTimeout: 5 * time.Second})

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		next(t, r.conn)
		cancel()
	}()

	_, err := r.sess.Call(ctx, protocol.LogType, protocol.LogCommand{N: 10})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrUnexpected)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 0, r.sess.Pending())
}

func TestResolveIsAtMostOnce(t *testing.T) {
	s, err := New(newFakeConn(), Base(), Config{}, testLogger(), nil)
	require.NoError(t, err)

	pc := &pendingCall{id: "1", start: time.Now(), reply: make(chan *protocol.Envelope, 1)}
	s.pending["1"] = pc

	s.mu.Lock()
	s.resolveLocked(&protocol.Envelope{Type: protocol.LogReplyType, ID: "1"})
	s.resolveLocked(&protocol.Envelope{Type: protocol.LogReplyType, ID: "1"})
	s.resolveLocked(&protocol.Envelope{Type: protocol.LogReplyType, ID: "2"})
	s.mu.Unlock()

	assert.Len(t, pc.reply, 1)
	assert.Equal(t, 0, s.Pending())

	s.deregister("1")
	s.deregister("1")
	assert.Equal(t, 0, s.Pending())
}

func TestPacketIDsIncrease(t *testing.T) {
	s, err := New(newFakeConn(), Base(), Config{}, testLogger(), nil)
	require.NoError(t, err)

	assert.Equal(t, "1", s.nextPacketID())
	assert.Equal(t, "2", s.nextPacketID())
	assert.Equal(t, "3", s.nextPacketID())
}
