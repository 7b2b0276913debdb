package protocol

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeEnvelope(t *testing.T) {
	env, err := Decode([]byte(`{"type":"log-reply","id":"7","data":{"log":[{"id":"a","time":3,"sender":{"id":"agent:x","name":"x"},"content":"hi"}]}}`))
	require.NoError(t, err)

	assert.Equal(t, LogReplyType, env.Type)
	assert.Equal(t, "7", env.ID)

	var reply LogReply
	require.NoError(t, env.Unmarshal(&reply))
	require.Len(t, reply.Log, 1)
	assert.Equal(t, "a", reply.Log[0].ID)
	assert.Equal(t, int64(3), reply.Log[0].Time)
	assert.Equal(t, "x", reply.Log[0].Sender.Name)
}

func TestDecodeRejectsInvalidFrames(t *testing.T) {
	for name, raw := range map[string]string{
		"not json":     `{"type":`,
		"missing type": `{"data":{}}`,
		"empty type":   `{"type":""}`,
	} {
		t.Run(name, func(t *testing.T) {
			_, err := Decode([]byte(raw))
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrDecode))

			var decodeErr *DecodeError
			require.True(t, errors.As(err, &decodeErr))
			assert.Equal(t, raw, string(decodeErr.Raw))
		})
	}
}

func TestEncodeOmitsEmptyFields(t *testing.T) {
	env, err := NewEnvelope(PingReplyType, "", PingReply{Time: 1000})
	require.NoError(t, err)

	data, err := env.Encode()
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"ping-reply","data":{"time":1000}}`, string(data))

	env, err = NewEnvelope(LogType, "3", LogCommand{N: 100, Before: "abc"})
	require.NoError(t, err)
	data, err = env.Encode()
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"log","id":"3","data":{"n":100,"before":"abc"}}`, string(data))
}

func TestUnmarshalWithoutData(t *testing.T) {
	env := &Envelope{Type: SnapshotEventType}
	var snap SnapshotEvent
	assert.Error(t, env.Unmarshal(&snap))
}

func TestMessageOrdering(t *testing.T) {
	a := Message{ID: "a", Time: 5}
	b := Message{ID: "b", Time: 5}
	c := Message{ID: "c", Time: 1}

	assert.True(t, a.Before(b))
	assert.False(t, b.Before(a))
	assert.True(t, c.Before(a))

	oldest, ok := Oldest([]Message{a, b, c})
	require.True(t, ok)
	assert.Equal(t, "c", oldest.ID)

	newest, ok := Newest([]Message{c, a, b})
	require.True(t, ok)
	assert.Equal(t, "b", newest.ID)

	_, ok = Oldest(nil)
	assert.False(t, ok)
}
