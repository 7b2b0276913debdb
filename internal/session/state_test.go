package session

import (
	"context"
	"testing"

	"HeimLog/internal/protocol"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLifecycleOnlyMovesForward(t *testing.T) {
	tests := []struct {
		from, to Lifecycle
		ok       bool
	}{
		{Connected, Authing, true},
		{Connected, Joined, true},
		{Connected, Catchup, true},
		{Authing, Catchup, true},
		{Catchup, Tailing, true},
		{Tailing, Tailing, true},
		{Tailing, Catchup, false},
		{Joined, Connected, false},
		{Catchup, Authing, false},
		{Ending, Tailing, false},
		{Tailing, Ending, true},
		{Connected, Ending, true},
	}

	for _, tt := range tests {
		t.Run(tt.from.String()+"->"+tt.to.String(), func(t *testing.T) {
			st := State{Lifecycle: tt.from}
			err := st.Transition(tt.to)
			if tt.ok {
				require.NoError(t, err)
				assert.Equal(t, tt.to, st.Lifecycle)
			} else {
				assert.ErrorIs(t, err, ErrIllegalTransition)
				assert.Equal(t, tt.from, st.Lifecycle)
			}
		})
	}
}

func TestEndingRemembersPreviousLifecycle(t *testing.T) {
	st := State{Lifecycle: Tailing}
	require.NoError(t, st.Transition(Ending))
	require.NoError(t, st.Transition(Ending))
	assert.Equal(t, Ending, st.Lifecycle)
	assert.Equal(t, Tailing, st.HaltedFrom)
}

func TestObserveKeepsNewest(t *testing.T) {
	var st State

	assert.True(t, st.Observe(protocol.Message{ID: "b", Time: 2}))
	assert.False(t, st.Observe(protocol.Message{ID: "a", Time: 1}))
	assert.False(t, st.Observe(protocol.Message{ID: "b", Time: 2}))
	assert.True(t, st.Observe(protocol.Message{ID: "c", Time: 2}))

	require.NotNil(t, st.LastSeen)
	assert.Equal(t, "c", st.LastSeen.ID)
}

func TestOverlayReplacesEntriesAndInheritsHooks(t *testing.T) {
	calls := map[string]int{}
	h := func(name string) Handler {
		return func(context.Context, *Session, *State, *protocol.Envelope) error {
			calls[name]++
			return nil
		}
	}
	halt := func(context.Context, *Session, State) error { return nil }

	base := &Table{
		Handlers: map[protocol.PacketType]Handler{
			protocol.PingEventType:     h("base-ping"),
			protocol.SnapshotEventType: h("base-snapshot"),
		},
		Unknown: h("base-unknown"),
		Halt:    halt,
	}
	over := &Table{
		Handlers: map[protocol.PacketType]Handler{protocol.SnapshotEventType: h("logger-snapshot")},
		Pre:      h("logger-pre"),
	}
	merged := Overlay(base, over)

	for _, typ := range []protocol.PacketType{protocol.PingEventType, protocol.SnapshotEventType, protocol.SendEventType} {
		require.NoError(t, merged.lookup(typ)(context.Background(), nil, nil, nil))
	}
	require.NoError(t, merged.Pre(context.Background(), nil, nil, nil))

	assert.Equal(t, map[string]int{"base-ping": 1, "logger-snapshot": 1, "base-unknown": 1, "logger-pre": 1}, calls)
	assert.NotNil(t, merged.Halt)

	// the inputs are not modified
	assert.Nil(t, over.Halt)
	assert.Len(t, base.Handlers, 2)
}
