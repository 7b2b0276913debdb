package session

import (
	"context"

	"HeimLog/internal/protocol"
)

// Handler processes one inbound envelope. It runs with the session lock held
// and receives the locked state; it must not block on I/O or call Session.Call.
type Handler func(ctx context.Context, s *Session, st *State, env *protocol.Envelope) error

// HaltHandler runs once during teardown with a copy of the final state
type HaltHandler func(ctx context.Context, s *Session, st State) error

// Table maps packet types to handlers
type Table struct {
	Handlers map[protocol.PacketType]Handler
	// Pre runs for every envelope before its handler
	Pre Handler
	// Unknown runs for packet types without a handler
	Unknown Handler
	// Halt runs during teardown, before the connection is closed
	Halt HaltHandler
}

// Overlay returns a table where entries from over replace those in base.
// Hooks left nil in over are inherited from base.
func Overlay(base, over *Table) *Table {
	merged := &Table{Handlers: make(map[protocol.PacketType]Handler)}
	for _, t := range []*Table{base, over} {
		if t == nil {
			continue
		}
		for typ, h := range t.Handlers {
			merged.Handlers[typ] = h
		}
		if t.Pre != nil {
			merged.Pre = t.Pre
		}
		if t.Unknown != nil {
			merged.Unknown = t.Unknown
		}
		if t.Halt != nil {
			merged.Halt = t.Halt
		}
	}
	return merged
}

// lookup returns the handler for typ, falling back to Unknown
func (t *Table) lookup(typ protocol.PacketType) Handler {
	if h, ok := t.Handlers[typ]; ok && h != nil {
		return h
	}
	return t.Unknown
}
