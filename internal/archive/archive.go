package archive

import (
	"context"
	"encoding/json"
	"errors"

	"HeimLog/internal/protocol"
)

// Record kinds written to the log
const (
	KindMessage  = "message"
	KindCaughtUp = "caughtup"
)

// Record is one line of the log file
type Record struct {
	Kind string          `json:"kind"`
	Data json.RawMessage `json:"data"`
}

// Checkpoint marks the newest message known to be durably logged
type Checkpoint struct {
	ID string `json:"id"`
}

// Store is an append-only sink for messages and checkpoints
type Store interface {
	AppendMessage(ctx context.Context, msg protocol.Message) error
	AppendCheckpoint(ctx context.Context, id string) error
	Close() error
}

type multiStore []Store

// Multi fans every write out to all stores, in order
func Multi(stores ...Store) Store {
	return multiStore(stores)
}

func (m multiStore) AppendMessage(ctx context.Context, msg protocol.Message) error {
	for _, s := range m {
		if err := s.AppendMessage(ctx, msg); err != nil {
			return err
		}
	}
	return nil
}

func (m multiStore) AppendCheckpoint(ctx context.Context, id string) error {
	for _, s := range m {
		if err := s.AppendCheckpoint(ctx, id); err != nil {
			return err
		}
	}
	return nil
}

func (m multiStore) Close() error {
	var errs []error
	for _, s := range m {
		if err := s.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
