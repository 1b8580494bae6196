// Package state implements the per-channel key/value store with
// set / setInsert / setCas / remove semantics and at-most-once change
// notification.
package state

import (
	"context"
	"encoding/json"
	"log"

	"golang.org/x/sync/errgroup"

	"sharedstate/server/internal/store"
)

const (
	OpSet       = "set"
	OpSetInsert = "setInsert"
	OpSetCas    = "setCas"
	OpRemove    = "remove"
)

// Op is one requested state mutation.
type Op struct {
	Type     string          `json:"type"`
	Key      string          `json:"key"`
	Value    json.RawMessage `json:"value"`
	OldValue json.RawMessage `json:"oldValue,omitempty"`
}

// Entry is one datagram element as delivered to clients.
type Entry struct {
	Type  string          `json:"type"`
	Key   string          `json:"key"`
	Value json.RawMessage `json:"value"`
}

// Store is the persistence surface. Every mutator reports whether it
// actually changed anything so no-ops never produce notifications.
type Store interface {
	StateSnapshot(ctx context.Context, channelID string) ([]store.StateRecord, error)
	StateByKeys(ctx context.Context, channelID string, keys []string) ([]store.StateRecord, error)
	UpsertState(ctx context.Context, channelID, key string, value []byte) (bool, error)
	InsertStateIfAbsent(ctx context.Context, channelID, key string, value []byte) (bool, error)
	CompareAndSwapState(ctx context.Context, channelID, key string, oldValue, value []byte) (bool, error)
	RemoveState(ctx context.Context, channelID, key string) (bool, error)
}

// Notifier receives a datagram for every effective mutation, in completion
// order. Injected by the orchestrator, which broadcasts to the channel.
type Notifier func(channelID string, datagram []Entry)

type Service struct {
	store  Store
	notify Notifier
}

func New(store Store, notify Notifier) *Service {
	return &Service{store: store, notify: notify}
}

// Get returns the channel's records for keys, or the full snapshot when
// keys is empty. Missing keys are silently omitted.
func (s *Service) Get(ctx context.Context, channelID string, keys []string) ([]Entry, error) {
	var records []store.StateRecord
	var err error
	if len(keys) == 0 {
		records, err = s.store.StateSnapshot(ctx, channelID)
	} else {
		records, err = s.store.StateByKeys(ctx, channelID, keys)
	}
	if err != nil {
		log.Printf("state: read failed: %v", err)
		return nil, err
	}

	datagram := make([]Entry, 0, len(records))
	for _, rec := range records {
		datagram = append(datagram, Entry{Type: OpSet, Key: rec.Key, Value: rec.Value})
	}
	return datagram, nil
}

// Apply dispatches each op concurrently and returns once all of them have
// resolved. It is a fan-out/fan-in join, not a transaction: per-op failures
// are logged and leave the other ops' effects in place.
func (s *Service) Apply(ctx context.Context, channelID string, ops []Op) {
	if len(ops) == 0 {
		return
	}
	var g errgroup.Group
	for _, op := range ops {
		op := op
		g.Go(func() error {
			s.apply(ctx, channelID, op)
			return nil
		})
	}
	_ = g.Wait()
}

func (s *Service) apply(ctx context.Context, channelID string, op Op) {
	switch op.Type {
	case OpSet:
		changed, err := s.store.UpsertState(ctx, channelID, op.Key, op.Value)
		if err != nil {
			log.Printf("state: set failed: %v", err)
			return
		}
		if changed {
			s.changed(channelID, op)
		}
	case OpSetInsert:
		inserted, err := s.store.InsertStateIfAbsent(ctx, channelID, op.Key, op.Value)
		if err != nil {
			log.Printf("state: setInsert failed: %v", err)
			return
		}
		if inserted {
			s.changed(channelID, op)
		}
	case OpSetCas:
		swapped, err := s.store.CompareAndSwapState(ctx, channelID, op.Key, op.OldValue, op.Value)
		if err != nil {
			log.Printf("state: setCas failed: %v", err)
			return
		}
		if swapped {
			s.changed(channelID, op)
		}
	case OpRemove:
		removed, err := s.store.RemoveState(ctx, channelID, op.Key)
		if err != nil {
			log.Printf("state: remove failed: %v", err)
			return
		}
		if removed {
			s.removed(channelID, op)
		}
	default:
		log.Printf("state: unexpected operation type %q", op.Type)
	}
}

func (s *Service) changed(channelID string, op Op) {
	if s.notify == nil {
		return
	}
	s.notify(channelID, []Entry{{Type: OpSet, Key: op.Key, Value: op.Value}})
}

func (s *Service) removed(channelID string, op Op) {
	if s.notify == nil {
		return
	}
	s.notify(channelID, []Entry{{Type: OpRemove, Key: op.Key, Value: nil}})
}
