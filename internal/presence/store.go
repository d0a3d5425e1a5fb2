// Package presence mirrors connection metadata snapshots into the KV
// store for cross-process observability.
package presence

import (
	"context"
	"log/slog"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/loomchat/loom/internal/adapters/kv"
	"github.com/loomchat/loom/internal/domain"
)

const hashKey = "conn:meta"

type Store struct {
	kv  kv.Store
	log *slog.Logger
}

func NewStore(store kv.Store) *Store {
	return &Store{kv: store, log: slog.Default().With("component", "presence")}
}

// Write upserts one connection snapshot. Best effort: presence is
// observability, not correctness.
func (s *Store) Write(ctx context.Context, snap domain.Snapshot) {
	data, err := msgpack.Marshal(snap)
	if err != nil {
		return
	}
	if err := s.kv.HSet(ctx, hashKey, snap.ID, data); err != nil {
		s.log.Debug("snapshot write failed", "connection_id", snap.ID, "error", err)
	}
}

// Remove drops the snapshot of a closed connection.
func (s *Store) Remove(ctx context.Context, connectionID string) {
	if err := s.kv.HDel(ctx, hashKey, connectionID); err != nil {
		s.log.Debug("snapshot delete failed", "connection_id", connectionID, "error", err)
	}
}

// List returns every live snapshot across all processes.
func (s *Store) List(ctx context.Context) ([]domain.Snapshot, error) {
	raw, err := s.kv.HGetAll(ctx, hashKey)
	if err != nil {
		return nil, err
	}
	out := make([]domain.Snapshot, 0, len(raw))
	for id, data := range raw {
		var snap domain.Snapshot
		if err := msgpack.Unmarshal(data, &snap); err != nil {
			s.log.Warn("corrupt snapshot dropped", "connection_id", id)
			continue
		}
		out = append(out, snap)
	}
	return out, nil
}
