package presence

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loomchat/loom/internal/adapters/kv"
	"github.com/loomchat/loom/internal/domain"
)

func TestWriteListRemove(t *testing.T) {
	ctx := context.Background()
	store := NewStore(kv.NewMemoryStore())

	now := time.Now().UTC().Truncate(time.Second)
	store.Write(ctx, domain.Snapshot{ID: "c1", UserID: "u1", RemoteIP: "1.1.1.1", State: "ready", CreatedAt: now, LastSeen: now})
	store.Write(ctx, domain.Snapshot{ID: "c2", UserID: "u2", RemoteIP: "2.2.2.2", State: "streaming", CreatedAt: now, LastSeen: now})

	snaps, err := store.List(ctx)
	require.NoError(t, err)
	assert.Len(t, snaps, 2)

	store.Remove(ctx, "c1")
	snaps, err = store.List(ctx)
	require.NoError(t, err)
	require.Len(t, snaps, 1)
	assert.Equal(t, "c2", snaps[0].ID)
}

func TestWriteOverwritesSameConnection(t *testing.T) {
	ctx := context.Background()
	store := NewStore(kv.NewMemoryStore())

	now := time.Now().UTC().Truncate(time.Second)
	store.Write(ctx, domain.Snapshot{ID: "c1", State: "ready", CreatedAt: now, LastSeen: now})
	store.Write(ctx, domain.Snapshot{ID: "c1", State: "streaming", CreatedAt: now, LastSeen: now})

	snaps, err := store.List(ctx)
	require.NoError(t, err)
	require.Len(t, snaps, 1)
	assert.Equal(t, "streaming", snaps[0].State)
}
