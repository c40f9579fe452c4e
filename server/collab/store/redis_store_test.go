package store_test

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"collab_server/server/collab/store"
)

func newStore(t *testing.T) (*miniredis.Miniredis, *store.Store) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return mr, store.New(client)
}

func TestSetGetDelete(t *testing.T) {
	_, st := newStore(t)
	ctx := context.Background()

	require.NoError(t, st.Set(ctx, "k", "v", 0))
	v, err := st.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, "v", v)

	require.NoError(t, st.Delete(ctx, "k"))
	_, err = st.Get(ctx, "k")
	assert.ErrorIs(t, err, store.ErrKeyNotFound)
}

func TestTTLEviction(t *testing.T) {
	mr, st := newStore(t)
	ctx := context.Background()

	require.NoError(t, st.Set(ctx, "ephemeral", "v", time.Minute))
	mr.FastForward(2 * time.Minute)

	_, err := st.Get(ctx, "ephemeral")
	assert.ErrorIs(t, err, store.ErrKeyNotFound)
}

func TestScanByPrefix(t *testing.T) {
	_, st := newStore(t)
	ctx := context.Background()

	require.NoError(t, st.Set(ctx, "collab:presence:doc-1:u1", "a", 0))
	require.NoError(t, st.Set(ctx, "collab:presence:doc-1:u2", "b", 0))
	require.NoError(t, st.Set(ctx, "collab:presence:doc-2:u1", "c", 0))

	keys, err := st.ScanByPrefix(ctx, "collab:presence:doc-1:")
	require.NoError(t, err)
	assert.Len(t, keys, 2)
}

func TestSetPrimitives(t *testing.T) {
	_, st := newStore(t)
	ctx := context.Background()

	require.NoError(t, st.SetAdd(ctx, "members", "a", "b"))
	require.NoError(t, st.SetAdd(ctx, "members", "b"))

	members, err := st.SetMembers(ctx, "members")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"a", "b"}, members)

	require.NoError(t, st.SetRemove(ctx, "members", "a"))
	members, err = st.SetMembers(ctx, "members")
	require.NoError(t, err)
	assert.Equal(t, []string{"b"}, members)
}

func TestJSONRoundTrip(t *testing.T) {
	_, st := newStore(t)
	ctx := context.Background()

	type record struct {
		Name  string `json:"name"`
		Count int    `json:"count"`
	}
	require.NoError(t, st.SetJSON(ctx, "rec", record{Name: "x", Count: 3}, 0))

	var out record
	require.NoError(t, st.GetJSON(ctx, "rec", &out))
	assert.Equal(t, record{Name: "x", Count: 3}, out)

	assert.ErrorIs(t, st.GetJSON(ctx, "missing", &out), store.ErrKeyNotFound)
}
