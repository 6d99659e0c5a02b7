package registry

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zhukovaskychina/xkv-store/codec"
	"github.com/zhukovaskychina/xkv-store/storeerr"
	"github.com/zhukovaskychina/xkv-store/wal"
)

func newTestRegistry(t *testing.T) *Registry {
	t.Helper()
	dir := t.TempDir()
	log, err := wal.Open(filepath.Join(dir, "wal"))
	require.NoError(t, err)
	t.Cleanup(func() { log.Close() })

	r, err := New(filepath.Join(dir, "indices"), log, 8192, 32)
	require.NoError(t, err)
	t.Cleanup(func() { r.CloseAll() })
	return r
}

func TestCreateThenOpenMaterializesTree(t *testing.T) {
	r := newTestRegistry(t)

	require.NoError(t, r.Create(codec.TypeVarchar, "widgets"))

	h, err := r.Open("widgets")
	require.NoError(t, err)
	assert.Equal(t, codec.TypeVarchar, h.KeyType())
	assert.NotNil(t, h.Tree())
}

func TestCreateDuplicateNameFails(t *testing.T) {
	r := newTestRegistry(t)
	require.NoError(t, r.Create(codec.TypeInt, "gadgets"))
	assert.ErrorIs(t, r.Create(codec.TypeInt, "gadgets"), storeerr.DbExists)
}

func TestOpenUnknownNameFails(t *testing.T) {
	r := newTestRegistry(t)
	_, err := r.Open("ghost")
	assert.ErrorIs(t, err, storeerr.DbDoesNotExist)
}

func TestOpenTwiceReturnsSameTree(t *testing.T) {
	r := newTestRegistry(t)
	require.NoError(t, r.Create(codec.TypeShort, "sensors"))

	h1, err := r.Open("sensors")
	require.NoError(t, err)
	h2, err := r.Open("sensors")
	require.NoError(t, err)

	assert.Same(t, h1.Tree(), h2.Tree())
}

func TestCloseIsIdempotentAndKeepsIndexMaterialized(t *testing.T) {
	r := newTestRegistry(t)
	require.NoError(t, r.Create(codec.TypeInt, "orders"))

	h, err := r.Open("orders")
	require.NoError(t, err)
	tree := h.Tree()

	require.NoError(t, r.Close(h))
	require.NoError(t, r.Close(h))

	h2, err := r.Open("orders")
	require.NoError(t, err)
	assert.Same(t, tree, h2.Tree())
}

// TestRootGrowthSurvivesReopen inserts enough keys to force the tree past
// its initial root, closes the registry, and reopens it against the same
// directory to confirm the manifest tracked the new root rather than
// reattaching to the stale one.
func TestRootGrowthSurvivesReopen(t *testing.T) {
	dir := t.TempDir()
	walDir := filepath.Join(dir, "wal")
	indicesDir := filepath.Join(dir, "indices")

	log, err := wal.Open(walDir)
	require.NoError(t, err)

	r, err := New(indicesDir, log, 8192, 32)
	require.NoError(t, err)
	require.NoError(t, r.Create(codec.TypeInt, "grown"))

	h, err := r.Open("grown")
	require.NoError(t, err)
	for i := int64(0); i < 1000; i++ {
		require.NoError(t, h.Tree().Put(1, codec.NewIntKey(i), []byte("payload")))
	}
	grownRoot := h.Tree().RootID()

	require.NoError(t, r.CloseAll())
	require.NoError(t, log.Close())

	log2, err := wal.Open(walDir)
	require.NoError(t, err)
	t.Cleanup(func() { log2.Close() })

	r2, err := New(indicesDir, log2, 8192, 32)
	require.NoError(t, err)
	t.Cleanup(func() { r2.CloseAll() })

	h2, err := r2.Open("grown")
	require.NoError(t, err)
	assert.Equal(t, grownRoot, h2.Tree().RootID())

	cur := h2.Tree().NewCursor(2)
	require.NoError(t, h2.Tree().PositionEq(cur, codec.NewIntKey(299)))
}

func TestPoolForResolvesOpenedIndex(t *testing.T) {
	r := newTestRegistry(t)
	require.NoError(t, r.Create(codec.TypeInt, "ledger"))
	h, err := r.Open("ledger")
	require.NoError(t, err)

	pool, ok := r.PoolFor(h.IndexID())
	assert.True(t, ok)
	assert.NotNil(t, pool)

	_, ok = r.PoolFor(h.IndexID() + 1)
	assert.False(t, ok)
}
