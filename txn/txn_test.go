package txn

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zhukovaskychina/xkv-store/btree"
	"github.com/zhukovaskychina/xkv-store/codec"
	"github.com/zhukovaskychina/xkv-store/lockmgr"
	"github.com/zhukovaskychina/xkv-store/storage/bufferpool"
	"github.com/zhukovaskychina/xkv-store/storage/page"
	"github.com/zhukovaskychina/xkv-store/storeerr"
	"github.com/zhukovaskychina/xkv-store/wal"
)

const testIndexID = 1

// fixedResolver is the single-index IndexResolver a test environment needs.
type fixedResolver struct {
	pool *bufferpool.Pool
}

func (r *fixedResolver) PoolFor(indexID uint32) (*bufferpool.Pool, bool) {
	if indexID != testIndexID {
		return nil, false
	}
	return r.pool, true
}

func newTestEnv(t *testing.T) (*Manager, *btree.Tree, *bufferpool.Pool) {
	t.Helper()
	dir := t.TempDir()

	store, err := page.Open(filepath.Join(dir, "data.idx"), page.DefaultSize)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	log, err := wal.Open(filepath.Join(dir, "wal"))
	require.NoError(t, err)
	t.Cleanup(func() { log.Close() })

	pool := bufferpool.NewPool(store, 64, log.FlushUpTo)

	tree, err := btree.Open(testIndexID, codec.TypeInt, pool, log, page.InvalidID)
	require.NoError(t, err)

	locks := lockmgr.NewManager(50 * time.Millisecond)
	t.Cleanup(locks.Close)

	mgr := NewManager(log, locks, &fixedResolver{pool: pool})
	return mgr, tree, pool
}

func TestBeginCommitTransitionsState(t *testing.T) {
	mgr, _, _ := newTestEnv(t)

	tx, err := mgr.Begin()
	require.NoError(t, err)
	assert.Equal(t, Active, tx.State())

	require.NoError(t, mgr.Commit(tx))
	assert.Equal(t, Committed, tx.State())
}

func TestCommitTwiceFails(t *testing.T) {
	mgr, _, _ := newTestEnv(t)

	tx, err := mgr.Begin()
	require.NoError(t, err)
	require.NoError(t, mgr.Commit(tx))

	assert.Error(t, mgr.Commit(tx))
}

func TestAbortTransitionsState(t *testing.T) {
	mgr, _, _ := newTestEnv(t)

	tx, err := mgr.Begin()
	require.NoError(t, err)
	require.NoError(t, mgr.Abort(tx))
	assert.Equal(t, Aborted, tx.State())
}

func TestCursorIsStableAcrossRepeatedCalls(t *testing.T) {
	mgr, tree, _ := newTestEnv(t)

	tx, err := mgr.Begin()
	require.NoError(t, err)

	c1 := tx.Cursor(testIndexID, tree)
	c2 := tx.Cursor(testIndexID, tree)
	assert.Same(t, c1, c2)
}

// TestAbortUndoesPageMutation is the critical rollback property: a Put
// made under a transaction that then aborts must leave the index exactly
// as if the Put had never happened.
func TestAbortUndoesPageMutation(t *testing.T) {
	mgr, tree, pool := newTestEnv(t)

	tx, err := mgr.Begin()
	require.NoError(t, err)

	key := codec.NewIntKey(42)
	require.NoError(t, tree.Put(tx.ID(), key, []byte("payload-one")))

	rootID := tree.RootID()
	frame, err := pool.Fetch(rootID, bufferpool.ModeRead)
	require.NoError(t, err)
	beforeAbortBody := append([]byte(nil), frame.Page().Body...)
	pool.Unpin(frame, false)

	require.NoError(t, mgr.Abort(tx))

	frame, err = pool.Fetch(rootID, bufferpool.ModeRead)
	require.NoError(t, err)
	afterAbortBody := append([]byte(nil), frame.Page().Body...)
	pool.Unpin(frame, false)

	assert.NotEqual(t, beforeAbortBody, afterAbortBody, "abort should have rewritten the leaf back to its pre-Put contents")

	cur := tree.NewCursor(0)
	err = tree.PositionEq(cur, key)
	assert.Error(t, err, "key inserted by the aborted transaction must not be visible afterward")
}

// TestAbortAfterLeafSplitRestoresOriginalLeaf checks the rollback property
// still holds once enough inserts under one transaction have forced a
// page split: undo must revert the original leaf's before-image, not the
// empty before-image a freshly allocated page would log.
func TestAbortAfterLeafSplitRestoresOriginalLeaf(t *testing.T) {
	mgr, tree, _ := newTestEnv(t)

	tx, err := mgr.Begin()
	require.NoError(t, err)

	for i := int64(0); i < 1000; i++ {
		require.NoError(t, tree.Put(tx.ID(), codec.NewIntKey(i), []byte("payload")))
	}
	require.NotEqual(t, page.InvalidID, tree.RootID())

	require.NoError(t, mgr.Abort(tx))

	cur := tree.NewCursor(0)
	_, _, err = tree.Next(cur)
	assert.ErrorIs(t, err, storeerr.EndOfIndex, "every key inserted by the aborted transaction must be gone after undo, including those moved by a page split")
}

func TestDoubleAbortFails(t *testing.T) {
	mgr, _, _ := newTestEnv(t)

	tx, err := mgr.Begin()
	require.NoError(t, err)
	require.NoError(t, mgr.Abort(tx))
	assert.Error(t, mgr.Abort(tx))
}
