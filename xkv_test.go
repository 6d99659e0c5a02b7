package xkv

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zhukovaskychina/xkv-store/codec"
	"github.com/zhukovaskychina/xkv-store/storeerr"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

// TestScenarioE1EmptyIndexMissInsertIterate mirrors a miss on an empty
// index, an insert, and iteration to end of index within one transaction.
func TestScenarioE1EmptyIndexMissInsertIterate(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.Create(codec.TypeVarchar, "e1"))
	h, err := s.OpenIndex("e1")
	require.NoError(t, err)

	tx, err := s.BeginTransaction()
	require.NoError(t, err)

	_, err = s.Get(h, tx, codec.NewVarcharKey("a"))
	assert.ErrorIs(t, err, storeerr.KeyNotFound)

	require.NoError(t, s.InsertRecord(h, tx, codec.NewVarcharKey("b"), []byte("value one")))

	key, payload, err := s.GetNext(h, tx)
	require.NoError(t, err)
	assert.Equal(t, "b", key.Varchar)
	assert.Equal(t, "value one", string(payload))

	_, _, err = s.GetNext(h, tx)
	assert.ErrorIs(t, err, storeerr.EndOfIndex)

	require.NoError(t, s.CommitTransaction(tx))
}

// TestScenarioE2DuplicateInsertThenDelete matches a duplicate insert
// failing with EntryExists, a delete succeeding, then a miss.
func TestScenarioE2DuplicateInsertThenDelete(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.Create(codec.TypeVarchar, "e2"))
	h, err := s.OpenIndex("e2")
	require.NoError(t, err)

	setupTx, err := s.BeginTransaction()
	require.NoError(t, err)
	require.NoError(t, s.InsertRecord(h, setupTx, codec.NewVarcharKey("a"), []byte("value one")))
	require.NoError(t, s.InsertRecord(h, setupTx, codec.NewVarcharKey("b"), []byte("value one")))
	require.NoError(t, s.InsertRecord(h, setupTx, codec.NewVarcharKey("c"), []byte("value one")))
	require.NoError(t, s.CommitTransaction(setupTx))

	tx, err := s.BeginTransaction()
	require.NoError(t, err)

	err = s.InsertRecord(h, tx, codec.NewVarcharKey("c"), []byte("value one"))
	assert.ErrorIs(t, err, storeerr.EntryExists)

	require.NoError(t, s.DeleteRecord(h, tx, codec.NewVarcharKey("c"), []byte("value one")))

	_, err = s.Get(h, tx, codec.NewVarcharKey("c"))
	assert.ErrorIs(t, err, storeerr.KeyNotFound)

	require.NoError(t, s.CommitTransaction(tx))
}

// TestScenarioE3AbortIsInvisible inserts under one transaction, aborts it,
// and checks that a following read under an implicit transaction gets
// KeyNotFound.
func TestScenarioE3AbortIsInvisible(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.Create(codec.TypeVarchar, "e3"))
	h, err := s.OpenIndex("e3")
	require.NoError(t, err)

	tx, err := s.BeginTransaction()
	require.NoError(t, err)
	require.NoError(t, s.InsertRecord(h, tx, codec.NewVarcharKey("b"), []byte("value one")))
	require.NoError(t, s.AbortTransaction(tx))

	_, err = s.Get(h, nil, codec.NewVarcharKey("b"))
	assert.ErrorIs(t, err, storeerr.KeyNotFound)
}

// TestScenarioE4GetNextWithoutPriorGetStartsAtFirst checks that GetNext
// with no preceding Get on a fresh transaction starts at the index's
// first entry.
func TestScenarioE4GetNextWithoutPriorGetStartsAtFirst(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.Create(codec.TypeVarchar, "e4"))
	h, err := s.OpenIndex("e4")
	require.NoError(t, err)
	require.NoError(t, s.InsertRecord(h, nil, codec.NewVarcharKey("a"), []byte("value two")))

	tx, err := s.BeginTransaction()
	require.NoError(t, err)

	key, payload, err := s.GetNext(h, tx)
	require.NoError(t, err)
	assert.Equal(t, "a", key.Varchar)
	assert.Equal(t, "value two", string(payload))

	_, _, err = s.GetNext(h, tx)
	assert.ErrorIs(t, err, storeerr.EndOfIndex)

	require.NoError(t, s.CommitTransaction(tx))
}

// TestScenarioE5MissThenGetNextResolvesPendingAnchor checks a Get miss
// arms the pending range anchor that the following GetNext resolves.
func TestScenarioE5MissThenGetNextResolvesPendingAnchor(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.Create(codec.TypeVarchar, "e5"))
	h, err := s.OpenIndex("e5")
	require.NoError(t, err)

	tx, err := s.BeginTransaction()
	require.NoError(t, err)

	require.NoError(t, s.InsertRecord(h, tx, codec.NewVarcharKey("d"), []byte("value one")))

	_, err = s.Get(h, tx, codec.NewVarcharKey("b"))
	assert.ErrorIs(t, err, storeerr.KeyNotFound)

	key, payload, err := s.GetNext(h, tx)
	require.NoError(t, err)
	assert.Equal(t, "d", key.Varchar)
	assert.Equal(t, "value one", string(payload))

	require.NoError(t, s.CommitTransaction(tx))
}

// TestScenarioE7ShortKeysIterateInSignedOrder checks SHORT keys iterate
// in signed numeric order, not raw byte order.
func TestScenarioE7ShortKeysIterateInSignedOrder(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.Create(codec.TypeShort, "e7"))
	h, err := s.OpenIndex("e7")
	require.NoError(t, err)

	tx, err := s.BeginTransaction()
	require.NoError(t, err)
	for _, v := range []int32{-1, 0, 1, -2} {
		require.NoError(t, s.InsertRecord(h, tx, codec.NewShortKey(v), []byte("x")))
	}

	var got []int32
	for {
		key, _, err := s.GetNext(h, tx)
		if storeerr.Is(err, storeerr.EndOfIndex) {
			break
		}
		require.NoError(t, err)
		got = append(got, key.Short)
	}
	assert.Equal(t, []int32{-2, -1, 0, 1}, got)

	require.NoError(t, s.CommitTransaction(tx))
}

// TestScenarioE6TwoIndicesShareATransaction checks that cursors over two
// indices owned by the same transaction don't disturb each other.
func TestScenarioE6TwoIndicesShareATransaction(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.Create(codec.TypeVarchar, "e6-one"))
	require.NoError(t, s.Create(codec.TypeVarchar, "e6-two"))
	h1, err := s.OpenIndex("e6-one")
	require.NoError(t, err)
	h2, err := s.OpenIndex("e6-two")
	require.NoError(t, err)

	setupTx, err := s.BeginTransaction()
	require.NoError(t, err)
	require.NoError(t, s.InsertRecord(h1, setupTx, codec.NewVarcharKey("a"), []byte("value one")))
	require.NoError(t, s.InsertRecord(h1, setupTx, codec.NewVarcharKey("c"), []byte("value one")))
	require.NoError(t, s.CommitTransaction(setupTx))

	tx, err := s.BeginTransaction()
	require.NoError(t, err)

	key, _, err := s.GetNext(h1, tx)
	require.NoError(t, err)
	assert.Equal(t, "a", key.Varchar)

	require.NoError(t, s.InsertRecord(h2, tx, codec.NewVarcharKey("b"), []byte("value one")))

	key, _, err = s.GetNext(h1, tx)
	require.NoError(t, err)
	assert.Equal(t, "c", key.Varchar)

	require.NoError(t, s.CommitTransaction(tx))

	readTx, err := s.BeginTransaction()
	require.NoError(t, err)
	payload, err := s.Get(h2, readTx, codec.NewVarcharKey("b"))
	require.NoError(t, err)
	assert.Equal(t, "value one", string(payload))
	require.NoError(t, s.CommitTransaction(readTx))
}

func TestDoubleInsertFailsWithEntryExists(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.Create(codec.TypeInt, "dup"))
	h, err := s.OpenIndex("dup")
	require.NoError(t, err)

	require.NoError(t, s.InsertRecord(h, nil, codec.NewIntKey(7), []byte("x")))
	err = s.InsertRecord(h, nil, codec.NewIntKey(7), []byte("x"))
	assert.ErrorIs(t, err, storeerr.EntryExists)
}

func TestCreateDuplicateIndexFails(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.Create(codec.TypeInt, "only-one"))
	assert.ErrorIs(t, s.Create(codec.TypeInt, "only-one"), storeerr.DbExists)
}

func TestOpenIndexUnknownNameFails(t *testing.T) {
	s := newTestStore(t)
	_, err := s.OpenIndex("missing")
	assert.ErrorIs(t, err, storeerr.DbDoesNotExist)
}

// TestCommittedRecordsSurviveReopen is the engine-level half of
// invariant 1: a committed record is retrievable after the environment
// is closed and reopened, exercising recovery's redo pass.
func TestCommittedRecordsSurviveReopen(t *testing.T) {
	dir := t.TempDir()

	s, err := Open(dir)
	require.NoError(t, err)
	require.NoError(t, s.Create(codec.TypeVarchar, "durable"))
	h, err := s.OpenIndex("durable")
	require.NoError(t, err)
	require.NoError(t, s.InsertRecord(h, nil, codec.NewVarcharKey("k"), []byte("v")))
	require.NoError(t, s.Close())

	s2, err := Open(dir)
	require.NoError(t, err)
	defer s2.Close()

	h2, err := s2.OpenIndex("durable")
	require.NoError(t, err)
	payload, err := s2.Get(h2, nil, codec.NewVarcharKey("k"))
	require.NoError(t, err)
	assert.Equal(t, "v", string(payload))
}
