// Package txn implements the transaction manager: id allocation, the
// active/committed/aborted state machine, per-index cursor ownership,
// and coordination between the write-ahead log and the lock manager on
// commit and abort.
package txn

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/zhukovaskychina/xkv-store/btree"
	"github.com/zhukovaskychina/xkv-store/logger"
	"github.com/zhukovaskychina/xkv-store/lockmgr"
	"github.com/zhukovaskychina/xkv-store/storage/bufferpool"
	"github.com/zhukovaskychina/xkv-store/storage/page"
	"github.com/zhukovaskychina/xkv-store/storeerr"
	"github.com/zhukovaskychina/xkv-store/wal"
)

// State is a transaction's position in the NotStarted -> Active ->
// Committed/Aborted state machine. NotStarted never appears on a value
// Manager.Begin returns; it exists only so the zero Transaction isn't
// mistaken for an active one.
type State uint8

const (
	NotStarted State = iota
	Active
	Committed
	Aborted
)

// IndexResolver looks up the live buffer pool behind an index id, so
// Manager can apply undo images directly to pages during abort without
// knowing anything about the registry that owns them.
type IndexResolver interface {
	PoolFor(indexID uint32) (*bufferpool.Pool, bool)
}

// Transaction is a single unit of atomicity. It owns at most one cursor
// per index, per the data model, and is never touched from more than one
// goroutine concurrently.
type Transaction struct {
	id       int64
	beginLSN uint64

	mu      sync.Mutex
	state   State
	cursors map[uint32]*btree.Cursor
}

// ID returns the transaction's id, stable for its entire lifetime.
func (tx *Transaction) ID() int64 { return tx.id }

// State reports the transaction's current lifecycle state.
func (tx *Transaction) State() State {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	return tx.state
}

// Cursor returns tx's cursor over tree, creating it on first use. Per
// the data model there is at most one cursor per (transaction, index).
func (tx *Transaction) Cursor(indexID uint32, tree *btree.Tree) *btree.Cursor {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	if c, ok := tx.cursors[indexID]; ok {
		return c
	}
	c := tree.NewCursor(tx.id)
	tx.cursors[indexID] = c
	return c
}

// Manager is the process-wide transaction manager for one environment.
// Isolation comes from strict two-phase locking, not snapshot reads, so
// there is no read-view or MVCC machinery here.
type Manager struct {
	nextID int64 // atomic

	mu     sync.Mutex
	active map[int64]*Transaction

	log      *wal.Writer
	locks    *lockmgr.Manager
	resolver IndexResolver

	checkpointOnce sync.Once
}

// NewManager builds a transaction manager writing to log and coordinating
// through locks. resolver is used only by Abort, to locate the pages an
// undo pass must rewrite.
func NewManager(log *wal.Writer, locks *lockmgr.Manager, resolver IndexResolver) *Manager {
	return &Manager{
		active:   make(map[int64]*Transaction),
		log:      log,
		locks:    locks,
		resolver: resolver,
	}
}

// Begin allocates a transaction id, writes a begin record, and returns
// the new active transaction.
func (m *Manager) Begin() (*Transaction, error) {
	id := atomic.AddInt64(&m.nextID, 1)
	lsn, err := m.log.Append(wal.Record{TxnID: id, Type: wal.RecordBegin})
	if err != nil {
		return nil, storeerr.AsFailure(err, "begin txn %d", id)
	}

	tx := &Transaction{id: id, beginLSN: lsn, state: Active, cursors: make(map[uint32]*btree.Cursor)}
	m.mu.Lock()
	m.active[id] = tx
	m.mu.Unlock()
	return tx, nil
}

// Commit closes tx's cursors, forces the commit record to durable
// storage before returning success, and releases every lock tx holds.
func (m *Manager) Commit(tx *Transaction) error {
	tx.mu.Lock()
	if tx.state != Active {
		tx.mu.Unlock()
		return storeerr.TxnDoesNotExist
	}
	tx.cursors = nil
	tx.mu.Unlock()

	if _, err := m.log.Append(wal.Record{TxnID: tx.id, Type: wal.RecordCommit}); err != nil {
		return storeerr.AsFailure(err, "append commit for txn %d", tx.id)
	}
	if err := m.log.Flush(); err != nil {
		return storeerr.AsFailure(err, "force commit for txn %d", tx.id)
	}

	m.locks.Release(tx.id)

	tx.mu.Lock()
	tx.state = Committed
	tx.mu.Unlock()

	m.mu.Lock()
	delete(m.active, tx.id)
	m.mu.Unlock()
	return nil
}

// Abort closes tx's cursors, undoes every page mutation tx made since its
// begin record (writing a compensation record for each), writes the
// abort record, and releases locks.
func (m *Manager) Abort(tx *Transaction) error {
	tx.mu.Lock()
	if tx.state != Active {
		tx.mu.Unlock()
		return storeerr.TxnDoesNotExist
	}
	tx.cursors = nil
	tx.mu.Unlock()

	records, err := m.log.RecordsForTxn(tx.id, tx.beginLSN)
	if err != nil {
		return storeerr.AsFailure(err, "read undo history for txn %d", tx.id)
	}

	for i := len(records) - 1; i >= 0; i-- {
		rec := records[i]
		if rec.Type != wal.RecordInsert && rec.Type != wal.RecordDelete {
			continue
		}
		if err := m.undoPage(tx.id, rec); err != nil {
			return err
		}
	}

	if _, err := m.log.Append(wal.Record{TxnID: tx.id, Type: wal.RecordAbort}); err != nil {
		return storeerr.AsFailure(err, "append abort for txn %d", tx.id)
	}
	if err := m.log.Flush(); err != nil {
		return storeerr.AsFailure(err, "force abort for txn %d", tx.id)
	}

	m.locks.Release(tx.id)

	tx.mu.Lock()
	tx.state = Aborted
	tx.mu.Unlock()

	m.mu.Lock()
	delete(m.active, tx.id)
	m.mu.Unlock()
	return nil
}

func (m *Manager) undoPage(txnID int64, rec wal.Record) error {
	pool, ok := m.resolver.PoolFor(rec.IndexID)
	if !ok {
		logger.Warnf("txn: undo skipped, index %d no longer resolvable", rec.IndexID)
		return nil
	}
	f, err := pool.Fetch(page.ID(rec.PageID), bufferpool.ModeWrite)
	if err != nil {
		return storeerr.AsFailure(err, "fetch page %d for undo", rec.PageID)
	}
	if len(rec.Before) > 0 {
		copy(f.Page().Body, rec.Before)
	}

	lsn, err := m.log.Append(wal.Record{
		TxnID:   txnID,
		Type:    wal.RecordCompensation,
		IndexID: rec.IndexID,
		PageID:  rec.PageID,
		Before:  rec.After,
		After:   rec.Before,
	})
	if err != nil {
		pool.Unpin(f, true)
		return storeerr.AsFailure(err, "append compensation for page %d", rec.PageID)
	}
	f.Page().LSN = lsn
	pool.Unpin(f, true)
	return nil
}

// RunCheckpointer starts a background goroutine that checkpoints the log
// every interval until ctx is cancelled. The checkpoint's oldestActiveLSN
// is the oldest still-open transaction's begin LSN, so recovery knows how
// far back redo must start.
func (m *Manager) RunCheckpointer(ctx context.Context, interval time.Duration) {
	m.checkpointOnce.Do(func() {
		go func() {
			ticker := time.NewTicker(interval)
			defer ticker.Stop()
			for {
				select {
				case <-ticker.C:
					if err := m.log.Checkpoint(m.oldestActiveLSN()); err != nil {
						logger.Errorf("txn: checkpoint failed: %v", err)
					}
				case <-ctx.Done():
					return
				}
			}
		}()
	})
}

func (m *Manager) oldestActiveLSN() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	var oldest uint64
	for _, tx := range m.active {
		if oldest == 0 || tx.beginLSN < oldest {
			oldest = tx.beginLSN
		}
	}
	return oldest
}
