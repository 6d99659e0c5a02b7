// Package xkv is the public façade for the multi-index transactional
// key-value store: create and open named indices, run transactions across
// them, and insert, fetch, iterate and delete records. It dispatches to
// registry, txn and btree and holds no lock of its own beyond what those
// three already serialize, acting as a thin dispatch layer in front of
// the underlying manager types.
package xkv

import (
	"context"
	"path/filepath"

	"github.com/zhukovaskychina/xkv-store/codec"
	"github.com/zhukovaskychina/xkv-store/config"
	"github.com/zhukovaskychina/xkv-store/lockmgr"
	"github.com/zhukovaskychina/xkv-store/logger"
	"github.com/zhukovaskychina/xkv-store/registry"
	"github.com/zhukovaskychina/xkv-store/storeerr"
	"github.com/zhukovaskychina/xkv-store/txn"
	"github.com/zhukovaskychina/xkv-store/wal"
)

// MaxPayloadLen is the largest payload the engine stores. InsertRecord
// truncates longer payloads to this length. Payloads are passed and
// returned as slices: Get returns a nil payload on a miss and fills or
// zeroes no caller-supplied buffer.
const MaxPayloadLen = 120

// Handle is a per-caller reference to an open index, obtained from
// OpenIndex and released with CloseIndex.
type Handle = registry.Handle

// Store is one environment: a directory holding the write-ahead log, one
// page file per index, and the registry manifest.
type Store struct {
	cfg *config.Config

	log      *wal.Writer
	locks    *lockmgr.Manager
	registry *registry.Registry
	txns     *txn.Manager

	checkpointCancel context.CancelFunc
}

// Open opens (creating if necessary) an environment rooted at dir, reading
// environment.ini for its tunables and starting the background checkpoint
// and deadlock-detector loops.
func Open(dir string) (*Store, error) {
	cfg, err := config.Load(dir)
	if err != nil {
		return nil, err
	}

	log, err := wal.Open(filepath.Join(dir, "wal"))
	if err != nil {
		return nil, err
	}

	locks := lockmgr.NewManager(cfg.DeadlockCheckInterval)

	reg, err := registry.New(filepath.Join(dir, "indices"), log, cfg.PageSize, cfg.BufferPoolCapacity)
	if err != nil {
		locks.Close()
		log.Close()
		return nil, err
	}

	if stats, err := reg.Recover(filepath.Join(dir, "wal")); err != nil {
		locks.Close()
		log.Close()
		return nil, err
	} else if stats.RecordsScanned > 0 {
		logger.Infof("xkv: recovered environment %s (redo=%d undo=%d losers=%d)", dir, stats.RedoApplied, stats.UndoApplied, stats.LosersRolled)
	}

	txns := txn.NewManager(log, locks, reg)

	ctx, cancel := context.WithCancel(context.Background())
	txns.RunCheckpointer(ctx, cfg.CheckpointInterval)

	return &Store{
		cfg:              cfg,
		log:              log,
		locks:            locks,
		registry:         reg,
		txns:             txns,
		checkpointCancel: cancel,
	}, nil
}

// Close stops the background loops, flushes every materialized index, and
// releases the log file.
func (s *Store) Close() error {
	s.checkpointCancel()
	s.locks.Close()
	if err := s.registry.CloseAll(); err != nil {
		return err
	}
	return s.log.Close()
}

// Create registers a new index named name with the given key type.
func (s *Store) Create(keyType codec.KeyType, name string) error {
	return s.registry.Create(keyType, name)
}

// OpenIndex returns a handle usable from InsertRecord, Get, GetNext and
// DeleteRecord.
func (s *Store) OpenIndex(name string) (*Handle, error) {
	return s.registry.Open(name)
}

// CloseIndex releases h. The physical index stays resident for the rest
// of the process, per the registry's design.
func (s *Store) CloseIndex(h *Handle) error {
	return s.registry.Close(h)
}

// BeginTransaction starts a new active transaction.
func (s *Store) BeginTransaction() (*txn.Transaction, error) {
	return s.txns.Begin()
}

// CommitTransaction closes tx's cursors, forces its log records durable,
// and releases its locks.
func (s *Store) CommitTransaction(tx *txn.Transaction) error {
	return s.txns.Commit(tx)
}

// AbortTransaction undoes every page mutation tx made, closes its
// cursors, and releases its locks.
func (s *Store) AbortTransaction(tx *txn.Transaction) error {
	return s.txns.Abort(tx)
}

// withImplicit runs fn under explicit, or opens a transaction around it
// when explicit is nil. A nil error or a benign outcome (KeyNotFound,
// EndOfIndex — per the error design these never taint the enclosing
// transaction) commits; anything else aborts. Deadlock errors pass
// through unchanged either way.
func (s *Store) withImplicit(explicit *txn.Transaction, fn func(*txn.Transaction) error) error {
	if explicit != nil {
		return fn(explicit)
	}

	tx, err := s.txns.Begin()
	if err != nil {
		return err
	}

	err = fn(tx)
	if err == nil || isBenign(err) {
		if commitErr := s.txns.Commit(tx); commitErr != nil {
			return commitErr
		}
		return err
	}

	if abortErr := s.txns.Abort(tx); abortErr != nil {
		logger.Errorf("xkv: abort of implicit txn %d failed: %v", tx.ID(), abortErr)
	}
	return err
}

// InsertRecord inserts (key, payload) into h under tx, implicitly opening
// and closing a transaction if tx is nil. payload longer than
// MaxPayloadLen is truncated.
func (s *Store) InsertRecord(h *Handle, tx *txn.Transaction, key codec.Key, payload []byte) error {
	if len(payload) > MaxPayloadLen {
		payload = payload[:MaxPayloadLen]
	}
	enc, err := codec.EncodeKey(key)
	if err != nil {
		return err
	}

	return s.withImplicit(tx, func(t *txn.Transaction) error {
		if err := s.locks.Acquire(t.ID(), h.IndexID(), enc, lockmgr.Exclusive); err != nil {
			return err
		}
		return h.Tree().Put(t.ID(), key, payload)
	})
}

// Get positions h's cursor for tx on key and returns its first matching
// payload, zero-copy from the tree, truncated to MaxPayloadLen. On a
// miss it returns storeerr.KeyNotFound and arms the cursor's pending
// range anchor for a following GetNext.
func (s *Store) Get(h *Handle, tx *txn.Transaction, key codec.Key) ([]byte, error) {
	var payload []byte
	err := s.withImplicit(tx, func(t *txn.Transaction) error {
		enc, err := codec.EncodeKey(key)
		if err != nil {
			return err
		}
		if err := s.locks.Acquire(t.ID(), h.IndexID(), enc, lockmgr.Shared); err != nil {
			return err
		}

		cur := t.Cursor(h.IndexID(), h.Tree())
		if err := h.Tree().PositionEq(cur, key); err != nil {
			return err
		}
		_, p, err := h.Tree().Current(cur)
		if err != nil {
			return err
		}
		if len(p) > MaxPayloadLen {
			p = p[:MaxPayloadLen]
		}
		payload = p
		return nil
	})
	if err != nil {
		return nil, err
	}
	return payload, nil
}

// GetNext advances h's cursor for tx and returns the entry it lands on:
// the pending range anchor from a prior Get miss if one is armed,
// otherwise the entry immediately after the cursor's current position.
// Returns storeerr.EndOfIndex once iteration is exhausted.
func (s *Store) GetNext(h *Handle, tx *txn.Transaction) (codec.Key, []byte, error) {
	var key codec.Key
	var payload []byte
	err := s.withImplicit(tx, func(t *txn.Transaction) error {
		cur := t.Cursor(h.IndexID(), h.Tree())
		k, p, err := h.Tree().Next(cur)
		if err != nil {
			return err
		}

		enc, err := codec.EncodeKey(k)
		if err != nil {
			return err
		}
		if err := s.locks.Acquire(t.ID(), h.IndexID(), enc, lockmgr.Shared); err != nil {
			return err
		}

		if len(p) > MaxPayloadLen {
			p = p[:MaxPayloadLen]
		}
		key, payload = k, p
		return nil
	})
	if err != nil {
		return codec.Key{}, nil, err
	}
	return key, payload, nil
}

// DeleteRecord removes an entry from h under tx. An empty payload deletes
// every entry under key (delAll); a non-empty payload deletes exactly
// that (key, payload) pair (delExact).
func (s *Store) DeleteRecord(h *Handle, tx *txn.Transaction, key codec.Key, payload []byte) error {
	enc, err := codec.EncodeKey(key)
	if err != nil {
		return err
	}

	return s.withImplicit(tx, func(t *txn.Transaction) error {
		if err := s.locks.Acquire(t.ID(), h.IndexID(), enc, lockmgr.Exclusive); err != nil {
			return err
		}
		if len(payload) == 0 {
			return h.Tree().DelAll(t.ID(), key)
		}

		cur := t.Cursor(h.IndexID(), h.Tree())
		if err := h.Tree().PositionEqWithPayload(cur, key, payload); err != nil {
			return err
		}
		return h.Tree().DelExact(t.ID(), key, payload)
	})
}

// isBenign reports whether err is an expected outcome (KeyNotFound,
// EndOfIndex) rather than a transaction-tainting failure, per the error
// handling design's closed taxonomy.
func isBenign(err error) bool {
	return storeerr.Is(err, storeerr.KeyNotFound) || storeerr.Is(err, storeerr.EndOfIndex)
}
