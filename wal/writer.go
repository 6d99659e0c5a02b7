// Package wal implements the append-only write-ahead log: record framing,
// durability control, checkpointing, and ARIES-style crash recovery.
package wal

import (
	"encoding/binary"
	"io"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/juju/errors"
	"github.com/zhukovaskychina/xkv-store/storeerr"
)

const logFileName = "wal.log"
const checkpointFileName = "wal.checkpoint"

// Writer owns the log file. Appends are serialized by appendMu (the
// "single append latch" from the concurrency model); flush-to-disk is
// serialized separately by flushMu so a Flush forced by a commit doesn't
// wait behind an unrelated in-flight append.
type Writer struct {
	dir string

	appendMu sync.Mutex
	file     *os.File
	nextLSN  uint64 // only touched under appendMu
	pending  []Record

	flushMu    sync.Mutex
	durableLSN uint64 // atomic
}

// Open opens or creates the log file under dir, resuming LSN assignment
// from one past the highest LSN already on disk so a reopened
// environment never reissues an LSN a prior process already durably
// wrote.
func Open(dir string) (*Writer, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, storeerr.AsFailure(err, "create wal dir %s", dir)
	}
	path := filepath.Join(dir, logFileName)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR|os.O_APPEND, 0644)
	if err != nil {
		return nil, storeerr.AsFailure(err, "open wal file")
	}

	lastLSN, err := highestLSN(path)
	if err != nil {
		f.Close()
		return nil, err
	}

	return &Writer{dir: dir, file: f, nextLSN: lastLSN + 1}, nil
}

// highestLSN scans an existing log file for the last LSN it holds,
// tolerating a torn trailing record the same way recovery's analysis
// pass does. Returns 0 for an empty or brand-new file.
func highestLSN(path string) (uint64, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, storeerr.AsFailure(err, "scan wal file for last lsn")
	}
	defer f.Close()

	var last uint64
	for {
		rec, err := readRecord(f)
		if err == io.EOF {
			break
		}
		if err != nil {
			break
		}
		last = rec.LSN
	}
	return last, nil
}

// Append assigns the next LSN to rec, buffers it, and returns the LSN. It
// does not itself guarantee durability; callers that need that call Flush.
func (w *Writer) Append(rec Record) (uint64, error) {
	w.appendMu.Lock()
	defer w.appendMu.Unlock()

	rec.LSN = w.nextLSN
	w.nextLSN++
	rec.Timestamp = time.Now()
	w.pending = append(w.pending, rec)
	return rec.LSN, nil
}

// Flush forces every buffered record to durable storage.
func (w *Writer) Flush() error {
	w.appendMu.Lock()
	batch := w.pending
	w.pending = nil
	w.appendMu.Unlock()

	if len(batch) == 0 {
		return nil
	}

	w.flushMu.Lock()
	defer w.flushMu.Unlock()

	for _, rec := range batch {
		if err := writeRecord(w.file, rec); err != nil {
			return storeerr.AsFailure(err, "write wal record lsn=%d", rec.LSN)
		}
	}
	if err := w.file.Sync(); err != nil {
		return storeerr.AsFailure(err, "sync wal file")
	}
	atomic.StoreUint64(&w.durableLSN, batch[len(batch)-1].LSN)
	return nil
}

// FlushUpTo blocks until every record with LSN <= lsn is durable. The
// buffer pool calls this before writing a dirty page back, per the
// WAL-before-data protocol.
func (w *Writer) FlushUpTo(lsn uint64) error {
	if atomic.LoadUint64(&w.durableLSN) >= lsn {
		return nil
	}
	return w.Flush()
}

// Checkpoint flushes all pending records and records oldestActiveLSN (the
// begin-LSN of the oldest still-open transaction) so recovery knows how
// far back redo must start.
func (w *Writer) Checkpoint(oldestActiveLSN uint64) error {
	if _, err := w.Append(Record{Type: RecordCheckpoint, PageID: 0}); err != nil {
		return err
	}
	if err := w.Flush(); err != nil {
		return err
	}

	cpPath := filepath.Join(w.dir, checkpointFileName)
	f, err := os.Create(cpPath)
	if err != nil {
		return storeerr.AsFailure(err, "create checkpoint file")
	}
	defer f.Close()

	if err := binary.Write(f, binary.BigEndian, oldestActiveLSN); err != nil {
		return storeerr.AsFailure(err, "write checkpoint lsn")
	}
	return errors.Trace(f.Sync())
}

// LastCheckpointLSN reads the most recently written checkpoint marker, or
// 0 if none exists yet.
func (w *Writer) LastCheckpointLSN() (uint64, error) {
	f, err := os.Open(filepath.Join(w.dir, checkpointFileName))
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, storeerr.AsFailure(err, "open checkpoint file")
	}
	defer f.Close()

	var lsn uint64
	if err := binary.Read(f, binary.BigEndian, &lsn); err != nil {
		return 0, storeerr.AsFailure(err, "read checkpoint lsn")
	}
	return lsn, nil
}

// RecordsForTxn returns every record belonging to txnID with LSN >=
// sinceLSN, in the order they were appended. abortTransaction uses this
// to walk a single transaction's own history backward without a full
// ARIES analysis pass.
func (w *Writer) RecordsForTxn(txnID int64, sinceLSN uint64) ([]Record, error) {
	if err := w.Flush(); err != nil {
		return nil, err
	}

	f, err := os.Open(filepath.Join(w.dir, logFileName))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, storeerr.AsFailure(err, "open wal for txn scan")
	}
	defer f.Close()

	var out []Record
	for {
		rec, err := readRecord(f)
		if err == io.EOF {
			break
		}
		if err != nil {
			break
		}
		if rec.TxnID == txnID && rec.LSN >= sinceLSN {
			out = append(out, rec)
		}
	}
	return out, nil
}

// Close flushes outstanding records and releases the file handle.
func (w *Writer) Close() error {
	if err := w.Flush(); err != nil {
		return err
	}
	return errors.Trace(w.file.Close())
}

func writeRecord(w io.Writer, rec Record) error {
	fields := []interface{}{rec.LSN, rec.TxnID, rec.Type, rec.IndexID, rec.PageID}
	for _, f := range fields {
		if err := binary.Write(w, binary.BigEndian, f); err != nil {
			return err
		}
	}
	for _, blob := range [][]byte{rec.Before, rec.After} {
		if err := binary.Write(w, binary.BigEndian, uint32(len(blob))); err != nil {
			return err
		}
		if _, err := w.Write(blob); err != nil {
			return err
		}
	}
	return nil
}

func readRecord(r io.Reader) (Record, error) {
	var rec Record
	fields := []interface{}{&rec.LSN, &rec.TxnID, &rec.Type, &rec.IndexID, &rec.PageID}
	for _, f := range fields {
		if err := binary.Read(r, binary.BigEndian, f); err != nil {
			return Record{}, err
		}
	}
	blobs := make([][]byte, 2)
	for i := range blobs {
		var n uint32
		if err := binary.Read(r, binary.BigEndian, &n); err != nil {
			return Record{}, err
		}
		buf := make([]byte, n)
		if n > 0 {
			if _, err := io.ReadFull(r, buf); err != nil {
				return Record{}, err
			}
		}
		blobs[i] = buf
	}
	rec.Before, rec.After = blobs[0], blobs[1]
	return rec, nil
}
