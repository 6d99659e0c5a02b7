package wal

import (
	"io"
	"os"
	"path/filepath"

	"github.com/zhukovaskychina/xkv-store/logger"
	"github.com/zhukovaskychina/xkv-store/storeerr"
)

// PageApplier lets Recover replay redo/undo images without the wal
// package knowing about pages, buffer pools, or the B-tree layout.
type PageApplier interface {
	ApplyRedo(indexID uint32, pageID uint32, after []byte, lsn uint64) error
	ApplyUndo(indexID uint32, pageID uint32, before []byte, lsn uint64) error
}

// TxnStatus is a transaction's recovered state as of the last log record
// that named it.
type TxnStatus int

const (
	txnActive TxnStatus = iota
	txnCommitted
	txnAborted
)

type txnInfo struct {
	status  TxnStatus
	lastLSN uint64
}

// Stats summarizes one Recover call, for logging.
type Stats struct {
	RecordsScanned int
	RedoApplied    int
	UndoApplied    int
	LosersRolled   int
}

// Recover performs three-pass ARIES-style recovery: analysis builds the
// transaction table from the checkpoint forward, redo reapplies every
// after-image in LSN order, and undo generates compensation records for
// every transaction that never committed.
func Recover(dir string, applier PageApplier) (Stats, error) {
	var stats Stats

	startLSN, err := readCheckpoint(dir)
	if err != nil {
		return stats, err
	}

	txns, records, err := analyze(dir, startLSN, &stats)
	if err != nil {
		return stats, err
	}

	if err := redo(records, applier, &stats); err != nil {
		return stats, err
	}

	if err := undo(dir, txns, records, applier, &stats); err != nil {
		return stats, err
	}

	logger.Infof("wal: recovery complete, scanned=%d redo=%d undo=%d losers=%d",
		stats.RecordsScanned, stats.RedoApplied, stats.UndoApplied, stats.LosersRolled)
	return stats, nil
}

func readCheckpoint(dir string) (uint64, error) {
	w, err := Open(dir)
	if err != nil {
		return 0, err
	}
	defer w.Close()
	return w.LastCheckpointLSN()
}

func analyze(dir string, startLSN uint64, stats *Stats) (map[int64]*txnInfo, []Record, error) {
	f, err := os.Open(filepath.Join(dir, logFileName))
	if err != nil {
		if os.IsNotExist(err) {
			return map[int64]*txnInfo{}, nil, nil
		}
		return nil, nil, storeerr.AsFailure(err, "open wal for recovery")
	}
	defer f.Close()

	txns := make(map[int64]*txnInfo)
	var records []Record

	for {
		rec, err := readRecord(f)
		if err == io.EOF {
			break
		}
		if err != nil {
			// A torn trailing record is expected after a crash mid-append;
			// everything durable before it still recovers correctly.
			logger.Warnf("wal: truncated record during recovery, stopping scan: %v", err)
			break
		}
		stats.RecordsScanned++
		if rec.LSN < startLSN {
			continue
		}
		records = append(records, rec)

		switch rec.Type {
		case RecordBegin:
			txns[rec.TxnID] = &txnInfo{status: txnActive, lastLSN: rec.LSN}
		case RecordCommit:
			if t, ok := txns[rec.TxnID]; ok {
				t.status = txnCommitted
				t.lastLSN = rec.LSN
			}
		case RecordAbort:
			if t, ok := txns[rec.TxnID]; ok {
				t.status = txnAborted
				t.lastLSN = rec.LSN
			}
		case RecordInsert, RecordDelete, RecordCompensation:
			if t, ok := txns[rec.TxnID]; ok {
				t.lastLSN = rec.LSN
			} else {
				txns[rec.TxnID] = &txnInfo{status: txnActive, lastLSN: rec.LSN}
			}
		}
	}

	return txns, records, nil
}

func redo(records []Record, applier PageApplier, stats *Stats) error {
	for _, rec := range records {
		switch rec.Type {
		case RecordInsert, RecordDelete, RecordCompensation:
			if err := applier.ApplyRedo(rec.IndexID, rec.PageID, rec.After, rec.LSN); err != nil {
				return storeerr.AsFailure(err, "redo lsn=%d", rec.LSN)
			}
			stats.RedoApplied++
		}
	}
	return nil
}

// undo walks the loser transactions' records backward, undoing each and
// writing a compensation record, the way abortTransaction does outside
// of recovery.
func undo(dir string, txns map[int64]*txnInfo, records []Record, applier PageApplier, stats *Stats) error {
	losers := make(map[int64]bool)
	for id, t := range txns {
		if t.status == txnActive {
			losers[id] = true
		}
	}
	if len(losers) == 0 {
		return nil
	}

	w, err := Open(dir)
	if err != nil {
		return err
	}
	defer w.Close()

	for i := len(records) - 1; i >= 0; i-- {
		rec := records[i]
		if !losers[rec.TxnID] {
			continue
		}
		switch rec.Type {
		case RecordInsert, RecordDelete:
			if err := applier.ApplyUndo(rec.IndexID, rec.PageID, rec.Before, rec.LSN); err != nil {
				return storeerr.AsFailure(err, "undo lsn=%d", rec.LSN)
			}
			stats.UndoApplied++
			if _, err := w.Append(Record{
				TxnID:   rec.TxnID,
				Type:    RecordCompensation,
				IndexID: rec.IndexID,
				PageID:  rec.PageID,
				Before:  rec.After,
				After:   rec.Before,
			}); err != nil {
				return err
			}
		}
	}

	for id := range losers {
		if _, err := w.Append(Record{TxnID: id, Type: RecordAbort}); err != nil {
			return err
		}
		stats.LosersRolled++
	}
	return w.Flush()
}
