// Package btree implements the ordered-multimap index: a disk-backed
// B+-tree of encoded-key to payload cells, with duplicate keys ordered by
// payload bytes and transaction-owned range cursors.
package btree

import (
	"bytes"
	"sync"

	"github.com/zhukovaskychina/xkv-store/codec"
	"github.com/zhukovaskychina/xkv-store/logger"
	"github.com/zhukovaskychina/xkv-store/storage/bufferpool"
	"github.com/zhukovaskychina/xkv-store/storage/page"
	"github.com/zhukovaskychina/xkv-store/storeerr"
	"github.com/zhukovaskychina/xkv-store/wal"
)

// Tree is one index's on-disk B+-tree. All structural mutation goes
// through the buffer pool (so pages are cached and evicted uniformly) and
// is logged to wal before the in-memory frame is marked dirty, so a crash
// mid-split still recovers via redo.
type Tree struct {
	indexID uint32
	keyType codec.KeyType

	pool *bufferpool.Pool
	log  *wal.Writer

	// mu guards rootID. Page-level structural changes still race safely
	// through the buffer pool's own frame locks; mu only protects the
	// root pointer swap a split at the top of the tree causes.
	mu     sync.RWMutex
	rootID page.ID

	// onRootChange, if set, is called with the new root page id every
	// time a split grows the tree past its current root. The registry
	// uses this to keep its persisted manifest entry in sync.
	onRootChange func(page.ID)
}

// Open attaches a Tree to an already-allocated buffer pool. rootID is
// page.InvalidID for a brand-new index, in which case Open allocates an
// empty leaf root; otherwise rootID is the root page id recorded in the
// registry manifest.
func Open(indexID uint32, keyType codec.KeyType, pool *bufferpool.Pool, log *wal.Writer, rootID page.ID) (*Tree, error) {
	t := &Tree{indexID: indexID, keyType: keyType, pool: pool, log: log, rootID: rootID}
	if rootID == page.InvalidID {
		f, err := pool.AllocatePage()
		if err != nil {
			return nil, err
		}
		root := &node{kind: leafKind}
		if err := t.writeNode(f, root); err != nil {
			return nil, err
		}
		pool.Unpin(f, true)
		t.rootID = f.Page().ID
	}
	return t, nil
}

// RootID reports the current root page, for the registry manifest.
func (t *Tree) RootID() page.ID {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.rootID
}

// SetRootChangeHook installs fn to be called whenever a split grows the
// tree's root. Callers install this right after Open to learn about root
// moves without polling RootID after every mutation.
func (t *Tree) SetRootChangeHook(fn func(page.ID)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onRootChange = fn
}

// KeyType reports the discriminator every key passed to this tree must
// carry.
func (t *Tree) KeyType() codec.KeyType { return t.keyType }

// NewCursor allocates an unpositioned cursor owned by txnID. Per the data
// model there is at most one live cursor per (transaction, index) pair;
// enforcing that is the caller's (txn.Transaction's) responsibility.
func (t *Tree) NewCursor(txnID int64) *Cursor {
	return &Cursor{txnID: txnID, tree: t, state: Unpositioned}
}

func (t *Tree) writeNode(f *bufferpool.Frame, n *node) error {
	body, err := n.encode(len(f.Page().Body))
	if err != nil {
		return err
	}
	copy(f.Page().Body, body)
	return nil
}

// logPage appends a redo/undo record for one page mutation and returns
// its LSN. Callers stamp the mutated frame's Page().LSN with it so the
// buffer pool's WAL-before-data check has the right PageLSN to wait for.
func (t *Tree) logPage(txnID int64, typ wal.RecordType, pageID page.ID, before, after []byte) (uint64, error) {
	if t.log == nil {
		return 0, nil
	}
	return t.log.Append(wal.Record{
		TxnID:   txnID,
		Type:    typ,
		IndexID: t.indexID,
		PageID:  uint32(pageID),
		Before:  before,
		After:   after,
	})
}

func childFor(n *node, key []byte) page.ID {
	child := n.firstChild
	for _, c := range n.internals {
		if codec.CompareEncoded(key, c.key) >= 0 {
			child = c.child
		} else {
			break
		}
	}
	return child
}

type pathEntry struct {
	id    page.ID
	frame *bufferpool.Frame
	node  *node
}

// descend walks from the root to the leaf that would contain key, pinning
// every page it visits (most recent last) so callers can mutate the leaf
// and, if it overflows, propagate a split back up the same path.
func (t *Tree) descend(key []byte) ([]pathEntry, error) {
	t.mu.RLock()
	id := t.rootID
	t.mu.RUnlock()

	var path []pathEntry
	for {
		f, err := t.pool.Fetch(id, bufferpool.ModeWrite)
		if err != nil {
			return nil, err
		}
		n, err := decodeNode(f.Page().Body)
		if err != nil {
			t.pool.Unpin(f, false)
			return nil, err
		}
		path = append(path, pathEntry{id: id, frame: f, node: n})
		if n.kind == leafKind {
			return path, nil
		}
		id = childFor(n, key)
	}
}

func unpinPath(pool *bufferpool.Pool, path []pathEntry, dirty bool) {
	for _, e := range path {
		pool.Unpin(e.frame, dirty)
	}
}

func cellLess(a, b leafCell) bool {
	if c := bytes.Compare(a.key, b.key); c != 0 {
		return c < 0
	}
	return bytes.Compare(a.payload, b.payload) < 0
}

// findLeafSlot returns the insertion index for (key,payload) in a sorted
// leaf, and whether an exact match already occupies it.
func findLeafSlot(leaves []leafCell, key, payload []byte) (idx int, exact bool) {
	lo, hi := 0, len(leaves)
	for lo < hi {
		mid := (lo + hi) / 2
		if cellLess(leaves[mid], leafCell{key: key, payload: payload}) {
			lo = mid + 1
		} else {
			hi = mid
		}
	}
	if lo < len(leaves) && bytes.Equal(leaves[lo].key, key) && bytes.Equal(leaves[lo].payload, payload) {
		return lo, true
	}
	return lo, false
}

// firstSlotForKey returns the index of the first cell with the given key,
// or the insertion point if no such cell exists.
func firstSlotForKey(leaves []leafCell, key []byte) int {
	lo, hi := 0, len(leaves)
	for lo < hi {
		mid := (lo + hi) / 2
		if bytes.Compare(leaves[mid].key, key) < 0 {
			lo = mid + 1
		} else {
			hi = mid
		}
	}
	return lo
}

// Put acquires no lock itself (the caller, typically the xkv facade's
// InsertRecord, has already taken the X-lock on key) and inserts (key, payload) in sorted
// order, splitting nodes bottom-up as needed.
func (t *Tree) Put(txnID int64, key codec.Key, payload []byte) error {
	enc, err := codec.EncodeKey(key)
	if err != nil {
		return err
	}

	path, err := t.descend(enc)
	if err != nil {
		return err
	}
	leaf := path[len(path)-1]

	idx, exact := findLeafSlot(leaf.node.leaves, enc, payload)
	if exact {
		unpinPath(t.pool, path, false)
		return storeerr.EntryExists
	}

	before := append([]byte(nil), leaf.frame.Page().Body...)
	cell := leafCell{key: enc, payload: append([]byte(nil), payload...)}
	leaf.node.leaves = append(leaf.node.leaves, leafCell{})
	copy(leaf.node.leaves[idx+1:], leaf.node.leaves[idx:])
	leaf.node.leaves[idx] = cell

	if err := t.writeOrSplit(txnID, path, before); err != nil {
		return err
	}
	return nil
}

// DelAll removes every cell with the given key. KeyNotFound if none exist.
func (t *Tree) DelAll(txnID int64, key codec.Key) error {
	enc, err := codec.EncodeKey(key)
	if err != nil {
		return err
	}
	path, err := t.descend(enc)
	if err != nil {
		return err
	}
	leaf := path[len(path)-1]

	start := firstSlotForKey(leaf.node.leaves, enc)
	end := start
	for end < len(leaf.node.leaves) && bytes.Equal(leaf.node.leaves[end].key, enc) {
		end++
	}
	if start == end {
		unpinPath(t.pool, path[:len(path)-1], false)
		t.pool.Unpin(leaf.frame, false)
		return storeerr.KeyNotFound
	}

	before := append([]byte(nil), leaf.frame.Page().Body...)
	leaf.node.leaves = append(leaf.node.leaves[:start], leaf.node.leaves[end:]...)
	if err := t.writeLeafDelete(txnID, leaf, before); err != nil {
		return err
	}
	unpinPath(t.pool, path[:len(path)-1], false)
	return nil
}

// DelExact removes the single (key, payload) pair. EntryDoesNotExist if
// it isn't present.
func (t *Tree) DelExact(txnID int64, key codec.Key, payload []byte) error {
	enc, err := codec.EncodeKey(key)
	if err != nil {
		return err
	}
	path, err := t.descend(enc)
	if err != nil {
		return err
	}
	leaf := path[len(path)-1]

	idx, exact := findLeafSlot(leaf.node.leaves, enc, payload)
	if !exact {
		unpinPath(t.pool, path[:len(path)-1], false)
		t.pool.Unpin(leaf.frame, false)
		return storeerr.EntryDoesNotExist
	}

	before := append([]byte(nil), leaf.frame.Page().Body...)
	leaf.node.leaves = append(leaf.node.leaves[:idx], leaf.node.leaves[idx+1:]...)
	if err := t.writeLeafDelete(txnID, leaf, before); err != nil {
		return err
	}
	unpinPath(t.pool, path[:len(path)-1], false)
	return nil
}

func (t *Tree) writeLeafDelete(txnID int64, leaf pathEntry, before []byte) error {
	if err := t.writeNode(leaf.frame, leaf.node); err != nil {
		t.pool.Unpin(leaf.frame, false)
		return err
	}
	after := append([]byte(nil), leaf.frame.Page().Body...)
	lsn, err := t.logPage(txnID, wal.RecordDelete, leaf.id, before, after)
	if err != nil {
		t.pool.Unpin(leaf.frame, false)
		return err
	}
	leaf.frame.Page().LSN = lsn
	t.pool.Unpin(leaf.frame, true)
	return nil
}

// writeOrSplit re-encodes the leaf at the bottom of path; if it overflows
// the page, it splits the leaf and, recursively, every ancestor that in
// turn overflows, allocating a new root if the split reaches the top.
func (t *Tree) writeOrSplit(txnID int64, path []pathEntry, leafBefore []byte) error {
	leaf := path[len(path)-1]
	capacity := len(leaf.frame.Page().Body)

	if leaf.node.encodedSize() <= capacity {
		if err := t.writeNode(leaf.frame, leaf.node); err != nil {
			unpinPath(t.pool, path, false)
			return err
		}
		after := append([]byte(nil), leaf.frame.Page().Body...)
		lsn, err := t.logPage(txnID, wal.RecordInsert, leaf.id, leafBefore, after)
		if err != nil {
			unpinPath(t.pool, path, false)
			return err
		}
		leaf.frame.Page().LSN = lsn
		t.pool.Unpin(leaf.frame, true)
		unpinPath(t.pool, path[:len(path)-1], false)
		return nil
	}

	return t.splitLeaf(txnID, path, leafBefore)
}

func (t *Tree) splitLeaf(txnID int64, path []pathEntry, leafBefore []byte) error {
	leaf := path[len(path)-1]
	mid := len(leaf.node.leaves) / 2
	right := &node{kind: leafKind, leaves: append([]leafCell(nil), leaf.node.leaves[mid:]...), next: leaf.node.next}
	leaf.node.leaves = leaf.node.leaves[:mid]

	rf, err := t.pool.AllocatePage()
	if err != nil {
		unpinPath(t.pool, path, false)
		return err
	}
	if err := t.writeNode(rf, right); err != nil {
		t.pool.Unpin(rf, false)
		unpinPath(t.pool, path, false)
		return err
	}
	leaf.node.next = rf.Page().ID

	if err := t.writeNode(leaf.frame, leaf.node); err != nil {
		t.pool.Unpin(rf, false)
		unpinPath(t.pool, path, false)
		return err
	}

	leafLSN, err := t.logPage(txnID, wal.RecordInsert, leaf.id, leafBefore, append([]byte(nil), leaf.frame.Page().Body...))
	if err != nil {
		t.pool.Unpin(rf, false)
		unpinPath(t.pool, path, false)
		return err
	}
	rightLSN, err := t.logPage(txnID, wal.RecordInsert, rf.Page().ID, nil, append([]byte(nil), rf.Page().Body...))
	if err != nil {
		t.pool.Unpin(rf, false)
		unpinPath(t.pool, path, false)
		return err
	}

	separator := right.leaves[0].key
	leaf.frame.Page().LSN = leafLSN
	rf.Page().LSN = rightLSN
	t.pool.Unpin(leaf.frame, true)
	t.pool.Unpin(rf, true)

	return t.insertIntoParent(txnID, path[:len(path)-1], separator, rf.Page().ID)
}

// insertIntoParent routes a freshly split child's separator key into the
// parent, splitting the parent in turn if that overflows it, and growing
// a new root if the split reaches above the current one.
func (t *Tree) insertIntoParent(txnID int64, ancestors []pathEntry, separator []byte, newChild page.ID) error {
	if len(ancestors) == 0 {
		left := t.rootID
		root := &node{kind: internalKind, firstChild: left, internals: []internalCell{{key: separator, child: newChild}}}
		f, err := t.pool.AllocatePage()
		if err != nil {
			return err
		}
		if err := t.writeNode(f, root); err != nil {
			t.pool.Unpin(f, false)
			return err
		}
		lsn, err := t.logPage(txnID, wal.RecordInsert, f.Page().ID, nil, append([]byte(nil), f.Page().Body...))
		if err != nil {
			t.pool.Unpin(f, false)
			return err
		}
		f.Page().LSN = lsn
		t.pool.Unpin(f, true)
		newRoot := f.Page().ID
		t.mu.Lock()
		t.rootID = newRoot
		hook := t.onRootChange
		t.mu.Unlock()
		logger.Debugf("btree: index %d grew a new root at page %d", t.indexID, newRoot)
		if hook != nil {
			hook(newRoot)
		}
		return nil
	}

	parent := ancestors[len(ancestors)-1]
	before := append([]byte(nil), parent.frame.Page().Body...)

	pos := 0
	for pos < len(parent.node.internals) && bytes.Compare(parent.node.internals[pos].key, separator) < 0 {
		pos++
	}
	parent.node.internals = append(parent.node.internals, internalCell{})
	copy(parent.node.internals[pos+1:], parent.node.internals[pos:])
	parent.node.internals[pos] = internalCell{key: separator, child: newChild}

	capacity := len(parent.frame.Page().Body)
	if parent.node.encodedSize() <= capacity {
		if err := t.writeNode(parent.frame, parent.node); err != nil {
			unpinPath(t.pool, ancestors, false)
			return err
		}
		after := append([]byte(nil), parent.frame.Page().Body...)
		lsn, err := t.logPage(txnID, wal.RecordInsert, parent.id, before, after)
		if err != nil {
			unpinPath(t.pool, ancestors, false)
			return err
		}
		parent.frame.Page().LSN = lsn
		t.pool.Unpin(parent.frame, true)
		unpinPath(t.pool, ancestors[:len(ancestors)-1], false)
		return nil
	}
	return t.splitInternal(txnID, ancestors, before)
}

func (t *Tree) splitInternal(txnID int64, ancestors []pathEntry, parentBefore []byte) error {
	parent := ancestors[len(ancestors)-1]
	mid := len(parent.node.internals) / 2
	promoted := parent.node.internals[mid].key

	right := &node{kind: internalKind, firstChild: parent.node.internals[mid].child,
		internals: append([]internalCell(nil), parent.node.internals[mid+1:]...)}
	parent.node.internals = parent.node.internals[:mid]

	rf, err := t.pool.AllocatePage()
	if err != nil {
		unpinPath(t.pool, ancestors, false)
		return err
	}
	if err := t.writeNode(rf, right); err != nil {
		t.pool.Unpin(rf, false)
		unpinPath(t.pool, ancestors, false)
		return err
	}
	if err := t.writeNode(parent.frame, parent.node); err != nil {
		t.pool.Unpin(rf, false)
		unpinPath(t.pool, ancestors, false)
		return err
	}

	parentLSN, err := t.logPage(txnID, wal.RecordInsert, parent.id, parentBefore, append([]byte(nil), parent.frame.Page().Body...))
	if err != nil {
		t.pool.Unpin(rf, false)
		unpinPath(t.pool, ancestors, false)
		return err
	}
	rightLSN, err := t.logPage(txnID, wal.RecordInsert, rf.Page().ID, nil, append([]byte(nil), rf.Page().Body...))
	if err != nil {
		t.pool.Unpin(rf, false)
		unpinPath(t.pool, ancestors, false)
		return err
	}

	parent.frame.Page().LSN = parentLSN
	rf.Page().LSN = rightLSN
	t.pool.Unpin(parent.frame, true)
	t.pool.Unpin(rf, true)

	return t.insertIntoParent(txnID, ancestors[:len(ancestors)-1], promoted, rf.Page().ID)
}

func (t *Tree) leftmostLeaf() (page.ID, *node, *bufferpool.Frame, error) {
	t.mu.RLock()
	id := t.rootID
	t.mu.RUnlock()
	for {
		f, err := t.pool.Fetch(id, bufferpool.ModeRead)
		if err != nil {
			return 0, nil, nil, err
		}
		n, err := decodeNode(f.Page().Body)
		if err != nil {
			t.pool.Unpin(f, false)
			return 0, nil, nil, err
		}
		if n.kind == leafKind {
			return id, n, f, nil
		}
		next := n.firstChild
		t.pool.Unpin(f, false)
		id = next
	}
}

func (t *Tree) leafFor(key []byte) (page.ID, *node, *bufferpool.Frame, error) {
	t.mu.RLock()
	id := t.rootID
	t.mu.RUnlock()
	for {
		f, err := t.pool.Fetch(id, bufferpool.ModeRead)
		if err != nil {
			return 0, nil, nil, err
		}
		n, err := decodeNode(f.Page().Body)
		if err != nil {
			t.pool.Unpin(f, false)
			return 0, nil, nil, err
		}
		if n.kind == leafKind {
			return id, n, f, nil
		}
		next := childFor(n, key)
		t.pool.Unpin(f, false)
		id = next
	}
}

// PositionEq seats cur on the first entry with key, or records key as the
// pending range anchor and returns storeerr.KeyNotFound.
func (t *Tree) PositionEq(cur *Cursor, key codec.Key) error {
	enc, err := codec.EncodeKey(key)
	if err != nil {
		return err
	}
	return t.positionEqEncoded(cur, enc)
}

func (t *Tree) positionEqEncoded(cur *Cursor, enc []byte) error {
	id, n, f, err := t.leafFor(enc)
	if err != nil {
		return err
	}
	slot := firstSlotForKey(n.leaves, enc)
	if slot < len(n.leaves) && bytes.Equal(n.leaves[slot].key, enc) {
		t.pool.Unpin(f, false)
		cur.state = Live
		cur.pageID = id
		cur.slot = slot
		cur.hasPending = false
		cur.pendingAnchor = nil
		return nil
	}
	t.pool.Unpin(f, false)
	cur.state = Unpositioned
	cur.hasPending = true
	cur.pendingAnchor = enc
	return storeerr.KeyNotFound
}

// PositionGE seats cur on the first entry with key >= the given key,
// searching forward across leaf siblings if the starting leaf holds none.
func (t *Tree) PositionGE(cur *Cursor, key codec.Key) error {
	enc, err := codec.EncodeKey(key)
	if err != nil {
		return err
	}
	return t.positionGEEncoded(cur, enc)
}

func (t *Tree) positionGEEncoded(cur *Cursor, enc []byte) error {
	id, n, f, err := t.leafFor(enc)
	if err != nil {
		return err
	}
	for {
		slot := firstSlotForKey(n.leaves, enc)
		if slot < len(n.leaves) {
			t.pool.Unpin(f, false)
			cur.state = Live
			cur.pageID = id
			cur.slot = slot
			cur.hasPending = false
			cur.pendingAnchor = nil
			return nil
		}
		next := n.next
		t.pool.Unpin(f, false)
		if next == page.InvalidID {
			cur.state = PastEnd
			cur.hasPending = false
			return storeerr.EndOfIndex
		}
		id = next
		f, err = t.pool.Fetch(id, bufferpool.ModeRead)
		if err != nil {
			return err
		}
		n, err = decodeNode(f.Page().Body)
		if err != nil {
			t.pool.Unpin(f, false)
			return err
		}
	}
}

// PositionEqWithPayload seats cur exactly on (key, payload), used by
// exact-delete callers that need the cursor parked on a precise cell.
func (t *Tree) PositionEqWithPayload(cur *Cursor, key codec.Key, payload []byte) error {
	enc, err := codec.EncodeKey(key)
	if err != nil {
		return err
	}
	id, n, f, err := t.leafFor(enc)
	if err != nil {
		return err
	}
	idx, exact := findLeafSlot(n.leaves, enc, payload)
	if !exact {
		t.pool.Unpin(f, false)
		return storeerr.EntryDoesNotExist
	}
	t.pool.Unpin(f, false)
	cur.state = Live
	cur.pageID = id
	cur.slot = idx
	cur.hasPending = false
	cur.pendingAnchor = nil
	return nil
}

// Next advances cur and returns the entry it now sits on. Per the
// get/getNext protocol: a pending anchor (set by a PositionEq miss)
// resolves via PositionGE; otherwise cur steps to the immediately
// following (key, payload) pair in global order, or to the very first
// entry if cur was never positioned.
func (t *Tree) Next(cur *Cursor) (codec.Key, []byte, error) {
	if cur.hasPending {
		anchor := cur.pendingAnchor
		cur.hasPending = false
		cur.pendingAnchor = nil
		if err := t.positionGEEncoded(cur, anchor); err != nil {
			return codec.Key{}, nil, err
		}
		return t.current(cur)
	}

	switch cur.state {
	case PastEnd:
		return codec.Key{}, nil, storeerr.EndOfIndex
	case Unpositioned:
		id, n, f, err := t.leftmostLeaf()
		if err != nil {
			return codec.Key{}, nil, err
		}
		if len(n.leaves) == 0 {
			t.pool.Unpin(f, false)
			cur.state = PastEnd
			return codec.Key{}, nil, storeerr.EndOfIndex
		}
		t.pool.Unpin(f, false)
		cur.state = Live
		cur.pageID = id
		cur.slot = 0
		return t.current(cur)
	default: // Live: advance past the current slot
		f, err := t.pool.Fetch(cur.pageID, bufferpool.ModeRead)
		if err != nil {
			return codec.Key{}, nil, err
		}
		n, err := decodeNode(f.Page().Body)
		if err != nil {
			t.pool.Unpin(f, false)
			return codec.Key{}, nil, err
		}
		if cur.slot+1 < len(n.leaves) {
			t.pool.Unpin(f, false)
			cur.slot++
			return t.current(cur)
		}
		next := n.next
		t.pool.Unpin(f, false)
		for next != page.InvalidID {
			nf, err := t.pool.Fetch(next, bufferpool.ModeRead)
			if err != nil {
				return codec.Key{}, nil, err
			}
			nn, err := decodeNode(nf.Page().Body)
			if err != nil {
				t.pool.Unpin(nf, false)
				return codec.Key{}, nil, err
			}
			if len(nn.leaves) > 0 {
				t.pool.Unpin(nf, false)
				cur.pageID = next
				cur.slot = 0
				return t.current(cur)
			}
			nextNext := nn.next
			t.pool.Unpin(nf, false)
			next = nextNext
		}
		cur.state = PastEnd
		return codec.Key{}, nil, storeerr.EndOfIndex
	}
}

// Current decodes and returns the entry cur sits on without moving it.
// Callers use this after a PositionEq/PositionGE hit; Next is for
// advancing past it.
func (t *Tree) Current(cur *Cursor) (codec.Key, []byte, error) {
	return t.current(cur)
}

func (t *Tree) current(cur *Cursor) (codec.Key, []byte, error) {
	f, err := t.pool.Fetch(cur.pageID, bufferpool.ModeRead)
	if err != nil {
		return codec.Key{}, nil, err
	}
	n, err := decodeNode(f.Page().Body)
	if err != nil {
		t.pool.Unpin(f, false)
		return codec.Key{}, nil, err
	}
	if cur.slot >= len(n.leaves) {
		t.pool.Unpin(f, false)
		cur.state = PastEnd
		return codec.Key{}, nil, storeerr.EndOfIndex
	}
	cell := n.leaves[cur.slot]
	t.pool.Unpin(f, false)
	key, err := codec.DecodeKey(t.keyType, cell.key)
	if err != nil {
		return codec.Key{}, nil, err
	}
	return key, cell.payload, nil
}
