package btree

import "github.com/zhukovaskychina/xkv-store/storage/page"

// State is where a Cursor sits relative to its index's ordered sequence.
type State int

const (
	// Unpositioned is the cursor's state before any PositionEq/PositionGE/
	// Next call, or after PositionEq misses and the anchor hasn't yet been
	// consumed by Next.
	Unpositioned State = iota
	Live
	PastEnd
)

// Cursor is a transaction's private position into one index. It is never
// shared across transactions or goroutines; the owning txn.Manager is
// responsible for tearing it down at commit or abort.
type Cursor struct {
	txnID int64
	tree  *Tree

	state State
	pageID page.ID
	slot   int

	// pendingAnchor holds the encoded key a PositionEq call missed on; the
	// next Next call resolves it with PositionGE instead of advancing from
	// state, per the "get/getNext" range-anchor protocol.
	pendingAnchor []byte
	hasPending    bool
}

// TxnID reports the transaction that owns the cursor.
func (c *Cursor) TxnID() int64 { return c.txnID }

// State reports the cursor's current positioning state.
func (c *Cursor) State() State { return c.state }

func (c *Cursor) reset() {
	c.state = Unpositioned
	c.pageID = page.InvalidID
	c.slot = 0
	c.pendingAnchor = nil
	c.hasPending = false
}
