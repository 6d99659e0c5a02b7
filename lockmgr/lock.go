// Package lockmgr implements multi-granularity shared/exclusive locking
// keyed by (index, encoded key), with a background wait-for-graph deadlock
// detector that aborts the youngest transaction in any cycle it finds.
package lockmgr

import (
	"sync"
	"time"

	"github.com/zhukovaskychina/xkv-store/internal/xhash"
	"github.com/zhukovaskychina/xkv-store/storeerr"
)

// Mode is the granted lock type.
type Mode int

const (
	Shared Mode = iota
	Exclusive
)

func compatible(held, requested Mode) bool {
	return held == Shared && requested == Shared
}

type request struct {
	txnID   int64
	mode    Mode
	granted bool
	waitCh  chan struct{}
	created time.Time
}

type resourceLocks struct {
	requests []*request
}

// stripeCount controls how many independent mutexes shard the resource
// table, so unrelated keys never serialize on one lock. xhash.Stripe picks
// the shard for a given resource id.
const stripeCount = 64

type stripe struct {
	mu        sync.Mutex
	resources map[string]*resourceLocks
}

// Manager is one process-wide (or one environment-wide) lock table.
type Manager struct {
	stripes [stripeCount]*stripe

	// coordMu guards waitGraph, txnLocks and victimCh, the bookkeeping the
	// deadlock detector needs a globally consistent view of. It is
	// intentionally separate from the stripes above: resource grant/release
	// traffic must not serialize behind deadlock-detector bookkeeping.
	coordMu   sync.Mutex
	waitGraph map[int64][]int64  // waiting txn -> txns it waits on
	txnLocks  map[int64][]string // txn -> resource ids it holds or is queued on
	victimCh  map[int64]chan struct{}

	detectInterval time.Duration
	stopCh         chan struct{}
	stopOnce       sync.Once
}

// NewManager starts a lock manager with a deadlock detector that sweeps
// the wait-for graph every detectInterval.
func NewManager(detectInterval time.Duration) *Manager {
	if detectInterval <= 0 {
		detectInterval = time.Second
	}
	m := &Manager{
		waitGraph:      make(map[int64][]int64),
		txnLocks:       make(map[int64][]string),
		victimCh:       make(map[int64]chan struct{}),
		detectInterval: detectInterval,
		stopCh:         make(chan struct{}),
	}
	for i := range m.stripes {
		m.stripes[i] = &stripe{resources: make(map[string]*resourceLocks)}
	}
	go m.detectLoop()
	return m
}

// Close stops the deadlock detector.
func (m *Manager) Close() {
	m.stopOnce.Do(func() { close(m.stopCh) })
}

func resourceID(indexID uint32, encodedKey []byte) string {
	buf := make([]byte, 4+len(encodedKey))
	buf[0] = byte(indexID >> 24)
	buf[1] = byte(indexID >> 16)
	buf[2] = byte(indexID >> 8)
	buf[3] = byte(indexID)
	copy(buf[4:], encodedKey)
	return string(buf)
}

func (m *Manager) stripeFor(resID string) *stripe {
	return m.stripes[xhash.Stripe([]byte(resID), stripeCount)]
}

// Acquire blocks the calling goroutine until txnID holds mode on the
// given (indexID, encodedKey) resource, or returns storeerr.Deadlock if
// granting it would create or already belongs to a wait-for cycle.
func (m *Manager) Acquire(txnID int64, indexID uint32, encodedKey []byte, mode Mode) error {
	resID := resourceID(indexID, encodedKey)
	st := m.stripeFor(resID)

	st.mu.Lock()
	rl, ok := st.resources[resID]
	if !ok {
		rl = &resourceLocks{}
		st.resources[resID] = rl
	}

	for _, r := range rl.requests {
		if r.txnID == txnID && r.granted {
			if r.mode == mode || r.mode == Exclusive {
				st.mu.Unlock()
				return nil
			}
			// Upgrade S -> X: only safe if no other transaction also holds it.
			if m.soleHolderLocked(rl, txnID) {
				r.mode = Exclusive
				st.mu.Unlock()
				return nil
			}
		}
	}

	var holders []int64
	for _, r := range rl.requests {
		if r.granted && r.txnID != txnID && !compatible(r.mode, mode) {
			holders = append(holders, r.txnID)
		}
	}

	req := &request{txnID: txnID, mode: mode, granted: len(holders) == 0, created: time.Now(), waitCh: make(chan struct{})}
	rl.requests = append(rl.requests, req)
	st.mu.Unlock()

	m.trackLock(txnID, resID)

	if req.granted {
		return nil
	}

	m.coordMu.Lock()
	m.waitGraph[txnID] = holders
	if m.hasCycleLocked(txnID, make(map[int64]bool)) {
		delete(m.waitGraph, txnID)
		m.coordMu.Unlock()
		st.mu.Lock()
		rl.remove(req)
		st.mu.Unlock()
		m.untrackLock(txnID, resID)
		return storeerr.Deadlock
	}
	victim := m.victimChanLocked(txnID)
	m.coordMu.Unlock()

	select {
	case <-req.waitCh:
		return nil
	case <-victim:
		return storeerr.Deadlock
	}
}

func (m *Manager) soleHolderLocked(rl *resourceLocks, txnID int64) bool {
	for _, r := range rl.requests {
		if r.granted && r.txnID != txnID {
			return false
		}
	}
	return true
}

func (rl *resourceLocks) remove(target *request) {
	out := rl.requests[:0]
	for _, r := range rl.requests {
		if r != target {
			out = append(out, r)
		}
	}
	rl.requests = out
}

func (m *Manager) trackLock(txnID int64, resID string) {
	m.coordMu.Lock()
	m.txnLocks[txnID] = append(m.txnLocks[txnID], resID)
	m.coordMu.Unlock()
}

func (m *Manager) untrackLock(txnID int64, resID string) {
	m.coordMu.Lock()
	defer m.coordMu.Unlock()
	locks := m.txnLocks[txnID]
	for i, r := range locks {
		if r == resID {
			m.txnLocks[txnID] = append(locks[:i], locks[i+1:]...)
			return
		}
	}
}

func (m *Manager) victimChanLocked(txnID int64) chan struct{} {
	ch, ok := m.victimCh[txnID]
	if !ok {
		ch = make(chan struct{})
		m.victimCh[txnID] = ch
	}
	return ch
}

// hasCycleLocked reports whether starting a DFS from txnID through
// waitGraph returns to a node already on the current path. Caller holds
// coordMu.
func (m *Manager) hasCycleLocked(txnID int64, visited map[int64]bool) bool {
	if visited[txnID] {
		return true
	}
	visited[txnID] = true
	for _, next := range m.waitGraph[txnID] {
		if m.hasCycleLocked(next, visited) {
			return true
		}
	}
	delete(visited, txnID)
	return false
}

// Release drops every lock txnID holds or is waiting on, and wakes any
// waiter whose request is now compatible with what remains granted.
func (m *Manager) Release(txnID int64) {
	m.coordMu.Lock()
	resIDs := m.txnLocks[txnID]
	delete(m.txnLocks, txnID)
	delete(m.waitGraph, txnID)
	for waiter, holders := range m.waitGraph {
		kept := holders[:0]
		for _, h := range holders {
			if h != txnID {
				kept = append(kept, h)
			}
		}
		m.waitGraph[waiter] = kept
	}
	delete(m.victimCh, txnID)
	m.coordMu.Unlock()

	for _, resID := range resIDs {
		st := m.stripeFor(resID)
		st.mu.Lock()
		rl, ok := st.resources[resID]
		if !ok {
			st.mu.Unlock()
			continue
		}
		remaining := rl.requests[:0]
		for _, r := range rl.requests {
			if r.txnID != txnID {
				remaining = append(remaining, r)
			}
		}
		rl.requests = remaining
		var newlyGranted []int64
		if len(rl.requests) == 0 {
			delete(st.resources, resID)
		} else {
			newlyGranted = grantWaitingLocked(rl)
		}
		st.mu.Unlock()

		if len(newlyGranted) > 0 {
			m.coordMu.Lock()
			for _, id := range newlyGranted {
				delete(m.waitGraph, id)
				delete(m.victimCh, id)
			}
			m.coordMu.Unlock()
		}
	}
}

// grantWaitingLocked grants every request on rl that's now compatible with
// what remains granted, and returns the txn ids newly granted so the
// caller can drop their now-stale wait-for edge and victim channel: a
// transaction that has been granted its lock is no longer waiting on
// anyone, and detectOnce must not be able to pick it as a victim off a
// stale edge.
func grantWaitingLocked(rl *resourceLocks) []int64 {
	var granted []*request
	for _, r := range rl.requests {
		if r.granted {
			granted = append(granted, r)
		}
	}
	var newlyGranted []int64
	for _, waiting := range rl.requests {
		if waiting.granted {
			continue
		}
		ok := true
		for _, g := range granted {
			if !compatible(g.mode, waiting.mode) {
				ok = false
				break
			}
		}
		if ok {
			waiting.granted = true
			granted = append(granted, waiting)
			newlyGranted = append(newlyGranted, waiting.txnID)
			close(waiting.waitCh)
		}
	}
	return newlyGranted
}

func (m *Manager) detectLoop() {
	ticker := time.NewTicker(m.detectInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			m.detectOnce()
		case <-m.stopCh:
			return
		}
	}
}

// detectOnce scans every waiting transaction for a cycle and aborts the
// youngest transaction id in each cycle found (see DESIGN.md for why
// youngest rather than oldest).
func (m *Manager) detectOnce() {
	m.coordMu.Lock()
	victims := make(map[int64]bool)
	for txnID := range m.waitGraph {
		cycle := m.findCycleLocked(txnID)
		if len(cycle) == 0 {
			continue
		}
		youngest := cycle[0]
		for _, id := range cycle[1:] {
			if id > youngest {
				youngest = id
			}
		}
		victims[youngest] = true
	}
	channels := make([]chan struct{}, 0, len(victims))
	for id := range victims {
		if ch, ok := m.victimCh[id]; ok {
			channels = append(channels, ch)
		}
	}
	m.coordMu.Unlock()

	for _, ch := range channels {
		select {
		case <-ch:
			// already signalled by a concurrent sweep
		default:
			close(ch)
		}
	}
}

// findCycleLocked returns the txn ids on a cycle reachable from start, or
// nil if none. Caller holds coordMu.
func (m *Manager) findCycleLocked(start int64) []int64 {
	var path []int64
	visited := make(map[int64]int) // index in path, or -1 once closed out
	var walk func(int64) []int64
	walk = func(node int64) []int64 {
		if idx, ok := visited[node]; ok {
			if idx >= 0 {
				return append([]int64(nil), path[idx:]...)
			}
			return nil
		}
		visited[node] = len(path)
		path = append(path, node)
		for _, next := range m.waitGraph[node] {
			if cyc := walk(next); cyc != nil {
				return cyc
			}
		}
		path = path[:len(path)-1]
		visited[node] = -1
		return nil
	}
	return walk(start)
}
