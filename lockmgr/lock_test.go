package lockmgr

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSharedLocksAreCompatible(t *testing.T) {
	m := NewManager(50 * time.Millisecond)
	defer m.Close()

	require.NoError(t, m.Acquire(1, 1, []byte("a"), Shared))
	require.NoError(t, m.Acquire(2, 1, []byte("a"), Shared))
}

func TestExclusiveLockBlocksUntilReleased(t *testing.T) {
	m := NewManager(50 * time.Millisecond)
	defer m.Close()

	require.NoError(t, m.Acquire(1, 1, []byte("a"), Exclusive))

	done := make(chan error, 1)
	go func() {
		done <- m.Acquire(2, 1, []byte("a"), Exclusive)
	}()

	select {
	case <-done:
		t.Fatal("second acquire should have blocked")
	case <-time.After(20 * time.Millisecond):
	}

	m.Release(1)

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("second acquire never unblocked")
	}
}

// TestGrantedWaiterDropsStaleWaitGraphEdge checks that a waiter granted by
// Release has its wait-for edge and victim channel cleared immediately,
// not just when it eventually calls Release itself: a stale edge would let
// detectOnce pick it as a victim long after it stopped waiting on anyone,
// and a stale victim channel would make its next Acquire see an
// already-closed channel and fail with a spurious deadlock.
func TestGrantedWaiterDropsStaleWaitGraphEdge(t *testing.T) {
	m := NewManager(50 * time.Millisecond)
	defer m.Close()

	require.NoError(t, m.Acquire(1, 1, []byte("a"), Exclusive))

	done := make(chan error, 1)
	go func() { done <- m.Acquire(2, 1, []byte("a"), Exclusive) }()

	require.Eventually(t, func() bool {
		m.coordMu.Lock()
		defer m.coordMu.Unlock()
		_, waiting := m.waitGraph[2]
		return waiting
	}, time.Second, time.Millisecond, "txn 2 never registered as waiting")

	m.Release(1)

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("second acquire never unblocked")
	}

	m.coordMu.Lock()
	_, stillWaiting := m.waitGraph[2]
	_, stillHasVictimCh := m.victimCh[2]
	m.coordMu.Unlock()
	assert.False(t, stillWaiting, "granted waiter must have its wait-for edge cleared")
	assert.False(t, stillHasVictimCh, "granted waiter must have its victim channel cleared")

	require.NoError(t, m.Acquire(2, 1, []byte("c"), Exclusive))
}

func TestDeadlockDetectedBetweenTwoTransactions(t *testing.T) {
	m := NewManager(20 * time.Millisecond)
	defer m.Close()

	require.NoError(t, m.Acquire(1, 1, []byte("a"), Exclusive))
	require.NoError(t, m.Acquire(2, 1, []byte("b"), Exclusive))

	err1 := make(chan error, 1)
	err2 := make(chan error, 1)
	go func() { err1 <- m.Acquire(1, 1, []byte("b"), Exclusive) }()
	go func() { err2 <- m.Acquire(2, 1, []byte("a"), Exclusive) }()

	var got []error
	select {
	case e := <-err1:
		got = append(got, e)
	case e := <-err2:
		got = append(got, e)
	case <-time.After(2 * time.Second):
		t.Fatal("neither transaction observed deadlock")
	}
	assert.Error(t, got[0])
}
