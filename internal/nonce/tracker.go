// Package nonce provides thread-safe next-nonce allocation for Ethereum
// accounts. This is an internal package and should not be imported directly
// by external code.
package nonce

import (
	"context"
	"fmt"
	"sync"

	"github.com/KyberNetwork/logger"
	"github.com/ethereum/go-ethereum/common"
)

// NetworkNonceFunc returns the network's transaction count for an address.
type NetworkNonceFunc func(ctx context.Context, addr common.Address) (uint64, error)

// LocalNoncesFunc returns locally-known nonces for an address, typically
// backed by the transaction store.
type LocalNoncesFunc func(addr common.Address) []uint64

// Details records the inputs that produced an allocated nonce, for
// diagnostics.
type Details struct {
	NetworkNonce            uint64
	HighestLocallyConfirmed uint64
	HighestSuggested        uint64
	HighestLocalPending     uint64
}

// Lock is an exclusive claim on nonce allocation for one address. The holder
// must call Release exactly when the allocated nonce's fate is durable
// (submitted, or the attempt failed); Release is idempotent.
type Lock struct {
	NextNonce uint64
	Details   Details

	once    sync.Once
	release func()
}

// Release frees the per-address allocation lock. Safe to call more than once.
func (l *Lock) Release() {
	l.once.Do(l.release)
}

// GlobalLock excludes every per-address allocation while held. The pending
// monitor takes it before resubmission sweeps so allocation cannot race a
// sweep.
type GlobalLock struct {
	once    sync.Once
	release func()
}

// Release frees the global lock. Safe to call more than once.
func (g *GlobalLock) Release() {
	g.once.Do(g.release)
}

// Tracker allocates the next usable nonce per address, reconciling the
// network's view with locally pending and confirmed transactions so that
// concurrent callers never receive the same nonce and gaps left by the
// network are not double-filled.
type Tracker struct {
	networkNonce    NetworkNonceFunc
	pendingNonces   LocalNoncesFunc
	confirmedNonces LocalNoncesFunc

	// addrLocks provides per-address mutual exclusion
	addrLocks sync.Map // map[common.Address]*sync.Mutex

	// globalMu is read-held by per-address allocations and write-held by
	// AcquireGlobal
	globalMu sync.RWMutex
}

// NewTracker creates a tracker backed by the given nonce sources.
func NewTracker(networkNonce NetworkNonceFunc, pending, confirmed LocalNoncesFunc) *Tracker {
	return &Tracker{
		networkNonce:    networkNonce,
		pendingNonces:   pending,
		confirmedNonces: confirmed,
	}
}

func (t *Tracker) getAddrLock(addr common.Address) *sync.Mutex {
	lock, _ := t.addrLocks.LoadOrStore(addr, &sync.Mutex{})
	return lock.(*sync.Mutex)
}

// AcquireGlobal blocks until no per-address allocation is in flight and
// prevents new ones until the returned lock is released.
func (t *Tracker) AcquireGlobal() *GlobalLock {
	t.globalMu.Lock()
	return &GlobalLock{release: t.globalMu.Unlock}
}

// NextNonceLock computes the next usable nonce for addr and returns it
// together with an exclusive per-address lock. On error no lock is held.
//
// The next nonce is the network count unless local pending transactions
// already occupy a contiguous run starting at or above it, in which case the
// slot after that run is returned.
func (t *Tracker) NextNonceLock(ctx context.Context, addr common.Address) (*Lock, error) {
	t.globalMu.RLock()
	addrLock := t.getAddrLock(addr)
	addrLock.Lock()
	release := func() {
		addrLock.Unlock()
		t.globalMu.RUnlock()
	}

	networkNonce, err := t.networkNonce(ctx, addr)
	if err != nil {
		release()
		return nil, fmt.Errorf("fetching network nonce for %s: %w", addr.Hex(), err)
	}

	highestConfirmed := highestNonce(t.confirmedNonces(addr))
	highestLocallyConfirmed := uint64(0)
	if highestConfirmed != nil {
		highestLocallyConfirmed = *highestConfirmed + 1
	}
	highestSuggested := max(networkNonce, highestLocallyConfirmed)

	pending := t.pendingNonces(addr)
	continuous := highestContinuousFrom(pending, highestSuggested)
	next := max(networkNonce, continuous)

	details := Details{
		NetworkNonce:            networkNonce,
		HighestLocallyConfirmed: highestLocallyConfirmed,
		HighestSuggested:        highestSuggested,
	}
	if hp := highestNonce(pending); hp != nil {
		details.HighestLocalPending = *hp
	}

	logger.WithFields(logger.Fields{
		"address":         addr.Hex(),
		"network_nonce":   networkNonce,
		"local_confirmed": highestLocallyConfirmed,
		"local_pending":   details.HighestLocalPending,
		"pending_count":   len(pending),
		"continuous_from": continuous,
		"allocated_nonce": next,
	}).Debug("nonce tracker: allocated next nonce")

	return &Lock{NextNonce: next, Details: details, release: release}, nil
}

// highestContinuousFrom returns the nonce just past the contiguous run of
// values in nonces starting at start. Duplicates do not extend the run.
func highestContinuousFrom(nonces []uint64, start uint64) uint64 {
	have := make(map[uint64]bool, len(nonces))
	for _, n := range nonces {
		have[n] = true
	}
	next := start
	for have[next] {
		next++
	}
	return next
}

func highestNonce(nonces []uint64) *uint64 {
	var highest *uint64
	for _, n := range nonces {
		if highest == nil || n > *highest {
			v := n
			highest = &v
		}
	}
	return highest
}
