// Package dag implements spec §4.5's concurrent block graph: a shared
// `blocks` map, a `tips` set of childless blocks, a HashTimer-ordered index,
// a pending-parent buffer with timeout, and block-insertion verification.
//
// Grounded on the teacher's node/chainstate.go + node/blockstore.go
// ownership split — one mutex-guarded struct holding the authoritative view,
// generalized from a single linear chain (HasTip/Height/TipHash) to a
// multi-parent DAG (tips set, pending-parent buffer) per design note §9's
// single-writer-many-reader prescription.
package dag

import (
	"sort"
	"sync"
	"time"

	"github.com/findag/findag-core/internal/types"
	"github.com/findag/findag-core/internal/xcrypto"
)

// Config tunes the graph (spec §6: max_parents, W_pending).
type Config struct {
	MaxParents int
	WPending   time.Duration
}

type pendingEntry struct {
	block          types.Block
	proposerPubKey [32]byte
	queued         time.Time
}

// DAG is the single mutable block graph for this node.
type DAG struct {
	mu sync.RWMutex

	cfg    Config
	crypto xcrypto.Provider

	blocks      map[types.Hash]types.Block
	tips        map[types.Hash]struct{}
	finalized   map[types.Hash]struct{}
	byHashTimer []types.Hash // ascending HashTimer order, parallel to blocks

	// pending buffers blocks whose parents are not yet locally known,
	// keyed by each missing parent id (spec §4.5 step 1).
	pending map[types.Hash][]*pendingEntry
}

func New(cfg Config, crypto xcrypto.Provider) *DAG {
	if cfg.MaxParents <= 0 {
		cfg.MaxParents = 4
	}
	if cfg.WPending <= 0 {
		cfg.WPending = 2 * time.Second
	}
	return &DAG{
		cfg:       cfg,
		crypto:    crypto,
		blocks:    make(map[types.Hash]types.Block),
		tips:      make(map[types.Hash]struct{}),
		finalized: make(map[types.Hash]struct{}),
		pending:   make(map[types.Hash][]*pendingEntry),
	}
}

// SeedGenesis installs a genesis block directly, bypassing insertion
// verification (there is no parent or proposer to verify against).
func (d *DAG) SeedGenesis(blk types.Block) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.blocks[blk.BlockID] = blk
	d.tips[blk.BlockID] = struct{}{}
	d.finalized[blk.BlockID] = struct{}{}
	d.byHashTimer = append(d.byHashTimer, blk.BlockID)
}

// Has reports whether block_id is locally known.
func (d *DAG) Has(id types.Hash) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	_, ok := d.blocks[id]
	return ok
}

// Get returns the stored block for id.
func (d *DAG) Get(id types.Hash) (types.Block, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	blk, ok := d.blocks[id]
	return blk, ok
}

// Tips returns the current childless block ids, in ascending block_id order
// for determinism.
func (d *DAG) Tips() []types.Hash {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]types.Hash, 0, len(d.tips))
	for id := range d.tips {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return lessHash(out[i], out[j]) })
	return out
}

// SelectParents picks up to cfg.MaxParents tips, preferring the earliest
// HashTimers to drive DAG convergence (spec §4.5), with a deterministic
// block_id tie-break. Always returns at least one parent if any tip exists.
func (d *DAG) SelectParents() []types.Hash {
	d.mu.RLock()
	defer d.mu.RUnlock()
	type cand struct {
		id types.Hash
		ht types.HashTimer
	}
	cands := make([]cand, 0, len(d.tips))
	for id := range d.tips {
		cands = append(cands, cand{id: id, ht: d.blocks[id].HashTimer})
	}
	sort.Slice(cands, func(i, j int) bool {
		if cands[i].ht.Less(cands[j].ht) {
			return true
		}
		if cands[j].ht.Less(cands[i].ht) {
			return false
		}
		return lessHash(cands[i].id, cands[j].id)
	})
	n := d.cfg.MaxParents
	if n > len(cands) {
		n = len(cands)
	}
	out := make([]types.Hash, 0, n)
	for i := 0; i < n; i++ {
		out = append(out, cands[i].id)
	}
	return out
}

// ByHashTimer returns every known block id in ascending HashTimer order.
func (d *DAG) ByHashTimer() []types.Hash {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return append([]types.Hash(nil), d.byHashTimer...)
}

// Insert runs spec §4.5's block-insertion pipeline. On success the block is
// added to the graph and any blocks pending on it are retried. On a missing
// parent it is buffered pending that parent's arrival. Any other
// verification failure returns an Invalid-flavored error without inserting.
func (d *DAG) Insert(blk types.Block, proposerPubKey [32]byte) error {
	d.mu.Lock()
	missing, ok := d.missingParentLocked(blk)
	if !ok {
		d.bufferPendingLocked(missing, blk, proposerPubKey)
		d.mu.Unlock()
		return nil
	}
	if err := d.verifyLocked(blk, proposerPubKey); err != nil {
		d.mu.Unlock()
		return err
	}
	d.commitLocked(blk)
	d.mu.Unlock()

	d.reprocessPending(blk.BlockID)
	return nil
}

func (d *DAG) missingParentLocked(blk types.Block) (types.Hash, bool) {
	for _, p := range blk.ParentIDs {
		if _, ok := d.blocks[p]; !ok {
			return p, false
		}
	}
	return types.Hash{}, true
}

func (d *DAG) bufferPendingLocked(missingParent types.Hash, blk types.Block, proposerPubKey [32]byte) {
	d.pending[missingParent] = append(d.pending[missingParent], &pendingEntry{
		block: blk, proposerPubKey: proposerPubKey, queued: time.Now(),
	})
}

// verifyLocked performs spec §4.5 step 2's checks. Caller holds d.mu.
func (d *DAG) verifyLocked(blk types.Block, proposerPubKey [32]byte) error {
	if len(blk.ParentIDs) == 0 {
		return types.NewError(types.ErrInvalid, "block has no parents")
	}
	computed := d.crypto.SHA256(types.BlockBytesMinusID(blk))
	if computed != blk.BlockID {
		return types.NewError(types.ErrInvalid, "block_id is not the canonical hash")
	}
	if !d.crypto.Verify(proposerPubKey[:], types.BlockBytesMinusID(blk), blk.ProposerSignature) {
		return types.NewError(types.ErrInvalid, "proposer signature does not verify")
	}

	var lastHT *types.HashTimer
	for i, tx := range blk.Transactions {
		if !d.crypto.Verify(tx.PublicKey[:], types.TxSigningBytes(tx), tx.Signature) {
			return types.NewError(types.ErrInvalid, "transaction signature does not verify")
		}
		if i > 0 {
			if lastHT != nil && !lastHT.Less(tx.HashTimer) {
				return types.NewError(types.ErrInvalid, "transactions not strictly HashTimer-ordered")
			}
		}
		cp := tx.HashTimer
		lastHT = &cp
	}
	if dup := duplicateTx(blk.Transactions); dup {
		return types.NewError(types.ErrInvalid, "duplicate transaction in block")
	}

	var maxParentHT types.HashTimer
	for i, p := range blk.ParentIDs {
		parent, ok := d.blocks[p]
		if !ok {
			return types.NewError(types.ErrInvalid, "parent vanished mid-verification")
		}
		if i == 0 || maxParentHT.Less(parent.HashTimer) {
			maxParentHT = parent.HashTimer
		}
	}
	if blk.HashTimer.Less(maxParentHT) {
		return types.NewError(types.ErrInvalid, "block HashTimer precedes a parent's HashTimer")
	}
	return nil
}

func duplicateTx(txs []types.Transaction) bool {
	seen := make(map[types.Address]map[uint64]struct{}, len(txs))
	for _, tx := range txs {
		byNonce, ok := seen[tx.From]
		if !ok {
			byNonce = make(map[uint64]struct{})
			seen[tx.From] = byNonce
		}
		if _, dup := byNonce[tx.Nonce]; dup {
			return true
		}
		byNonce[tx.Nonce] = struct{}{}
	}
	return false
}

// commitLocked performs spec §4.5 step 3's atomic graph update.
func (d *DAG) commitLocked(blk types.Block) {
	d.blocks[blk.BlockID] = blk
	for _, p := range blk.ParentIDs {
		delete(d.tips, p)
	}
	d.tips[blk.BlockID] = struct{}{}
	d.insertHashTimerOrderedLocked(blk)
}

func (d *DAG) insertHashTimerOrderedLocked(blk types.Block) {
	lo, hi := 0, len(d.byHashTimer)
	for lo < hi {
		mid := (lo + hi) / 2
		if d.blocks[d.byHashTimer[mid]].HashTimer.Less(blk.HashTimer) {
			lo = mid + 1
		} else {
			hi = mid
		}
	}
	d.byHashTimer = append(d.byHashTimer, types.Hash{})
	copy(d.byHashTimer[lo+1:], d.byHashTimer[lo:])
	d.byHashTimer[lo] = blk.BlockID
}

// reprocessPending retries every block that was buffered waiting on
// arrivedID, per spec §4.5 step 4: each waiter is re-run through the full
// Insert pipeline now that one of its parents has landed. A waiter that
// still has a different missing parent is re-buffered under that parent;
// one that has exceeded W_pending is dropped instead.
func (d *DAG) reprocessPending(arrivedID types.Hash) {
	d.mu.Lock()
	waiters := d.pending[arrivedID]
	delete(d.pending, arrivedID)
	d.mu.Unlock()

	now := time.Now()
	for _, w := range waiters {
		if now.Sub(w.queued) > d.cfg.WPending {
			continue // dropped: exceeded W_pending
		}
		_ = d.Insert(w.block, w.proposerPubKey)
	}
}

// SweepExpiredPending drops every buffered block that has waited longer
// than W_pending for its missing parent (spec §4.5 step 1: "if pending
// exceeds timeout W_pending, drop block").
func (d *DAG) SweepExpiredPending() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	dropped := 0
	now := time.Now()
	for parent, waiters := range d.pending {
		kept := waiters[:0]
		for _, w := range waiters {
			if now.Sub(w.queued) > d.cfg.WPending {
				dropped++
				continue
			}
			kept = append(kept, w)
		}
		if len(kept) == 0 {
			delete(d.pending, parent)
		} else {
			d.pending[parent] = kept
		}
	}
	return dropped
}

// PendingFor returns the blocks still buffered waiting for missingParent.
func (d *DAG) PendingFor(missingParent types.Hash) []types.Block {
	d.mu.RLock()
	defer d.mu.RUnlock()
	waiters := d.pending[missingParent]
	out := make([]types.Block, 0, len(waiters))
	for _, w := range waiters {
		out = append(out, w.block)
	}
	return out
}

// MarkFinalized records block ids as finalized (spec §4.3 `finalized` set),
// called by the round engine after a round's threshold signature verifies.
func (d *DAG) MarkFinalized(ids ...types.Hash) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, id := range ids {
		d.finalized[id] = struct{}{}
	}
}

func (d *DAG) IsFinalized(id types.Hash) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	_, ok := d.finalized[id]
	return ok
}

func (d *DAG) BlockCount() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.blocks)
}

func lessHash(a, b types.Hash) bool {
	for i := range a {
		if a[i] != b[i] {
			return a[i] < b[i]
		}
	}
	return false
}
