// Package txpool implements spec §4.4's mempool: the five-step admission
// pipeline, fee-ordered eviction once the pool exceeds its soft cap, and the
// block-proposer's HashTimer-ordered assembly pass.
//
// Grounded on the teacher's node/miner.go (the shape of a tx-selection loop
// feeding a block-assembly routine) generalized from a single PoW
// coinbase-plus-selected-txs template to FinDAG's multi-parent,
// HashTimer-ordered block body; the mempool structure itself — a
// mutex-guarded map plus a container/heap eviction index — is new, built in
// the small-struct-plus-mutex idiom design note §9 prescribes for
// single-writer-many-reader components.
package txpool

import (
	"container/heap"
	"sync"

	"github.com/findag/findag-core/internal/hashtimer"
	"github.com/findag/findag-core/internal/types"
	"github.com/findag/findag-core/internal/xcrypto"
)

// BalanceLookup resolves the current committed balance for (addr, asset).
type BalanceLookup func(addr types.Address, asset string) (types.U128, error)

// NonceLookup resolves the highest committed nonce for addr.
type NonceLookup func(addr types.Address) (uint64, error)

// Config tunes the pool (spec §6: mempool_soft_cap, min_fee).
type Config struct {
	SoftCap int
	MinFee  types.U128
}

type entry struct {
	tx       types.Transaction
	heapIdx  int
}

// Pool is the mempool of admitted, not-yet-included transactions.
type Pool struct {
	mu sync.RWMutex

	cfg Config

	clock    *hashtimer.Clock
	crypto   xcrypto.Provider
	balance  BalanceLookup
	nonce    NonceLookup

	byKey map[poolKey]*entry // (from, nonce) -> entry, spec's replay/nonce index
	order []*entry           // HashTimer order, kept sorted on insert (assembly index)
	evictHeap feeHeap        // min-fee-first, for soft-cap eviction
}

type poolKey struct {
	from  types.Address
	nonce uint64
}

func New(cfg Config, clock *hashtimer.Clock, crypto xcrypto.Provider, balance BalanceLookup, nonce NonceLookup) *Pool {
	if cfg.SoftCap <= 0 {
		cfg.SoftCap = 1_000_000
	}
	return &Pool{
		cfg:     cfg,
		clock:   clock,
		crypto:  crypto,
		balance: balance,
		nonce:   nonce,
		byKey:   make(map[poolKey]*entry),
	}
}

// Len reports the number of admitted, not-yet-included transactions.
func (p *Pool) Len() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.order)
}

// Admit runs spec §4.4's five-step admission pipeline:
//
//  1. well-formedness (signature verifies over the signing bytes)
//  2. replay rejection (exact (from, nonce) already admitted or committed)
//  3. nonce check (must immediately follow the committed nonce or the
//     sender's highest contiguously pooled nonce; gaps are rejected, not queued)
//  4. balance pre-check (amount + fee <= current balance; advisory only —
//     the authoritative check happens again at block application)
//  5. HashTimer assignment and insertion
//
// Returns a *types.CoreError with the matching spec §7 code on rejection.
func (p *Pool) Admit(tx types.Transaction) error {
	if err := wellFormed(tx); err != nil {
		return err
	}
	if !p.crypto.Verify(tx.PublicKey[:], types.TxSigningBytes(tx), tx.Signature) {
		return types.NewError(types.ErrMalformed, "signature does not verify")
	}
	if tx.Fee.Cmp(p.cfg.MinFee) < 0 {
		return types.NewError(types.ErrMalformed, "fee below min_fee")
	}

	committedNonce, err := p.nonce(tx.From)
	if err != nil {
		return err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	key := poolKey{from: tx.From, nonce: tx.Nonce}
	if _, dup := p.byKey[key]; dup {
		return types.NewError(types.ErrDuplicate, "transaction already admitted")
	}
	if tx.Nonce <= committedNonce {
		return types.NewError(types.ErrNonceStale, "nonce already committed")
	}
	next := committedNonce + 1
	for {
		if _, pooled := p.byKey[poolKey{from: tx.From, nonce: next}]; !pooled {
			break
		}
		next++
	}
	if tx.Nonce != next {
		return types.NewError(types.ErrNonceGap, "nonce does not immediately follow the committed or pooled nonce")
	}

	bal, err := p.balance(tx.From, tx.Asset)
	if err != nil {
		return err
	}
	spend, overflow := tx.Amount.Add(tx.Fee)
	if overflow {
		return types.NewError(types.ErrMalformed, "amount+fee overflows u128")
	}
	if bal.Cmp(spend) < 0 {
		return types.NewError(types.ErrInsufficientFunds, "balance below amount+fee")
	}

	// At capacity, only a tx whose fee exceeds the pool's current cheapest
	// fee may displace it (spec §4.4); anything else is rejected outright
	// rather than admitted-then-immediately-evicted.
	if len(p.order) >= p.cfg.SoftCap && len(p.evictHeap) > 0 && tx.Fee.Cmp(p.evictHeap[0].tx.Fee) <= 0 {
		return types.NewError(types.ErrBackpressure, "mempool at soft cap: fee does not exceed the cheapest pooled transaction")
	}

	contentHash := p.crypto.SHA256(types.TxSigningBytes(tx))
	tx.HashTimer = p.clock.HashTimer(contentHash)

	e := &entry{tx: tx}
	p.byKey[key] = e
	p.insertOrdered(e)
	heap.Push(&p.evictHeap, e)

	if len(p.order) > p.cfg.SoftCap {
		p.evictCheapest()
	}
	return nil
}

func wellFormed(tx types.Transaction) error {
	if tx.From == (types.Address{}) {
		return types.NewError(types.ErrMalformed, "from address is zero")
	}
	if tx.To == (types.Address{}) {
		return types.NewError(types.ErrMalformed, "to address is zero")
	}
	if tx.Asset == "" {
		return types.NewError(types.ErrMalformed, "asset symbol is empty")
	}
	if tx.Amount.IsZero() {
		return types.NewError(types.ErrMalformed, "amount is zero")
	}
	return nil
}

// insertOrdered keeps p.order sorted by HashTimer ascending via insertion
// into its binary-search position — admission is not hot-loop enough to
// warrant a tree index, and this keeps AssembleBlock a simple prefix take.
func (p *Pool) insertOrdered(e *entry) {
	lo, hi := 0, len(p.order)
	for lo < hi {
		mid := (lo + hi) / 2
		if p.order[mid].tx.HashTimer.Less(e.tx.HashTimer) {
			lo = mid + 1
		} else {
			hi = mid
		}
	}
	p.order = append(p.order, nil)
	copy(p.order[lo+1:], p.order[lo:])
	p.order[lo] = e
}

// evictCheapest drops the lowest-fee transaction once the pool exceeds its
// soft cap (spec §4.4: "once the soft cap is exceeded, the lowest-fee
// transactions are evicted first").
func (p *Pool) evictCheapest() {
	victim := heap.Pop(&p.evictHeap).(*entry)
	key := poolKey{from: victim.tx.From, nonce: victim.tx.Nonce}
	delete(p.byKey, key)
	for i, e := range p.order {
		if e == victim {
			p.order = append(p.order[:i], p.order[i+1:]...)
			break
		}
	}
}

// Remove drops the (from, nonce) transaction from the pool — used once its
// containing block is finalized, or when the account's committed nonce
// advances past it for any other reason.
func (p *Pool) Remove(from types.Address, nonce uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	key := poolKey{from: from, nonce: nonce}
	e, ok := p.byKey[key]
	if !ok {
		return
	}
	delete(p.byKey, key)
	for i, o := range p.order {
		if o == e {
			p.order = append(p.order[:i], p.order[i+1:]...)
			break
		}
	}
	for i, h := range p.evictHeap {
		if h == e {
			heap.Remove(&p.evictHeap, i)
			break
		}
	}
}

// AssembleBlock takes up to maxTx transactions in HashTimer order for block
// proposal (spec §4.5: "transactions are included in HashTimer order").
func (p *Pool) AssembleBlock(maxTx int) []types.Transaction {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if maxTx > len(p.order) {
		maxTx = len(p.order)
	}
	out := make([]types.Transaction, 0, maxTx)
	for i := 0; i < maxTx; i++ {
		out = append(out, p.order[i].tx)
	}
	return out
}

// feeHeap is a container/heap min-heap ordered by ascending fee, so the
// cheapest transaction is always at the root for O(log n) eviction.
type feeHeap []*entry

func (h feeHeap) Len() int { return len(h) }
func (h feeHeap) Less(i, j int) bool {
	return h[i].tx.Fee.Cmp(h[j].tx.Fee) < 0
}
func (h feeHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].heapIdx = i
	h[j].heapIdx = j
}
func (h *feeHeap) Push(x any) {
	e := x.(*entry)
	e.heapIdx = len(*h)
	*h = append(*h, e)
}
func (h *feeHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return e
}
