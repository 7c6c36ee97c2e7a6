package node

import (
	"context"
	"time"

	"github.com/findag/findag-core/internal/events"
	"github.com/findag/findag-core/internal/types"
)

// blockProducer assembles and gossips new blocks from pooled transactions,
// grounded on the shape of the teacher's node/miner.go MineOne cycle
// (select pending transactions, build the block body, sign it, hand it to
// the chain) — generalized from proof-of-work block construction to
// FinDAG's parent-selection-plus-HashTimer block body, with no PoW puzzle
// to solve.
type blockProducer struct {
	n        *Node
	interval time.Duration
}

func newBlockProducer(n *Node) *blockProducer {
	interval := n.cfg.RoundDuration() / 4
	if interval <= 0 {
		interval = 50 * time.Millisecond
	}
	return &blockProducer{n: n, interval: interval}
}

func (bp *blockProducer) run(ctx context.Context) error {
	ticker := time.NewTicker(bp.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			bp.produceOne()
		}
	}
}

// produceOne builds at most one block from whatever the mempool currently
// holds. A node with an empty pool or no DAG tips yet (pre-genesis-block
// state) simply does nothing this tick.
func (bp *blockProducer) produceOne() {
	n := bp.n
	if n.pool.Len() == 0 {
		return
	}
	txs := n.pool.AssembleBlock(n.cfg.MaxTxPerBlock)
	if len(txs) == 0 {
		return
	}
	parents := n.graph.SelectParents()
	if len(parents) == 0 {
		return
	}

	contentHash := n.crypto.SHA256(blockContentSeed(parents, txs))
	ht := n.clock.HashTimer(contentHash)

	blk := types.Block{
		ParentIDs:    parents,
		Transactions: txs,
		ProposerID:   n.selfID,
		HashTimer:    ht,
	}
	blk.BlockID = n.crypto.SHA256(types.BlockBytesMinusID(blk))
	blk.ProposerSignature = n.crypto.Sign(n.selfPriv, types.BlockBytesMinusID(blk))

	if err := n.graph.Insert(blk, n.selfID); err != nil {
		n.log.WithError(err).Warn("node: locally produced block failed verification")
		return
	}
	n.transport.GossipBlock(blk)
	n.bus.Publish(events.Event{Kind: events.KindBlockInserted, Fields: map[string]any{
		"block_id": blk.BlockID, "tx_count": len(blk.Transactions),
	}})
}

func blockContentSeed(parents []types.Hash, txs []types.Transaction) []byte {
	out := make([]byte, 0, 32*len(parents)+64*len(txs))
	for _, p := range parents {
		out = append(out, p[:]...)
	}
	for _, tx := range txs {
		out = append(out, types.TxSigningBytes(tx)...)
	}
	return out
}
