// Package node wires every FinDAG component together into one running
// process: storage, the FDT clock, the DAG, the mempool, committee
// selection, the round scheduler, and the peer wire transport, plus the
// three core-query operations spec §6 names (submit_transaction,
// get_block, subscribe_events) as plain Go methods.
//
// Grounded on the teacher's cmd/rubin-node/main.go (config-validate,
// component-open, signal-context-block wiring) and node/p2p_runtime.go
// (ctx-cancellation goroutine supervision for the peer layer), generalized
// from a single-chain UTXO node to FinDAG's round-scheduled DAG node.
package node

import (
	"context"
	"crypto/ed25519"
	"fmt"

	"github.com/findag/findag-core/internal/committee"
	"github.com/findag/findag-core/internal/config"
	"github.com/findag/findag-core/internal/dag"
	"github.com/findag/findag-core/internal/events"
	"github.com/findag/findag-core/internal/hashtimer"
	"github.com/findag/findag-core/internal/round"
	"github.com/findag/findag-core/internal/store"
	"github.com/findag/findag-core/internal/txpool"
	"github.com/findag/findag-core/internal/types"
	"github.com/findag/findag-core/internal/xcrypto"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// Node orchestrates one FinDAG validator process.
type Node struct {
	cfg    config.Config
	log    *logrus.Logger
	crypto xcrypto.Provider

	db    *store.DB
	graph *dag.DAG
	pool  *txpool.Pool
	clock *hashtimer.Clock
	bus   *events.Bus

	transport *peerTransport
	engine    *round.Engine
	producer  *blockProducer

	selfID   types.Address
	selfPriv ed25519.PrivateKey
}

// New opens storage and constructs every component, but does not yet start
// any network or scheduler goroutines — call Run for that. The chain must
// already be genesis-initialized (see store.DB.InitGenesis / `init-genesis`).
func New(cfg config.Config, selfPriv ed25519.PrivateKey, log *logrus.Logger) (*Node, error) {
	if err := config.Validate(cfg); err != nil {
		return nil, fmt.Errorf("node: invalid config: %w", err)
	}
	if log == nil {
		log = logrus.New()
	}
	crypto := xcrypto.StdProvider{}

	db, err := store.Open(store.Config{Path: cfg.StoragePath, BalanceCacheSize: cfg.BalanceCacheSize})
	if err != nil {
		return nil, err
	}
	initialized, err := db.IsInitialized()
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	if !initialized {
		_ = db.Close()
		return nil, types.NewError(types.ErrConfigInvalid, "chain not initialized: run init-genesis first")
	}

	watermark, err := db.GetFDTWatermark()
	if err != nil {
		_ = db.Close()
		return nil, err
	}

	selfID := addressFromPub(selfPriv.Public().(ed25519.PublicKey))
	clock := hashtimer.NewClock(selfID, watermark)

	graph := dag.New(dag.Config{MaxParents: cfg.MaxParents, WPending: cfg.WPending}, crypto)
	graph.SeedGenesis(genesisBlock(crypto, cfg.NetworkID))

	pool := txpool.New(txpool.Config{SoftCap: cfg.MempoolSoftCap, MinFee: types.NewU128(cfg.MinFee)}, clock, crypto, db.GetBalance, db.GetNonce)

	genesisRound, ok, err := db.GetRound(0)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	if !ok {
		_ = db.Close()
		return nil, types.NewError(types.ErrStorageCorruption, "missing genesis round record")
	}
	candidates := validatorsFromCommittee(genesisRound.CommitteeMembers)
	validatorSet := func(uint64) []committee.Validator { return candidates }
	pubKeyOf := func(id types.Address) (ed25519.PublicKey, bool) {
		for _, c := range candidates {
			if c.ID == id {
				return ed25519.PublicKey(id[:]), true
			}
		}
		return nil, false
	}

	bus := events.NewBus()

	transport := newPeerTransport(crypto, log, cfg.NetworkID, graph, selfID, pubKeyOf)

	engineCfg := round.Config{
		RoundDuration: cfg.RoundDuration(),
		CommitteeSize: cfg.CommitteeSize,
		WOrphan:       cfg.WOrphan,
	}
	engine := round.NewEngine(engineCfg, db, graph, pool, clock, crypto, transport, validatorSet, pubKeyOf, selfID, selfPriv)
	transport.bindEngine(engine)

	n := &Node{
		cfg:       cfg,
		log:       log,
		crypto:    crypto,
		db:        db,
		graph:     graph,
		pool:      pool,
		clock:     clock,
		bus:       bus,
		transport: transport,
		engine:    engine,
		selfID:    selfID,
		selfPriv:  selfPriv,
	}
	n.producer = newBlockProducer(n)
	return n, nil
}

// genesisBlock is the DAG's deterministic, parent-less root: every real
// block has 1+ parents (spec §3), so SelectParents needs one tip to exist
// before the very first block can be produced. Every node derives the same
// id from network_id alone, so it never needs to be gossiped or agreed on.
func genesisBlock(crypto xcrypto.Provider, networkID string) types.Block {
	id := crypto.SHA256([]byte("findag-genesis-block-v1:" + networkID))
	return types.Block{BlockID: id}
}

// validatorsFromCommittee builds the candidate validator set committee
// selection samples from. Every genesis committee member carries stake 1,
// so sampling is equal-weight; there is no per-validator stake input.
func validatorsFromCommittee(members []types.Address) []committee.Validator {
	out := make([]committee.Validator, 0, len(members))
	for _, m := range members {
		out = append(out, committee.Validator{ID: m, Stake: 1})
	}
	return out
}

// Run starts the peer listener, dials configured peers, and drives the
// round scheduler until ctx is cancelled or a component errors — the
// errgroup supervision style spec §11 calls for, generalized from the
// teacher's single signal.NotifyContext-blocked main goroutine
// (cmd/rubin-node/main.go) to multiple supervised loops.
func (n *Node) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	done := make(chan struct{})
	defer close(done)

	if err := n.transport.listen(n.cfg.BindAddr, done); err != nil {
		return fmt.Errorf("node: listen on %s: %w", n.cfg.BindAddr, err)
	}
	for _, peer := range n.cfg.Peers {
		peer := peer
		n.transport.dial(peer, done)
	}

	n.clock.RunResync(n.cfg.RoundDuration())

	g.Go(func() error {
		return n.engine.Run(gctx)
	})
	g.Go(func() error {
		return n.producer.run(gctx)
	})

	n.log.WithFields(logrus.Fields{
		"network_id": n.cfg.NetworkID,
		"bind_addr":  n.cfg.BindAddr,
		"self":       fmt.Sprintf("%x", n.selfID[:8]),
	}).Info("node: started")

	err := g.Wait()
	n.clock.Stop()
	return err
}

// Close releases the node's storage handle. Call after Run returns.
func (n *Node) Close() error {
	return n.db.Close()
}

// SubmitTransaction runs the mempool admission pipeline (spec §6
// submit_transaction) and publishes the resulting tx_admitted/tx_skipped
// event.
func (n *Node) SubmitTransaction(tx types.Transaction) error {
	err := n.pool.Admit(tx)
	if err != nil {
		code, _ := types.CodeOf(err)
		n.bus.Publish(events.Event{Kind: events.KindTxSkipped, Fields: map[string]any{
			"from": tx.From, "nonce": tx.Nonce, "reason": string(code),
		}})
		return err
	}
	n.bus.Publish(events.Event{Kind: events.KindTxAdmitted, Fields: map[string]any{
		"from": tx.From, "nonce": tx.Nonce,
	}})
	return nil
}

// QueryBlock returns a block and its finality status (spec §6 get_block).
func (n *Node) QueryBlock(id types.Hash) (types.Block, bool, error) {
	if blk, ok := n.graph.Get(id); ok {
		return blk, n.graph.IsFinalized(id), nil
	}
	blk, finalized, ok, err := n.db.GetBlock(id)
	if err != nil {
		return types.Block{}, false, err
	}
	if !ok {
		return types.Block{}, false, types.NewError(types.ErrNotFound, "block not found")
	}
	return blk, finalized, nil
}

// SubscribeEvents registers a new event subscription (spec §6
// subscribe_events).
func (n *Node) SubscribeEvents(filter events.Filter) (string, <-chan events.Event) {
	return n.bus.Subscribe(filter)
}

// UnsubscribeEvents cancels a subscription created by SubscribeEvents.
func (n *Node) UnsubscribeEvents(id string) {
	n.bus.Unsubscribe(id)
}

// SelfID returns this node's address (its Ed25519 public key bytes).
func (n *Node) SelfID() types.Address { return n.selfID }

// PoolLen reports the number of admitted, not-yet-included mempool
// transactions, for status reporting.
func (n *Node) PoolLen() int { return n.pool.Len() }
