package node

import (
	"crypto/ed25519"
	"testing"

	"github.com/findag/findag-core/internal/config"
	"github.com/findag/findag-core/internal/events"
	"github.com/findag/findag-core/internal/store"
	"github.com/findag/findag-core/internal/types"
	"github.com/findag/findag-core/internal/xcrypto"
)

func testConfig(t *testing.T) config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.StoragePath = t.TempDir()
	cfg.CommitteeSize = 3
	cfg.BindAddr = "127.0.0.1:0"
	return cfg
}

func newGenesisNode(t *testing.T, cfg config.Config, selfPub ed25519.PublicKey, balance types.U128) {
	t.Helper()
	var selfAddr types.Address
	copy(selfAddr[:], selfPub)

	_, p2 := mustKeyPair(t)
	_, p3 := mustKeyPair(t)
	var addr2, addr3 types.Address
	copy(addr2[:], p2)
	copy(addr3[:], p3)

	db, err := store.Open(store.DefaultConfig(cfg.StoragePath))
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	defer db.Close()

	spec := store.GenesisSpec{
		NetworkID: cfg.NetworkID,
		Assets:    []types.Asset{{Symbol: "FIN", Decimals: 2}},
		Balances:  map[types.Address]map[string]types.U128{selfAddr: {"FIN": balance}},
		Committee: []types.Address{selfAddr, addr2, addr3},
	}
	if err := db.InitGenesis(spec); err != nil {
		t.Fatalf("InitGenesis: %v", err)
	}
}

func mustKeyPair(t *testing.T) (ed25519.PublicKey, ed25519.PrivateKey) {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(nil)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	return pub, priv
}

func signedTx(t *testing.T, priv ed25519.PrivateKey, to types.Address, nonce uint64, amount, fee uint64) types.Transaction {
	t.Helper()
	pub := priv.Public().(ed25519.PublicKey)
	var from types.Address
	copy(from[:], pub)
	tx := types.Transaction{
		From:   from,
		To:     to,
		Amount: types.NewU128(amount),
		Asset:  "FIN",
		Nonce:  nonce,
		Fee:    types.NewU128(fee),
	}
	copy(tx.PublicKey[:], pub)
	tx.Signature = xcrypto.StdProvider{}.Sign(priv, types.TxSigningBytes(tx))
	return tx
}

func TestNewRequiresGenesis(t *testing.T) {
	cfg := testConfig(t)
	_, priv := mustKeyPair(t)
	_, err := New(cfg, priv, nil)
	if err == nil {
		t.Fatal("expected error constructing a node over an uninitialized store")
	}
	code, ok := types.CodeOf(err)
	if !ok || code != types.ErrConfigInvalid {
		t.Fatalf("expected CONFIG_INVALID, got %v", err)
	}
}

func TestNewSubmitAndQueryBlock(t *testing.T) {
	cfg := testConfig(t)
	pub, priv := mustKeyPair(t)
	newGenesisNode(t, cfg, pub, types.NewU128(1000))

	n, err := New(cfg, priv, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer n.Close()

	var recipient types.Address
	recipient[0] = 0xAB

	tx := signedTx(t, priv, recipient, 1, 10, 1)
	if err := n.SubmitTransaction(tx); err != nil {
		t.Fatalf("SubmitTransaction: %v", err)
	}
	if got := n.PoolLen(); got != 1 {
		t.Fatalf("expected 1 pooled tx, got %d", got)
	}

	// A replay of the same (from, nonce) is rejected as a duplicate.
	if err := n.SubmitTransaction(tx); err == nil {
		t.Fatal("expected duplicate submission to be rejected")
	}

	_, _, err = n.QueryBlock(types.Hash{0xFF})
	if err == nil {
		t.Fatal("expected NOT_FOUND for unknown block id")
	}
	if code, _ := types.CodeOf(err); code != types.ErrNotFound {
		t.Fatalf("expected NOT_FOUND, got %v", err)
	}
}

func TestSubscribeEventsReceivesTxAdmitted(t *testing.T) {
	cfg := testConfig(t)
	pub, priv := mustKeyPair(t)
	newGenesisNode(t, cfg, pub, types.NewU128(1000))

	n, err := New(cfg, priv, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer n.Close()

	id, ch := n.SubscribeEvents(events.Filter{})
	defer n.UnsubscribeEvents(id)

	var recipient types.Address
	recipient[1] = 0xCD
	tx := signedTx(t, priv, recipient, 1, 5, 1)
	if err := n.SubmitTransaction(tx); err != nil {
		t.Fatalf("SubmitTransaction: %v", err)
	}

	select {
	case ev := <-ch:
		if ev.Kind != events.KindTxAdmitted {
			t.Fatalf("expected tx_admitted, got %s", ev.Kind)
		}
	default:
		t.Fatal("expected an event to be published synchronously by SubmitTransaction")
	}
}

func TestBlockProducerAssemblesFromPool(t *testing.T) {
	cfg := testConfig(t)
	pub, priv := mustKeyPair(t)
	newGenesisNode(t, cfg, pub, types.NewU128(1000))

	n, err := New(cfg, priv, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer n.Close()

	genesisTips := n.graph.Tips()
	if len(genesisTips) != 1 {
		t.Fatalf("expected exactly one genesis tip, got %d", len(genesisTips))
	}

	var recipient types.Address
	recipient[2] = 0xEF
	tx := signedTx(t, priv, recipient, 1, 5, 1)
	if err := n.SubmitTransaction(tx); err != nil {
		t.Fatalf("SubmitTransaction: %v", err)
	}

	n.producer.produceOne()

	newTips := n.graph.Tips()
	if len(newTips) != 1 || newTips[0] == genesisTips[0] {
		t.Fatalf("expected the produced block to become the sole new tip, got %v", newTips)
	}
	blk, ok := n.graph.Get(newTips[0])
	if !ok {
		t.Fatal("produced block not found in graph")
	}
	if len(blk.ParentIDs) != 1 || blk.ParentIDs[0] != genesisTips[0] {
		t.Fatalf("expected produced block's sole parent to be the genesis block, got %v", blk.ParentIDs)
	}
	if len(blk.Transactions) != 1 {
		t.Fatalf("expected 1 transaction in produced block, got %d", len(blk.Transactions))
	}
}

func TestGenesisBlockDeterministicPerNetwork(t *testing.T) {
	crypto := xcrypto.StdProvider{}
	a1 := genesisBlock(crypto, "devnet")
	a2 := genesisBlock(crypto, "devnet")
	b := genesisBlock(crypto, "testnet")
	if a1.BlockID != a2.BlockID {
		t.Fatal("expected same network_id to produce the same genesis block id")
	}
	if a1.BlockID == b.BlockID {
		t.Fatal("expected different network_id to produce different genesis block ids")
	}
}

func TestNetworkMagicDiffersByNetwork(t *testing.T) {
	crypto := xcrypto.StdProvider{}
	m1 := networkMagic(crypto, "devnet")
	m2 := networkMagic(crypto, "devnet")
	m3 := networkMagic(crypto, "mainnet")
	if m1 != m2 {
		t.Fatal("expected networkMagic to be deterministic for the same network_id")
	}
	if m1 == m3 {
		t.Fatal("expected different network_id to yield different magic values")
	}
}

func TestValidatorsFromCommitteeEqualStake(t *testing.T) {
	members := []types.Address{{1}, {2}, {3}}
	vs := validatorsFromCommittee(members)
	if len(vs) != 3 {
		t.Fatalf("expected 3 validators, got %d", len(vs))
	}
	for _, v := range vs {
		if v.Stake != 1 {
			t.Fatalf("expected equal stake 1, got %d", v.Stake)
		}
	}
}

func TestAddressFromPubIsRawKeyBytes(t *testing.T) {
	pub, _ := mustKeyPair(t)
	addr := addressFromPub(pub)
	if [32]byte(addr) != [32]byte(pub[:32]) {
		t.Fatal("expected address to equal the raw public key bytes")
	}
}
