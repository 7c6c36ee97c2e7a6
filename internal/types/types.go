// Package types holds the FinDAG data model (spec §3): transactions,
// blocks, rounds, assets, balances, and handles, plus their canonical
// binary encodings. Encodings follow the teacher's fixed-endian,
// CompactSize-length-prefixed style (consensus/encode.go,
// consensus/compactsize*.go) generalized from a UTXO/PoW chain to
// FinDAG's account/DAG/round model.
package types

// Address is a 32-byte public-key fingerprint (spec §3).
type Address [32]byte

// Hash is a 32-byte SHA-256 digest.
type Hash [32]byte

// HashTimer is the 32-byte fused identifier of spec §4.1. The ordering
// tuple (FDT, ContentHash) is carried alongside the digest because the
// digest itself is one-way and cannot recover the tuple needed for
// ordering comparisons (spec §3: "ordered lexicographically by the tuple
// (FDT, content_hash)").
type HashTimer struct {
	FDT         uint64
	ContentHash Hash
	Digest      Hash
}

// Less implements the strict total order of spec §3/§4.1.
func (h HashTimer) Less(o HashTimer) bool {
	if h.FDT != o.FDT {
		return h.FDT < o.FDT
	}
	return lessBytes(h.ContentHash[:], o.ContentHash[:])
}

func lessBytes(a, b []byte) bool {
	for i := range a {
		if a[i] != b[i] {
			return a[i] < b[i]
		}
	}
	return false
}

// Transaction is spec §3's Transaction record.
type Transaction struct {
	From       Address
	To         Address
	Amount     U128
	Asset      string
	Nonce      uint64
	Fee        U128
	Signature  [64]byte
	PublicKey  [32]byte
	HashTimer  HashTimer
}

// Block is spec §3's Block record.
type Block struct {
	BlockID           Hash
	ParentIDs         []Hash // 1..=8
	Transactions      []Transaction
	ProposerID        Address
	ProposerSignature [64]byte
	HashTimer         HashTimer
	HeightHint        uint64
}

// Round is spec §3's Round record.
type Round struct {
	RoundNumber       uint64
	FinalizedBlockIDs []Hash // HashTimer order
	CommitteeMembers  []Address
	ThresholdSig      ThresholdSig
	RoundHashTimer     HashTimer
	StartFDT          uint64
	EndFDT            uint64
	Skipped           bool
}

// ThresholdSig is the aggregate of spec §4.2: a bitmap of signer indices
// plus the concatenated individual Ed25519 signatures.
type ThresholdSig struct {
	Bitmap []byte
	Sigs   [][64]byte
}

// Asset is spec §3's Asset record.
type Asset struct {
	Symbol           string
	Decimals         uint8
	TotalSupply      U128
	AuthorityPubKey  [32]byte
	CreationRound    uint64
}

// Handle is spec §3's Handle record.
type Handle struct {
	HandleString     string
	Address          Address
	OwnerSignature   [64]byte
	RegistrationBlock Hash
}

// BlockStatus tracks a block's finality lifecycle within the DAG (spec §3
// "Lifecycles").
type BlockStatus byte

const (
	BlockStatusUnfinalized BlockStatus = iota
	BlockStatusFinalized
	BlockStatusOrphaned
)
