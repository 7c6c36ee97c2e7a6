// Package xcrypto implements spec §4.2's crypto primitives: Ed25519
// sign/verify, SHA-256, and threshold signature combine/verify.
//
// Grounded on the teacher's crypto.CryptoProvider interface
// (crypto/provider.go) — kept as an interface so an HSM or hardware-backed
// signer can later be swapped in without touching callers, the same role
// the teacher's wolfCrypt/openssl providers play for ML-DSA/SLH-DSA.
package xcrypto

import (
	"crypto/ed25519"
	"crypto/sha256"
	"sort"

	"github.com/findag/findag-core/internal/types"
)

// Provider is the narrow crypto interface consensus/round code depends on.
type Provider interface {
	Sign(priv ed25519.PrivateKey, msg []byte) [64]byte
	Verify(pub ed25519.PublicKey, msg []byte, sig [64]byte) bool
	SHA256(b []byte) types.Hash
	ThresholdCombine(parts []ThresholdPart, committee []ed25519.PublicKey) types.ThresholdSig
	ThresholdVerify(agg types.ThresholdSig, committee []ed25519.PublicKey, msg []byte, quorum int) bool
}

// ThresholdPart is one committee member's individual signature contribution
// before aggregation.
type ThresholdPart struct {
	SignerIndex int
	Sig         [64]byte
}

// StdProvider implements Provider over Go's standard library crypto/ed25519
// and crypto/sha256 — the canonical, constant-time reference
// implementations; nothing in the retrieval pack offers an Ed25519 signer
// preferable to stdlib for a spec that pins plain Ed25519 directly (see
// DESIGN.md).
type StdProvider struct{}

func (StdProvider) Sign(priv ed25519.PrivateKey, msg []byte) [64]byte {
	var out [64]byte
	copy(out[:], ed25519.Sign(priv, msg))
	return out
}

func (StdProvider) Verify(pub ed25519.PublicKey, msg []byte, sig [64]byte) bool {
	if len(pub) != ed25519.PublicKeySize {
		return false
	}
	return ed25519.Verify(pub, msg, sig[:])
}

func (StdProvider) SHA256(b []byte) types.Hash {
	return sha256.Sum256(b)
}

// ThresholdCombine assembles a bitmap of signer indices plus the
// concatenated individual signatures, per spec §4.2. ThresholdVerify
// recovers signer indices by scanning the bitmap in ascending order and
// pairs them positionally with Sigs, so parts must be sorted by
// SignerIndex here regardless of the order they arrived at the leader in.
func (StdProvider) ThresholdCombine(parts []ThresholdPart, committee []ed25519.PublicKey) types.ThresholdSig {
	sorted := make([]ThresholdPart, 0, len(parts))
	for _, p := range parts {
		if p.SignerIndex < 0 || p.SignerIndex >= len(committee) {
			continue
		}
		sorted = append(sorted, p)
	}
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].SignerIndex < sorted[j].SignerIndex })

	bitmapLen := (len(committee) + 7) / 8
	bitmap := make([]byte, bitmapLen)
	sigs := make([][64]byte, 0, len(sorted))
	for _, p := range sorted {
		bitmap[p.SignerIndex/8] |= 1 << uint(p.SignerIndex%8)
		sigs = append(sigs, p.Sig)
	}
	return types.ThresholdSig{Bitmap: bitmap, Sigs: sigs}
}

// ThresholdVerify requires that the count of valid signatures over msg by
// the committee members indicated in the bitmap is at least quorum. Never
// panics on malformed input (spec §4.2).
func (s StdProvider) ThresholdVerify(agg types.ThresholdSig, committee []ed25519.PublicKey, msg []byte, quorum int) bool {
	if quorum <= 0 {
		return false
	}
	indices := make([]int, 0, len(agg.Sigs))
	for bi, b := range agg.Bitmap {
		for bit := 0; bit < 8; bit++ {
			if b&(1<<uint(bit)) != 0 {
				idx := bi*8 + bit
				if idx < len(committee) {
					indices = append(indices, idx)
				}
			}
		}
	}
	if len(indices) != len(agg.Sigs) {
		return false
	}
	valid := 0
	for i, idx := range indices {
		if s.Verify(committee[idx], msg, agg.Sigs[i]) {
			valid++
		}
	}
	return valid >= quorum
}
