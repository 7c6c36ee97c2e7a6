package xcrypto

import (
	"crypto/ed25519"
	"testing"

	"github.com/findag/findag-core/internal/types"
)

func TestSignVerifyRoundTrip(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(nil)
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	p := StdProvider{}
	msg := []byte("transfer 100 USD")
	sig := p.Sign(priv, msg)
	if !p.Verify(pub, msg, sig) {
		t.Fatalf("expected valid signature to verify")
	}
	if p.Verify(pub, []byte("tampered"), sig) {
		t.Fatalf("expected verification to fail on tampered message")
	}
}

func TestVerifyNeverPanicsOnMalformedKey(t *testing.T) {
	p := StdProvider{}
	defer func() {
		if r := recover(); r != nil {
			t.Fatalf("Verify panicked on malformed pubkey: %v", r)
		}
	}()
	if p.Verify([]byte{1, 2, 3}, []byte("msg"), [64]byte{}) {
		t.Fatalf("expected malformed pubkey to fail verification")
	}
}

func TestSHA256Deterministic(t *testing.T) {
	p := StdProvider{}
	a := p.SHA256([]byte("hello"))
	b := p.SHA256([]byte("hello"))
	if a != b {
		t.Fatalf("expected deterministic hash")
	}
}

func committeeOf(n int) ([]ed25519.PublicKey, []ed25519.PrivateKey) {
	pubs := make([]ed25519.PublicKey, n)
	privs := make([]ed25519.PrivateKey, n)
	for i := 0; i < n; i++ {
		pub, priv, _ := ed25519.GenerateKey(nil)
		pubs[i] = pub
		privs[i] = priv
	}
	return pubs, privs
}

func TestThresholdVerifyQuorum(t *testing.T) {
	p := StdProvider{}
	committee, privs := committeeOf(4)
	msg := []byte("round-5-proposal")
	quorum := 3

	var parts []ThresholdPart
	for i := 0; i < 3; i++ {
		parts = append(parts, ThresholdPart{SignerIndex: i, Sig: p.Sign(privs[i], msg)})
	}
	agg := p.ThresholdCombine(parts, committee)
	if !p.ThresholdVerify(agg, committee, msg, quorum) {
		t.Fatalf("expected 3-of-4 signatures to satisfy quorum 3")
	}

	var shortParts []ThresholdPart
	for i := 0; i < 2; i++ {
		shortParts = append(shortParts, ThresholdPart{SignerIndex: i, Sig: p.Sign(privs[i], msg)})
	}
	shortAgg := p.ThresholdCombine(shortParts, committee)
	if p.ThresholdVerify(shortAgg, committee, msg, quorum) {
		t.Fatalf("expected 2-of-4 signatures to fail quorum 3")
	}
}

func TestThresholdCombineOutOfOrderPartsStillVerify(t *testing.T) {
	p := StdProvider{}
	committee, privs := committeeOf(4)
	msg := []byte("round-9-proposal")
	quorum := 3

	// Signatures arrive at the leader in descending/shuffled index order,
	// as they would over a real network, not the ascending order the
	// bitmap assumes.
	parts := []ThresholdPart{
		{SignerIndex: 2, Sig: p.Sign(privs[2], msg)},
		{SignerIndex: 0, Sig: p.Sign(privs[0], msg)},
		{SignerIndex: 3, Sig: p.Sign(privs[3], msg)},
	}
	agg := p.ThresholdCombine(parts, committee)
	if !p.ThresholdVerify(agg, committee, msg, quorum) {
		t.Fatalf("expected out-of-order signature parts to still combine into a verifiable aggregate")
	}
}

func TestThresholdVerifyRejectsMalformed(t *testing.T) {
	p := StdProvider{}
	committee, _ := committeeOf(3)
	// Bitmap claims 3 signers but only one signature is attached.
	agg := types.ThresholdSig{Bitmap: []byte{0b111}, Sigs: [][64]byte{{1}}}
	if p.ThresholdVerify(agg, committee, []byte("msg"), 2) {
		t.Fatalf("expected malformed aggregate to fail verification")
	}
}
