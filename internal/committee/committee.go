// Package committee implements spec §4.7's deterministic stake-weighted
// validator committee selection.
//
// The spec leaves the exact sampling algorithm unspecified ("any
// deterministic, reproducible procedure satisfies §4.7" — see SPEC_FULL.md
// §9 / DESIGN.md Open Question decisions). FinDAG draws independent
// stake-weighted sample points over cumulative stake weight, rejecting
// already-chosen validators, with the sampling randomness expanded from
// the round seed via HKDF — golang.org/x/crypto/hkdf, exercising the same
// x/crypto module the teacher already depends on (there for sha3) but a
// different subpackage, for the same "extra crypto building block" role.
package committee

import (
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"io"
	"sort"

	"github.com/findag/findag-core/internal/types"
	"golang.org/x/crypto/hkdf"
)

// Validator is one member of the candidate validator set with its stake
// weight (spec §4.7 input).
type Validator struct {
	ID    types.Address
	Stake uint64
}

// DeriveSeed computes the deterministic PRF seed for round roundNumber,
// per spec §4.7: SHA-256(prev_round_hash_timer || round_number).
func DeriveSeed(prevRoundHashTimer types.Hash, roundNumber uint64) [32]byte {
	var rnBytes [8]byte
	binary.BigEndian.PutUint64(rnBytes[:], roundNumber)
	h := sha256.New()
	h.Write(prevRoundHashTimer[:])
	h.Write(rnBytes[:])
	var out [32]byte
	copy(out[:], h.Sum(nil))
	return out
}

// SelectCommittee deterministically samples committeeSize distinct
// validators without replacement, weighted by stake, from candidates.
// The first sampled validator is the round-leader (spec §4.7). Given the
// same seed and validator set, every node derives the same output
// (spec invariant §8.6).
func SelectCommittee(seed [32]byte, candidates []Validator, committeeSize int) ([]Validator, error) {
	if committeeSize <= 0 {
		return nil, fmt.Errorf("committee: committeeSize must be > 0")
	}
	if len(candidates) == 0 {
		return nil, fmt.Errorf("committee: no candidate validators")
	}
	// Canonical order first: sampling must be reproducible independent of
	// the caller's slice order, so sort by ID before doing anything else.
	ordered := append([]Validator(nil), candidates...)
	sort.Slice(ordered, func(i, j int) bool {
		return lessAddress(ordered[i].ID, ordered[j].ID)
	})

	var totalStake uint64
	cumulative := make([]uint64, len(ordered))
	for i, v := range ordered {
		totalStake += v.Stake
		cumulative[i] = totalStake
	}
	if totalStake == 0 {
		return nil, fmt.Errorf("committee: total stake is zero")
	}
	if committeeSize > len(ordered) {
		committeeSize = len(ordered)
	}

	stream := hkdfStream(seed)
	chosen := make(map[int]struct{}, committeeSize)
	out := make([]Validator, 0, committeeSize)
	// Weighted sampling by rejection: an independent uniform draw per slot, resolved
	// against cumulative stake via binary search, skipping already-chosen
	// validators to guarantee sampling without replacement while staying
	// fully deterministic given the seed.
	for len(out) < committeeSize {
		point := randUint64(stream) % totalStake
		idx := sort.Search(len(cumulative), func(i int) bool { return cumulative[i] > point })
		if idx >= len(ordered) {
			continue
		}
		if _, already := chosen[idx]; already {
			continue
		}
		chosen[idx] = struct{}{}
		out = append(out, ordered[idx])
	}
	return out, nil
}

// Leader returns the round-leader: the first sampled validator.
func Leader(committee []Validator) (types.Address, bool) {
	if len(committee) == 0 {
		return types.Address{}, false
	}
	return committee[0].ID, true
}

func lessAddress(a, b types.Address) bool {
	for i := range a {
		if a[i] != b[i] {
			return a[i] < b[i]
		}
	}
	return false
}

func hkdfStream(seed [32]byte) io.Reader {
	return hkdf.New(sha256.New, seed[:], nil, []byte("findag-committee-v1"))
}

func randUint64(r io.Reader) uint64 {
	var buf [8]byte
	_, _ = io.ReadFull(r, buf[:])
	return binary.BigEndian.Uint64(buf[:])
}
