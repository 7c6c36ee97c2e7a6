package store

import (
	"fmt"

	"github.com/findag/findag-core/internal/types"
)

// GenesisSpec describes the initial state a chain is seeded with: one or
// more assets (spec §3: assets are created by a privileged create_asset
// instruction signed by a configured genesis authority) with their initial
// balance allocations, and the round-0 validator committee.
type GenesisSpec struct {
	NetworkID  string
	Assets     []types.Asset
	Balances   map[types.Address]map[string]types.U128
	Committee  []types.Address
}

// InitGenesis seeds an empty store with genesis assets/balances and writes
// round 0 as a trivially-finalized round with no blocks, then writes the
// manifest marking the chain initialized. Adapted from the teacher's
// node/store/init_genesis.go (genesis-block application + manifest write),
// generalized from a single genesis block to a set of genesis assets plus
// a round-0 committee record.
func (d *DB) InitGenesis(spec GenesisSpec) error {
	existing, err := ReadManifest(d.path)
	if err != nil {
		return err
	}
	if existing != nil && existing.Initialized {
		return fmt.Errorf("chain already initialized")
	}

	var ops []Op
	for _, asset := range spec.Assets {
		ops = append(ops, AssetOp(asset))
	}
	for addr, balances := range spec.Balances {
		for asset, bal := range balances {
			ops = append(ops, BalanceOp(addr, asset, bal))
		}
	}
	genesisRound := types.Round{
		RoundNumber:      0,
		CommitteeMembers: spec.Committee,
	}
	ops = append(ops, RoundOp(genesisRound))
	ops = append(ops, SetCurrentRoundOp(0), SetLastAppliedRoundOp(0), SetFDTWatermarkOp(0))

	if err := d.WriteBatch(ops); err != nil {
		return err
	}
	return WriteManifest(d.path, &Manifest{
		SchemaVersion:    SchemaVersionV1,
		NetworkID:        spec.NetworkID,
		Initialized:      true,
		LastDurableRound: 0,
	})
}

// IsInitialized reports whether InitGenesis has run for this store.
func (d *DB) IsInitialized() (bool, error) {
	m, err := ReadManifest(d.path)
	if err != nil {
		return false, err
	}
	return m != nil && m.Initialized, nil
}
