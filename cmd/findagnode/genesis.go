package main

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/findag/findag-core/internal/store"
	"github.com/findag/findag-core/internal/types"
)

// genesisFile is the on-disk JSON shape `init-genesis` reads: one or more
// assets with their initial balance allocations, plus the round-0
// validator committee. Addresses and public keys are hex-encoded raw
// Ed25519 public key bytes (spec §3: an address IS its public key).
type genesisFile struct {
	Assets    []genesisAsset               `json:"assets"`
	Balances  map[string]map[string]uint64 `json:"balances"`
	Committee []string                     `json:"committee"`
}

type genesisAsset struct {
	Symbol          string `json:"symbol"`
	Decimals        uint8  `json:"decimals"`
	TotalSupply     uint64 `json:"total_supply"`
	AuthorityPubKey string `json:"authority_pub_key"`
}

func loadGenesisFile(path string) (genesisFile, error) {
	raw, err := os.ReadFile(path) // #nosec G304 -- operator-supplied path, not request input.
	if err != nil {
		return genesisFile{}, fmt.Errorf("read genesis file: %w", err)
	}
	var gf genesisFile
	if err := json.Unmarshal(raw, &gf); err != nil {
		return genesisFile{}, fmt.Errorf("parse genesis file: %w", err)
	}
	return gf, nil
}

func parseAddress(s string) (types.Address, error) {
	var addr types.Address
	b, err := hex.DecodeString(strings.TrimPrefix(strings.TrimSpace(s), "0x"))
	if err != nil {
		return addr, fmt.Errorf("invalid hex address %q: %w", s, err)
	}
	if len(b) != len(addr) {
		return addr, fmt.Errorf("address %q: expected %d bytes, got %d", s, len(addr), len(b))
	}
	copy(addr[:], b)
	return addr, nil
}

// toGenesisSpec converts the JSON file into a store.GenesisSpec, resolving
// every hex-encoded address/key along the way.
func (gf genesisFile) toGenesisSpec(networkID string) (store.GenesisSpec, error) {
	spec := store.GenesisSpec{
		NetworkID: networkID,
		Balances:  make(map[types.Address]map[string]types.U128),
	}

	for _, a := range gf.Assets {
		asset := types.Asset{
			Symbol:      a.Symbol,
			Decimals:    a.Decimals,
			TotalSupply: types.NewU128(a.TotalSupply),
		}
		if a.AuthorityPubKey != "" {
			pub, err := parseAddress(a.AuthorityPubKey)
			if err != nil {
				return store.GenesisSpec{}, fmt.Errorf("asset %s: %w", a.Symbol, err)
			}
			asset.AuthorityPubKey = pub
		}
		spec.Assets = append(spec.Assets, asset)
	}

	for addrHex, balances := range gf.Balances {
		addr, err := parseAddress(addrHex)
		if err != nil {
			return store.GenesisSpec{}, fmt.Errorf("balances: %w", err)
		}
		perAsset := make(map[string]types.U128, len(balances))
		for asset, v := range balances {
			perAsset[asset] = types.NewU128(v)
		}
		spec.Balances[addr] = perAsset
	}

	for _, c := range gf.Committee {
		addr, err := parseAddress(c)
		if err != nil {
			return store.GenesisSpec{}, fmt.Errorf("committee: %w", err)
		}
		spec.Committee = append(spec.Committee, addr)
	}
	if len(spec.Committee) < 3 {
		return store.GenesisSpec{}, fmt.Errorf("committee must list at least 3 validators, got %d", len(spec.Committee))
	}

	return spec, nil
}
