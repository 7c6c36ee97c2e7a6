package store

import (
	"encoding/binary"
	"fmt"

	"github.com/findag/findag-core/internal/types"
)

func encodeBalanceKey(addr types.Address, asset string) []byte {
	key := make([]byte, 0, 32+len(asset))
	key = append(key, addr[:]...)
	key = append(key, asset...)
	return key
}

func decodeBalanceKey(key []byte) (types.Address, string, error) {
	if len(key) < 32 {
		return types.Address{}, "", fmt.Errorf("balance key too short")
	}
	var addr types.Address
	copy(addr[:], key[:32])
	return addr, string(key[32:]), nil
}

// GetBalance returns the balance for (addr, asset), 0 if absent (spec §6
// get_balance). Reads are served from the LRU cache when present.
func (d *DB) GetBalance(addr types.Address, asset string) (types.U128, error) {
	bk := balanceKey{addr: addr, asset: asset}
	if v, ok := d.balanceCache.Get(bk); ok {
		return v, nil
	}
	key := encodeBalanceKey(addr, asset)
	raw, ok, err := d.Get(cfBalances, key)
	if err != nil {
		return types.U128{}, err
	}
	if !ok {
		d.balanceCache.Add(bk, types.ZeroU128)
		return types.ZeroU128, nil
	}
	v, err := types.U128FromBytes(raw)
	if err != nil {
		return types.U128{}, types.NewError(types.ErrStorageCorruption, err.Error())
	}
	d.balanceCache.Add(bk, v)
	return v, nil
}

// BalanceOp builds a WriteBatch Op that sets (addr, asset)'s balance.
func BalanceOp(addr types.Address, asset string, v types.U128) Op {
	b := v.Bytes()
	return Op{CF: cfBalances, Key: encodeBalanceKey(addr, asset), Value: append([]byte(nil), b[:]...)}
}

// GetNonce returns the highest committed nonce for addr, 0 if absent
// (spec §6 get_nonce).
func (d *DB) GetNonce(addr types.Address) (uint64, error) {
	raw, ok, err := d.Get(cfNonces, addr[:])
	if err != nil {
		return 0, err
	}
	if !ok {
		return 0, nil
	}
	if len(raw) != 8 {
		return 0, types.NewError(types.ErrStorageCorruption, "nonce record truncated")
	}
	return binary.BigEndian.Uint64(raw), nil
}

func NonceOp(addr types.Address, nonce uint64) Op {
	v := make([]byte, 8)
	binary.BigEndian.PutUint64(v, nonce)
	return Op{CF: cfNonces, Key: addr[:], Value: v}
}

// GetAsset returns the asset record for symbol, NotFound if absent.
func (d *DB) GetAsset(symbol string) (types.Asset, bool, error) {
	raw, ok, err := d.Get(cfAssets, []byte(symbol))
	if err != nil || !ok {
		return types.Asset{}, ok, err
	}
	a, err := types.DecodeAsset(raw)
	if err != nil {
		return types.Asset{}, false, types.NewError(types.ErrStorageCorruption, err.Error())
	}
	return a, true, nil
}

func AssetOp(a types.Asset) Op {
	return Op{CF: cfAssets, Key: []byte(a.Symbol), Value: types.AssetBytes(a)}
}

// GetHandle returns the address bound to a handle string, NotFound if
// unregistered (spec §3: handle registration).
func (d *DB) GetHandle(name string) (types.Handle, bool, error) {
	raw, ok, err := d.Get(cfHandles, []byte(name))
	if err != nil || !ok {
		return types.Handle{}, ok, err
	}
	h, err := types.DecodeHandle(raw)
	if err != nil {
		return types.Handle{}, false, types.NewError(types.ErrStorageCorruption, err.Error())
	}
	return h, true, nil
}

func HandleOp(h types.Handle) Op {
	return Op{CF: cfHandles, Key: []byte(h.HandleString), Value: types.HandleBytes(h)}
}

// GetBlock returns a stored block and whether it has been finalized.
func (d *DB) GetBlock(id types.Hash) (types.Block, bool, bool, error) {
	raw, ok, err := d.Get(cfBlocks, id[:])
	if err != nil || !ok {
		return types.Block{}, false, ok, err
	}
	if len(raw) < 1 {
		return types.Block{}, false, false, types.NewError(types.ErrStorageCorruption, "block record truncated")
	}
	finalized := raw[0] != 0
	blk, err := types.DecodeBlock(raw[1:])
	if err != nil {
		return types.Block{}, false, false, types.NewError(types.ErrStorageCorruption, err.Error())
	}
	return blk, finalized, true, nil
}

func BlockOp(blk types.Block, finalized bool) Op {
	val := make([]byte, 0, 1+256)
	if finalized {
		val = append(val, 1)
	} else {
		val = append(val, 0)
	}
	val = append(val, types.BlockBytes(blk)...)
	return Op{CF: cfBlocks, Key: blk.BlockID[:], Value: val}
}

// GetRound returns the round record for roundNumber (spec §6 get_round).
func (d *DB) GetRound(roundNumber uint64) (types.Round, bool, error) {
	key := make([]byte, 8)
	binary.BigEndian.PutUint64(key, roundNumber)
	raw, ok, err := d.Get(cfRounds, key)
	if err != nil || !ok {
		return types.Round{}, ok, err
	}
	r, err := types.DecodeRound(raw)
	if err != nil {
		return types.Round{}, false, types.NewError(types.ErrStorageCorruption, err.Error())
	}
	return r, true, nil
}

func RoundOp(r types.Round) Op {
	key := make([]byte, 8)
	binary.BigEndian.PutUint64(key, r.RoundNumber)
	return Op{CF: cfRounds, Key: key, Value: types.RoundBytes(r)}
}

// Meta scalars (spec §4.3: current_round, current_fdt_watermark, last_applied_round).

func (d *DB) GetCurrentRound() (uint64, error)     { return d.getMetaU64(metaKeyCurrentRound) }
func (d *DB) GetFDTWatermark() (uint64, error)      { return d.getMetaU64(metaKeyFDTWatermark) }
func (d *DB) GetLastAppliedRound() (uint64, error)  { return d.getMetaU64(metaKeyLastAppliedRound) }

func SetCurrentRoundOp(v uint64) Op    { return metaOp(metaKeyCurrentRound, v) }
func SetFDTWatermarkOp(v uint64) Op    { return metaOp(metaKeyFDTWatermark, v) }
func SetLastAppliedRoundOp(v uint64) Op { return metaOp(metaKeyLastAppliedRound, v) }

func metaOp(key string, v uint64) Op {
	val := make([]byte, 8)
	binary.BigEndian.PutUint64(val, v)
	return Op{CF: cfMeta, Key: []byte(key), Value: val}
}

func (d *DB) getMetaU64(key string) (uint64, error) {
	raw, ok, err := d.Get(cfMeta, []byte(key))
	if err != nil {
		return 0, err
	}
	if !ok {
		return 0, nil
	}
	if len(raw) != 8 {
		return 0, types.NewError(types.ErrStorageCorruption, "meta scalar truncated")
	}
	return binary.BigEndian.Uint64(raw), nil
}
