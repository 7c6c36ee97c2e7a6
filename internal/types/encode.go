package types

import "fmt"

// HashTimerBytes is the wire/content encoding of a HashTimer: the 8-byte
// big-endian FDT (so byte-lexicographic compare matches numeric compare,
// spec §4.1) followed by the 32-byte content hash and the 32-byte digest.
func HashTimerBytes(h HashTimer) []byte {
	out := make([]byte, 0, 8+32+32)
	out = appendU64be(out, h.FDT)
	out = append(out, h.ContentHash[:]...)
	out = append(out, h.Digest[:]...)
	return out
}

func readHashTimer(b []byte, off *int) (HashTimer, error) {
	fdtBytes, err := readBytes(b, off, 8)
	if err != nil {
		return HashTimer{}, err
	}
	var fdt uint64
	for i := 0; i < 8; i++ {
		fdt = fdt<<8 | uint64(fdtBytes[i])
	}
	ch, err := readHash(b, off)
	if err != nil {
		return HashTimer{}, err
	}
	digest, err := readHash(b, off)
	if err != nil {
		return HashTimer{}, err
	}
	return HashTimer{FDT: fdt, ContentHash: ch, Digest: digest}, nil
}

// TxBytes is the canonical encoding of a Transaction (everything but the
// signature is the signed message; the full encoding additionally carries
// the signature so blocks/wire frames can transmit it).
//
// Layout: from(32) | to(32) | amount(16) | asset(len-prefixed) | nonce(8 LE)
// | fee(16) | pubkey(32) | hashtimer(72) | signature(64)
func TxBytes(tx Transaction) []byte {
	out := make([]byte, 0, 32+32+16+1+len(tx.Asset)+8+16+32+72+64)
	out = append(out, tx.From[:]...)
	out = append(out, tx.To[:]...)
	amt := tx.Amount.Bytes()
	out = append(out, amt[:]...)
	out = appendLenPrefixedString(out, tx.Asset)
	out = appendU64le(out, tx.Nonce)
	fee := tx.Fee.Bytes()
	out = append(out, fee[:]...)
	out = append(out, tx.PublicKey[:]...)
	out = append(out, HashTimerBytes(tx.HashTimer)...)
	out = append(out, tx.Signature[:]...)
	return out
}

// TxSigningBytes is the message a client signs: the transaction body minus
// the signature field itself, with the HashTimer zeroed (the mempool assigns
// the HashTimer after the client has signed).
func TxSigningBytes(tx Transaction) []byte {
	cp := tx
	cp.Signature = [64]byte{}
	cp.HashTimer = HashTimer{}
	b := TxBytes(cp)
	return b[:len(b)-64]
}

func DecodeTx(b []byte) (Transaction, error) {
	off := 0
	var tx Transaction
	from, err := readAddress(b, &off)
	if err != nil {
		return tx, err
	}
	to, err := readAddress(b, &off)
	if err != nil {
		return tx, err
	}
	amtRaw, err := readBytes(b, &off, 16)
	if err != nil {
		return tx, err
	}
	amt, err := U128FromBytes(amtRaw)
	if err != nil {
		return tx, err
	}
	asset, err := readLenPrefixedString(b, &off)
	if err != nil {
		return tx, err
	}
	nonce, err := readU64le(b, &off)
	if err != nil {
		return tx, err
	}
	feeRaw, err := readBytes(b, &off, 16)
	if err != nil {
		return tx, err
	}
	fee, err := U128FromBytes(feeRaw)
	if err != nil {
		return tx, err
	}
	pub, err := readBytes(b, &off, 32)
	if err != nil {
		return tx, err
	}
	ht, err := readHashTimer(b, &off)
	if err != nil {
		return tx, err
	}
	sig, err := readBytes(b, &off, 64)
	if err != nil {
		return tx, err
	}
	if off != len(b) {
		return tx, fmt.Errorf("encode: trailing bytes after transaction")
	}
	tx = Transaction{From: from, To: to, Amount: amt, Asset: asset, Nonce: nonce, Fee: fee, HashTimer: ht}
	copy(tx.PublicKey[:], pub)
	copy(tx.Signature[:], sig)
	return tx, nil
}

// BlockBytesMinusID is the canonical encoding of every Block field except
// BlockID — hashing this yields BlockID (spec §3, §8 round-trip law).
func BlockBytesMinusID(blk Block) []byte {
	out := make([]byte, 0, 256)
	out = AppendCompactSize(out, uint64(len(blk.ParentIDs)))
	for _, p := range blk.ParentIDs {
		out = append(out, p[:]...)
	}
	out = AppendCompactSize(out, uint64(len(blk.Transactions)))
	for _, tx := range blk.Transactions {
		txb := TxBytes(tx)
		out = AppendCompactSize(out, uint64(len(txb)))
		out = append(out, txb...)
	}
	out = append(out, blk.ProposerID[:]...)
	out = append(out, HashTimerBytes(blk.HashTimer)...)
	out = appendU64le(out, blk.HeightHint)
	return out
}

// BlockBytes is BlockBytesMinusID plus BlockID and ProposerSignature, the
// full wire/storage encoding.
func BlockBytes(blk Block) []byte {
	out := make([]byte, 0, 32+256+64)
	out = append(out, blk.BlockID[:]...)
	out = append(out, BlockBytesMinusID(blk)...)
	out = append(out, blk.ProposerSignature[:]...)
	return out
}

func DecodeBlock(b []byte) (Block, error) {
	off := 0
	var blk Block
	id, err := readHash(b, &off)
	if err != nil {
		return blk, err
	}
	nparents, err := readCompactSize(b, &off)
	if err != nil {
		return blk, err
	}
	parents := make([]Hash, 0, nparents)
	for i := uint64(0); i < nparents; i++ {
		p, err := readHash(b, &off)
		if err != nil {
			return blk, err
		}
		parents = append(parents, p)
	}
	ntx, err := readCompactSize(b, &off)
	if err != nil {
		return blk, err
	}
	txs := make([]Transaction, 0, ntx)
	for i := uint64(0); i < ntx; i++ {
		txlen, err := readCompactSize(b, &off)
		if err != nil {
			return blk, err
		}
		raw, err := readBytes(b, &off, int(txlen))
		if err != nil {
			return blk, err
		}
		tx, err := DecodeTx(raw)
		if err != nil {
			return blk, err
		}
		txs = append(txs, tx)
	}
	proposer, err := readAddress(b, &off)
	if err != nil {
		return blk, err
	}
	ht, err := readHashTimer(b, &off)
	if err != nil {
		return blk, err
	}
	height, err := readU64le(b, &off)
	if err != nil {
		return blk, err
	}
	sig, err := readBytes(b, &off, 64)
	if err != nil {
		return blk, err
	}
	if off != len(b) {
		return blk, fmt.Errorf("encode: trailing bytes after block")
	}
	blk = Block{
		BlockID:      id,
		ParentIDs:    parents,
		Transactions: txs,
		ProposerID:   proposer,
		HashTimer:    ht,
		HeightHint:   height,
	}
	copy(blk.ProposerSignature[:], sig)
	return blk, nil
}

// RoundBytes is the canonical encoding of a Round record.
func RoundBytes(r Round) []byte {
	out := make([]byte, 0, 256)
	out = appendU64le(out, r.RoundNumber)
	out = AppendCompactSize(out, uint64(len(r.FinalizedBlockIDs)))
	for _, id := range r.FinalizedBlockIDs {
		out = append(out, id[:]...)
	}
	out = AppendCompactSize(out, uint64(len(r.CommitteeMembers)))
	for _, m := range r.CommitteeMembers {
		out = append(out, m[:]...)
	}
	out = AppendCompactSize(out, uint64(len(r.ThresholdSig.Bitmap)))
	out = append(out, r.ThresholdSig.Bitmap...)
	out = AppendCompactSize(out, uint64(len(r.ThresholdSig.Sigs)))
	for _, s := range r.ThresholdSig.Sigs {
		out = append(out, s[:]...)
	}
	out = append(out, HashTimerBytes(r.RoundHashTimer)...)
	out = appendU64le(out, r.StartFDT)
	out = appendU64le(out, r.EndFDT)
	if r.Skipped {
		out = append(out, 1)
	} else {
		out = append(out, 0)
	}
	return out
}

func DecodeRound(b []byte) (Round, error) {
	off := 0
	var r Round
	roundNumber, err := readU64le(b, &off)
	if err != nil {
		return r, err
	}
	nblocks, err := readCompactSize(b, &off)
	if err != nil {
		return r, err
	}
	blocks := make([]Hash, 0, nblocks)
	for i := uint64(0); i < nblocks; i++ {
		h, err := readHash(b, &off)
		if err != nil {
			return r, err
		}
		blocks = append(blocks, h)
	}
	nmembers, err := readCompactSize(b, &off)
	if err != nil {
		return r, err
	}
	members := make([]Address, 0, nmembers)
	for i := uint64(0); i < nmembers; i++ {
		a, err := readAddress(b, &off)
		if err != nil {
			return r, err
		}
		members = append(members, a)
	}
	bitmapLen, err := readCompactSize(b, &off)
	if err != nil {
		return r, err
	}
	bitmap, err := readBytes(b, &off, int(bitmapLen))
	if err != nil {
		return r, err
	}
	nsigs, err := readCompactSize(b, &off)
	if err != nil {
		return r, err
	}
	sigs := make([][64]byte, 0, nsigs)
	for i := uint64(0); i < nsigs; i++ {
		raw, err := readBytes(b, &off, 64)
		if err != nil {
			return r, err
		}
		var s [64]byte
		copy(s[:], raw)
		sigs = append(sigs, s)
	}
	ht, err := readHashTimer(b, &off)
	if err != nil {
		return r, err
	}
	startFDT, err := readU64le(b, &off)
	if err != nil {
		return r, err
	}
	endFDT, err := readU64le(b, &off)
	if err != nil {
		return r, err
	}
	skippedByte, err := readU8(b, &off)
	if err != nil {
		return r, err
	}
	if off != len(b) {
		return r, fmt.Errorf("encode: trailing bytes after round")
	}
	return Round{
		RoundNumber:       roundNumber,
		FinalizedBlockIDs: blocks,
		CommitteeMembers:  members,
		ThresholdSig:      ThresholdSig{Bitmap: bitmap, Sigs: sigs},
		RoundHashTimer:    ht,
		StartFDT:          startFDT,
		EndFDT:            endFDT,
		Skipped:           skippedByte != 0,
	}, nil
}

// RoundSigningBytes is the message committee members sign over for a round
// proposal: the round record with its ThresholdSig field held empty, so the
// signature never has to commit to the aggregate it will itself become part
// of.
func RoundSigningBytes(r Round) []byte {
	cp := r
	cp.ThresholdSig = ThresholdSig{}
	return RoundBytes(cp)
}

// AssetBytes is the canonical encoding of an Asset record.
func AssetBytes(a Asset) []byte {
	out := make([]byte, 0, 64+len(a.Symbol))
	out = appendLenPrefixedString(out, a.Symbol)
	out = append(out, a.Decimals)
	supply := a.TotalSupply.Bytes()
	out = append(out, supply[:]...)
	out = append(out, a.AuthorityPubKey[:]...)
	out = appendU64le(out, a.CreationRound)
	return out
}

func DecodeAsset(b []byte) (Asset, error) {
	off := 0
	var a Asset
	symbol, err := readLenPrefixedString(b, &off)
	if err != nil {
		return a, err
	}
	decimals, err := readU8(b, &off)
	if err != nil {
		return a, err
	}
	supplyRaw, err := readBytes(b, &off, 16)
	if err != nil {
		return a, err
	}
	supply, err := U128FromBytes(supplyRaw)
	if err != nil {
		return a, err
	}
	pub, err := readBytes(b, &off, 32)
	if err != nil {
		return a, err
	}
	creationRound, err := readU64le(b, &off)
	if err != nil {
		return a, err
	}
	if off != len(b) {
		return a, fmt.Errorf("encode: trailing bytes after asset")
	}
	a = Asset{Symbol: symbol, Decimals: decimals, TotalSupply: supply, CreationRound: creationRound}
	copy(a.AuthorityPubKey[:], pub)
	return a, nil
}

// HandleBytes is the canonical encoding of a Handle record.
func HandleBytes(h Handle) []byte {
	out := make([]byte, 0, 64+len(h.HandleString))
	out = appendLenPrefixedString(out, h.HandleString)
	out = append(out, h.Address[:]...)
	out = append(out, h.OwnerSignature[:]...)
	out = append(out, h.RegistrationBlock[:]...)
	return out
}

func DecodeHandle(b []byte) (Handle, error) {
	off := 0
	var h Handle
	name, err := readLenPrefixedString(b, &off)
	if err != nil {
		return h, err
	}
	addr, err := readAddress(b, &off)
	if err != nil {
		return h, err
	}
	sig, err := readBytes(b, &off, 64)
	if err != nil {
		return h, err
	}
	regBlock, err := readHash(b, &off)
	if err != nil {
		return h, err
	}
	if off != len(b) {
		return h, fmt.Errorf("encode: trailing bytes after handle")
	}
	h = Handle{HandleString: name, Address: addr, RegistrationBlock: regBlock}
	copy(h.OwnerSignature[:], sig)
	return h, nil
}
