// Package store implements spec §4.3's storage layer: a durable,
// crash-consistent column-family KV with a bounded LRU balance cache.
//
// Grounded on the teacher's node/store/db.go: one bbolt bucket per
// logical column family, accessor methods shaped (value, ok, err), and a
// side-car JSON manifest for the small durable scalars. bbolt's own
// single-writer, fsync'd-per-commit B+Tree already gives write_batch its
// atomicity and crash-consistency (spec §4.3) — there is no separate WAL
// to maintain on top of it.
package store

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/findag/findag-core/internal/types"
	lru "github.com/hashicorp/golang-lru/v2"
	bolt "go.etcd.io/bbolt"
)

var (
	cfBlocks   = []byte("blocks")
	cfRounds   = []byte("rounds")
	cfBalances = []byte("balances")
	cfAssets   = []byte("assets")
	cfHandles  = []byte("handles")
	cfNonces   = []byte("nonces")
	cfMeta     = []byte("meta")

	allBuckets = [][]byte{cfBlocks, cfRounds, cfBalances, cfAssets, cfHandles, cfNonces, cfMeta}
)

const (
	metaKeyCurrentRound    = "current_round"
	metaKeyFDTWatermark    = "current_fdt_watermark"
	metaKeyLastAppliedRound = "last_applied_round"
)

// blockRecord is the value stored in cfBlocks: the encoded block plus its
// finality flag (spec §4.3: "encoded block + finality flag").
type blockRecord struct {
	Finalized bool
	Encoded   []byte
}

// DB is the single source of truth for all persistent FinDAG state.
type DB struct {
	path          string
	bdb           *bolt.DB
	balanceCache  *lru.Cache[balanceKey, types.U128]
}

type balanceKey struct {
	addr  types.Address
	asset string
}

// Config configures the storage layer's tunables (spec §6).
type Config struct {
	Path             string
	BalanceCacheSize int
}

func DefaultConfig(path string) Config {
	return Config{Path: path, BalanceCacheSize: 65536}
}

// Open opens (creating if needed) the on-disk column-family store at
// cfg.Path, matching the teacher's single-directory-per-chain layout
// (spec §6: "one storage directory per node").
func Open(cfg Config) (*DB, error) {
	if cfg.Path == "" {
		return nil, types.NewError(types.ErrConfigInvalid, "storage_path required")
	}
	if cfg.BalanceCacheSize <= 0 {
		cfg.BalanceCacheSize = 65536
	}
	if err := os.MkdirAll(cfg.Path, 0o750); err != nil {
		return nil, types.NewError(types.ErrStorageIO, fmt.Sprintf("mkdir storage path: %v", err))
	}
	dbPath := filepath.Join(cfg.Path, "findag.db")
	bdb, err := bolt.Open(dbPath, 0o600, &bolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, types.NewError(types.ErrStorageIO, fmt.Sprintf("open bbolt: %v", err))
	}

	if err := bdb.Update(func(tx *bolt.Tx) error {
		for _, b := range allBuckets {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return fmt.Errorf("create bucket %s: %w", string(b), err)
			}
		}
		return nil
	}); err != nil {
		_ = bdb.Close()
		return nil, types.NewError(types.ErrStorageIO, err.Error())
	}

	cache, err := lru.New[balanceKey, types.U128](cfg.BalanceCacheSize)
	if err != nil {
		_ = bdb.Close()
		return nil, types.NewError(types.ErrConfigInvalid, fmt.Sprintf("balance cache: %v", err))
	}

	return &DB{path: cfg.Path, bdb: bdb, balanceCache: cache}, nil
}

func (d *DB) Close() error {
	if d == nil || d.bdb == nil {
		return nil
	}
	return d.bdb.Close()
}

func (d *DB) Path() string { return d.path }

// Get reads a raw value from the given column family.
func (d *DB) Get(cf []byte, key []byte) ([]byte, bool, error) {
	var out []byte
	err := d.bdb.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(cf)
		if b == nil {
			return fmt.Errorf("unknown column family %q", cf)
		}
		v := b.Get(key)
		if v != nil {
			out = append([]byte(nil), v...)
		}
		return nil
	})
	if err != nil {
		return nil, false, types.NewError(types.ErrStorageIO, err.Error())
	}
	if out == nil {
		return nil, false, nil
	}
	return out, true, nil
}

// Op is one write within an atomic WriteBatch.
type Op struct {
	CF    []byte
	Key   []byte
	Value []byte // nil Value means delete
}

// WriteBatch performs an atomic, multi-column-family write: all ops commit
// or none do (spec §4.3). Used at round finalization and genesis init.
func (d *DB) WriteBatch(ops []Op) error {
	err := d.bdb.Update(func(tx *bolt.Tx) error {
		for _, op := range ops {
			b := tx.Bucket(op.CF)
			if b == nil {
				return fmt.Errorf("unknown column family %q", op.CF)
			}
			if op.Value == nil {
				if err := b.Delete(op.Key); err != nil {
					return err
				}
				continue
			}
			if err := b.Put(op.Key, op.Value); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return types.NewError(types.ErrStorageIO, err.Error())
	}
	d.invalidateBalanceKeys(ops)
	return nil
}

func (d *DB) invalidateBalanceKeys(ops []Op) {
	for _, op := range ops {
		if string(op.CF) != string(cfBalances) {
			continue
		}
		addr, asset, err := decodeBalanceKey(op.Key)
		if err != nil {
			continue
		}
		d.balanceCache.Remove(balanceKey{addr: addr, asset: asset})
	}
}

// Snapshot is a point-in-time consistent read handle (spec §4.3), backed
// by a single bbolt read transaction held open until Close.
type Snapshot struct {
	tx *bolt.Tx
}

func (d *DB) Snapshot() (*Snapshot, error) {
	tx, err := d.bdb.Begin(false)
	if err != nil {
		return nil, types.NewError(types.ErrStorageIO, err.Error())
	}
	return &Snapshot{tx: tx}, nil
}

func (s *Snapshot) Get(cf []byte, key []byte) ([]byte, bool, error) {
	b := s.tx.Bucket(cf)
	if b == nil {
		return nil, false, fmt.Errorf("unknown column family %q", cf)
	}
	v := b.Get(key)
	if v == nil {
		return nil, false, nil
	}
	return append([]byte(nil), v...), true, nil
}

func (s *Snapshot) Close() error {
	return s.tx.Rollback()
}

// Scan returns every (key, value) pair under the given column family whose
// key has the given prefix, in key order (spec §4.3 ordered iteration).
func (d *DB) Scan(cf []byte, prefix []byte) ([][2][]byte, error) {
	var out [][2][]byte
	err := d.bdb.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(cf)
		if b == nil {
			return fmt.Errorf("unknown column family %q", cf)
		}
		c := b.Cursor()
		for k, v := c.Seek(prefix); k != nil && hasPrefix(k, prefix); k, v = c.Next() {
			out = append(out, [2][]byte{append([]byte(nil), k...), append([]byte(nil), v...)})
		}
		return nil
	})
	if err != nil {
		return nil, types.NewError(types.ErrStorageIO, err.Error())
	}
	return out, nil
}

func hasPrefix(k, prefix []byte) bool {
	if len(prefix) > len(k) {
		return false
	}
	for i := range prefix {
		if k[i] != prefix[i] {
			return false
		}
	}
	return true
}

// Compact performs best-effort space reclamation (spec §4.3) by rewriting
// the database file into a fresh, defragmented file and atomically
// replacing it in place — the same atomic-rename discipline the teacher
// uses for its manifest file (node/store/manifest.go), applied here to the
// whole bbolt file since bbolt itself has no online compaction.
func (d *DB) Compact() error {
	tmpPath := filepath.Join(d.path, "findag.db.compact.tmp")
	dstPath := filepath.Join(d.path, "findag.db")

	tmp, err := bolt.Open(tmpPath, 0o600, nil)
	if err != nil {
		return types.NewError(types.ErrStorageIO, err.Error())
	}
	if err := bolt.Compact(tmp, d.bdb, 0); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)
		return types.NewError(types.ErrStorageIO, err.Error())
	}
	if err := tmp.Close(); err != nil {
		return types.NewError(types.ErrStorageIO, err.Error())
	}
	if err := d.bdb.Close(); err != nil {
		return types.NewError(types.ErrStorageIO, err.Error())
	}
	if err := os.Rename(tmpPath, dstPath); err != nil {
		return types.NewError(types.ErrStorageIO, err.Error())
	}
	reopened, err := bolt.Open(dstPath, 0o600, &bolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return types.NewError(types.ErrStorageIO, err.Error())
	}
	d.bdb = reopened
	return nil
}
