// Package hashtimer implements FinDAG Time (FDT) and the HashTimer fused
// ordering token (spec §4.1). It replaces any implicit "now" with a single,
// explicit monotonic source (design note §9: "Global clock").
package hashtimer

import (
	"crypto/sha256"
	"sync/atomic"
	"time"

	"github.com/findag/findag-core/internal/types"
)

// tickDuration is the 100ns FDT tick granularity (spec §3).
const tickDuration = 100 * time.Nanosecond

// FinDAGEpoch is the fixed epoch FDT counts ticks from (chosen as the Unix
// epoch for simplicity; any fixed epoch satisfies the spec since FDT is
// never compared across nodes directly, only via HashTimer).
var FinDAGEpoch = time.Unix(0, 0).UTC()

func wallClockFDT() uint64 {
	return uint64(time.Since(FinDAGEpoch) / tickDuration)
}

// Clock is a single node's FDT source: an atomic counter seeded from
// persisted state and wall clock, advanced by fetch-and-add on every Now()
// call and periodically nudged upward (never downward) toward wall clock.
//
// Concurrent Now() calls are linearizable: each call observes a distinct,
// strictly increasing value (spec §4.1).
type Clock struct {
	nodeID  [32]byte
	counter atomic.Uint64
	stop    chan struct{}
}

// NewClock seeds the FDT counter to max(persistedMaxFDT+1, wallClockFDT),
// per spec §4.1's re-entry-from-persistence contract.
func NewClock(nodeID [32]byte, persistedMaxFDT uint64) *Clock {
	seed := persistedMaxFDT + 1
	if wc := wallClockFDT(); wc > seed {
		seed = wc
	}
	c := &Clock{nodeID: nodeID, stop: make(chan struct{})}
	c.counter.Store(seed)
	return c
}

// Now returns a FDT strictly greater than every value previously returned by
// this Clock instance.
func (c *Clock) Now() uint64 {
	return c.counter.Add(1)
}

// Peek returns the most recent FDT handed out without advancing the
// counter, for callers that only need to compare against a deadline (e.g.
// the round scheduler's "has the round's end_fdt passed yet" check).
func (c *Clock) Peek() uint64 {
	return c.counter.Load()
}

// Resync nudges the counter upward toward wall clock if wall clock has
// advanced further, via compare-and-swap so it never regresses a value
// already handed out (spec §4.1: "periodically re-synchronized (upward
// only) with wall clock").
func (c *Clock) Resync() {
	for {
		cur := c.counter.Load()
		wc := wallClockFDT()
		if wc <= cur {
			return
		}
		if c.counter.CompareAndSwap(cur, wc) {
			return
		}
	}
}

// RunResync starts a background goroutine that calls Resync on the given
// interval until Stop is called. Grounded on the teacher's goroutine-
// supervision style (node/sync.go): a simple select-on-ticker-or-stop loop.
func (c *Clock) RunResync(interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				c.Resync()
			case <-c.stop:
				return
			}
		}
	}()
}

func (c *Clock) Stop() {
	close(c.stop)
}

// HashTimer calls Now() exactly once and fuses the resulting FDT with this
// node's id and the event's content hash, per spec §4.1.
func (c *Clock) HashTimer(contentHash types.Hash) types.HashTimer {
	fdt := c.Now()
	digest := fuse(fdt, c.nodeID, contentHash)
	return types.HashTimer{FDT: fdt, ContentHash: contentHash, Digest: digest}
}

func fuse(fdt uint64, nodeID [32]byte, contentHash types.Hash) types.Hash {
	var fdtBytes [8]byte
	for i := 0; i < 8; i++ {
		fdtBytes[7-i] = byte(fdt >> (8 * i))
	}
	h := sha256.New()
	h.Write(fdtBytes[:])
	h.Write(nodeID[:])
	h.Write(contentHash[:])
	var out types.Hash
	copy(out[:], h.Sum(nil))
	return out
}

// Compare orders two HashTimers by the (FDT, ContentHash) tuple, spec §3/§4.1.
func Compare(a, b types.HashTimer) int {
	if a.FDT != b.FDT {
		if a.FDT < b.FDT {
			return -1
		}
		return 1
	}
	for i := range a.ContentHash {
		if a.ContentHash[i] != b.ContentHash[i] {
			if a.ContentHash[i] < b.ContentHash[i] {
				return -1
			}
			return 1
		}
	}
	return 0
}
