package hashtimer

import (
	"sync"
	"testing"

	"github.com/findag/findag-core/internal/types"
)

func TestNowStrictlyIncreasing(t *testing.T) {
	c := NewClock([32]byte{1}, 0)
	prev := c.Now()
	for i := 0; i < 1000; i++ {
		cur := c.Now()
		if cur <= prev {
			t.Fatalf("Now() not strictly increasing: prev=%d cur=%d", prev, cur)
		}
		prev = cur
	}
}

func TestNowLinearizableConcurrent(t *testing.T) {
	c := NewClock([32]byte{1}, 0)
	const goroutines = 32
	const perGoroutine = 200
	results := make(chan uint64, goroutines*perGoroutine)
	var wg sync.WaitGroup
	for g := 0; g < goroutines; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < perGoroutine; i++ {
				results <- c.Now()
			}
		}()
	}
	wg.Wait()
	close(results)
	seen := make(map[uint64]struct{}, goroutines*perGoroutine)
	for v := range results {
		if _, dup := seen[v]; dup {
			t.Fatalf("duplicate FDT value %d returned to two callers", v)
		}
		seen[v] = struct{}{}
	}
	if len(seen) != goroutines*perGoroutine {
		t.Fatalf("expected %d distinct values, got %d", goroutines*perGoroutine, len(seen))
	}
}

func TestReentryFromPersistence(t *testing.T) {
	c := NewClock([32]byte{1}, 1_000_000_000_000)
	if got := c.Now(); got <= 1_000_000_000_000 {
		t.Fatalf("expected FDT seeded above persisted watermark, got %d", got)
	}
}

func TestHashTimerFusionDeterministic(t *testing.T) {
	nodeID := [32]byte{7}
	// A persisted watermark far above wall-clock FDT makes both seeds
	// persisted+1, so the two clocks start from the same value.
	const persisted = uint64(1) << 62
	c1 := NewClock(nodeID, persisted)
	c2 := NewClock(nodeID, persisted)
	content := types.Hash{1, 2, 3}
	ht1 := c1.HashTimer(content)
	ht2 := c2.HashTimer(content)
	if ht1.FDT != ht2.FDT {
		t.Fatalf("expected same seed FDT for independently-seeded clocks in test, got %d vs %d", ht1.FDT, ht2.FDT)
	}
	if ht1.Digest != ht2.Digest {
		t.Fatalf("expected identical fused digest for identical (FDT, nodeID, content)")
	}
}

func TestCompareOrdersByFDTThenContentHash(t *testing.T) {
	a := types.HashTimer{FDT: 5, ContentHash: types.Hash{1}}
	b := types.HashTimer{FDT: 5, ContentHash: types.Hash{2}}
	c := types.HashTimer{FDT: 6, ContentHash: types.Hash{0}}
	if Compare(a, b) >= 0 {
		t.Fatalf("expected a < b by content hash tie-break")
	}
	if Compare(b, c) >= 0 {
		t.Fatalf("expected b < c by FDT dominance")
	}
	if Compare(a, a) != 0 {
		t.Fatalf("expected equal HashTimers to compare equal")
	}
}

func TestPeekDoesNotAdvanceCounter(t *testing.T) {
	c := NewClock([32]byte{3}, 0)
	first := c.Now()
	if peeked := c.Peek(); peeked != first {
		t.Fatalf("expected Peek to return last issued value %d, got %d", first, peeked)
	}
	if peeked := c.Peek(); peeked != first {
		t.Fatalf("Peek should be idempotent, got %d then %d", first, peeked)
	}
	second := c.Now()
	if second <= first {
		t.Fatalf("expected Now() after Peek() to still advance, got %d then %d", first, second)
	}
}

func TestLocalMonotonicityProperty(t *testing.T) {
	c := NewClock([32]byte{2}, 0)
	var prev types.HashTimer
	for i := 0; i < 200; i++ {
		cur := c.HashTimer(types.Hash{byte(i)})
		if i > 0 && Compare(prev, cur) >= 0 {
			t.Fatalf("HashTimer #%d not ordered after previous: prev=%+v cur=%+v", i, prev, cur)
		}
		prev = cur
	}
}
