package diag

import (
	"context"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"memdiag/internal/config"
	"memdiag/internal/provider"
)

func TestRingProperties(t *testing.T) {
	properties := gopter.NewProperties(nil)

	// Property 1: length never exceeds capacity
	properties.Property("length never exceeds capacity", prop.ForAll(
		func(capacity int, inserts int) bool {
			r := NewRing[int](capacity)
			for i := 0; i < inserts; i++ {
				r.Append(i)
			}
			return r.Len() <= r.Cap()
		},
		gen.IntRange(1, 50),
		gen.IntRange(0, 200),
	))

	// Property 2: overflow keeps exactly the newest entries in order
	properties.Property("overflow evicts oldest first", prop.ForAll(
		func(capacity int, inserts int) bool {
			r := NewRing[int](capacity)
			for i := 0; i < inserts; i++ {
				r.Append(i)
			}
			items := r.Items()
			expected := inserts
			if expected > capacity {
				expected = capacity
			}
			if len(items) != expected {
				return false
			}
			for j, v := range items {
				if v != inserts-expected+j {
					return false
				}
			}
			return true
		},
		gen.IntRange(1, 50),
		gen.IntRange(0, 200),
	))

	properties.TestingRun(t)
}

func TestFragmentationProperties(t *testing.T) {
	properties := gopter.NewProperties(nil)

	// The index must stay within [0,1] for any sample sequence.
	properties.Property("fragmentation index stays within [0,1]", prop.ForAll(
		func(samples []uint64) bool {
			idx := 0
			prov := provider.NewFakeProvider(func(time.Duration) provider.Usage {
				u := provider.Usage{
					ProcessBytes: samples[idx%len(samples)],
					HeapObjects:  uint64(idx * 100),
					NumGC:        uint32(idx),
				}
				idx++
				return u
			})

			cfg := &config.HeapConfig{Enabled: true, Interval: time.Hour, HistorySize: 16, TopTypes: 5}
			h := NewHeapAnalyzer(cfg, prov, nil, testLogger(), nil)

			for i := 0; i < len(samples); i++ {
				snap := h.Analyze(context.Background())
				if snap.FragmentationIndex < 0 || snap.FragmentationIndex > 1 {
					return false
				}
			}
			return h.FragmentationIndex() >= 0 && h.FragmentationIndex() <= 1
		},
		gen.SliceOfN(8, gen.UInt64Range(1, 1<<40)),
	))

	properties.TestingRun(t)
}
