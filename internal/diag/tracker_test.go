package diag

import (
	"runtime"
	"testing"
	"time"

	"memdiag/internal/config"
)

type cycleNode struct {
	name string
	a, b *cycleNode
}

type holder struct {
	ref *payload
}

type payload struct {
	data [64]byte
}

func trackerConfig() *config.TrackerConfig {
	return &config.TrackerConfig{
		Enabled:           true,
		Interval:          time.Hour,
		MaxTrackedObjects: 5000,
		ReportHistorySize: 50,
	}
}

func TestTrackerDetectsThreeObjectCycle(t *testing.T) {
	tracker := NewObjectTracker(trackerConfig(), testLogger(), nil)

	n1 := &cycleNode{name: "n1"}
	n2 := &cycleNode{name: "n2"}
	n3 := &cycleNode{name: "n3"}
	n1.a, n1.b = n2, n3
	n2.a, n2.b = n1, n3
	n3.a, n3.b = n1, n2

	Track(tracker, n1)
	Track(tracker, n2)
	Track(tracker, n3)

	tracker.Scan()
	runtime.KeepAlive(n1)
	runtime.KeepAlive(n2)
	runtime.KeepAlive(n3)

	cycles := tracker.RetainCycles()
	if len(cycles) != 1 {
		t.Fatalf("expected exactly one cycle report, got %d", len(cycles))
	}
	if cycles[0].CycleLength != 3 {
		t.Errorf("expected cycle length 3, got %d", cycles[0].CycleLength)
	}
	if len(cycles[0].Objects) != 3 {
		t.Errorf("expected 3 cycle members, got %d", len(cycles[0].Objects))
	}
}

func TestTrackerMutualPairCycle(t *testing.T) {
	tracker := NewObjectTracker(trackerConfig(), testLogger(), nil)

	n1 := &cycleNode{name: "n1"}
	n2 := &cycleNode{name: "n2"}
	n1.a = n2
	n2.a = n1

	Track(tracker, n1)
	Track(tracker, n2)

	tracker.Scan()
	runtime.KeepAlive(n1)
	runtime.KeepAlive(n2)

	cycles := tracker.RetainCycles()
	if len(cycles) != 1 {
		t.Fatalf("expected one cycle report, got %d", len(cycles))
	}
	if cycles[0].CycleLength != 2 {
		t.Errorf("expected cycle length 2, got %d", cycles[0].CycleLength)
	}
}

func TestTrackerNoCycleForAcyclicGraph(t *testing.T) {
	tracker := NewObjectTracker(trackerConfig(), testLogger(), nil)

	n1 := &cycleNode{name: "n1"}
	n2 := &cycleNode{name: "n2"}
	n3 := &cycleNode{name: "n3"}
	n1.a = n2
	n2.a = n3

	Track(tracker, n1)
	Track(tracker, n2)
	Track(tracker, n3)

	tracker.Scan()
	runtime.KeepAlive(n1)
	runtime.KeepAlive(n2)
	runtime.KeepAlive(n3)

	if cycles := tracker.RetainCycles(); len(cycles) != 0 {
		t.Errorf("expected no cycle reports, got %d", len(cycles))
	}

	summary := tracker.Summary()
	if summary.TrackedObjects != 3 {
		t.Errorf("expected 3 tracked objects, got %d", summary.TrackedObjects)
	}
	if summary.TypeCounts["*diag.cycleNode"] != 3 {
		t.Errorf("expected type count 3, got %v", summary.TypeCounts)
	}
}

func TestTrackerDanglingReference(t *testing.T) {
	tracker := NewObjectTracker(trackerConfig(), testLogger(), nil)

	h := &holder{ref: &payload{}}
	Track(tracker, h)
	Track(tracker, h.ref)

	tracker.Scan()
	if len(tracker.DanglingReferences()) != 0 {
		t.Fatal("expected no dangling reports while both objects are live")
	}

	// Drop the payload; the holder's edge from the previous scan should
	// turn into a dangling report once the weak handle clears.
	h.ref = nil
	for i := 0; i < 5; i++ {
		runtime.GC()
	}
	tracker.Scan()
	runtime.KeepAlive(h)

	dangling := tracker.DanglingReferences()
	if len(dangling) != 1 {
		t.Fatalf("expected one dangling report, got %d", len(dangling))
	}
	if dangling[0].TypeName != "*diag.payload" {
		t.Errorf("unexpected dangling type: %s", dangling[0].TypeName)
	}
	if len(dangling[0].ReferencedBy) != 1 {
		t.Errorf("expected one referencing object, got %v", dangling[0].ReferencedBy)
	}
}

func TestTrackerCapacityEviction(t *testing.T) {
	cfg := trackerConfig()
	cfg.MaxTrackedObjects = 3
	tracker := NewObjectTracker(cfg, testLogger(), nil)

	var keep []*payload
	for i := 0; i < 5; i++ {
		p := &payload{}
		keep = append(keep, p)
		Track(tracker, p)
	}

	tracker.Scan()
	runtime.KeepAlive(keep)

	if got := tracker.Summary().TrackedObjects; got > 3 {
		t.Errorf("expected at most 3 tracked objects, got %d", got)
	}
}

func TestTrackerTypeFilters(t *testing.T) {
	cfg := trackerConfig()
	cfg.TypeDenyList = []string{"payload"}
	tracker := NewObjectTracker(cfg, testLogger(), nil)

	if id := Track(tracker, &payload{}); id != 0 {
		t.Error("expected denied type to be rejected")
	}
	if id := Track(tracker, &cycleNode{}); id == 0 {
		t.Error("expected non-denied type to be accepted")
	}

	cfg2 := trackerConfig()
	cfg2.TypeAllowList = []string{"cycleNode"}
	tracker2 := NewObjectTracker(cfg2, testLogger(), nil)

	if id := Track(tracker2, &payload{}); id != 0 {
		t.Error("expected unlisted type to be rejected with allow list")
	}
	if id := Track(tracker2, &cycleNode{}); id == 0 {
		t.Error("expected allow-listed type to be accepted")
	}
}

func TestTrackerWeakRegistrationDoesNotRetain(t *testing.T) {
	tracker := NewObjectTracker(trackerConfig(), testLogger(), nil)

	p := &payload{}
	Track(tracker, p)
	tracker.Scan()
	if got := tracker.Summary().TrackedObjects; got != 1 {
		t.Fatalf("expected 1 tracked object, got %d", got)
	}

	p = nil
	_ = p
	for i := 0; i < 5; i++ {
		runtime.GC()
	}
	tracker.Scan()

	if got := tracker.Summary().TrackedObjects; got != 0 {
		t.Errorf("expected collected object to be dropped, still tracking %d", got)
	}
}

func TestTrackerStartStopIdempotent(t *testing.T) {
	cfg := trackerConfig()
	cfg.Interval = 10 * time.Millisecond
	tracker := NewObjectTracker(cfg, testLogger(), nil)

	tracker.Start()
	tracker.Start()
	if !tracker.IsRunning() {
		t.Fatal("expected tracker running after start")
	}

	tracker.Stop()
	tracker.Stop()
	if tracker.IsRunning() {
		t.Error("expected tracker stopped after stop")
	}
}

func TestTrackerScanSurvivesOddShapes(t *testing.T) {
	tracker := NewObjectTracker(trackerConfig(), testLogger(), nil)

	m := map[string]*payload{"a": {}, "b": {}}
	s := []*payload{{}, {}}
	Track(tracker, &m)
	Track(tracker, &s)
	Track(tracker, m["a"])
	Track(tracker, s[0])

	tracker.Scan()
	runtime.KeepAlive(m)
	runtime.KeepAlive(s)

	if got := tracker.Summary().TrackedObjects; got != 4 {
		t.Errorf("expected 4 tracked objects, got %d", got)
	}
}

func BenchmarkTrackerScan(b *testing.B) {
	cfg := trackerConfig()
	cfg.MaxTrackedObjects = 1000
	tracker := NewObjectTracker(cfg, testLogger(), nil)

	nodes := make([]*cycleNode, 500)
	for i := range nodes {
		nodes[i] = &cycleNode{name: "n"}
		Track(tracker, nodes[i])
	}
	for i := 0; i < len(nodes)-1; i++ {
		nodes[i].a = nodes[i+1]
	}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		tracker.Scan()
	}
	runtime.KeepAlive(nodes)
}
