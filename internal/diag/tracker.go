package diag

import (
	"fmt"
	"reflect"
	"runtime"
	"sort"
	"strings"
	"sync"
	"time"
	"weak"

	"memdiag/internal/config"
	"memdiag/internal/logging"
)

// maxCycleDepth bounds the depth-first cycle walk. Cycles longer than this
// are not recovered.
const maxCycleDepth = 10

// TrackedObjectRecord describes one registered object. The record survives
// the object itself until the next scan confirms collection.
type TrackedObjectRecord struct {
	ID            uint64    `json:"id"`
	TypeName      string    `json:"type_name"`
	FirstSeen     time.Time `json:"first_seen"`
	CreationStack string    `json:"creation_stack,omitempty"`
}

// ReferenceEdge is a directed reference between two tracked objects,
// rebuilt from scratch on every scan.
type ReferenceEdge struct {
	From uint64 `json:"from"`
	To   uint64 `json:"to"`
}

// CycleNode is one member of a recovered reference cycle.
type CycleNode struct {
	ID       uint64 `json:"id"`
	TypeName string `json:"type_name"`
}

// RetainCycleReport records one confirmed reference cycle.
type RetainCycleReport struct {
	DetectedAt  time.Time   `json:"detected_at"`
	Objects     []CycleNode `json:"objects"`
	CycleLength int         `json:"cycle_length"`
}

// DanglingReferenceReport records an object that was collected while still
// referenced by live tracked objects on the last scan.
type DanglingReferenceReport struct {
	DetectedAt   time.Time `json:"detected_at"`
	ObjectID     uint64    `json:"object_id"`
	TypeName     string    `json:"type_name"`
	ReferencedBy []uint64  `json:"referenced_by"`
}

// TrackerSummary is the read-only view the facade merges into summaries.
type TrackerSummary struct {
	Enabled            bool           `json:"enabled"`
	Running            bool           `json:"running"`
	TrackedObjects     int            `json:"tracked_objects"`
	TypeCounts         map[string]int `json:"type_counts"`
	RetainCycles       int            `json:"retain_cycles"`
	DanglingReferences int            `json:"dangling_references"`
	ScanCount          uint64         `json:"scan_count"`
	LastScan           time.Time      `json:"last_scan"`
}

type trackedEntry struct {
	record  TrackedObjectRecord
	resolve func() any
}

// ObjectTracker periodically scans registered objects, counts them by
// type, rebuilds a best-effort reference map and flags candidate reference
// cycles and dangling references. Objects are held weakly; registration
// never extends a lifetime.
type ObjectTracker struct {
	cfg      *config.TrackerConfig
	logger   *logging.Logger
	exporter Exporter

	mu             sync.Mutex
	nextID         uint64
	entries        map[uint64]*trackedEntry
	order          []uint64
	typeCounts     map[string]int
	prevTypeCounts map[string]int
	edges          []ReferenceEdge
	cycles         *Ring[RetainCycleReport]
	dangling       *Ring[DanglingReferenceReport]
	scanCount      uint64
	lastScan       time.Time

	running bool
	stopCh  chan struct{}
	done    chan struct{}
}

// NewObjectTracker creates a tracker. The exporter may be nil.
func NewObjectTracker(cfg *config.TrackerConfig, logger *logging.Logger, exporter Exporter) *ObjectTracker {
	if exporter == nil {
		exporter = NopExporter{}
	}
	history := cfg.ReportHistorySize
	if history < 1 {
		history = 50
	}
	return &ObjectTracker{
		cfg:            cfg,
		logger:         logger.WithComponent("tracker"),
		exporter:       exporter,
		entries:        make(map[uint64]*trackedEntry),
		typeCounts:     make(map[string]int),
		prevTypeCounts: make(map[string]int),
		cycles:         NewRing[RetainCycleReport](history),
		dangling:       NewRing[DanglingReferenceReport](history),
	}
}

// Track registers a pointer with the tracker and returns its object ID.
// The tracker keeps only a weak handle, so registration does not keep the
// object alive. Returns 0 when the type is filtered out.
func Track[T any](t *ObjectTracker, obj *T) uint64 {
	if obj == nil {
		return 0
	}
	typeName := fmt.Sprintf("%T", obj)
	if !t.typeAllowed(typeName) {
		return 0
	}

	wp := weak.Make(obj)
	resolve := func() any {
		p := wp.Value()
		if p == nil {
			return nil
		}
		return p
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if t.cfg.MaxTrackedObjects > 0 && len(t.entries) >= t.cfg.MaxTrackedObjects {
		t.evictOldestLocked()
	}

	t.nextID++
	id := t.nextID
	t.entries[id] = &trackedEntry{
		record: TrackedObjectRecord{
			ID:            id,
			TypeName:      typeName,
			FirstSeen:     time.Now(),
			CreationStack: shortStack(2),
		},
		resolve: resolve,
	}
	t.order = append(t.order, id)
	return id
}

func (t *ObjectTracker) typeAllowed(typeName string) bool {
	for _, deny := range t.cfg.TypeDenyList {
		if strings.Contains(typeName, deny) {
			return false
		}
	}
	if len(t.cfg.TypeAllowList) == 0 {
		return true
	}
	for _, allow := range t.cfg.TypeAllowList {
		if strings.Contains(typeName, allow) {
			return true
		}
	}
	return false
}

func (t *ObjectTracker) evictOldestLocked() {
	for len(t.order) > 0 {
		id := t.order[0]
		t.order = t.order[1:]
		if _, ok := t.entries[id]; ok {
			delete(t.entries, id)
			return
		}
	}
}

// Start launches the background scan loop. Idempotent.
func (t *ObjectTracker) Start() {
	t.mu.Lock()
	if t.running || !t.cfg.Enabled {
		t.mu.Unlock()
		return
	}
	t.running = true
	t.stopCh = make(chan struct{})
	t.done = make(chan struct{})
	stopCh, done := t.stopCh, t.done
	t.mu.Unlock()

	t.logger.Info("object tracker started", "interval", t.cfg.Interval.String())

	go func() {
		defer close(done)
		ticker := time.NewTicker(t.cfg.Interval)
		defer ticker.Stop()
		for {
			select {
			case <-stopCh:
				return
			case <-ticker.C:
				t.safeScan()
			}
		}
	}()
}

// Stop halts the scan loop, waiting up to the join timeout. Idempotent.
func (t *ObjectTracker) Stop() {
	t.mu.Lock()
	if !t.running {
		t.mu.Unlock()
		return
	}
	t.running = false
	close(t.stopCh)
	done := t.done
	t.mu.Unlock()

	select {
	case <-done:
	case <-time.After(joinTimeout):
		t.logger.Warn("object tracker did not stop within join timeout")
	}
	t.logger.Info("object tracker stopped")
}

// IsRunning reports whether the scan loop is active.
func (t *ObjectTracker) IsRunning() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.running
}

func (t *ObjectTracker) safeScan() {
	defer func() {
		if r := recover(); r != nil {
			t.exporter.RecordAnalyzerError()
			t.logger.AnalyzerError("tracker", fmt.Errorf("scan panic: %v", r))
		}
	}()
	t.Scan()
}

// Scan performs one full pass: liveness check, dangling detection, edge
// rebuild, per-type accounting and cycle candidate confirmation. Safe to
// call directly for an immediate analysis.
func (t *ObjectTracker) Scan() {
	started := time.Now()

	t.mu.Lock()
	defer t.mu.Unlock()

	live := make(map[uint64]any, len(t.entries))
	addrToID := make(map[uintptr]uint64, len(t.entries))

	var collected []uint64
	for id, entry := range t.entries {
		obj := entry.resolve()
		if obj == nil {
			collected = append(collected, id)
			continue
		}
		live[id] = obj
		v := reflect.ValueOf(obj)
		if v.Kind() == reflect.Ptr {
			addrToID[v.Pointer()] = id
		}
	}
	sort.Slice(collected, func(i, j int) bool { return collected[i] < collected[j] })

	// An object that disappeared while the previous scan still saw live
	// references to it is reported as dangling before its record goes.
	for _, id := range collected {
		var referencedBy []uint64
		for _, e := range t.edges {
			if e.To == id {
				if _, stillLive := live[e.From]; stillLive {
					referencedBy = append(referencedBy, e.From)
				}
			}
		}
		if len(referencedBy) > 0 {
			t.dangling.Append(DanglingReferenceReport{
				DetectedAt:   time.Now(),
				ObjectID:     id,
				TypeName:     t.entries[id].record.TypeName,
				ReferencedBy: referencedBy,
			})
			t.logger.Warn("dangling reference detected",
				"object_id", id,
				"type", t.entries[id].record.TypeName,
				"referenced_by", len(referencedBy))
		}
		delete(t.entries, id)
	}

	// Rebuild the reference map from scratch for this batch.
	edges := make([]ReferenceEdge, 0, len(live))
	seen := make(map[ReferenceEdge]bool)
	for id, obj := range live {
		for _, addr := range scanTargets(obj) {
			to, ok := addrToID[addr]
			if !ok || to == id {
				continue
			}
			e := ReferenceEdge{From: id, To: to}
			if !seen[e] {
				seen[e] = true
				edges = append(edges, e)
			}
		}
	}
	t.edges = edges

	t.prevTypeCounts = t.typeCounts
	counts := make(map[string]int)
	for id := range live {
		counts[t.entries[id].record.TypeName]++
	}
	t.typeCounts = counts
	t.logTypeChangesLocked()

	t.confirmCyclesLocked(edges)

	t.scanCount++
	t.lastScan = time.Now()
	t.exporter.RecordTracker(len(t.entries), t.dangling.Len(), t.cycles.Len())
	t.exporter.RecordAnalysis(time.Since(started))
	t.logger.AnalyzerTick("tracker", time.Since(started), map[string]interface{}{
		"tracked":  len(t.entries),
		"cycles":   t.cycles.Len(),
		"dangling": t.dangling.Len(),
	})
}

// logTypeChangesLocked logs types whose count moved by more than 10% and
// at least 10 objects since the previous scan.
func (t *ObjectTracker) logTypeChangesLocked() {
	for typeName, count := range t.typeCounts {
		prev := t.prevTypeCounts[typeName]
		diff := count - prev
		if diff < 0 {
			diff = -diff
		}
		if diff < 10 {
			continue
		}
		if prev > 0 && float64(diff)/float64(prev) <= 0.10 {
			continue
		}
		t.logger.Info("tracked type count changed",
			"type", typeName,
			"previous", prev,
			"current", count)
	}
}

// confirmCyclesLocked finds mutual-reference pairs as cycle candidates and
// walks depth-first from each trying to recover the full cycle. Within one
// scan each distinct node set is reported once.
func (t *ObjectTracker) confirmCyclesLocked(edges []ReferenceEdge) {
	adjacency := make(map[uint64][]uint64)
	edgeSet := make(map[ReferenceEdge]bool, len(edges))
	for _, e := range edges {
		adjacency[e.From] = append(adjacency[e.From], e.To)
		edgeSet[e] = true
	}
	for _, neighbors := range adjacency {
		sort.Slice(neighbors, func(i, j int) bool { return neighbors[i] < neighbors[j] })
	}

	reported := make(map[string]bool)
	for _, e := range edges {
		if e.From >= e.To {
			continue
		}
		if !edgeSet[ReferenceEdge{From: e.To, To: e.From}] {
			continue
		}
		// Candidate pair. Try to recover a longer cycle through the pair
		// without the direct back edge; fall back to the pair itself.
		path := t.findCycleLocked(adjacency, e.From, e.To)
		if path == nil {
			path = []uint64{e.From, e.To}
		}
		key := cycleKey(path)
		if reported[key] {
			continue
		}
		reported[key] = true
		t.emitCycleLocked(path)
	}
}

// findCycleLocked walks depth-first from `via` back to `start` avoiding
// the direct via->start edge, stopping at the first repeated node and at
// the depth bound.
func (t *ObjectTracker) findCycleLocked(adjacency map[uint64][]uint64, start, via uint64) []uint64 {
	path := []uint64{start, via}
	inPath := map[uint64]bool{start: true, via: true}

	var walk func(cur uint64) []uint64
	walk = func(cur uint64) []uint64 {
		if len(path) >= maxCycleDepth {
			return nil
		}
		for _, next := range adjacency[cur] {
			if next == start {
				if cur == via {
					// Direct back edge only closes the pair.
					continue
				}
				return append([]uint64(nil), path...)
			}
			if inPath[next] {
				continue
			}
			path = append(path, next)
			inPath[next] = true
			if found := walk(next); found != nil {
				return found
			}
			path = path[:len(path)-1]
			delete(inPath, next)
		}
		return nil
	}
	return walk(via)
}

func (t *ObjectTracker) emitCycleLocked(path []uint64) {
	nodes := make([]CycleNode, 0, len(path))
	for _, id := range path {
		typeName := "unknown"
		if entry, ok := t.entries[id]; ok {
			typeName = entry.record.TypeName
		}
		nodes = append(nodes, CycleNode{ID: id, TypeName: typeName})
	}
	t.cycles.Append(RetainCycleReport{
		DetectedAt:  time.Now(),
		Objects:     nodes,
		CycleLength: len(path),
	})
	t.logger.Warn("retain cycle detected",
		"cycle_length", len(path),
		"first_type", nodes[0].TypeName)
}

func cycleKey(path []uint64) string {
	ids := append([]uint64(nil), path...)
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	var b strings.Builder
	for _, id := range ids {
		fmt.Fprintf(&b, "%d,", id)
	}
	return b.String()
}

// Summary returns the tracker's current read-only state.
func (t *ObjectTracker) Summary() TrackerSummary {
	t.mu.Lock()
	defer t.mu.Unlock()

	counts := make(map[string]int, len(t.typeCounts))
	for k, v := range t.typeCounts {
		counts[k] = v
	}
	return TrackerSummary{
		Enabled:            t.cfg.Enabled,
		Running:            t.running,
		TrackedObjects:     len(t.entries),
		TypeCounts:         counts,
		RetainCycles:       t.cycles.Len(),
		DanglingReferences: t.dangling.Len(),
		ScanCount:          t.scanCount,
		LastScan:           t.lastScan,
	}
}

// RetainCycles returns the bounded cycle report history, oldest first.
func (t *ObjectTracker) RetainCycles() []RetainCycleReport {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.cycles.Items()
}

// DanglingReferences returns the bounded dangling report history.
func (t *ObjectTracker) DanglingReferences() []DanglingReferenceReport {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.dangling.Items()
}

// TypeStats returns per-type counts with an estimated byte size for each
// type, derived from the reflected type layout. The estimate covers direct
// storage only, not referenced allocations.
func (t *ObjectTracker) TypeStats() map[string]TypeStat {
	t.mu.Lock()
	defer t.mu.Unlock()

	stats := make(map[string]TypeStat)
	for _, entry := range t.entries {
		obj := entry.resolve()
		if obj == nil {
			continue
		}
		s := stats[entry.record.TypeName]
		s.TypeName = entry.record.TypeName
		s.Count++
		v := reflect.ValueOf(obj)
		if v.Kind() == reflect.Ptr && !v.IsNil() {
			s.Bytes += uint64(v.Elem().Type().Size())
		}
		stats[entry.record.TypeName] = s
	}
	return stats
}

// scanTargets reflects over one object and collects the addresses it
// references. Containers, mapping keys and values, and struct fields are
// inspected; anything else is skipped. A panic during introspection skips
// just that object.
func scanTargets(obj any) (targets []uintptr) {
	defer func() {
		_ = recover()
	}()

	v := reflect.ValueOf(obj)
	if v.Kind() != reflect.Ptr || v.IsNil() {
		return nil
	}
	collectTargets(v.Elem(), &targets, 2)
	return targets
}

func collectTargets(v reflect.Value, out *[]uintptr, depth int) {
	if depth < 0 {
		return
	}
	switch v.Kind() {
	case reflect.Ptr:
		if !v.IsNil() {
			*out = append(*out, v.Pointer())
		}
	case reflect.Interface:
		if !v.IsNil() {
			collectTargets(v.Elem(), out, depth)
		}
	case reflect.Struct:
		for i := 0; i < v.NumField(); i++ {
			collectTargets(v.Field(i), out, depth-1)
		}
	case reflect.Map:
		iter := v.MapRange()
		for iter.Next() {
			collectTargets(iter.Key(), out, depth-1)
			collectTargets(iter.Value(), out, depth-1)
		}
	case reflect.Slice, reflect.Array:
		for i := 0; i < v.Len(); i++ {
			collectTargets(v.Index(i), out, depth-1)
		}
	}
}

// shortStack captures a compact caller stack for object records and
// critical-point events.
func shortStack(skip int) string {
	pcs := make([]uintptr, 8)
	n := runtime.Callers(skip+2, pcs)
	if n == 0 {
		return ""
	}
	frames := runtime.CallersFrames(pcs[:n])
	var b strings.Builder
	for {
		frame, more := frames.Next()
		if frame.Function != "" {
			fmt.Fprintf(&b, "%s:%d ", frame.Function, frame.Line)
		}
		if !more {
			break
		}
	}
	return strings.TrimSpace(b.String())
}
