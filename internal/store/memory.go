package store

import (
	"container/ring"
	"context"
	"sort"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/aegisflux/scanengine/internal/model"
	"github.com/aegisflux/scanengine/internal/scan"
)

// Default retention limits
const (
	DefaultMaxScans    = 100
	DefaultMaxFindings = 10000
	DefaultDedupeCap   = 100000
)

type record struct {
	snapshot *scan.Snapshot
	findings *ring.Ring
	count    int
}

// MemoryStore keeps recent scans and their findings. Each scan holds its
// findings in a ring buffer; the oldest scans are evicted once maxScans is
// reached.
type MemoryStore struct {
	mu          sync.RWMutex
	scans       *lru.Cache[string, *record]
	dedupe      *lru.Cache[string, struct{}]
	maxScans    int
	maxFindings int
	dedupeCap   int
}

// NewMemoryStore creates a store with the given retention limits
func NewMemoryStore(maxScans, maxFindings, dedupeCap int) *MemoryStore {
	if maxScans <= 0 {
		maxScans = DefaultMaxScans
	}
	if maxFindings <= 0 {
		maxFindings = DefaultMaxFindings
	}
	if dedupeCap <= 0 {
		dedupeCap = DefaultDedupeCap
	}
	scans, _ := lru.New[string, *record](maxScans)
	dedupe, _ := lru.New[string, struct{}](dedupeCap)

	return &MemoryStore{
		scans:       scans,
		dedupe:      dedupe,
		maxScans:    maxScans,
		maxFindings: maxFindings,
		dedupeCap:   dedupeCap,
	}
}

func (s *MemoryStore) recordFor(scanID string) *record {
	r, ok := s.scans.Get(scanID)
	if !ok {
		r = &record{findings: ring.New(s.maxFindings)}
		s.scans.Add(scanID, r)
	}
	return r
}

// AddFinding stores f for scanID. It returns false for a finding already
// stored under the same id.
func (s *MemoryStore) AddFinding(scanID string, f *model.Finding) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := scanID + "/" + f.ID + "/" + f.SourceID
	if ok, _ := s.dedupe.ContainsOrAdd(key, struct{}{}); ok {
		return false
	}

	r := s.recordFor(scanID)
	r.findings.Value = f
	r.findings = r.findings.Next()
	if r.count < s.maxFindings {
		r.count++
	}
	return true
}

// FindingPublished implements scan.Sink
func (s *MemoryStore) FindingPublished(_ context.Context, scanID string, f *model.Finding) {
	s.AddFinding(scanID, f)
}

// ScanEnded implements scan.Sink
func (s *MemoryStore) ScanEnded(_ context.Context, snap scan.Snapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r := s.recordFor(snap.ID)
	r.snapshot = &snap
}

// Scan returns the final snapshot of an ended scan
func (s *MemoryStore) Scan(id string) (scan.Snapshot, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.scans.Peek(id)
	if !ok || r.snapshot == nil {
		return scan.Snapshot{}, false
	}
	return *r.snapshot, true
}

// Scans returns the snapshots of ended scans, most recent first
func (s *MemoryStore) Scans() []scan.Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []scan.Snapshot
	for _, id := range s.scans.Keys() {
		if r, ok := s.scans.Peek(id); ok && r.snapshot != nil {
			out = append(out, *r.snapshot)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.After(out[j].StartedAt) })
	return out
}

// Findings returns the retained findings of a scan in publish order,
// optionally restricted to one type.
func (s *MemoryStore) Findings(scanID string, t model.FindingType) []*model.Finding {
	s.mu.RLock()
	defer s.mu.RUnlock()

	r, ok := s.scans.Peek(scanID)
	if !ok {
		return nil
	}
	var findings []*model.Finding
	r.findings.Do(func(value any) {
		f, ok := value.(*model.Finding)
		if !ok || (t != "" && f.Type != t) {
			return
		}
		findings = append(findings, f)
	})
	return findings
}

// Delete drops a scan and its findings
func (s *MemoryStore) Delete(scanID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.scans.Remove(scanID)
}

// Stats returns store statistics
func (s *MemoryStore) Stats() map[string]any {
	s.mu.RLock()
	defer s.mu.RUnlock()

	total := 0
	for _, id := range s.scans.Keys() {
		if r, ok := s.scans.Peek(id); ok {
			total += r.count
		}
	}
	return map[string]any{
		"scans":          s.scans.Len(),
		"total_findings": total,
		"max_scans":      s.maxScans,
		"max_findings":   s.maxFindings,
		"dedupe_cap":     s.dedupeCap,
	}
}
