// Package dedupe remembers which inputs each module has already been handed
// during a scan.
package dedupe

import (
	"log/slog"
	"sync"
	"sync/atomic"

	lru "github.com/hashicorp/golang-lru/v2"
)

// DefaultCapacity bounds one module's seen-set
const DefaultCapacity = 100000

// SeenSet is the bounded memory of one module. Once the capacity is reached
// the least recently seen keys are forgotten.
type SeenSet struct {
	entries *lru.Cache[string, struct{}]
	evicted atomic.Bool
	purging atomic.Bool
	// onEvict runs on the first eviction only
	onEvict func()
}

// NewSeenSet creates a seen-set holding up to capacity keys
func NewSeenSet(capacity int) (*SeenSet, error) {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	s := &SeenSet{}
	entries, err := lru.NewWithEvict[string, struct{}](capacity, func(string, struct{}) {
		if s.purging.Load() {
			return
		}
		if s.evicted.CompareAndSwap(false, true) && s.onEvict != nil {
			s.onEvict()
		}
	})
	if err != nil {
		return nil, err
	}
	s.entries = entries
	return s, nil
}

// Evicted reports whether a key was ever forgotten for lack of room. From
// then on a repeated input may be handed to the module again.
func (s *SeenSet) Evicted() bool {
	return s.evicted.Load()
}

// Mark records key and reports whether it was new
func (s *SeenSet) Mark(key string) bool {
	ok, _ := s.entries.ContainsOrAdd(key, struct{}{})
	return !ok
}

// Has reports whether key was marked, without refreshing it
func (s *SeenSet) Has(key string) bool {
	return s.entries.Contains(key)
}

// Len returns the number of remembered keys
func (s *SeenSet) Len() int {
	return s.entries.Len()
}

// Reset forgets every key
func (s *SeenSet) Reset() {
	// Purge reports every entry to the eviction callback
	s.purging.Store(true)
	s.entries.Purge()
	s.purging.Store(false)
	s.evicted.Store(false)
}

// Table holds the seen-sets of every module in one scan
type Table struct {
	mu       sync.Mutex
	capacity int
	sets     map[string]*SeenSet
	logger   *slog.Logger
}

// NewTable creates an empty table whose sets hold up to capacity keys
func NewTable(capacity int, logger *slog.Logger) *Table {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Table{capacity: capacity, sets: make(map[string]*SeenSet), logger: logger}
}

func (t *Table) set(moduleName string) *SeenSet {
	t.mu.Lock()
	defer t.mu.Unlock()
	s, ok := t.sets[moduleName]
	if !ok {
		// capacity is always positive here, so NewSeenSet cannot fail
		s, _ = NewSeenSet(t.capacity)
		capacity, logger := t.capacity, t.logger
		s.onEvict = func() {
			logger.Warn("Seen-set full, module may receive repeated inputs",
				"module", moduleName,
				"capacity", capacity)
		}
		t.sets[moduleName] = s
	}
	return s
}

// Mark records key for moduleName and reports whether it was new
func (t *Table) Mark(moduleName, key string) bool {
	return t.set(moduleName).Mark(key)
}

// HasSeen reports whether moduleName was already handed key
func (t *Table) HasSeen(moduleName, key string) bool {
	t.mu.Lock()
	s, ok := t.sets[moduleName]
	t.mu.Unlock()
	return ok && s.Has(key)
}

// Reset forgets everything; it is called when the scan ends
func (t *Table) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, s := range t.sets {
		s.Reset()
	}
	t.sets = make(map[string]*SeenSet)
}
