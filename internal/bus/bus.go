// Package bus is the in-process publish/subscribe layer of a scan. Findings
// are delivered FIFO to every subscriber watching their type, nothing is ever
// dropped, and publishers block while a target queue is full.
package bus

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/aegisflux/scanengine/internal/model"
)

// DefaultCapacity is the soft queue length per subscriber
const DefaultCapacity = 256

var (
	// ErrUnknownType rejects a finding whose type is not in the catalog
	ErrUnknownType = errors.New("unknown finding type")
	// ErrInvalidProvenance rejects a finding whose parent was not published on this bus
	ErrInvalidProvenance = errors.New("invalid provenance")
	// ErrClosed is returned once the bus has been closed
	ErrClosed = errors.New("bus closed")
	// ErrUnsubscribed is returned by Next for an id with no subscription
	ErrUnsubscribed = errors.New("not subscribed")
	// ErrDuplicateSubscriber is returned when an id subscribes twice
	ErrDuplicateSubscriber = errors.New("already subscribed")
)

// Stats is a snapshot of the bus counters
type Stats struct {
	Published   uint64 `json:"published"`
	Delivered   uint64 `json:"delivered"`
	Outstanding int64  `json:"outstanding"`
	Subscribers int    `json:"subscribers"`
	// Overflows counts enqueues past the queue capacity
	Overflows uint64 `json:"overflows"`
}

type subscriber struct {
	id       string
	wildcard bool
	types    map[model.FindingType]bool
	queue    []*model.Finding
	notify   chan struct{}
	// waiting is set while the subscriber's own worker is blocked in Publish
	waiting bool
	// overflowed is set once the queue has grown past capacity
	overflowed bool
}

func (s *subscriber) watches(t model.FindingType) bool {
	return s.wildcard || s.types[t]
}

func (s *subscriber) wake() {
	select {
	case s.notify <- struct{}{}:
	default:
	}
}

// Bus serves one scan. All state sits behind a single mutex so that the
// order findings are appended to queues is the global publish order.
type Bus struct {
	mu       sync.Mutex
	cond     *sync.Cond
	catalog  *model.Catalog
	capacity int
	logger   *slog.Logger
	now      func() time.Time

	subs    map[string]*subscriber
	order   []string
	records []*model.Finding

	seq         uint64
	delivered   uint64
	overflows   uint64
	outstanding int64
	seeded      bool
	closed      bool
	quiet       chan struct{}
	quietOnce   sync.Once
}

// New creates a bus accepting the types in catalog. capacity is the soft
// per-subscriber queue length; enqueues exempt from backpressure may exceed
// it and are counted in Stats.Overflows.
func New(catalog *model.Catalog, capacity int, logger *slog.Logger) *Bus {
	if capacity < 1 {
		capacity = DefaultCapacity
	}
	b := &Bus{
		catalog:  catalog,
		capacity: capacity,
		logger:   logger,
		now:      time.Now,
		subs:     make(map[string]*subscriber),
		quiet:    make(chan struct{}),
	}
	b.cond = sync.NewCond(&b.mu)
	return b
}

// Subscribe registers id for findings of the given types. The interest table
// is consulted at publish time only.
func (b *Bus) Subscribe(id string, types []model.FindingType) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrClosed
	}
	if _, ok := b.subs[id]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateSubscriber, id)
	}
	s := &subscriber{
		id:     id,
		types:  make(map[model.FindingType]bool, len(types)),
		notify: make(chan struct{}, 1),
	}
	for _, t := range types {
		if t == model.Wildcard {
			s.wildcard = true
		}
		s.types[t] = true
	}
	b.subs[id] = s
	b.order = append(b.order, id)
	return nil
}

// Unsubscribe removes id and discards whatever is still queued for it.
// It returns the number of discarded findings.
func (b *Bus) Unsubscribe(id string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dropLocked(id)
}

func (b *Bus) dropLocked(id string) int {
	s, ok := b.subs[id]
	if !ok {
		return 0
	}
	n := len(s.queue)
	s.queue = nil
	delete(b.subs, id)
	for i, o := range b.order {
		if o == id {
			b.order = append(b.order[:i], b.order[i+1:]...)
			break
		}
	}
	b.outstanding -= int64(n)
	s.wake()
	b.cond.Broadcast()
	b.checkQuietLocked()
	return n
}

// Publish validates f, stamps it with the next sequence number and enqueues
// it for every subscriber watching its type. from is the subscriber id of the
// publishing worker, or empty for the coordinator. The stored canonical copy
// is returned.
func (b *Bus) Publish(ctx context.Context, from string, f *model.Finding) (*model.Finding, error) {
	stop := context.AfterFunc(ctx, func() {
		b.mu.Lock()
		b.cond.Broadcast()
		b.mu.Unlock()
	})
	defer stop()

	b.mu.Lock()
	defer b.mu.Unlock()

	if err := b.validateLocked(f); err != nil {
		return nil, err
	}
	if err := b.awaitRoomLocked(ctx, from, f.Type); err != nil {
		return nil, err
	}
	// The bus may have closed while we waited.
	if b.closed {
		return nil, ErrClosed
	}

	rec := f.Clone()
	b.seq++
	rec.Created = b.seq
	if rec.Generated.IsZero() {
		rec.Generated = b.now()
	}
	if rec.Source != nil {
		rec.SourceID = rec.Source.ID
		if rec.ActualSource == "" {
			rec.ActualSource = rec.Source.Data
		}
	} else {
		b.seeded = true
	}
	rec.ID = rec.ComputeID()
	b.records = append(b.records, rec)

	for _, id := range b.order {
		s := b.subs[id]
		if !s.watches(rec.Type) {
			continue
		}
		s.queue = append(s.queue, rec)
		b.outstanding++
		if len(s.queue) > b.capacity {
			b.overflows++
			if !s.overflowed {
				s.overflowed = true
				b.logger.Warn("Subscriber queue above capacity, memory is no longer bounded",
					"subscriber", s.id,
					"queued", len(s.queue),
					"capacity", b.capacity)
			}
		}
		s.wake()
	}
	b.checkQuietLocked()
	return rec, nil
}

func (b *Bus) validateLocked(f *model.Finding) error {
	if b.closed {
		return ErrClosed
	}
	if f == nil {
		return fmt.Errorf("%w: nil finding", ErrInvalidProvenance)
	}
	if err := f.Validate(); err != nil {
		return fmt.Errorf("invalid finding: %w", err)
	}
	if !b.catalog.Known(f.Type) {
		return fmt.Errorf("%w: %s", ErrUnknownType, f.Type)
	}
	if f.Source == nil {
		if f.Module != model.RootModule {
			return fmt.Errorf("%w: finding from %s has no source", ErrInvalidProvenance, f.Module)
		}
		if b.seeded {
			return fmt.Errorf("%w: scan already has a root finding", ErrInvalidProvenance)
		}
		return nil
	}
	c := f.Source.Created
	if c == 0 || c > uint64(len(b.records)) || b.records[c-1] != f.Source {
		return fmt.Errorf("%w: source was not published on this bus", ErrInvalidProvenance)
	}
	return nil
}

// awaitRoomLocked blocks while some target queue is at capacity. A publisher
// never waits on its own queue nor on a subscriber whose worker is itself
// blocked publishing, so waits cannot form a cycle.
func (b *Bus) awaitRoomLocked(ctx context.Context, from string, t model.FindingType) error {
	self := b.subs[from]
	defer func() {
		if self != nil && self.waiting {
			self.waiting = false
			b.cond.Broadcast()
		}
	}()

	for {
		if b.closed {
			return ErrClosed
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if !b.blockedLocked(from, t) {
			return nil
		}
		if self != nil && !self.waiting {
			self.waiting = true
			b.cond.Broadcast()
		}
		b.cond.Wait()
		// The subscription may have been dropped while we slept.
		if self != nil && b.subs[from] != self {
			self.waiting = false
			self = nil
		}
	}
}

func (b *Bus) blockedLocked(from string, t model.FindingType) bool {
	for _, id := range b.order {
		s := b.subs[id]
		if id == from || s.waiting || !s.watches(t) {
			continue
		}
		if len(s.queue) >= b.capacity {
			return true
		}
	}
	return false
}

// Next blocks until a finding is queued for id and removes it from the
// queue. The caller must call Ack once it has finished with the finding.
func (b *Bus) Next(ctx context.Context, id string) (*model.Finding, error) {
	for {
		b.mu.Lock()
		s, ok := b.subs[id]
		if !ok {
			b.mu.Unlock()
			if b.isClosed() {
				return nil, ErrClosed
			}
			return nil, fmt.Errorf("%w: %s", ErrUnsubscribed, id)
		}
		if len(s.queue) > 0 {
			f := s.queue[0]
			s.queue[0] = nil
			s.queue = s.queue[1:]
			b.delivered++
			b.cond.Broadcast()
			b.mu.Unlock()
			return f, nil
		}
		notify := s.notify
		b.mu.Unlock()

		select {
		case <-notify:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// Ack releases one delivery taken with Next, whether it was handled or
// skipped.
func (b *Bus) Ack() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.outstanding--
	b.checkQuietLocked()
}

func (b *Bus) checkQuietLocked() {
	if b.outstanding < 0 {
		b.logger.Error("Outstanding delivery count went negative", "outstanding", b.outstanding)
		b.outstanding = 0
	}
	if (b.seeded || b.closed) && b.outstanding == 0 {
		b.quietOnce.Do(func() { close(b.quiet) })
	}
}

// Quiet is closed once the root finding was published and every delivery
// has been acknowledged, or once the bus is closed and drained.
func (b *Bus) Quiet() <-chan struct{} {
	return b.quiet
}

// Close stops the bus: queued findings are discarded, blocked publishers
// return ErrClosed and no new finding is accepted. Deliveries already taken
// with Next must still be acknowledged.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for _, id := range b.order {
		s := b.subs[id]
		b.outstanding -= int64(len(s.queue))
		s.queue = nil
		s.wake()
	}
	b.subs = make(map[string]*subscriber)
	b.order = nil
	b.cond.Broadcast()
	b.checkQuietLocked()
}

func (b *Bus) isClosed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.closed
}

// Stats returns the current counters
func (b *Bus) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()
	return Stats{
		Published:   b.seq,
		Delivered:   b.delivered,
		Outstanding: b.outstanding,
		Subscribers: len(b.subs),
		Overflows:   b.overflows,
	}
}

// Findings returns every published finding in publish order
func (b *Bus) Findings() []*model.Finding {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]*model.Finding(nil), b.records...)
}

// Subscribed reports whether id currently has a subscription
func (b *Bus) Subscribed(id string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.subs[id]
	return ok
}
