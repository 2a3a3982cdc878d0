package fetch

import (
	"context"
	"sync"
	"time"
)

// Pacer enforces a fixed delay after every call to a data source. Each source
// has its own gate so that sources never wait on each other.
type Pacer struct {
	mu     sync.Mutex
	gates  map[string]*gate
	delays map[string]time.Duration
	now    func() time.Time
}

type gate struct {
	sem  chan struct{}
	next time.Time
}

// NewPacer creates an empty pacer; sources without a delay are not paced
func NewPacer() *Pacer {
	return &Pacer{
		gates:  make(map[string]*gate),
		delays: make(map[string]time.Duration),
		now:    time.Now,
	}
}

// SetDelay configures the post-call delay for source
func (p *Pacer) SetDelay(source string, d time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if d <= 0 {
		delete(p.delays, source)
		return
	}
	p.delays[source] = d
}

// Delay returns the configured delay for source
func (p *Pacer) Delay(source string) time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.delays[source]
}

func (p *Pacer) gate(source string) (*gate, time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()
	d := p.delays[source]
	if d <= 0 {
		return nil, 0
	}
	g, ok := p.gates[source]
	if !ok {
		g = &gate{sem: make(chan struct{}, 1)}
		p.gates[source] = g
	}
	return g, d
}

// Acquire waits until source may be called again and returns the function
// that must be called once the call has finished. Calls to one source are
// serialized.
func (p *Pacer) Acquire(ctx context.Context, source string) (func(), error) {
	g, d := p.gate(source)
	if g == nil {
		return func() {}, nil
	}

	select {
	case g.sem <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	if wait := g.next.Sub(p.now()); wait > 0 {
		timer := time.NewTimer(wait)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			<-g.sem
			return nil, ctx.Err()
		}
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			g.next = p.now().Add(d)
			<-g.sem
		})
	}, nil
}
