package scan

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"

	"github.com/aegisflux/scanengine/internal/bus"
	"github.com/aegisflux/scanengine/internal/model"
	"github.com/aegisflux/scanengine/internal/module"
)

// runWorker feeds one module its queue, one finding at a time
func (c *Coordinator) runWorker(s *Session, w *worker, logger *slog.Logger) {
	defer s.wg.Done()
	for {
		f, err := s.bus.Next(s.ctx, w.name)
		if err != nil {
			if !errors.Is(err, bus.ErrClosed) && !errors.Is(err, bus.ErrUnsubscribed) && !errors.Is(err, context.Canceled) {
				logger.Error("Worker stopped unexpectedly", "error", err)
			}
			return
		}
		c.deliver(s, w, f, logger)
		s.bus.Ack()
	}
}

func (c *Coordinator) deliver(s *Session, w *worker, f *model.Finding, logger *slog.Logger) {
	select {
	case <-s.abort:
		return
	default:
	}
	if w.errored() {
		return
	}

	if w.desc.Flags.TargetScoped && !f.IsRoot() && f.ActualSource != "" && !s.matcher.InScope(f.ActualSource) {
		w.scopeSkipped.Add(1)
		if c.metrics != nil {
			c.metrics.FindingsScopeSkip.WithLabelValues(w.name).Inc()
		}
		logger.Debug("Skipping out of scope finding",
			"finding_type", f.Type,
			"actual_source", f.ActualSource)
		return
	}

	key := w.desc.DedupeKey(f)
	if key == "" {
		key = f.Data
	}
	if !s.seen.Mark(w.name, key) {
		w.deduplicated.Add(1)
		if c.metrics != nil {
			c.metrics.FindingsDeduped.WithLabelValues(w.name).Inc()
		}
		return
	}

	w.handled.Add(1)
	if c.metrics != nil {
		c.metrics.FindingsDelivered.WithLabelValues(w.name).Inc()
	}

	ctx := s.ctx
	if w.desc.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, w.desc.Timeout)
		defer cancel()
	}

	start := time.Now()
	err := c.handle(ctx, s, w, f, logger)
	if c.metrics != nil {
		c.metrics.HandlerDuration.WithLabelValues(w.name).Observe(time.Since(start).Seconds())
	}
	if err == nil {
		return
	}
	if module.IsUnrecoverable(err) {
		c.failWorker(s, w, err.Error(), logger)
		return
	}
	logger.Debug("Module dropped finding",
		"finding_type", f.Type,
		"error", err)
}

func (c *Coordinator) handle(ctx context.Context, s *Session, w *worker, f *model.Finding, logger *slog.Logger) (err error) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("Module handler panicked", "panic", r, "stack", string(debug.Stack()))
			err = module.Unrecoverable(fmt.Errorf("panic: %v", r))
		}
	}()

	emit := module.EmitterFunc(func(ctx context.Context, nf *model.Finding) error {
		return c.emit(ctx, s, w, f, nf, logger)
	})
	return w.mod.Handle(ctx, f, emit)
}

// emit publishes a finding on behalf of w while it handles parent
func (c *Coordinator) emit(ctx context.Context, s *Session, w *worker, parent, nf *model.Finding, logger *slog.Logger) error {
	if nf == nil {
		return errors.New("nil finding")
	}
	if nf.Module == "" {
		nf.Module = w.name
	}
	if nf.Source == nil {
		nf.Source = parent
	}
	if !w.desc.ProducesType(nf.Type) {
		logger.Debug("Module emitted an undeclared type", "finding_type", nf.Type)
	}

	rec, err := s.bus.Publish(ctx, w.name, nf)
	if err != nil {
		if errors.Is(err, bus.ErrClosed) || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return err
		}
		w.rejected.Add(1)
		if c.metrics != nil {
			c.metrics.FindingsRejected.WithLabelValues(w.name).Inc()
		}
		logger.Warn("Discarded invalid finding",
			"finding_type", nf.Type,
			"error", err)
		return err
	}

	w.emitted.Add(1)
	c.recordPublished(s, rec)
	return nil
}
