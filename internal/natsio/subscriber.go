package natsio

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/nats-io/nats.go"

	"github.com/aegisflux/scanengine/internal/scan"
)

// Scanner is the part of the coordinator driven by messages
type Scanner interface {
	Start(ctx context.Context, req scan.Request) (*scan.Session, error)
	Abort(id string) error
}

// Reply is sent to requests that carry a reply subject
type Reply struct {
	ScanID string `json:"scan_id,omitempty"`
	Status string `json:"status,omitempty"`
	Error  string `json:"error,omitempty"`
}

// Subscriber starts and aborts scans on request
type Subscriber struct {
	nc      *nats.Conn
	scanner Scanner
	queue   string
	logger  *slog.Logger

	subs []*nats.Subscription
}

// NewSubscriber creates a subscriber. Instances sharing queue split the
// start requests between them.
func NewSubscriber(nc *nats.Conn, scanner Scanner, queue string, logger *slog.Logger) *Subscriber {
	if queue == "" {
		queue = DefaultQueueGroup
	}
	return &Subscriber{nc: nc, scanner: scanner, queue: queue, logger: logger}
}

// Subscribe listens until ctx is cancelled, then drains
func (s *Subscriber) Subscribe(ctx context.Context) error {
	startSub, err := s.nc.QueueSubscribe(StartSubject, s.queue, func(msg *nats.Msg) {
		s.handleStart(ctx, msg)
	})
	if err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", StartSubject, err)
	}
	// Every instance must see aborts since only one holds the scan.
	abortSub, err := s.nc.Subscribe(AbortSubject, s.handleAbort)
	if err != nil {
		_ = startSub.Unsubscribe()
		return fmt.Errorf("failed to subscribe to %s: %w", AbortSubject, err)
	}
	s.subs = []*nats.Subscription{startSub, abortSub}
	s.logger.Info("Subscribed to scan requests", "start", StartSubject, "abort", AbortSubject, "queue", s.queue)

	<-ctx.Done()

	var errs []error
	for _, sub := range s.subs {
		if err := sub.Drain(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// parseStartRequest decodes a scan request
func parseStartRequest(data []byte) (scan.Request, error) {
	var req scan.Request
	if err := json.Unmarshal(data, &req); err != nil {
		return req, fmt.Errorf("invalid scan request: %w", err)
	}
	req.Target = strings.TrimSpace(req.Target)
	if req.Target == "" {
		return req, fmt.Errorf("invalid scan request: target is required")
	}
	return req, nil
}

// parseAbort accepts {"scan_id": "..."} or the bare id
func parseAbort(data []byte) (string, error) {
	trimmed := strings.TrimSpace(string(data))
	if strings.HasPrefix(trimmed, "{") {
		var body struct {
			ScanID string `json:"scan_id"`
		}
		if err := json.Unmarshal(data, &body); err != nil {
			return "", fmt.Errorf("invalid abort request: %w", err)
		}
		trimmed = strings.TrimSpace(body.ScanID)
	}
	if trimmed == "" {
		return "", fmt.Errorf("invalid abort request: scan_id is required")
	}
	return trimmed, nil
}

func (s *Subscriber) handleStart(ctx context.Context, msg *nats.Msg) {
	req, err := parseStartRequest(msg.Data)
	if err != nil {
		s.logger.Error("Failed to parse scan request", "error", err)
		s.respond(msg, Reply{Error: err.Error()})
		return
	}

	session, err := s.scanner.Start(ctx, req)
	if err != nil {
		s.logger.Warn("Scan request rejected", "target", req.Target, "error", err)
		s.respond(msg, Reply{Error: err.Error()})
		return
	}
	s.logger.Info("Scan started from message", "scan_id", session.ID, "target", req.Target)
	s.respond(msg, Reply{ScanID: session.ID, Status: string(session.Status())})
}

func (s *Subscriber) handleAbort(msg *nats.Msg) {
	id, err := parseAbort(msg.Data)
	if err != nil {
		s.logger.Error("Failed to parse abort request", "error", err)
		s.respond(msg, Reply{Error: err.Error()})
		return
	}
	if err := s.scanner.Abort(id); err != nil {
		// Another instance may own the scan.
		if errors.Is(err, scan.ErrNotFound) {
			s.logger.Debug("Abort for unknown scan", "scan_id", id)
			return
		}
		s.respond(msg, Reply{ScanID: id, Error: err.Error()})
		return
	}
	s.logger.Info("Scan aborted from message", "scan_id", id)
	s.respond(msg, Reply{ScanID: id, Status: string(scan.StatusAborting)})
}

func (s *Subscriber) respond(msg *nats.Msg, r Reply) {
	if msg.Reply == "" {
		return
	}
	data, err := json.Marshal(r)
	if err != nil {
		return
	}
	if err := msg.Respond(data); err != nil {
		s.logger.Error("Failed to send reply", "error", err)
	}
}
