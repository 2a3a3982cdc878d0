// Package natsio connects the scan engine to NATS: findings and scan results
// are published, and scans can be started or aborted by message.
package natsio

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/aegisflux/scanengine/internal/metrics"
	"github.com/aegisflux/scanengine/internal/model"
	"github.com/aegisflux/scanengine/internal/scan"
)

// Subjects used by the engine
const (
	FindingsSubject   = "scanengine.findings"
	ScanEndedSubject  = "scanengine.scans.ended"
	StartSubject      = "scanengine.scans.start"
	AbortSubject      = "scanengine.scans.abort"
	DefaultQueueGroup = "scanengine"
)

// Header names set on published findings
const (
	HeaderScanID  = "x-scan-id"
	HeaderType    = "x-finding-type"
	HeaderModule  = "x-module"
	HeaderCreated = "x-created"
	HeaderID      = "x-finding-id"
)

const publishTimeout = 5 * time.Second

// Publisher forwards scan output to NATS. It implements scan.Sink.
type Publisher struct {
	conn    *nats.Conn
	metrics *metrics.Metrics
	logger  *slog.Logger
}

// NewPublisher creates a publisher on an open connection. m may be nil.
func NewPublisher(conn *nats.Conn, m *metrics.Metrics, logger *slog.Logger) *Publisher {
	return &Publisher{conn: conn, metrics: m, logger: logger}
}

// findingMsg builds the message for one finding
func findingMsg(scanID string, f *model.Finding) (*nats.Msg, error) {
	data, err := json.Marshal(f)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal finding: %w", err)
	}
	msg := nats.NewMsg(FindingsSubject)
	msg.Data = data
	msg.Header.Set(HeaderScanID, scanID)
	msg.Header.Set(HeaderID, f.ID)
	msg.Header.Set(HeaderType, string(f.Type))
	msg.Header.Set(HeaderModule, f.Module)
	msg.Header.Set(HeaderCreated, strconv.FormatUint(f.Created, 10))
	return msg, nil
}

func (p *Publisher) publish(ctx context.Context, msg *nats.Msg) error {
	ctx, cancel := context.WithTimeout(ctx, publishTimeout)
	defer cancel()

	select {
	case <-ctx.Done():
		return fmt.Errorf("publish timeout: %w", ctx.Err())
	default:
	}
	if !p.IsReady() {
		return fmt.Errorf("NATS publisher not ready")
	}
	return p.conn.PublishMsg(msg)
}

// FindingPublished implements scan.Sink
func (p *Publisher) FindingPublished(ctx context.Context, scanID string, f *model.Finding) {
	msg, err := findingMsg(scanID, f)
	if err == nil {
		err = p.publish(ctx, msg)
	}
	if err != nil {
		p.failed()
		p.logger.Error("Failed to publish finding", "scan_id", scanID, "finding_id", f.ID, "error", err)
		return
	}
	p.logger.Debug("Finding published", "scan_id", scanID, "finding_id", f.ID, "subject", FindingsSubject)
}

// ScanEnded implements scan.Sink
func (p *Publisher) ScanEnded(ctx context.Context, snap scan.Snapshot) {
	data, err := json.Marshal(snap)
	if err != nil {
		p.logger.Error("Failed to marshal scan snapshot", "scan_id", snap.ID, "error", err)
		return
	}
	msg := nats.NewMsg(ScanEndedSubject)
	msg.Data = data
	msg.Header.Set(HeaderScanID, snap.ID)
	if err := p.publish(ctx, msg); err != nil {
		p.failed()
		p.logger.Error("Failed to publish scan result", "scan_id", snap.ID, "error", err)
	}
}

func (p *Publisher) failed() {
	if p.metrics != nil {
		p.metrics.IncrementNatsPublishErrors()
	}
}

// IsReady reports whether the connection can publish
func (p *Publisher) IsReady() bool {
	return p.conn != nil && p.conn.IsConnected()
}
