package config

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/aegisflux/scanengine/internal/module"
)

// ChangeSubject carries configuration changes
const ChangeSubject = "config.changed"

const keyPrefix = "scanengine."

// Manager keeps the engine configuration current. Entries from config-api
// are applied at startup and config.changed messages afterwards.
type Manager struct {
	client  *Client
	nats    *nats.Conn
	options *ModuleOptions
	logger  *slog.Logger

	mu          sync.RWMutex
	current     *Snapshot
	sub         *nats.Subscription
	subscribers []func(*Snapshot)
}

// NewManager creates a manager seeded with base. client, nc and options may
// be nil.
func NewManager(base *Snapshot, client *Client, nc *nats.Conn, options *ModuleOptions, logger *slog.Logger) *Manager {
	current := *base
	current.LastUpdated = time.Now()
	if options == nil {
		options = NewModuleOptions()
	}
	return &Manager{
		client:  client,
		nats:    nc,
		options: options,
		logger:  logger,
		current: &current,
	}
}

// Initialize applies config-api entries and subscribes to changes. An
// unreachable config-api leaves the base configuration in place.
func (m *Manager) Initialize(ctx context.Context) error {
	if m.client != nil {
		entries, err := m.client.Entries(ctx)
		if err != nil {
			m.logger.Warn("config-api unavailable, using local configuration", "error", err)
		} else {
			m.mu.Lock()
			for _, e := range entries {
				if err := m.apply(e); err != nil {
					m.logger.Warn("ignoring config entry", "key", e.Key, "error", err)
				}
			}
			m.current.LastUpdated = time.Now()
			m.mu.Unlock()
		}
	}

	if m.nats == nil {
		return nil
	}
	sub, err := m.nats.Subscribe(ChangeSubject, func(msg *nats.Msg) {
		m.handleChange(msg.Data)
	})
	if err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", ChangeSubject, err)
	}
	m.mu.Lock()
	m.sub = sub
	m.mu.Unlock()

	m.logger.Info("subscribed to configuration changes", "subject", ChangeSubject)
	return nil
}

// Close stops listening for changes
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sub == nil {
		return nil
	}
	err := m.sub.Unsubscribe()
	m.sub = nil
	return err
}

// Current returns a copy of the current configuration
func (m *Manager) Current() *Snapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s := *m.current
	return &s
}

// Options returns the module options kept up to date by the manager
func (m *Manager) Options() *ModuleOptions {
	return m.options
}

// Subscribe registers a callback run after every applied change
func (m *Manager) Subscribe(callback func(*Snapshot)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.subscribers = append(m.subscribers, callback)
}

func (m *Manager) handleChange(data []byte) {
	var e Entry
	if err := json.Unmarshal(data, &e); err != nil {
		m.logger.Error("failed to decode config change", "error", err)
		return
	}
	if !strings.HasPrefix(e.Key, keyPrefix) {
		return
	}

	m.mu.Lock()
	err := m.apply(e)
	if err == nil {
		m.current.LastUpdated = time.Now()
	}
	m.mu.Unlock()

	if err != nil {
		m.logger.Warn("rejected config change", "key", e.Key, "updated_by", e.UpdatedBy, "error", err)
		return
	}
	m.logger.Info("applied config change", "key", e.Key, "updated_by", e.UpdatedBy)
	m.notify()
}

// apply updates the snapshot for one entry. Callers hold m.mu.
func (m *Manager) apply(e Entry) error {
	key, ok := strings.CutPrefix(e.Key, keyPrefix)
	if !ok {
		return nil
	}
	if name, ok := strings.CutPrefix(key, "modules."); ok {
		var opts module.Options
		if err := json.Unmarshal(e.Value, &opts); err != nil {
			return fmt.Errorf("module options must be an object: %w", err)
		}
		m.options.Set(name, opts)
		return nil
	}

	s := m.current
	switch key {
	case "queue_capacity":
		return setInt(&s.QueueCapacity, e.Value)
	case "dedupe_cap":
		return setInt(&s.DedupeCap, e.Value)
	case "max_scans":
		return setInt(&s.MaxScans, e.Value)
	case "fetch_retries":
		return setInt(&s.FetchRetries, e.Value)
	case "scan_timeout":
		return setDuration(&s.ScanTimeout, e.Value)
	case "fetch_timeout":
		return setDuration(&s.FetchTimeout, e.Value)
	case "log_level":
		var level string
		if err := json.Unmarshal(e.Value, &level); err != nil {
			return err
		}
		s.LogLevel = level
		return nil
	default:
		return fmt.Errorf("unknown key %q", e.Key)
	}
}

func setInt(dst *int, raw json.RawMessage) error {
	var n int
	if err := json.Unmarshal(raw, &n); err == nil {
		if n < 0 {
			return fmt.Errorf("negative value %d", n)
		}
		*dst = n
		return nil
	}
	var str string
	if err := json.Unmarshal(raw, &str); err != nil {
		return fmt.Errorf("not an integer: %s", raw)
	}
	n, err := strconv.Atoi(str)
	if err != nil || n < 0 {
		return fmt.Errorf("not a non-negative integer: %q", str)
	}
	*dst = n
	return nil
}

// setDuration accepts seconds as a number or a Go duration string
func setDuration(dst *time.Duration, raw json.RawMessage) error {
	var secs float64
	if err := json.Unmarshal(raw, &secs); err == nil {
		if secs < 0 {
			return fmt.Errorf("negative duration %v", secs)
		}
		*dst = time.Duration(secs * float64(time.Second))
		return nil
	}
	var str string
	if err := json.Unmarshal(raw, &str); err != nil {
		return fmt.Errorf("not a duration: %s", raw)
	}
	d, err := time.ParseDuration(str)
	if err != nil {
		return err
	}
	if d < 0 {
		return fmt.Errorf("negative duration %s", str)
	}
	*dst = d
	return nil
}

func (m *Manager) notify() {
	m.mu.RLock()
	snap := *m.current
	subscribers := make([]func(*Snapshot), len(m.subscribers))
	copy(subscribers, m.subscribers)
	m.mu.RUnlock()

	for _, callback := range subscribers {
		go func(cb func(*Snapshot)) {
			defer func() {
				if r := recover(); r != nil {
					m.logger.Error("config subscriber panicked", "panic", r)
				}
			}()
			s := snap
			cb(&s)
		}(callback)
	}
}
