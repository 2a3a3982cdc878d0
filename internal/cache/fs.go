package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/klauspost/compress/zstd"
)

// FSStore keeps one zstd-compressed body and one metadata file per key
type FSStore struct {
	dataDir string
	logger  *slog.Logger

	mu  sync.Mutex
	enc *zstd.Encoder
	dec *zstd.Decoder
}

// NewFSStore creates a file system store rooted at dataDir
func NewFSStore(dataDir string, logger *slog.Logger) (*FSStore, error) {
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create cache directory: %w", err)
	}
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return nil, fmt.Errorf("failed to create zstd encoder: %w", err)
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		enc.Close()
		return nil, fmt.Errorf("failed to create zstd decoder: %w", err)
	}
	return &FSStore{dataDir: dataDir, logger: logger, enc: enc, dec: dec}, nil
}

func (s *FSStore) paths(key string) (dir, body, meta string) {
	shard := key
	if len(shard) > 2 {
		shard = shard[:2]
	}
	dir = filepath.Join(s.dataDir, shard)
	return dir, filepath.Join(dir, key+".zst"), filepath.Join(dir, key+".json")
}

// Get reads and decompresses the entry for key
func (s *FSStore) Get(_ context.Context, key string) (Entry, bool, error) {
	_, bodyPath, metaPath := s.paths(key)

	raw, err := os.ReadFile(metaPath)
	if errors.Is(err, os.ErrNotExist) {
		return Entry{}, false, nil
	}
	if err != nil {
		return Entry{}, false, fmt.Errorf("failed to read metadata: %w", err)
	}
	var e Entry
	if err := json.Unmarshal(raw, &e); err != nil {
		return Entry{}, false, fmt.Errorf("failed to parse metadata: %w", err)
	}

	compressed, err := os.ReadFile(bodyPath)
	if errors.Is(err, os.ErrNotExist) {
		return Entry{}, false, nil
	}
	if err != nil {
		return Entry{}, false, fmt.Errorf("failed to read body: %w", err)
	}
	body, err := s.dec.DecodeAll(compressed, nil)
	if err != nil {
		return Entry{}, false, fmt.Errorf("failed to decompress body: %w", err)
	}
	e.Body = body
	return e, true, nil
}

// Put compresses and writes the entry for key. The body is written before the
// metadata so a reader never sees metadata without a body.
func (s *FSStore) Put(_ context.Context, key string, e Entry) error {
	dir, bodyPath, metaPath := s.paths(key)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create shard directory: %w", err)
	}

	s.mu.Lock()
	compressed := s.enc.EncodeAll(e.Body, nil)
	s.mu.Unlock()

	if err := writeFileAtomic(bodyPath, compressed); err != nil {
		return fmt.Errorf("failed to write body: %w", err)
	}
	meta, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("failed to encode metadata: %w", err)
	}
	if err := writeFileAtomic(metaPath, meta); err != nil {
		return fmt.Errorf("failed to write metadata: %w", err)
	}
	s.logger.Debug("Cached response stored", "key", key, "size", len(e.Body), "compressed", len(compressed))
	return nil
}

// Purge removes every cached file
func (s *FSStore) Purge(context.Context) error {
	entries, err := os.ReadDir(s.dataDir)
	if err != nil {
		return fmt.Errorf("failed to read cache directory: %w", err)
	}
	for _, entry := range entries {
		if err := os.RemoveAll(filepath.Join(s.dataDir, entry.Name())); err != nil {
			return fmt.Errorf("failed to remove %s: %w", entry.Name(), err)
		}
	}
	return nil
}

// Close releases the codecs
func (s *FSStore) Close() error {
	s.dec.Close()
	return s.enc.Close()
}

func writeFileAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".tmp-*")
	if err != nil {
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	return os.Rename(tmp.Name(), path)
}
