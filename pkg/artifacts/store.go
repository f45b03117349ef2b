// Package artifacts archives audit batch records in content-addressed
// storage. Every blob is keyed by the SHA-256 of its bytes, so archiving the
// same record twice is a no-op and a stored key proves the content.
package artifacts

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// ErrNotFound is returned by Get for unknown hashes.
var ErrNotFound = errors.New("artifact not found")

const hashPrefix = "sha256:"

// Store is an append-only content-addressed blob store.
type Store interface {
	// Put persists data and returns its content hash ("sha256:<hex>").
	Put(ctx context.Context, data []byte) (string, error)
	Get(ctx context.Context, hash string) ([]byte, error)
	Exists(ctx context.Context, hash string) (bool, error)
}

// ContentHash returns the "sha256:<hex>" address of data.
func ContentHash(data []byte) string {
	sum := sha256.Sum256(data)
	return hashPrefix + hex.EncodeToString(sum[:])
}

// parseHash validates a content address and returns its hex digest.
func parseHash(hash string) (string, error) {
	raw, ok := strings.CutPrefix(hash, hashPrefix)
	if !ok {
		return "", fmt.Errorf("invalid hash format: %s", hash)
	}
	if len(raw) != sha256.Size*2 {
		return "", fmt.Errorf("invalid hash length: %s", hash)
	}
	if _, err := hex.DecodeString(raw); err != nil {
		return "", fmt.Errorf("invalid hash hex: %w", err)
	}
	return raw, nil
}

func objectKey(prefix, raw string) string {
	return prefix + raw + ".json"
}

// FileStore keeps blobs under a local directory.
type FileStore struct {
	baseDir string
	mu      sync.RWMutex
}

// NewFileStore creates the directory if needed.
func NewFileStore(baseDir string) (*FileStore, error) {
	//nolint:gosec // G301: archive directory is shared with operators
	if err := os.MkdirAll(baseDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to ensure archive dir: %w", err)
	}
	return &FileStore{baseDir: baseDir}, nil
}

func (s *FileStore) Put(_ context.Context, data []byte) (string, error) {
	hash := ContentHash(data)
	path := filepath.Join(s.baseDir, objectKey("", strings.TrimPrefix(hash, hashPrefix)))

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := os.Stat(path); err == nil {
		return hash, nil
	}

	// write then rename so readers never see a partial blob
	tmp := path + ".tmp"
	//nolint:gosec // G306: archived records are readable by operators
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return "", fmt.Errorf("failed to write blob: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return "", fmt.Errorf("failed to commit blob: %w", err)
	}
	return hash, nil
}

func (s *FileStore) Get(_ context.Context, hash string) ([]byte, error) {
	raw, err := parseHash(hash)
	if err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	data, err := os.ReadFile(filepath.Join(s.baseDir, objectKey("", raw))) //nolint:gosec // hash validated as hex
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, hash)
		}
		return nil, err
	}
	return data, nil
}

func (s *FileStore) Exists(_ context.Context, hash string) (bool, error) {
	raw, err := parseHash(hash)
	if err != nil {
		return false, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	_, err = os.Stat(filepath.Join(s.baseDir, objectKey("", raw)))
	if err == nil {
		return true, nil
	}
	if os.IsNotExist(err) {
		return false, nil
	}
	return false, err
}

// MemoryStore is an in-process Store for tests and AUDIT_ARCHIVE=none.
type MemoryStore struct {
	mu    sync.RWMutex
	blobs map[string][]byte
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{blobs: make(map[string][]byte)}
}

func (s *MemoryStore) Put(_ context.Context, data []byte) (string, error) {
	hash := ContentHash(data)
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.blobs[hash]; !ok {
		s.blobs[hash] = append([]byte(nil), data...)
	}
	return hash, nil
}

func (s *MemoryStore) Get(_ context.Context, hash string) ([]byte, error) {
	if _, err := parseHash(hash); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	data, ok := s.blobs[hash]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, hash)
	}
	return append([]byte(nil), data...), nil
}

func (s *MemoryStore) Exists(_ context.Context, hash string) (bool, error) {
	if _, err := parseHash(hash); err != nil {
		return false, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.blobs[hash]
	return ok, nil
}

