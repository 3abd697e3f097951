// Package contentstore stores published snapshot documents under the hash of
// their own bytes.
package contentstore

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"sync"
)

var ErrNotFound = errors.New("content not found")

// Locator is the address of a stored document, e.g. s3://bucket/key.
type Locator string

func (l Locator) String() string { return string(l) }

type Store interface {
	// Put stores data and returns its locator. Storing the same bytes twice
	// returns the same locator.
	Put(ctx context.Context, data []byte) (Locator, error)
	Get(ctx context.Context, loc Locator) ([]byte, error)
}

// Digest is the lowercase hex SHA-256 that names a document.
func Digest(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// VerifyDigest fails when data does not hash to the digest embedded in loc.
func VerifyDigest(loc Locator, data []byte) error {
	want := digestFromLocator(loc)
	if want == "" {
		return fmt.Errorf("locator %q carries no digest", loc)
	}
	if got := Digest(data); got != want {
		return fmt.Errorf("content digest mismatch for %s: got %s", loc, got)
	}
	return nil
}

func digestFromLocator(loc Locator) string {
	s := string(loc)
	if i := strings.LastIndex(s, "/"); i >= 0 {
		s = s[i+1:]
	}
	s = strings.TrimSuffix(s, ".json")
	if len(s) != sha256.Size*2 {
		return ""
	}
	return s
}

// MemoryStore keeps documents in process memory.
type MemoryStore struct {
	mu   sync.RWMutex
	docs map[Locator][]byte
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{docs: make(map[Locator][]byte)}
}

func (s *MemoryStore) Put(ctx context.Context, data []byte) (Locator, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	loc := Locator("mem://snapshots/" + Digest(data) + ".json")
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.docs[loc]; !ok {
		s.docs[loc] = append([]byte(nil), data...)
	}
	return loc, nil
}

func (s *MemoryStore) Get(ctx context.Context, loc Locator) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	data, ok := s.docs[loc]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, loc)
	}
	return append([]byte(nil), data...), nil
}

func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.docs)
}
