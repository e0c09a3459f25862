// Package cache provides the answer cache: identical questions within the
// TTL window are served without re-running the pipeline. Two backends are
// available, redis for shared deployments and an in-process LRU for
// single-node setups.
package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"time"
)

// ErrMiss is returned by Get when the key is absent or expired.
var ErrMiss = errors.New("cache miss")

// IsMiss reports whether err is a cache miss.
func IsMiss(err error) bool {
	return errors.Is(err, ErrMiss)
}

// Store is the backend surface. Values are opaque bytes; callers handle
// serialization.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
	Close() error
}

// Key derives the cache key for a question at a given retrieval depth. The
// question is hashed so arbitrary user input never appears in backend keys.
func Key(question string, topN int) string {
	sum := sha256.Sum256([]byte(fmt.Sprintf("%s|%d", question, topN)))
	return "answer:" + hex.EncodeToString(sum[:])
}
