// Package cache provides the shared response cache: a Redis-backed variant
// for nodes that run one, and an in-memory LRU fallback. Entries are derived
// state and may be dropped at any time; the cache never holds the only copy
// of anything authoritative.
package cache

import (
	"context"
	"crypto/sha256"
	"fmt"
	"strings"
	"time"
)

// Cache is the key/value contract used by the RAG pipeline and the package
// installer.
type Cache interface {
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
	// InvalidatePrefix removes every entry whose key starts with prefix.
	// Response keys embed the subject scope first, so a whole subject can
	// be dropped on package install without scanning values.
	InvalidatePrefix(ctx context.Context, prefix string) error
	Stats(ctx context.Context) (Stats, error)
	Close() error
}

// Stats reports cache counters.
type Stats struct {
	Entries int64 `json:"entries"`
	Hits    int64 `json:"hits"`
	Misses  int64 `json:"misses"`
	Evicted int64 `json:"evicted"`
}

// ResponseKey builds the deterministic cache key for a tutoring answer:
// subject scope first so prefix invalidation covers a whole subject, then a
// SHA-256 over the normalized question, the subject code, and the installed
// package version.
func ResponseKey(subjectCode string, grade int, version, question string) string {
	normalized := NormalizeQuestion(question)
	sum := sha256.Sum256([]byte(normalized + "|" + subjectCode + "|" + version))
	return fmt.Sprintf("%s%x", ResponsePrefix(subjectCode, grade), sum)
}

// ResponsePrefix is the key prefix shared by all cached answers for one
// (subject, grade).
func ResponsePrefix(subjectCode string, grade int) string {
	return fmt.Sprintf("resp:%s:%d:", subjectCode, grade)
}

// NormalizeQuestion lowercases and collapses whitespace so trivially
// reworded submissions share a cache entry.
func NormalizeQuestion(question string) string {
	return strings.Join(strings.Fields(strings.ToLower(question)), " ")
}
