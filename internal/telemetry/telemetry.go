// Package telemetry collects anonymous usage counters and hands them to an
// external uploader. Nothing that identifies a student leaves the node: user
// identifiers are replaced by a salted one-way digest and every payload is
// scanned for PII patterns before upload.
package telemetry

import (
	"context"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"regexp"
	"sync"
	"time"

	"edgetutor/internal/errors"
	"edgetutor/internal/logging"
)

// Uploader is the external egress boundary. Implementations receive only
// payloads that passed the PII scan.
type Uploader interface {
	Upload(ctx context.Context, payload []byte) error
}

// Payload is the aggregate shipped per flush. Counters only; no free text.
type Payload struct {
	NodeDigest     string           `json:"node_digest"`
	WindowStart    time.Time        `json:"window_start"`
	WindowEnd      time.Time        `json:"window_end"`
	QuestionCounts map[string]int64 `json:"question_counts"`
	CacheHits      int64            `json:"cache_hits"`
	CacheMisses    int64            `json:"cache_misses"`
	Rejections     int64            `json:"rejections"`
	ActiveUsers    int              `json:"active_users"`
}

// piiPatterns flags payloads that look like they carry identifying data.
// The scan is a backstop behind the counters-only payload shape.
var piiPatterns = []*regexp.Regexp{
	regexp.MustCompile(`[A-Za-z0-9._%+-]+@[A-Za-z0-9.-]+\.[A-Za-z]{2,}`), // email
	regexp.MustCompile(`(?:\+62|0)8[0-9]{7,12}`),                         // Indonesian phone
	regexp.MustCompile(`\b[0-9]{16}\b`),                                  // NIK national id
	regexp.MustCompile(`"(?:question|response|username|display_name)"`),  // forbidden fields
}

// Collector aggregates counters in memory and flushes them through the
// uploader. User identities are folded into a set of salted digests so
// active_users is countable without carrying who they were.
type Collector struct {
	uploader Uploader
	salt     string
	node     string
	logger   logging.Logger

	mu          sync.Mutex
	windowStart time.Time
	questions   map[string]int64
	users       map[string]struct{}
	cacheHits   int64
	cacheMisses int64
	rejections  int64

	now func() time.Time
}

// NewCollector builds a collector. salt must be node-local and stable so
// digests are consistent across flushes but meaningless off-node.
func NewCollector(uploader Uploader, nodeID, salt string, logger logging.Logger) *Collector {
	if logger == nil {
		logger = logging.NewNoOp()
	}
	c := &Collector{
		uploader:  uploader,
		salt:      salt,
		logger:    logger.WithComponent("telemetry"),
		questions: make(map[string]int64),
		users:     make(map[string]struct{}),
		now:       time.Now,
	}
	c.node = c.Digest(nodeID)
	c.windowStart = c.now().UTC()
	return c
}

// Digest returns the salted one-way digest used in place of an identifier.
func (c *Collector) Digest(id string) string {
	sum := sha256.Sum256([]byte(c.salt + ":" + id))
	return fmt.Sprintf("%x", sum[:])
}

// RecordQuestion counts one answered question for a subject code.
func (c *Collector) RecordQuestion(subjectCode string, userID int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.questions[subjectCode]++
	c.users[c.Digest(fmt.Sprintf("user:%d", userID))] = struct{}{}
}

// RecordCache counts a cache probe outcome.
func (c *Collector) RecordCache(hit bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if hit {
		c.cacheHits++
	} else {
		c.cacheMisses++
	}
}

// RecordRejection counts a queue-full rejection.
func (c *Collector) RecordRejection() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.rejections++
}

// Flush uploads the current window and resets the counters. Upload failures
// are recoverable locally: the window is retained and retried next flush.
func (c *Collector) Flush(ctx context.Context) error {
	c.mu.Lock()
	payload := Payload{
		NodeDigest:     c.node,
		WindowStart:    c.windowStart,
		WindowEnd:      c.now().UTC(),
		QuestionCounts: make(map[string]int64, len(c.questions)),
		CacheHits:      c.cacheHits,
		CacheMisses:    c.cacheMisses,
		Rejections:     c.rejections,
		ActiveUsers:    len(c.users),
	}
	for k, v := range c.questions {
		payload.QuestionCounts[k] = v
	}
	c.mu.Unlock()

	data, err := json.Marshal(payload)
	if err != nil {
		return errors.Wrap(errors.KindInternal, "failed to encode telemetry payload", err)
	}
	if err := ScanPII(data); err != nil {
		// Never uploaded; this window is discarded rather than leaked.
		c.reset()
		return err
	}
	if err := c.uploader.Upload(ctx, data); err != nil {
		c.logger.WarnContext(ctx, "telemetry upload failed, retaining window", "error", err.Error())
		return nil
	}
	c.reset()
	return nil
}

// Run flushes on the given interval until the context is cancelled.
func (c *Collector) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Hour
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := c.Flush(ctx); err != nil {
				c.logger.ErrorContext(ctx, "telemetry flush failed", "error", err.Error())
			}
		}
	}
}

func (c *Collector) reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.questions = make(map[string]int64)
	c.users = make(map[string]struct{})
	c.cacheHits, c.cacheMisses, c.rejections = 0, 0, 0
	c.windowStart = c.now().UTC()
}

// ScanPII rejects payloads matching any identifying pattern.
func ScanPII(payload []byte) error {
	for _, pattern := range piiPatterns {
		if pattern.Match(payload) {
			return errors.Newf(errors.KindValidation,
				"telemetry payload matched PII pattern %s", pattern.String())
		}
	}
	return nil
}
