package audit

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"
)

// LogEntry represents a single audit log entry
type LogEntry struct {
	Timestamp    string `json:"timestamp"`
	PreviousHash string `json:"previous_hash"`
	Payload      string `json:"payload"`
	Hash         string `json:"hash"`
}

// Event is a structured audit record. It is serialized into the payload of
// a LogEntry.
type Event struct {
	Action        string            `json:"action"`
	Resource      string            `json:"resource"`
	Actor         string            `json:"actor,omitempty"`
	CorrelationID string            `json:"correlation_id,omitempty"`
	Detail        map[string]string `json:"detail,omitempty"`
}

type ctxKey int

const (
	actorKey ctxKey = iota
	correlationKey
)

// WithActor stores the authenticated principal for events recorded under ctx.
func WithActor(ctx context.Context, actor string) context.Context {
	return context.WithValue(ctx, actorKey, actor)
}

// WithCorrelationID stores the request correlation id for events recorded under ctx.
func WithCorrelationID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, correlationKey, id)
}

func stringFrom(ctx context.Context, key ctxKey) string {
	v, _ := ctx.Value(key).(string)
	return v
}

// ChainLogger provides a tamper-proof logging mechanism using hash chaining.
type ChainLogger struct {
	mu           sync.Mutex
	previousHash string
	entries      []*LogEntry
	retain       int
	logger       *slog.Logger
	now          func() time.Time
}

// Option configures a ChainLogger.
type Option func(*ChainLogger)

// WithLogger emits every appended entry on l.
func WithLogger(l *slog.Logger) Option {
	return func(c *ChainLogger) { c.logger = l }
}

// WithRetention keeps at most n entries in memory. Zero keeps none.
func WithRetention(n int) Option {
	return func(c *ChainLogger) { c.retain = n }
}

// WithPreviousHash continues an existing chain whose last entry hashed to h.
// An empty h leaves the zero hash in place.
func WithPreviousHash(h string) Option {
	return func(c *ChainLogger) {
		if h != "" {
			c.previousHash = h
		}
	}
}

// NewChainLogger creates a new ChainLogger initialized with a zero hash.
func NewChainLogger(opts ...Option) *ChainLogger {
	c := &ChainLogger{
		previousHash: strings.Repeat("0", 64),
		retain:       1024,
		now:          time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Append adds a new log entry to the chain.
func (c *ChainLogger) Append(payload string) *LogEntry {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry := &LogEntry{
		Timestamp:    c.now().UTC().Format(time.RFC3339Nano),
		PreviousHash: c.previousHash,
		Payload:      payload,
	}
	entry.Hash = entryHash(entry.PreviousHash, entry.Timestamp, entry.Payload)
	c.previousHash = entry.Hash

	if c.retain > 0 {
		c.entries = append(c.entries, entry)
		if over := len(c.entries) - c.retain; over > 0 {
			c.entries = append([]*LogEntry(nil), c.entries[over:]...)
		}
	}

	if c.logger != nil {
		c.logger.Info("audit",
			"entry_timestamp", entry.Timestamp,
			"hash", entry.Hash,
			"previous_hash", entry.PreviousHash,
			"payload", entry.Payload,
		)
	}
	return entry
}

// Record fills the actor and correlation id from ctx when ev leaves them
// empty, and appends ev to the chain.
func (c *ChainLogger) Record(ctx context.Context, ev Event) *LogEntry {
	if ev.Actor == "" {
		ev.Actor = stringFrom(ctx, actorKey)
	}
	if ev.CorrelationID == "" {
		ev.CorrelationID = stringFrom(ctx, correlationKey)
	}

	payload, err := json.Marshal(ev)
	if err != nil {
		payload = []byte(fmt.Sprintf(`{"action":%q,"resource":%q}`, ev.Action, ev.Resource))
	}
	return c.Append(string(payload))
}

// Entries returns the retained entries, oldest first.
func (c *ChainLogger) Entries() []*LogEntry {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]*LogEntry(nil), c.entries...)
}

// Head returns the hash of the most recent entry.
func (c *ChainLogger) Head() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.previousHash
}

// VerifyChain checks if a slice of entries forms a valid hash chain.
func VerifyChain(entries []*LogEntry) bool {
	for i, entry := range entries {
		prevHash := entry.PreviousHash
		if i > 0 && prevHash != entries[i-1].Hash {
			return false
		}
		if entryHash(prevHash, entry.Timestamp, entry.Payload) != entry.Hash {
			return false
		}
	}
	return true
}

func entryHash(previous, timestamp, payload string) string {
	sum := sha256.Sum256([]byte(previous + "|" + timestamp + "|" + payload))
	return hex.EncodeToString(sum[:])
}
