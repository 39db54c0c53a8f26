package audit

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
)

type sinkRecord struct {
	Msg          string `json:"msg"`
	Timestamp    string `json:"entry_timestamp"`
	PreviousHash string `json:"previous_hash"`
	Payload      string `json:"payload"`
	Hash         string `json:"hash"`
}

// ReadSink parses the JSON log lines written by a ChainLogger configured
// with WithLogger. Lines that are not audit records are skipped.
func ReadSink(r io.Reader) ([]*LogEntry, error) {
	var entries []*LogEntry

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64<<10), 1<<20)
	line := 0
	for scanner.Scan() {
		line++
		raw := scanner.Bytes()
		if len(raw) == 0 {
			continue
		}

		var rec sinkRecord
		if err := json.Unmarshal(raw, &rec); err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		if rec.Msg != "audit" || rec.Hash == "" {
			continue
		}
		entries = append(entries, &LogEntry{
			Timestamp:    rec.Timestamp,
			PreviousHash: rec.PreviousHash,
			Payload:      rec.Payload,
			Hash:         rec.Hash,
		})
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read audit sink: %w", err)
	}
	return entries, nil
}

// FirstBrokenLink returns the index of the first entry that does not chain
// onto its predecessor, or -1 when the chain is intact.
func FirstBrokenLink(entries []*LogEntry) int {
	for i, entry := range entries {
		if i > 0 && entry.PreviousHash != entries[i-1].Hash {
			return i
		}
		if entryHash(entry.PreviousHash, entry.Timestamp, entry.Payload) != entry.Hash {
			return i
		}
	}
	return -1
}

// OpenFileSink opens the JSON sink at path, creating it when missing, and
// returns a ChainLogger that appends to it. The chain resumes from the last
// entry already in the file, so restarts do not break it.
func OpenFileSink(path string, opts ...Option) (*ChainLogger, io.Closer, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_RDWR, 0600)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open audit sink: %w", err)
	}

	entries, err := ReadSink(f)
	if err != nil {
		f.Close()
		return nil, nil, fmt.Errorf("failed to resume audit chain from %s: %w", path, err)
	}
	head := ""
	if n := len(entries); n > 0 {
		head = entries[n-1].Hash
	}

	opts = append(opts,
		WithLogger(slog.New(slog.NewJSONHandler(f, nil))),
		WithPreviousHash(head),
	)
	return NewChainLogger(opts...), f, nil
}
