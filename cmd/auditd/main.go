// Command auditd verifies an audit sink written by the loan adjustments API.
//
//	auditd -file /var/log/loan-adjustments/audit.jsonl
package main

import (
	"flag"
	"log/slog"
	"os"

	"github.com/example/loan-adjustments/pkg/audit"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))

	path := flag.String("file", os.Getenv("AUDIT_SINK"), "audit sink file to verify")
	flag.Parse()

	if *path == "" || *path == "stdout" {
		logger.Error("no audit sink file given; pass -file or set AUDIT_SINK to a path")
		os.Exit(2)
	}

	f, err := os.Open(*path)
	if err != nil {
		logger.Error("failed to open audit sink", "file", *path, "error", err)
		os.Exit(1)
	}
	defer f.Close()

	entries, err := audit.ReadSink(f)
	if err != nil {
		logger.Error("failed to parse audit sink", "file", *path, "error", err)
		os.Exit(1)
	}

	if i := audit.FirstBrokenLink(entries); i >= 0 {
		logger.Error("audit chain broken", "file", *path, "entry", i, "hash", entries[i].Hash, "timestamp", entries[i].Timestamp)
		os.Exit(1)
	}

	head := ""
	if len(entries) > 0 {
		head = entries[len(entries)-1].Hash
	}
	logger.Info("audit chain intact", "file", *path, "entries", len(entries), "head", head)
}
