package main

import (
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/resynclabs/resync/internal/sync"
)

// logProgress renders one transfer event. The engine only emits on integer
// percent changes, so this stays readable even for huge files.
func logProgress(ev sync.TransferEvent) {
	slog.Info("progress",
		"file", filepath.Base(ev.Path),
		"percent", fmt.Sprintf("%3d%%", ev.Percent),
		"rate", fmt.Sprintf("%5.2f MB/s", ev.RateMBps),
		"remaining", ev.ETAString(),
	)
}

func printSummary(w io.Writer, s *sync.Summary, dryRun bool) {
	verb := "copied"
	if dryRun {
		verb = "would copy"
	}

	failed := fmt.Sprintf("%d failed", s.Failed)
	if s.Failed > 0 {
		failed = red(failed)
	}

	fmt.Fprintf(w, "%s %d files (%s) | %d cached | %d up-to-date | %d skipped | %s | %s\n",
		verb, s.Copied, humanize.IBytes(uint64(s.BytesCopied)),
		s.Cached, s.Done, s.Skipped, failed,
		s.Elapsed.Round(time.Millisecond),
	)
}
