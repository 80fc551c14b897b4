package sync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/afero"
)

// ErrDestIsFile means a directory source was pointed at an existing regular
// file. Nothing is copied.
var ErrDestIsFile = errors.New("destination is a regular file")

// FileEntry is one regular file discovered during a pass, identified by its
// slash-normalized path relative to the tree root.
type FileEntry struct {
	RelPath string
	SrcPath string
	DstPath string
	Size    int64
	ModTime time.Time
}

// Summary totals one synchronization run across both passes. Every file
// counts at most once: second-pass hits for files already decided in the
// first pass are not re-counted.
type Summary struct {
	// Copied counts files with bytes written, or that would be written under
	// dry-run. Failed counts per-file errors the run skipped over.
	Copied  int
	Cached  int
	Done    int
	Skipped int
	Failed  int

	BytesCopied int64
	Elapsed     time.Duration
}

// Synchronizer walks a source tree and drives the engine per file over two
// passes: ModeNewFilesOnly grabs files that were never started, then
// ModeAllFiles verifies and repairs everything else. Completion is
// idempotent, so walk order does not matter.
//
// Two passes keep a resumed run cheap: files fully created in the first pass
// of an earlier run hit the ledger and are skipped before the second pass
// pays for divergence probes on the rest.
type Synchronizer struct {
	fs     afero.Fs
	ledger *Ledger
	engine *Engine
	ignore *IgnoreList
}

func NewSynchronizer(fs afero.Fs, ledger *Ledger, engine *Engine, ignore *IgnoreList) *Synchronizer {
	return &Synchronizer{
		fs:     fs,
		ledger: ledger,
		engine: engine,
		ignore: ignore,
	}
}

// Run synchronizes source onto dest and reports what it did.
//
// A regular-file source copies into a destination directory keeping its base
// name, or to the exact destination path otherwise. A directory source
// requires that dest is not an existing regular file, then both passes run.
//
// Per-file errors are logged and counted, and the run continues with the
// next file. Enumeration errors and cancellation abort the run; a canceled
// run returns the partial summary alongside the context error.
func (s *Synchronizer) Run(ctx context.Context, source, dest string) (*Summary, error) {
	start := time.Now()
	sum := &Summary{}

	srcInfo, err := s.fs.Stat(source)
	if err != nil {
		return sum, fmt.Errorf("stat source: %w", err)
	}

	if !srcInfo.IsDir() {
		err := s.syncFile(ctx, source, dest, sum)
		sum.Elapsed = time.Since(start)
		return sum, err
	}

	dstInfo, err := s.fs.Stat(dest)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return sum, fmt.Errorf("stat destination: %w", err)
	}
	if err == nil && !dstInfo.IsDir() {
		return sum, fmt.Errorf("%w: %s", ErrDestIsFile, dest)
	}

	// relpaths decided by a copy attempt, so the second pass neither
	// re-counts them nor retries a failure within the same run
	handled := make(map[string]struct{})

	for _, mode := range []CopyMode{ModeNewFilesOnly, ModeAllFiles} {
		if err := s.pass(ctx, mode, source, dest, sum, handled); err != nil {
			sum.Elapsed = time.Since(start)
			return sum, err
		}
	}

	sum.Elapsed = time.Since(start)
	return sum, nil
}

// pass walks the tree once and applies one mode's classification rules.
func (s *Synchronizer) pass(ctx context.Context, mode CopyMode, srcRoot, dstRoot string, sum *Summary, handled map[string]struct{}) error {
	slog.Debug("sync pass", "mode", mode, "source", srcRoot)

	err := afero.Walk(s.fs, srcRoot, func(path string, info os.FileInfo, walkErr error) error {
		if walkErr != nil {
			// enumeration failures abort the run, unlike per-file copy errors
			return fmt.Errorf("walk %s: %w", path, walkErr)
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if info.IsDir() {
			return nil
		}

		rel, err := filepath.Rel(srcRoot, path)
		if err != nil {
			return fmt.Errorf("walk rel path %s: %w", path, err)
		}
		rel = filepath.ToSlash(rel)

		if !info.Mode().IsRegular() {
			slog.Debug("skip non-regular file", "path", rel, "mode", info.Mode())
			if mode == ModeAllFiles {
				sum.Skipped++
			}
			return nil
		}
		if s.ignore != nil && s.ignore.ShouldIgnore(rel) {
			slog.Debug("file ignored", "path", rel)
			if mode == ModeAllFiles {
				sum.Skipped++
			}
			return nil
		}

		entry := FileEntry{
			RelPath: rel,
			SrcPath: path,
			DstPath: filepath.Join(dstRoot, filepath.FromSlash(rel)),
			Size:    info.Size(),
			ModTime: info.ModTime(),
		}
		return s.visit(ctx, mode, entry, sum, handled)
	})
	if err != nil {
		if ctx.Err() != nil {
			slog.Info("sync interrupted", "mode", mode)
			return ctx.Err()
		}
		return fmt.Errorf("%s pass: %w", mode, err)
	}
	return nil
}

// visit classifies one file under the given mode and acts on the outcome.
func (s *Synchronizer) visit(ctx context.Context, mode CopyMode, entry FileEntry, sum *Summary, handled map[string]struct{}) error {
	if _, done := handled[entry.RelPath]; done {
		return nil
	}

	status, err := s.ledger.Classify(entry.SrcPath, entry.DstPath, mode)
	if err != nil {
		slog.Error("classify failed", "path", entry.RelPath, "error", err)
		sum.Failed++
		handled[entry.RelPath] = struct{}{}
		return nil
	}

	switch {
	case status == StatusCached:
		slog.Info("file cached", "path", entry.RelPath)
		if mode == ModeAllFiles {
			sum.Cached++
		}
		return nil

	case mode == ModeNewFilesOnly && status == StatusNew:
		slog.Info("copy new file", "path", entry.RelPath)
		return s.copyOrFail(ctx, entry, sum, handled)

	case mode == ModeNewFilesOnly:
		// exists but unverified, deferred to the all-files pass
		return nil

	case status == StatusDone:
		slog.Info("file up to date", "path", entry.RelPath)
		sum.Done++
		return nil

	default:
		slog.Info("check existing file", "path", entry.RelPath)
		return s.copyOrFail(ctx, entry, sum, handled)
	}
}

// copyOrFail runs one copy attempt. Per-file errors are absorbed into the
// summary; only cancellation propagates.
func (s *Synchronizer) copyOrFail(ctx context.Context, entry FileEntry, sum *Summary, handled map[string]struct{}) error {
	handled[entry.RelPath] = struct{}{}

	err := s.copyEntry(ctx, entry.SrcPath, entry.DstPath, sum)
	if err == nil {
		return nil
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	slog.Error("file sync failed", "path", entry.RelPath, "error", err)
	sum.Failed++
	return nil
}

// syncFile is the single-file entry point. Ignore rules do not apply to an
// explicitly named file, and its errors surface directly.
func (s *Synchronizer) syncFile(ctx context.Context, source, dest string, sum *Summary) error {
	if info, err := s.fs.Stat(dest); err == nil && info.IsDir() {
		dest = filepath.Join(dest, filepath.Base(source))
	}

	status, err := s.ledger.Classify(source, dest, ModeAllFiles)
	if err != nil {
		return err
	}

	switch status {
	case StatusCached:
		slog.Info("file cached", "path", source)
		sum.Cached++
		return nil
	case StatusDone:
		slog.Info("file up to date", "path", source)
		sum.Done++
		return nil
	default:
		return s.copyEntry(ctx, source, dest, sum)
	}
}

func (s *Synchronizer) copyEntry(ctx context.Context, srcPath, dstPath string, sum *Summary) error {
	result, err := s.engine.CopyFile(ctx, srcPath, dstPath)
	if result != nil {
		sum.BytesCopied += result.BytesCopied
	}
	if err != nil {
		return err
	}
	if result.AlreadyEqual {
		sum.Done++
	} else {
		sum.Copied++
	}
	return nil
}
