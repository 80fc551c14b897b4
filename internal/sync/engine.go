package sync

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/spf13/afero"
)

// DefaultChunkSize is the streaming chunk size, independent of the
// divergence block size.
const DefaultChunkSize = 1 << 20

var ErrDestIsDir = errors.New("destination path is a directory")

// Engine copies one file at a time, resuming from the divergence offset and
// recording verified completions in the ledger.
type Engine struct {
	fs         afero.Fs
	ledger     *Ledger
	locator    *Locator
	clock      clockwork.Clock
	chunkSize  int64
	rateWindow int
	dryRun     bool
	progress   ProgressFunc
}

func NewEngine(fs afero.Fs, ledger *Ledger, locator *Locator) *Engine {
	return &Engine{
		fs:         fs,
		ledger:     ledger,
		locator:    locator,
		clock:      clockwork.NewRealClock(),
		chunkSize:  DefaultChunkSize,
		rateWindow: defaultRateWindow,
	}
}

// SetChunkSize overrides the streaming chunk size.
func (e *Engine) SetChunkSize(n int64) {
	if n > 0 {
		e.chunkSize = n
	}
}

// SetRateWindow overrides the number of throughput samples kept for rate
// smoothing.
func (e *Engine) SetRateWindow(n int) {
	if n > 0 {
		e.rateWindow = n
	}
}

// SetDryRun makes CopyFile report what it would do without creating
// directories or writing file bytes.
func (e *Engine) SetDryRun(dryRun bool) {
	e.dryRun = dryRun
}

// SetClock injects the clock used for throughput sampling.
func (e *Engine) SetClock(clk clockwork.Clock) {
	e.clock = clk
}

// OnProgress registers a callback for transfer events.
func (e *Engine) OnProgress(fn ProgressFunc) {
	e.progress = fn
}

// CopyResult describes what one CopyFile call did.
type CopyResult struct {
	// Status is what the engine found at the destination: StatusNew for a
	// fresh copy, StatusPartial for a resumed one, StatusDone when the files
	// were already equal.
	Status FileStatus

	// ResumeOffset is where writing started, or OffsetEqual when no bytes
	// were needed.
	ResumeOffset int64

	// BytesCopied counts bytes written in this call. Resumed prefixes and
	// dry runs contribute nothing.
	BytesCopied int64

	// TotalBytes is the source size at the time of the call.
	TotalBytes int64

	AlreadyEqual bool
	DryRun       bool
}

// CopyFile copies or resumes srcPath onto dstPath.
//
// When the destination exists, the locator picks the resume offset; identical
// files are recorded in the ledger and skipped, even under dry-run. A resumed
// copy never truncates the destination. Cancellation mid-stream leaves the
// partial destination in place, does not record completion, and returns the
// partial result alongside the context error.
func (e *Engine) CopyFile(ctx context.Context, srcPath, dstPath string) (*CopyResult, error) {
	srcInfo, err := e.fs.Stat(srcPath)
	if err != nil {
		return nil, fmt.Errorf("stat source: %w", err)
	}
	if srcInfo.IsDir() {
		return nil, fmt.Errorf("source %s is a directory", srcPath)
	}
	totalSize := srcInfo.Size()

	resumeOffset := int64(0)
	dstInfo, err := e.fs.Stat(dstPath)
	switch {
	case err == nil:
		if dstInfo.IsDir() {
			return nil, fmt.Errorf("%w: %s", ErrDestIsDir, dstPath)
		}
		resumeOffset, err = e.locator.FindResumeOffset(srcPath, dstPath, totalSize, dstInfo.Size())
		if err != nil {
			return nil, fmt.Errorf("find resume offset: %w", err)
		}
	case errors.Is(err, os.ErrNotExist):
		// fresh copy
	default:
		return nil, fmt.Errorf("stat destination: %w", err)
	}

	result := &CopyResult{
		ResumeOffset: resumeOffset,
		TotalBytes:   totalSize,
		DryRun:       e.dryRun,
	}

	if resumeOffset == OffsetEqual {
		// equal content is recorded even under dry-run
		if err := e.ledger.MarkDone(srcPath, dstPath); err != nil {
			return nil, fmt.Errorf("mark done: %w", err)
		}
		result.Status = StatusDone
		result.AlreadyEqual = true
		slog.Info("files equal", "dest", dstPath)
		return result, nil
	}

	if resumeOffset == 0 {
		result.Status = StatusNew
		slog.Info("file new", "dest", dstPath, "size", totalSize)
	} else {
		result.Status = StatusPartial
		slog.Info("file incomplete", "dest", dstPath, "offset", resumeOffset, "percent", resumeOffset*100/totalSize)
	}

	if e.dryRun {
		return result, nil
	}

	if err := e.fs.MkdirAll(filepath.Dir(dstPath), 0o755); err != nil {
		return nil, fmt.Errorf("create destination directory: %w", err)
	}

	written, err := e.stream(ctx, srcPath, dstPath, resumeOffset, totalSize)
	result.BytesCopied = written
	if err != nil {
		return result, err
	}

	// the destination is closed by now, so the stamped mtime survives
	if err := e.ledger.MarkDone(srcPath, dstPath); err != nil {
		return result, fmt.Errorf("mark done: %w", err)
	}

	slog.Info("file copied", "dest", dstPath, "bytes", written)
	return result, nil
}

// stream copies source bytes from offset to EOF onto the destination,
// emitting progress on integer percent changes. Returns the bytes written in
// this call.
func (e *Engine) stream(ctx context.Context, srcPath, dstPath string, offset, totalSize int64) (int64, error) {
	src, err := e.fs.Open(srcPath)
	if err != nil {
		return 0, fmt.Errorf("open source: %w", err)
	}
	defer src.Close()

	// A resume opens in place and must not truncate the verified prefix.
	flags := os.O_WRONLY | os.O_CREATE | os.O_TRUNC
	if offset > 0 {
		flags = os.O_WRONLY
	}
	dst, err := e.fs.OpenFile(dstPath, flags, 0o644)
	if err != nil {
		return 0, fmt.Errorf("open destination: %w", err)
	}

	written, err := e.copyChunks(ctx, src, dst, dstPath, offset, totalSize)
	closeErr := dst.Close()
	if err != nil {
		return written, err
	}
	if closeErr != nil {
		return written, fmt.Errorf("close destination: %w", closeErr)
	}
	return written, nil
}

func (e *Engine) copyChunks(ctx context.Context, src, dst afero.File, dstPath string, offset, totalSize int64) (int64, error) {
	if offset > 0 {
		if _, err := src.Seek(offset, io.SeekStart); err != nil {
			return 0, fmt.Errorf("seek source: %w", err)
		}
		if _, err := dst.Seek(offset, io.SeekStart); err != nil {
			return 0, fmt.Errorf("seek destination: %w", err)
		}
	}

	var (
		written     int64
		windowBytes int64
		lastPercent = int64(-1)
		rate        = NewRollingMedian(e.rateWindow)
		windowStart = e.clock.Now()
		buf         = make([]byte, e.chunkSize)
	)

	for {
		if err := ctx.Err(); err != nil {
			slog.Info("copy interrupted", "dest", dstPath, "written", written)
			return written, err
		}

		n, readErr := src.Read(buf)
		if n > 0 {
			if _, err := dst.Write(buf[:n]); err != nil {
				return written, fmt.Errorf("write destination: %w", err)
			}
			written += int64(n)
			windowBytes += int64(n)

			position := offset + written
			percent := int64(100)
			if totalSize > 0 {
				percent = position * 100 / totalSize
			}

			if percent != lastPercent {
				elapsed := e.clock.Since(windowStart)
				sample := 0.0
				if elapsed > 0 {
					sample = float64(windowBytes) / (1 << 20) / elapsed.Seconds()
				}
				rate.Add(sample)
				smoothed := rate.Median()

				// reset the measurement window before emitting, so the next
				// sample covers exactly the bytes after this event
				lastPercent = percent
				windowStart = e.clock.Now()
				windowBytes = 0

				if e.progress != nil {
					event := TransferEvent{
						Path:     dstPath,
						Percent:  int(percent),
						RateMBps: smoothed,
						Copied:   position,
						Total:    totalSize,
					}
					if smoothed > 0 {
						secs := float64(totalSize-position) / (smoothed * (1 << 20))
						event.ETA = time.Duration(secs * float64(time.Second))
						event.ETAKnown = true
					}
					e.progress(event)
				}
			}
		}
		if readErr == io.EOF {
			return written, nil
		}
		if readErr != nil {
			return written, fmt.Errorf("read source: %w", readErr)
		}
	}
}
