package sync

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/gofrs/flock"
	"github.com/jonboulle/clockwork"
	"github.com/spf13/afero"
)

const (
	// DefaultRetention is how long completion records are kept. Records whose
	// mtime is older than this at persist time are pruned.
	DefaultRetention = 4 * 7 * 24 * time.Hour

	ledgerLockSuffix = ".lock"
)

var ErrLedgerLocked = errors.New("ledger locked by another process")

// Ledger is the persistent record of files verified fully and correctly
// copied. Keys are absolute destination paths, values the source mtime
// stamped onto the destination at completion, stored as unix nanoseconds in
// a flat JSON object so the file stays human-inspectable.
//
// The ledger is loaded once at Open and has a single writer. It is not safe
// for concurrent use; callers serialize sync rounds.
type Ledger struct {
	fs        afero.Fs
	path      string
	retention time.Duration
	clock     clockwork.Clock
	useLock   bool
	flk       *flock.Flock

	records map[string]int64
}

type LedgerOption func(*Ledger)

// WithRetention overrides the record retention window.
func WithRetention(d time.Duration) LedgerOption {
	return func(l *Ledger) {
		l.retention = d
	}
}

// WithClock injects the clock used for retention pruning.
func WithClock(clk clockwork.Clock) LedgerOption {
	return func(l *Ledger) {
		l.clock = clk
	}
}

// WithFileLock makes Open take an exclusive flock next to the ledger file so
// two processes never interleave load-modify-flush cycles. The lock file
// lives on the host filesystem, so this only works with an OS-backed fs.
func WithFileLock() LedgerOption {
	return func(l *Ledger) {
		l.useLock = true
	}
}

func NewLedger(fs afero.Fs, path string, opts ...LedgerOption) *Ledger {
	l := &Ledger{
		fs:        fs,
		path:      path,
		retention: DefaultRetention,
		clock:     clockwork.NewRealClock(),
		records:   make(map[string]int64),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Open takes the file lock if configured and loads the persisted map.
// A missing or corrupt ledger file yields an empty ledger, never an error.
func (l *Ledger) Open() error {
	if err := l.fs.MkdirAll(filepath.Dir(l.path), 0o755); err != nil {
		return fmt.Errorf("create ledger directory: %w", err)
	}

	if l.useLock {
		l.flk = flock.New(l.path + ledgerLockSuffix)
		locked, err := l.flk.TryLock()
		if err != nil {
			return fmt.Errorf("lock ledger: %w", err)
		}
		if !locked {
			return ErrLedgerLocked
		}
	}

	l.load()
	return nil
}

// Close releases the file lock, if one was taken.
func (l *Ledger) Close() error {
	if l.flk == nil || !l.flk.Locked() {
		return nil
	}
	if err := l.flk.Unlock(); err != nil {
		return fmt.Errorf("unlock ledger: %w", err)
	}
	return os.Remove(l.flk.Path())
}

func (l *Ledger) Path() string {
	return l.path
}

// Len returns the number of completion records currently held.
func (l *Ledger) Len() int {
	return len(l.records)
}

// Get returns the recorded completion mtime for a destination path.
func (l *Ledger) Get(dstPath string) (time.Time, bool) {
	nanos, ok := l.records[dstPath]
	if !ok {
		return time.Time{}, false
	}
	return time.Unix(0, nanos), true
}

// Classify decides what to do with one source/destination pair under the
// given mode. It is a pure query and performs no I/O beyond metadata stats.
//
// Order matters:
//  1. record matches the source mtime and the destination exists -> Cached
//  2. destination missing -> New
//  3. NewFilesOnly passes defer everything else -> Partial
//  4. destination mtime matches the record -> Done
//  5. otherwise -> Partial
func (l *Ledger) Classify(srcPath, dstPath string, mode CopyMode) (FileStatus, error) {
	srcInfo, err := l.fs.Stat(srcPath)
	if err != nil {
		return 0, fmt.Errorf("stat source: %w", err)
	}

	dstInfo, err := l.fs.Stat(dstPath)
	dstExists := err == nil
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return 0, fmt.Errorf("stat destination: %w", err)
	}

	record, hasRecord := l.records[dstPath]

	if hasRecord && dstExists && record == srcInfo.ModTime().UnixNano() {
		return StatusCached, nil
	}
	if !dstExists {
		return StatusNew, nil
	}
	if mode == ModeNewFilesOnly {
		return StatusPartial, nil
	}
	if hasRecord && dstInfo.ModTime().UnixNano() == record {
		return StatusDone, nil
	}
	return StatusPartial, nil
}

// MarkDone records a verified completion. The destination mtime is stamped
// to the source mtime before the ledger is persisted, so an independent
// stat comparison and the ledger always agree.
func (l *Ledger) MarkDone(srcPath, dstPath string) error {
	srcInfo, err := l.fs.Stat(srcPath)
	if err != nil {
		return fmt.Errorf("stat source: %w", err)
	}
	mtime := srcInfo.ModTime()

	if err := l.fs.Chtimes(dstPath, mtime, mtime); err != nil {
		return fmt.Errorf("stamp destination mtime: %w", err)
	}

	l.records[dstPath] = mtime.UnixNano()
	if err := l.Persist(); err != nil {
		return err
	}

	slog.Debug("ledger mark done", "dest", dstPath, "mtime", mtime)
	return nil
}

// Persist prunes records older than the retention window and atomically
// replaces the ledger file via a temp file and rename. Called after every
// completion so a crash never loses more than the in-flight file.
func (l *Ledger) Persist() error {
	cutoff := l.clock.Now().Add(-l.retention).UnixNano()
	kept := make(map[string]int64, len(l.records))
	for path, nanos := range l.records {
		if nanos > cutoff {
			kept[path] = nanos
		}
	}
	l.records = kept

	data, err := json.MarshalIndent(kept, "", "  ")
	if err != nil {
		return fmt.Errorf("encode ledger: %w", err)
	}

	tmp, err := afero.TempFile(l.fs, filepath.Dir(l.path), ".ledger-*.tmp")
	if err != nil {
		return fmt.Errorf("create temp ledger: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		l.fs.Remove(tmpName)
		return fmt.Errorf("write temp ledger: %w", err)
	}
	if err := tmp.Close(); err != nil {
		l.fs.Remove(tmpName)
		return fmt.Errorf("close temp ledger: %w", err)
	}
	if err := l.fs.Rename(tmpName, l.path); err != nil {
		l.fs.Remove(tmpName)
		return fmt.Errorf("replace ledger: %w", err)
	}
	return nil
}

func (l *Ledger) load() {
	data, err := afero.ReadFile(l.fs, l.path)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			slog.Warn("ledger unreadable, starting empty", "path", l.path, "error", err)
		}
		return
	}

	var records map[string]int64
	if err := json.Unmarshal(data, &records); err != nil {
		slog.Warn("ledger corrupt, starting empty", "path", l.path, "error", err)
		return
	}
	if records == nil {
		return
	}

	l.records = records
	slog.Debug("ledger loaded", "path", l.path, "records", len(records))
}
