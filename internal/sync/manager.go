package sync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"github.com/spf13/afero"
	"golang.org/x/sync/errgroup"

	"github.com/resynclabs/resync/internal/config"
)

var ErrRoundRunning = errors.New("sync round already running")

// Manager wires the ledger, locator, engine and synchronizer for one
// source/destination pair and schedules sync rounds: one initial round, then
// one round per debounced watcher event when watch mode is on. Rounds are
// strictly serialized.
type Manager struct {
	fs      afero.Fs
	cfg     *config.Config
	ledger  *Ledger
	engine  *Engine
	syncer  *Synchronizer
	ignore  *IgnoreList
	watcher *FileWatcher

	progress   ProgressFunc
	lockLedger bool
	muRound    sync.Mutex
}

type ManagerOption func(*Manager)

// WithLedgerLock makes the ledger take a cross-process file lock on open.
// Needs an OS-backed filesystem.
func WithLedgerLock() ManagerOption {
	return func(m *Manager) {
		m.lockLedger = true
	}
}

// WithProgress registers a callback for per-file transfer events.
func WithProgress(fn ProgressFunc) ManagerOption {
	return func(m *Manager) {
		m.progress = fn
	}
}

func NewManager(fs afero.Fs, cfg *config.Config, opts ...ManagerOption) *Manager {
	m := &Manager{fs: fs, cfg: cfg}
	for _, opt := range opts {
		opt(m)
	}

	ledgerOpts := []LedgerOption{}
	if retention := cfg.RetentionWindow(); retention > 0 {
		ledgerOpts = append(ledgerOpts, WithRetention(retention))
	}
	if m.lockLedger {
		ledgerOpts = append(ledgerOpts, WithFileLock())
	}
	m.ledger = NewLedger(fs, cfg.LedgerPath, ledgerOpts...)

	locator := NewLocator(fs, cfg.BlockSizeBytes())
	m.engine = NewEngine(fs, m.ledger, locator)
	m.engine.SetChunkSize(cfg.ChunkSizeBytes())
	m.engine.SetRateWindow(cfg.RateWindow)
	m.engine.SetDryRun(cfg.DryRun)
	if m.progress != nil {
		m.engine.OnProgress(m.progress)
	}

	m.ignore = NewIgnoreList(fs, cfg.Source, cfg.Exclude...)
	m.syncer = NewSynchronizer(fs, m.ledger, m.engine, m.ignore)

	return m
}

// Run opens the ledger, performs the initial sync round and, in watch mode,
// keeps syncing on source changes until the context is canceled. The
// returned summary covers the initial round; watch rounds log their own.
func (m *Manager) Run(ctx context.Context) (*Summary, error) {
	if err := m.ledger.Open(); err != nil {
		return nil, err
	}
	defer m.ledger.Close()

	m.ignore.Load()

	summary, err := m.Sync(ctx)
	if err != nil {
		return summary, err
	}

	if !m.cfg.Watch {
		return summary, nil
	}

	// watch-mode cancellation is the normal way out, not an error
	if err := m.watch(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return summary, err
	}
	return summary, nil
}

// Sync performs one full two-pass round and logs its summary.
func (m *Manager) Sync(ctx context.Context) (*Summary, error) {
	if !m.muRound.TryLock() {
		return nil, ErrRoundRunning
	}
	defer m.muRound.Unlock()

	summary, err := m.syncer.Run(ctx, m.cfg.Source, m.cfg.Dest)
	if err != nil {
		return summary, err
	}

	slog.Info("sync round complete",
		"copied", summary.Copied,
		"cached", summary.Cached,
		"done", summary.Done,
		"skipped", summary.Skipped,
		"failed", summary.Failed,
		"bytes", humanize.IBytes(uint64(summary.BytesCopied)),
		"took", summary.Elapsed.Round(time.Millisecond),
	)
	return summary, nil
}

// watch runs follow-up rounds on debounced source-tree changes.
func (m *Manager) watch(ctx context.Context) error {
	srcInfo, err := m.fs.Stat(m.cfg.Source)
	if err != nil {
		return fmt.Errorf("stat source: %w", err)
	}
	if !srcInfo.IsDir() {
		return errors.New("watch mode needs a directory source")
	}

	m.watcher = NewFileWatcher(m.cfg.Source)
	m.watcher.FilterPaths(func(path string) bool {
		rel, err := filepath.Rel(m.cfg.Source, path)
		if err != nil {
			return false
		}
		return m.ignore.ShouldIgnore(filepath.ToSlash(rel))
	})
	if err := m.watcher.Start(ctx); err != nil {
		return fmt.Errorf("start watcher: %w", err)
	}

	slog.Info("watching for changes", "dir", m.cfg.Source)

	eg, egCtx := errgroup.WithContext(ctx)

	eg.Go(func() error {
		<-egCtx.Done()
		m.watcher.Stop()
		return nil
	})

	eg.Go(func() error {
		return m.runRounds(egCtx)
	})

	return eg.Wait()
}

func (m *Manager) runRounds(ctx context.Context) error {
	events := m.watcher.Events()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case event, ok := <-events:
			if !ok {
				return nil
			}
			round := uuid.NewString()[:8]
			slog.Info("source changed", "round", round, "path", event.Path(), "event", event.Event())
			if _, err := m.Sync(ctx); err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				slog.Error("sync round failed", "round", round, "error", err)
			}
		}
	}
}
