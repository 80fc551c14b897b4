package sync

import (
	"bytes"
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestEngine(t *testing.T, fs afero.Fs, blockSize, chunkSize int64) (*Engine, *Ledger) {
	t.Helper()
	ledger := newTestLedger(t, fs)
	eng := NewEngine(fs, ledger, NewLocator(fs, blockSize))
	eng.SetChunkSize(chunkSize)
	return eng, ledger
}

func TestEngine_CopyNewFile(t *testing.T) {
	fs := afero.NewMemMapFs()
	eng, ledger := newTestEngine(t, fs, 2, 4)

	srcMtime := time.Date(2026, 5, 1, 8, 0, 0, 42, time.UTC)
	writeFileWithMtime(t, fs, "/tree/a.txt", []byte("hello world"), srcMtime)

	res, err := eng.CopyFile(context.Background(), "/tree/a.txt", "/out/sub/a.txt")
	require.NoError(t, err)
	assert.Equal(t, StatusNew, res.Status)
	assert.EqualValues(t, 0, res.ResumeOffset)
	assert.EqualValues(t, 11, res.BytesCopied)
	assert.EqualValues(t, 11, res.TotalBytes)
	assert.False(t, res.AlreadyEqual)

	data, err := afero.ReadFile(fs, "/out/sub/a.txt")
	require.NoError(t, err)
	assert.Equal(t, "hello world", string(data))

	// completion stamped onto the destination and recorded
	info, err := fs.Stat("/out/sub/a.txt")
	require.NoError(t, err)
	assert.Equal(t, srcMtime.UnixNano(), info.ModTime().UnixNano())
	recorded, ok := ledger.Get("/out/sub/a.txt")
	require.True(t, ok)
	assert.Equal(t, srcMtime.UnixNano(), recorded.UnixNano())
}

func TestEngine_ResumeAppendsToTruncatedDestination(t *testing.T) {
	fs := afero.NewMemMapFs()
	eng, ledger := newTestEngine(t, fs, 2, 4)

	writeFileWithMtime(t, fs, "/tree/f.bin", []byte("0123456789"), time.Now())
	require.NoError(t, afero.WriteFile(fs, "/out/f.bin", []byte("0123"), 0o644))

	res, err := eng.CopyFile(context.Background(), "/tree/f.bin", "/out/f.bin")
	require.NoError(t, err)
	assert.Equal(t, StatusPartial, res.Status)
	assert.EqualValues(t, 4, res.ResumeOffset)
	assert.EqualValues(t, 6, res.BytesCopied)

	data, err := afero.ReadFile(fs, "/out/f.bin")
	require.NoError(t, err)
	assert.Equal(t, "0123456789", string(data))
	_, ok := ledger.Get("/out/f.bin")
	assert.True(t, ok)
}

func TestEngine_ResumeOverwritesDivergentTail(t *testing.T) {
	fs := afero.NewMemMapFs()
	eng, _ := newTestEngine(t, fs, 2, 4)

	writeFileWithMtime(t, fs, "/tree/f.bin", []byte("0123456789"), time.Now())
	require.NoError(t, afero.WriteFile(fs, "/out/f.bin", []byte("0123xxxxxx"), 0o644))

	// blocks of 2: the probe narrows the verified prefix to offset 2 and the
	// tail from there is rewritten
	res, err := eng.CopyFile(context.Background(), "/tree/f.bin", "/out/f.bin")
	require.NoError(t, err)
	assert.Equal(t, StatusPartial, res.Status)
	assert.EqualValues(t, 2, res.ResumeOffset)
	assert.EqualValues(t, 8, res.BytesCopied)

	data, err := afero.ReadFile(fs, "/out/f.bin")
	require.NoError(t, err)
	assert.Equal(t, "0123456789", string(data))
}

func TestEngine_LongerDestinationRestartsFromZero(t *testing.T) {
	fs := afero.NewMemMapFs()
	eng, _ := newTestEngine(t, fs, 2, 4)

	writeFileWithMtime(t, fs, "/tree/f.bin", []byte("01234"), time.Now())
	require.NoError(t, afero.WriteFile(fs, "/out/f.bin", []byte("0123456789"), 0o644))

	res, err := eng.CopyFile(context.Background(), "/tree/f.bin", "/out/f.bin")
	require.NoError(t, err)
	assert.Equal(t, StatusNew, res.Status)
	assert.EqualValues(t, 0, res.ResumeOffset)
	assert.EqualValues(t, 5, res.BytesCopied)

	// a fresh copy truncates; the stale tail must be gone
	data, err := afero.ReadFile(fs, "/out/f.bin")
	require.NoError(t, err)
	assert.Equal(t, "01234", string(data))
}

func TestEngine_EqualFilesRecordedWithoutCopy(t *testing.T) {
	for _, dryRun := range []bool{false, true} {
		name := "normal"
		if dryRun {
			name = "dry run"
		}
		t.Run(name, func(t *testing.T) {
			fs := afero.NewMemMapFs()
			eng, ledger := newTestEngine(t, fs, 2, 4)
			eng.SetDryRun(dryRun)

			srcMtime := time.Date(2026, 5, 2, 9, 30, 0, 0, time.UTC)
			writeFileWithMtime(t, fs, "/tree/f.bin", []byte("same bytes"), srcMtime)
			require.NoError(t, afero.WriteFile(fs, "/out/f.bin", []byte("same bytes"), 0o644))

			res, err := eng.CopyFile(context.Background(), "/tree/f.bin", "/out/f.bin")
			require.NoError(t, err)
			assert.Equal(t, StatusDone, res.Status)
			assert.True(t, res.AlreadyEqual)
			assert.Equal(t, OffsetEqual, res.ResumeOffset)
			assert.Zero(t, res.BytesCopied)
			assert.Equal(t, dryRun, res.DryRun)

			// verified-equal content is recorded even under dry-run
			_, ok := ledger.Get("/out/f.bin")
			assert.True(t, ok)
			info, err := fs.Stat("/out/f.bin")
			require.NoError(t, err)
			assert.Equal(t, srcMtime.UnixNano(), info.ModTime().UnixNano())
		})
	}
}

func TestEngine_DryRunWritesNothing(t *testing.T) {
	t.Run("new file", func(t *testing.T) {
		fs := afero.NewMemMapFs()
		eng, ledger := newTestEngine(t, fs, 2, 4)
		eng.SetDryRun(true)
		writeFileWithMtime(t, fs, "/tree/f.bin", []byte("0123456789"), time.Now())

		res, err := eng.CopyFile(context.Background(), "/tree/f.bin", "/out/f.bin")
		require.NoError(t, err)
		assert.Equal(t, StatusNew, res.Status)
		assert.True(t, res.DryRun)
		assert.Zero(t, res.BytesCopied)

		_, err = fs.Stat("/out/f.bin")
		assert.True(t, errors.Is(err, os.ErrNotExist))
		// not even the destination directory is created
		exists, err := afero.DirExists(fs, "/out")
		require.NoError(t, err)
		assert.False(t, exists)
		assert.Equal(t, 0, ledger.Len())
	})

	t.Run("partial file", func(t *testing.T) {
		fs := afero.NewMemMapFs()
		eng, ledger := newTestEngine(t, fs, 2, 4)
		eng.SetDryRun(true)
		writeFileWithMtime(t, fs, "/tree/f.bin", []byte("0123456789"), time.Now())
		require.NoError(t, afero.WriteFile(fs, "/out/f.bin", []byte("0123"), 0o644))

		res, err := eng.CopyFile(context.Background(), "/tree/f.bin", "/out/f.bin")
		require.NoError(t, err)
		assert.Equal(t, StatusPartial, res.Status)
		assert.EqualValues(t, 4, res.ResumeOffset)
		assert.Zero(t, res.BytesCopied)

		data, err := afero.ReadFile(fs, "/out/f.bin")
		require.NoError(t, err)
		assert.Equal(t, "0123", string(data))
		assert.Equal(t, 0, ledger.Len())
	})
}

func TestEngine_DestinationIsDirectory(t *testing.T) {
	fs := afero.NewMemMapFs()
	eng, _ := newTestEngine(t, fs, 2, 4)
	writeFileWithMtime(t, fs, "/tree/f.bin", []byte("data"), time.Now())
	require.NoError(t, fs.MkdirAll("/out/f.bin", 0o755))

	res, err := eng.CopyFile(context.Background(), "/tree/f.bin", "/out/f.bin")
	require.ErrorIs(t, err, ErrDestIsDir)
	assert.Nil(t, res)
}

func TestEngine_SourceErrors(t *testing.T) {
	t.Run("missing", func(t *testing.T) {
		fs := afero.NewMemMapFs()
		eng, _ := newTestEngine(t, fs, 2, 4)

		_, err := eng.CopyFile(context.Background(), "/tree/missing.bin", "/out/missing.bin")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "stat source")
	})

	t.Run("directory", func(t *testing.T) {
		fs := afero.NewMemMapFs()
		eng, _ := newTestEngine(t, fs, 2, 4)
		require.NoError(t, fs.MkdirAll("/tree/dir", 0o755))

		_, err := eng.CopyFile(context.Background(), "/tree/dir", "/out/dir")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "is a directory")
	})
}

func TestEngine_ProgressOnlyOnPercentChange(t *testing.T) {
	fs := afero.NewMemMapFs()
	eng, _ := newTestEngine(t, fs, 2, 1) // one byte per chunk
	eng.SetClock(clockwork.NewFakeClock())

	writeFileWithMtime(t, fs, "/tree/f.bin", bytes.Repeat([]byte{7}, 200), time.Now())

	var events []TransferEvent
	eng.OnProgress(func(ev TransferEvent) { events = append(events, ev) })

	_, err := eng.CopyFile(context.Background(), "/tree/f.bin", "/out/f.bin")
	require.NoError(t, err)

	// 200 one-byte chunks collapse onto one event per integer percent
	require.Len(t, events, 101)
	for i, ev := range events {
		assert.Equal(t, i, ev.Percent)
		assert.Equal(t, "/out/f.bin", ev.Path)
		// the clock never moves, so no window yields a usable sample
		assert.Zero(t, ev.RateMBps)
		assert.False(t, ev.ETAKnown)
	}
	assert.EqualValues(t, 200, events[100].Copied)
	assert.EqualValues(t, 200, events[100].Total)
}

func TestEngine_RateMedianAndETA(t *testing.T) {
	fs := afero.NewMemMapFs()
	eng, _ := newTestEngine(t, fs, 2, 50)
	clk := clockwork.NewFakeClock()
	eng.SetClock(clk)

	writeFileWithMtime(t, fs, "/tree/f.bin", bytes.Repeat([]byte{1}, 200), time.Now())

	var events []TransferEvent
	eng.OnProgress(func(ev TransferEvent) {
		events = append(events, ev)
		// every window after this event measures exactly one second
		clk.Advance(time.Second)
	})

	_, err := eng.CopyFile(context.Background(), "/tree/f.bin", "/out/f.bin")
	require.NoError(t, err)
	require.Len(t, events, 4)

	percents := make([]int, 0, len(events))
	for _, ev := range events {
		percents = append(percents, ev.Percent)
	}
	assert.Equal(t, []int{25, 50, 75, 100}, percents)

	// one 50-byte chunk per one-second window
	sample := 50.0 / (1 << 20)

	// the first window has zero elapsed time, so the rate is still unknown
	assert.Zero(t, events[0].RateMBps)
	assert.False(t, events[0].ETAKnown)

	// median of {0, s} is s/2: 100 bytes left at 25 B/s is four seconds
	assert.InDelta(t, sample/2, events[1].RateMBps, 1e-12)
	require.True(t, events[1].ETAKnown)
	assert.Equal(t, 4*time.Second, events[1].ETA)

	// median of {0, s, s} is s: 50 bytes left at 50 B/s is one second
	assert.InDelta(t, sample, events[2].RateMBps, 1e-12)
	require.True(t, events[2].ETAKnown)
	assert.Equal(t, time.Second, events[2].ETA)

	require.True(t, events[3].ETAKnown)
	assert.Equal(t, time.Duration(0), events[3].ETA)
}

func TestEngine_CancelMidStreamLeavesResumablePartial(t *testing.T) {
	fs := afero.NewMemMapFs()
	eng, ledger := newTestEngine(t, fs, 2, 2)
	writeFileWithMtime(t, fs, "/tree/f.bin", []byte("0123456789"), time.Now())

	ctx, cancel := context.WithCancel(context.Background())
	eng.OnProgress(func(ev TransferEvent) {
		if ev.Percent == 40 {
			cancel()
		}
	})

	res, err := eng.CopyFile(ctx, "/tree/f.bin", "/out/f.bin")
	require.ErrorIs(t, err, context.Canceled)
	require.NotNil(t, res)
	assert.EqualValues(t, 4, res.BytesCopied)

	// the partial stays on disk, nothing is recorded
	data, err := afero.ReadFile(fs, "/out/f.bin")
	require.NoError(t, err)
	assert.Equal(t, "0123", string(data))
	assert.Equal(t, 0, ledger.Len())

	// the next run resumes from the verified prefix
	eng.OnProgress(nil)
	res, err = eng.CopyFile(context.Background(), "/tree/f.bin", "/out/f.bin")
	require.NoError(t, err)
	assert.Equal(t, StatusPartial, res.Status)
	assert.EqualValues(t, 4, res.ResumeOffset)
	assert.EqualValues(t, 6, res.BytesCopied)

	data, err = afero.ReadFile(fs, "/out/f.bin")
	require.NoError(t, err)
	assert.Equal(t, "0123456789", string(data))
	_, ok := ledger.Get("/out/f.bin")
	assert.True(t, ok)
}

func TestEngine_ZeroByteSource(t *testing.T) {
	fs := afero.NewMemMapFs()
	eng, ledger := newTestEngine(t, fs, 2, 4)
	writeFileWithMtime(t, fs, "/tree/empty.bin", nil, time.Now())

	var events int
	eng.OnProgress(func(TransferEvent) { events++ })

	res, err := eng.CopyFile(context.Background(), "/tree/empty.bin", "/out/empty.bin")
	require.NoError(t, err)
	assert.Equal(t, StatusNew, res.Status)
	assert.Zero(t, res.BytesCopied)
	assert.Zero(t, res.TotalBytes)
	assert.Zero(t, events)

	info, err := fs.Stat("/out/empty.bin")
	require.NoError(t, err)
	assert.Zero(t, info.Size())
	_, ok := ledger.Get("/out/empty.bin")
	assert.True(t, ok)
}
