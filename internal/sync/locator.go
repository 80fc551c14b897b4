package sync

import (
	"bytes"
	"fmt"
	"io"

	"github.com/spf13/afero"
)

// DefaultBlockSize is the probe granularity for divergence location.
const DefaultBlockSize = 1024

// OffsetEqual is returned by FindResumeOffset when source and destination
// already hold identical bytes and no copying is needed.
const OffsetEqual int64 = -1

// Locator finds the byte offset from which an interrupted copy can resume.
//
// It assumes the destination is a truncated or partially overwritten copy of
// the source, so block equality is treated as monotonic: equal at offset k
// implies equal before k. That makes a binary search over block probes
// sufficient. It is a resume heuristic, not a general diff; destinations with
// interior corruption past the first diverging block can go undetected.
type Locator struct {
	fs        afero.Fs
	blockSize int64
}

// NewLocator creates a locator probing with the given block size.
// A block size below 1 falls back to DefaultBlockSize.
func NewLocator(fs afero.Fs, blockSize int64) *Locator {
	if blockSize < 1 {
		blockSize = DefaultBlockSize
	}
	return &Locator{fs: fs, blockSize: blockSize}
}

// BlockSize returns the probe granularity in bytes.
func (l *Locator) BlockSize() int64 {
	return l.blockSize
}

// FindResumeOffset returns the offset at which copying src over dst should
// resume, or OffsetEqual when the files are already identical.
//
// Equal sizes: if the trailing block matches, the files are considered equal.
// Otherwise a binary search over block probes returns the end of the largest
// verified-equal prefix, at block granularity.
//
// Destination shorter than source: if the destination's trailing block matches
// the same range of the source, the destination is an intact truncated prefix
// and copying resumes by appending at its end. Otherwise the search runs over
// the common prefix only.
//
// Destination longer than source: returns 0. A resume must never truncate, so
// the extra bytes can only be removed by a fresh copy.
func (l *Locator) FindResumeOffset(srcPath, dstPath string, srcSize, dstSize int64) (int64, error) {
	if dstSize > srcSize {
		return 0, nil
	}
	if srcSize == 0 {
		// both empty
		return OffsetEqual, nil
	}
	if dstSize == 0 {
		return 0, nil
	}

	src, err := l.fs.Open(srcPath)
	if err != nil {
		return 0, fmt.Errorf("open source: %w", err)
	}
	defer src.Close()

	dst, err := l.fs.Open(dstPath)
	if err != nil {
		return 0, fmt.Errorf("open destination: %w", err)
	}
	defer dst.Close()

	p := &prober{
		src:    src,
		dst:    dst,
		srcBuf: make([]byte, l.blockSize),
		dstBuf: make([]byte, l.blockSize),
		// probes never cross the comparable range, the common prefix
		limit: dstSize,
	}

	tail := p.limit - l.blockSize
	if tail < 0 {
		tail = 0
	}
	equal, err := p.equalAt(tail)
	if err != nil {
		return 0, err
	}
	if equal {
		if dstSize == srcSize {
			return OffsetEqual, nil
		}
		// intact truncated prefix, append from its end
		return p.limit, nil
	}

	return p.search()
}

// prober compares fixed-size blocks of two files within [0, limit).
type prober struct {
	src, dst       io.ReaderAt
	srcBuf, dstBuf []byte
	limit          int64
}

// search binary-searches [0, limit) for the largest offset whose block still
// matches. Offsets are plain bytes, not block multiples.
func (p *prober) search() (int64, error) {
	start, end := int64(0), p.limit
	for start+1 < end {
		mid := start + (end-start)/2
		equal, err := p.equalAt(mid)
		if err != nil {
			return 0, err
		}
		if equal {
			start = mid
		} else {
			end = mid
		}
	}
	return start, nil
}

// equalAt compares one probe block of both files at off, clamped at limit.
func (p *prober) equalAt(off int64) (bool, error) {
	n := int64(len(p.srcBuf))
	if off+n > p.limit {
		n = p.limit - off
	}
	if n <= 0 {
		return true, nil
	}

	srcN, err := p.src.ReadAt(p.srcBuf[:n], off)
	if err != nil && err != io.EOF {
		return false, fmt.Errorf("read source block at %d: %w", off, err)
	}
	dstN, err := p.dst.ReadAt(p.dstBuf[:n], off)
	if err != nil && err != io.EOF {
		return false, fmt.Errorf("read destination block at %d: %w", off, err)
	}

	return srcN == dstN && bytes.Equal(p.srcBuf[:srcN], p.dstBuf[:dstN]), nil
}
