// Package utils provides path and logging helpers shared by the resync CLI.
package utils

import (
	"bytes"
	"fmt"
	"io"
	"sync/atomic"
	"time"
)

// LogInterceptor is an io.Writer that prefixes every complete line written
// through it with a sequence number and timestamp. It fronts the log file
// writer so file logs stay ordered and greppable even when upstream handlers
// hand over partial writes.
type LogInterceptor struct {
	target io.Writer
	seq    atomic.Uint64
	buf    bytes.Buffer
}

func NewLogInterceptor(target io.Writer) *LogInterceptor {
	return &LogInterceptor{target: target}
}

// Write buffers p and flushes every complete line with its prefix. It
// reports all of p as written once buffered.
func (i *LogInterceptor) Write(p []byte) (int, error) {
	i.buf.Write(p)

	for {
		line, err := i.buf.ReadBytes('\n')
		if err != nil {
			// incomplete line, keep it for the next write
			i.buf.Write(line)
			break
		}
		if err := i.writeLine(line); err != nil {
			return len(p), err
		}
	}
	return len(p), nil
}

// Close flushes a trailing unterminated line, if any.
func (i *LogInterceptor) Close() error {
	if i.buf.Len() == 0 {
		return nil
	}
	line := i.buf.Bytes()
	err := i.writeLine(line)
	i.buf.Reset()
	return err
}

func (i *LogInterceptor) writeLine(line []byte) error {
	line = bytes.TrimRight(line, "\r\n")
	_, err := fmt.Fprintf(i.target, "line=%d time=%s %s\n",
		i.seq.Add(1), time.Now().Format(time.RFC3339), line)
	return err
}
