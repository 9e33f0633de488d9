package store

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
)

// maxLineBytes bounds a single record. Larger lines fail the scan.
const maxLineBytes = 8 * 1024 * 1024

// ErrNotFound is returned by lookups that find no record.
var ErrNotFound = errors.New("not found")

// CorruptLineError reports a line that could not be decoded.
type CorruptLineError struct {
	Path string
	Line int
	Err  error
}

// Error implements the error interface.
func (e *CorruptLineError) Error() string {
	return fmt.Sprintf("%s: line %d: %v", e.Path, e.Line, e.Err)
}

// Unwrap returns the underlying decode error.
func (e *CorruptLineError) Unwrap() error {
	return e.Err
}

// Log is an append-only file of canonical JSON records, one per line.
// A Log is safe for concurrent use by goroutines of one process.
type Log struct {
	path       string
	syncWrites bool

	mu sync.Mutex
}

// LogOption configures a Log.
type LogOption func(*Log)

// WithoutSync disables the fsync after each append. Only for tests and
// throwaway data; a crash may lose acknowledged records.
func WithoutSync() LogOption {
	return func(l *Log) {
		l.syncWrites = false
	}
}

// OpenLog opens the log at path, creating the file and its directory if needed.
// This function is idempotent - safe to call multiple times.
func OpenLog(path string, opts ...LogOption) (*Log, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return nil, fmt.Errorf("open log: create directory: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, fmt.Errorf("open log: %w", err)
	}
	if err := f.Close(); err != nil {
		return nil, fmt.Errorf("open log: %w", err)
	}

	l := &Log{path: path, syncWrites: true}
	for _, opt := range opts {
		opt(l)
	}
	if _, err := l.RepairTail(); err != nil {
		return nil, fmt.Errorf("open log: %w", err)
	}
	return l, nil
}

// RepairTail truncates an unterminated final line left by an interrupted
// write and reports how many bytes were dropped. Complete lines are never
// touched.
func (l *Log) RepairTail() (int64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	f, err := os.OpenFile(l.path, os.O_RDWR, 0)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return 0, nil
		}
		return 0, fmt.Errorf("repair %s: %w", filepath.Base(l.path), err)
	}
	defer func() { _ = f.Close() }()
	return l.repairTail(f)
}

// repairTail requires l.mu and a file opened for reading and writing.
func (l *Log) repairTail(f *os.File) (int64, error) {
	info, err := f.Stat()
	if err != nil {
		return 0, fmt.Errorf("repair %s: %w", filepath.Base(l.path), err)
	}
	size := info.Size()
	if size == 0 {
		return 0, nil
	}
	last := make([]byte, 1)
	if _, err := f.ReadAt(last, size-1); err != nil {
		return 0, fmt.Errorf("repair %s: %w", filepath.Base(l.path), err)
	}
	if last[0] == '\n' {
		return 0, nil
	}

	// Walk back to the last newline.
	keep := int64(0)
	buf := make([]byte, 64*1024)
	for end := size; end > 0; {
		start := max(end-int64(len(buf)), 0)
		chunk := buf[:end-start]
		if _, err := f.ReadAt(chunk, start); err != nil && !errors.Is(err, io.EOF) {
			return 0, fmt.Errorf("repair %s: %w", filepath.Base(l.path), err)
		}
		if i := bytes.LastIndexByte(chunk, '\n'); i >= 0 {
			keep = start + int64(i) + 1
			break
		}
		end = start
	}
	if err := f.Truncate(keep); err != nil {
		return 0, fmt.Errorf("repair %s: truncate: %w", filepath.Base(l.path), err)
	}
	if l.syncWrites {
		if err := f.Sync(); err != nil {
			return 0, fmt.Errorf("repair %s: sync: %w", filepath.Base(l.path), err)
		}
	}
	return size - keep, nil
}

// Path returns the file backing the log.
func (l *Log) Path() string {
	return l.path
}

// Append writes records as canonical lines in a single write.
// Either every record is encoded and written, or an error is returned before
// anything touches the file. A short write from the OS surfaces as an error;
// the partial tail is truncated before the next append or open.
func (l *Log) Append(records ...any) error {
	if len(records) == 0 {
		return nil
	}

	var buf []byte
	for _, r := range records {
		line, err := marshalRecord(r)
		if err != nil {
			return fmt.Errorf("append %s: %w", filepath.Base(l.path), err)
		}
		buf = append(buf, line...)
		buf = append(buf, '\n')
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	f, err := os.OpenFile(l.path, os.O_CREATE|os.O_APPEND|os.O_RDWR, 0o600)
	if err != nil {
		return fmt.Errorf("append %s: open: %w", filepath.Base(l.path), err)
	}
	defer func() { _ = f.Close() }()

	if _, err := l.repairTail(f); err != nil {
		return fmt.Errorf("append %s: %w", filepath.Base(l.path), err)
	}

	if _, err := f.Write(buf); err != nil {
		return fmt.Errorf("append %s: write: %w", filepath.Base(l.path), err)
	}
	if l.syncWrites {
		if err := f.Sync(); err != nil {
			return fmt.Errorf("append %s: sync: %w", filepath.Base(l.path), err)
		}
	}
	return nil
}

// Scan calls fn for each non-empty line in append order, with its 1-based line
// number. The line slice is only valid during the call. Scan stops at the first
// error from fn or from the context. Scanning sees a consistent prefix of the
// file: lines appended after Scan reaches EOF are not visited.
func (l *Log) Scan(ctx context.Context, fn func(lineNo int, line []byte) error) error {
	f, err := os.Open(l.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("scan %s: %w", filepath.Base(l.path), err)
	}
	defer func() { _ = f.Close() }()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineBytes)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		if err := ctx.Err(); err != nil {
			return err
		}
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		if err := fn(lineNo, line); err != nil {
			return err
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("scan %s: line %d: %w", filepath.Base(l.path), lineNo+1, err)
	}
	return nil
}

// ScanRecords decodes each line into T and calls fn. A line that does not
// decode stops the scan with a *CorruptLineError.
func ScanRecords[T any](ctx context.Context, l *Log, fn func(rec T) error) error {
	return l.Scan(ctx, func(lineNo int, line []byte) error {
		rec, err := Decode[T](line)
		if err != nil {
			return &CorruptLineError{Path: l.path, Line: lineNo, Err: err}
		}
		return fn(rec)
	})
}

// Rewrite replaces the log with the lines for which keep returns true and
// reports how many lines were dropped. The replacement is written to a temp
// file in the same directory, synced, then renamed over the original, so a
// crash leaves either the old or the new file intact.
//
// Rewrite holds the append lock for its whole duration.
func (l *Log) Rewrite(ctx context.Context, keep func(line []byte) (bool, error)) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	tmp, err := os.CreateTemp(filepath.Dir(l.path), filepath.Base(l.path)+".rewrite-*")
	if err != nil {
		return 0, fmt.Errorf("rewrite %s: %w", filepath.Base(l.path), err)
	}
	tmpPath := tmp.Name()
	committed := false
	defer func() {
		if !committed {
			_ = tmp.Close()
			_ = os.Remove(tmpPath)
		}
	}()

	w := bufio.NewWriter(tmp)
	dropped := 0
	err = l.Scan(ctx, func(_ int, line []byte) error {
		ok, err := keep(line)
		if err != nil {
			return err
		}
		if !ok {
			dropped++
			return nil
		}
		if _, err := w.Write(line); err != nil {
			return err
		}
		return w.WriteByte('\n')
	})
	if err != nil {
		return 0, fmt.Errorf("rewrite %s: %w", filepath.Base(l.path), err)
	}
	if err := w.Flush(); err != nil {
		return 0, fmt.Errorf("rewrite %s: flush: %w", filepath.Base(l.path), err)
	}
	if err := tmp.Sync(); err != nil {
		return 0, fmt.Errorf("rewrite %s: sync: %w", filepath.Base(l.path), err)
	}
	if err := tmp.Close(); err != nil {
		return 0, fmt.Errorf("rewrite %s: close: %w", filepath.Base(l.path), err)
	}
	if err := os.Rename(tmpPath, l.path); err != nil {
		return 0, fmt.Errorf("rewrite %s: rename: %w", filepath.Base(l.path), err)
	}
	committed = true
	return dropped, nil
}
