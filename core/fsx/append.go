package fsx

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"time"
)

const (
	// MaxLineBytes bounds a single JSONL record when reading it back.
	MaxLineBytes = 16 * 1024 * 1024

	tailChunk = 64 * 1024
)

// ErrLockTimeout is returned when another writer holds the append lock for
// longer than the configured wait.
var ErrLockTimeout = errors.New("append lock timeout")

// LockPolicy controls how long an appender waits for the sibling .lock file
// and when an abandoned lock may be reclaimed.
type LockPolicy struct {
	Wait       time.Duration
	Retry      time.Duration
	StaleAfter time.Duration
}

// DefaultLockPolicy is used by AppendLineLocked and AppendBuiltLineLocked.
var DefaultLockPolicy = LockPolicy{
	Wait:       30 * time.Second,
	Retry:      10 * time.Millisecond,
	StaleAfter: 2 * time.Minute,
}

// LineBuilder produces the next record given the last non-empty line already
// in the file (nil for an empty or absent file). It runs while the append lock
// is held, so the previous line it observes is the one the new line follows.
type LineBuilder func(lastLine []byte) ([]byte, error)

// AppendLineLocked appends one record plus a newline under the cross-process
// lock and fsyncs before returning.
func AppendLineLocked(path string, line []byte, mode os.FileMode) error {
	return AppendBuiltLineLocked(path, func([]byte) ([]byte, error) { return line, nil }, mode)
}

// AppendBuiltLineLocked is AppendLineLocked for records that depend on the
// current tail of the file, such as hash-chained ledgers.
func AppendBuiltLineLocked(path string, build LineBuilder, mode os.FileMode) error {
	return DefaultLockPolicy.Append(path, build, mode)
}

// Append runs build against the current tail of path and appends its result,
// all while holding path+".lock".
func (p LockPolicy) Append(path string, build LineBuilder, mode os.FileMode) error {
	target, err := checkAppendPath(path)
	if err != nil {
		return err
	}
	dir := filepath.Dir(target)
	if err := ensureDir(dir); err != nil {
		return err
	}

	err = p.withLock(target, func() error {
		last, err := readLastLine(target)
		if err != nil {
			return err
		}
		line, err := build(last)
		if err != nil {
			return err
		}
		if bytes.ContainsAny(line, "\r\n") {
			return fmt.Errorf("append record must be a single line")
		}
		return appendRecord(target, line, mode)
	})
	if err != nil {
		return err
	}
	if dir != "." {
		syncDir(dir)
	}
	return nil
}

func appendRecord(path string, line []byte, mode os.FileMode) error {
	record := make([]byte, len(line)+1)
	copy(record, line)
	record[len(line)] = '\n'

	// #nosec G304 -- path passed checkAppendPath.
	handle, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, mode)
	if err != nil {
		return fmt.Errorf("open append file: %w", err)
	}
	defer func() { _ = handle.Close() }()
	if _, err := handle.Write(record); err != nil {
		return fmt.Errorf("append file line: %w", err)
	}
	if err := handle.Sync(); err != nil {
		return fmt.Errorf("sync append file: %w", err)
	}
	return nil
}

// ReadLines returns every non-empty line of a JSONL file in order. A missing
// file reads as no lines.
func ReadLines(path string) ([][]byte, error) {
	// #nosec G304 -- caller supplies an explicit local ledger path.
	handle, err := os.Open(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("open lines file: %w", err)
	}
	defer func() { _ = handle.Close() }()

	var lines [][]byte
	scanner := bufio.NewScanner(handle)
	scanner.Buffer(make([]byte, 0, tailChunk), MaxLineBytes)
	for scanner.Scan() {
		if line := bytes.TrimSpace(scanner.Bytes()); len(line) > 0 {
			lines = append(lines, bytes.Clone(line))
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read lines file: %w", err)
	}
	return lines, nil
}

// ReadTail returns up to n of the last non-empty lines of path, newest
// first. The file is read backwards in tailChunk steps, so the cost follows n
// rather than the file size. A missing file reads as no lines.
func ReadTail(path string, n int) ([][]byte, error) {
	if n <= 0 {
		return nil, nil
	}
	// #nosec G304 -- caller supplies an explicit local ledger path.
	handle, err := os.Open(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("open file for tail: %w", err)
	}
	defer func() { _ = handle.Close() }()
	info, err := handle.Stat()
	if err != nil {
		return nil, fmt.Errorf("stat file for tail: %w", err)
	}

	var (
		lines [][]byte
		// partial is the not yet terminated start of the region read so far.
		partial []byte
		end     = info.Size()
	)
	for end > 0 && len(lines) < n {
		start := max(end-tailChunk, 0)
		chunk := make([]byte, end-start, end-start+int64(len(partial)))
		if _, err := handle.ReadAt(chunk, start); err != nil && !errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("read file tail: %w", err)
		}
		end = start
		region := append(chunk, partial...)
		for len(lines) < n {
			cut := bytes.LastIndexByte(region, '\n')
			if cut < 0 {
				break
			}
			if line := bytes.TrimSpace(region[cut+1:]); len(line) > 0 {
				lines = append(lines, bytes.Clone(line))
			}
			region = region[:cut]
		}
		partial = region
		if len(partial) > MaxLineBytes {
			return nil, fmt.Errorf("tail line exceeds %d bytes", MaxLineBytes)
		}
	}
	if end == 0 && len(lines) < n {
		if line := bytes.TrimSpace(partial); len(line) > 0 {
			lines = append(lines, bytes.Clone(line))
		}
	}
	return lines, nil
}

func readLastLine(path string) ([]byte, error) {
	lines, err := ReadTail(path, 1)
	if err != nil || len(lines) == 0 {
		return nil, err
	}
	return lines[0], nil
}

func (p LockPolicy) withLock(path string, fn func() error) error {
	lockPath := path + ".lock"
	deadline := time.Now().Add(p.Wait)
	for {
		// #nosec G304 -- lock path derives from a checked append path.
		lock, err := os.OpenFile(lockPath, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600)
		if err == nil {
			_ = lock.Close()
			defer func() { _ = os.Remove(lockPath) }()
			return fn()
		}
		if !lockHeld(err, lockPath) {
			return fmt.Errorf("acquire append lock: %w", err)
		}
		if p.stale(lockPath, time.Now()) {
			_ = os.Remove(lockPath)
			continue
		}
		if !time.Now().Before(deadline) {
			return ErrLockTimeout
		}
		time.Sleep(p.Retry)
	}
}

// lockHeld reports whether a failed exclusive create means someone else owns
// the lock. Some platforms report a held lock as a permission error.
func lockHeld(createErr error, lockPath string) bool {
	if errors.Is(createErr, fs.ErrExist) {
		return true
	}
	if !errors.Is(createErr, fs.ErrPermission) {
		return false
	}
	_, statErr := os.Stat(lockPath)
	return statErr == nil
}

func (p LockPolicy) stale(lockPath string, now time.Time) bool {
	if p.StaleAfter <= 0 {
		return false
	}
	info, err := os.Stat(lockPath)
	if err != nil {
		return false
	}
	return now.Sub(info.ModTime()) > p.StaleAfter
}

func checkAppendPath(path string) (string, error) {
	cleaned := filepath.Clean(path)
	if filepath.IsLocal(cleaned) || filepath.IsAbs(cleaned) {
		return cleaned, nil
	}
	return "", fmt.Errorf("path must be local relative or absolute")
}
