package sessionlog

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"sync"
)

// rotation is an append-only file that shifts itself to numbered backups
// (path.1 … path.N) once it grows past maxBytes.
type rotation struct {
	mu             sync.Mutex
	path           string
	maxBytes       int64
	maxFiles       int
	outputFile     *os.File
	bufferedWriter *bufio.Writer
	size           int64
}

func openRotation(path string, maxBytes int64, maxFiles int) (*rotation, error) {
	if maxFiles <= 0 {
		maxFiles = 5
	}
	r := &rotation{path: path, maxBytes: maxBytes, maxFiles: maxFiles}
	if info, err := os.Stat(path); err == nil && maxBytes > 0 && info.Size() >= maxBytes {
		if err := r.shift(); err != nil {
			return nil, err
		}
	}
	if err := r.open(); err != nil {
		return nil, err
	}
	return r, nil
}

func (r *rotation) open() error {
	f, err := os.OpenFile(r.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("failed to open log file: %w", err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return fmt.Errorf("failed to stat log file: %w", err)
	}
	r.outputFile = f
	r.bufferedWriter = bufio.NewWriter(f)
	r.size = info.Size()
	return nil
}

// WriteLine appends one line and flushes it, rotating afterwards if needed
func (r *rotation) WriteLine(line string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.bufferedWriter == nil {
		return errors.New("log file is closed")
	}
	n, err := r.bufferedWriter.WriteString(line + "\n")
	r.size += int64(n)
	if err != nil {
		return err
	}
	if err := r.bufferedWriter.Flush(); err != nil {
		return err
	}
	if r.maxBytes > 0 && r.size >= r.maxBytes {
		return r.rotate()
	}
	return nil
}

// rotate flushes, renames the live file to .1 and reopens a fresh one
func (r *rotation) rotate() error {
	r.bufferedWriter.Flush()
	r.outputFile.Close()
	r.outputFile = nil
	r.bufferedWriter = nil
	if err := r.shift(); err != nil {
		// keep logging into the same file rather than losing lines
		if openErr := r.open(); openErr != nil {
			return errors.Join(err, openErr)
		}
		return err
	}
	return r.open()
}

func (r *rotation) shift() error {
	oldest := fmt.Sprintf("%s.%d", r.path, r.maxFiles)
	if err := os.Remove(oldest); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to remove %s: %w", oldest, err)
	}
	for i := r.maxFiles - 1; i >= 1; i-- {
		from := fmt.Sprintf("%s.%d", r.path, i)
		to := fmt.Sprintf("%s.%d", r.path, i+1)
		if err := os.Rename(from, to); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("failed to rotate %s: %w", from, err)
		}
	}
	if err := os.Rename(r.path, r.path+".1"); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to rotate %s: %w", r.path, err)
	}
	return nil
}

func (r *rotation) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.bufferedWriter != nil {
		r.bufferedWriter.Flush()
		r.bufferedWriter = nil
	}
	if r.outputFile != nil {
		r.outputFile.Sync()
		err := r.outputFile.Close()
		r.outputFile = nil
		return err
	}
	return nil
}
