package sessionlog

import (
	"bufio"
	"errors"
	"io"
	"os"
	"strings"
)

// Tail returns the last n lines of the file at path
func Tail(path string, n int) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	defer f.Close()

	if n <= 0 {
		return nil, nil
	}
	ring := make([]string, 0, n)
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), 1024*1024)
	for sc.Scan() {
		if len(ring) == n {
			ring = ring[1:]
		}
		ring = append(ring, sc.Text())
	}
	return ring, sc.Err()
}

// ReadFrom returns the complete lines written after offset and the offset to
// resume from. A trailing partial line is left for the next call. If the file
// shrank (rotation) reading restarts at zero.
func ReadFrom(path string, offset int64) ([]string, int64, error) {
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, 0, nil
		}
		return nil, offset, err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, offset, err
	}
	if info.Size() < offset {
		offset = 0
	}
	if _, err := f.Seek(offset, io.SeekStart); err != nil {
		return nil, offset, err
	}
	data, err := io.ReadAll(f)
	if err != nil {
		return nil, offset, err
	}
	last := strings.LastIndexByte(string(data), '\n')
	if last < 0 {
		return nil, offset, nil
	}
	complete := string(data[:last])
	return strings.Split(complete, "\n"), offset + int64(last) + 1, nil
}

// Size returns the current size of path, or zero if it does not exist
func Size(path string) int64 {
	info, err := os.Stat(path)
	if err != nil {
		return 0
	}
	return info.Size()
}
