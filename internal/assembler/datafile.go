package assembler

import (
	"fmt"
	"hash/crc32"
	"os"
	"sync"

	"github.com/vburojevic/eab/internal/domain"
)

// DataFile is the append-only data.bin sink used while binary mode is armed
type DataFile struct {
	mu     sync.Mutex
	path   string
	file   *os.File
	offset int64
}

// OpenDataFile opens path for appending; existing content is kept
func OpenDataFile(path string) (*DataFile, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open data file: %w", err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("stat data file: %w", err)
	}
	return &DataFile{path: path, file: f, offset: info.Size()}, nil
}

// Write appends p and returns where it landed and its checksum
func (d *DataFile) Write(p []byte) (domain.Chunk, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.file == nil {
		return domain.Chunk{}, fmt.Errorf("data file %s is closed", d.path)
	}
	n, err := d.file.Write(p)
	chunk := domain.Chunk{
		Offset: d.offset,
		Length: n,
		CRC32:  fmt.Sprintf("%08x", crc32.ChecksumIEEE(p[:n])),
	}
	d.offset += int64(n)
	if err != nil {
		return chunk, fmt.Errorf("write data file: %w", err)
	}
	return chunk, nil
}

// Size returns the number of bytes in the file
func (d *DataFile) Size() int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.offset
}

// Close syncs and closes the file
func (d *DataFile) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.file == nil {
		return nil
	}
	d.file.Sync()
	err := d.file.Close()
	d.file = nil
	return err
}
