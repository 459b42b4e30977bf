package mmap

import (
	"fmt"
	"io"
	"math"
	"os"
	"sync"
)

// Region is a read-only mapping of an append-only file. The mapping is
// extended on demand when a read goes past it.
type Region struct {
	mu   sync.RWMutex
	f    *os.File
	opt  Options
	data []byte
}

// MaxSize is the largest file a Region maps: 256TB, or the address space on
// 32-bit platforms.
const MaxSize = min(math.MaxInt, 1<<48-1)

// NewRegion maps f for reading.
func NewRegion(f *os.File, opt Options) *Region {
	return &Region{f: f, opt: opt}
}

// Len returns the currently mapped length.
func (r *Region) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.data)
}

// ReadAt copies len(p) bytes at off into p. Reads past the end of the file
// fail with io.ErrUnexpectedEOF.
func (r *Region) ReadAt(p []byte, off int64) (int, error) {
	end := off + int64(len(p))
	r.mu.RLock()
	if end <= int64(len(r.data)) {
		n := copy(p, r.data[off:end])
		r.mu.RUnlock()
		return n, nil
	}
	r.mu.RUnlock()

	if err := r.remap(end); err != nil {
		return 0, err
	}

	r.mu.RLock()
	defer r.mu.RUnlock()
	if end > int64(len(r.data)) {
		return 0, fmt.Errorf("read of %d bytes at %d: %w (size %d)", len(p), off, io.ErrUnexpectedEOF, len(r.data))
	}
	return copy(p, r.data[off:end]), nil
}

func (r *Region) remap(minSize int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if minSize <= int64(len(r.data)) {
		return nil
	}
	fi, err := r.f.Stat()
	if err != nil {
		return err
	}
	size := fi.Size()
	if size < minSize {
		return nil
	}
	if size > MaxSize {
		return fmt.Errorf("%s: file of %d bytes is too large to map", r.f.Name(), size)
	}
	if r.data != nil {
		if err := munmap(r.data); err != nil {
			return fmt.Errorf("munmap: %w", err)
		}
		r.data = nil
	}
	b, err := mmap(r.f, int(size), r.opt)
	if err != nil {
		return fmt.Errorf("mmap %s: %w", r.f.Name(), err)
	}
	r.data = b
	return nil
}

// Close unmaps the region. The file is left open.
func (r *Region) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.data == nil {
		return nil
	}
	err := munmap(r.data)
	r.data = nil
	return err
}
