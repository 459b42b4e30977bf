// Package mmap maps append-only data files into memory for reading and syncs
// them to disk.
package mmap

import (
	"os"
)

// Options are access hints for a read-only mapping.
type Options uint

const (
	// SequentialAccess asks for aggressive read-ahead (MADV_SEQUENTIAL).
	SequentialAccess Options = 1 << 1

	// RandomAccess disables most read-ahead (MADV_RANDOM). Records are
	// looked up by offset, so this is what data regions use.
	RandomAccess Options = 1 << 2

	// Prefault loads the whole mapping up front (MAP_POPULATE on Linux).
	Prefault Options = 1 << 3
)

func (o Options) Has(v Options) bool {
	return o&v != 0
}

// Mmap maps the first size bytes of f read-only.
func Mmap(f *os.File, size int, opt Options) ([]byte, error) {
	return mmap(f, size, opt)
}

// Munmap releases a slice returned by Mmap.
func Munmap(b []byte) error {
	return munmap(b)
}
