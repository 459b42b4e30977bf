package mmap

import "os"

// Fdatasync flushes the contents of f to stable storage, skipping metadata
// such as access times where the platform allows it.
//
// A failed sync leaves the file in an unknown state: the kernel may already
// have marked the dirty pages clean. Callers must treat the error as fatal
// for whatever they were committing.
func Fdatasync(f *os.File) error {
	return fdatasync(f)
}
