//go:build !unix

package odb

import "os"

func fileID(fi os.FileInfo) uint64 {
	return 0
}

// Directories cannot be synced here; renames are durable once the file
// system flushes its metadata.
func syncDir(dir string) error {
	return nil
}
