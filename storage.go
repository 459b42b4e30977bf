package odb

import "errors"

// ErrTableNotFound is returned by storages that cannot create tables lazily.
var ErrTableNotFound = errors.New("table storage not found")

// Storage resolves where table groups live and answers advisory capacity
// questions. Implementations: FileStorage, BoltStorage, MemStorage.
type Storage interface {
	// OpenSchema resolves a logical table group path under home (or the
	// storage's default root when home is empty), creating it if absent.
	OpenSchema(path, home string) (SchemaStorage, error)

	// IncreaseQuotaTo asks for at least quota bytes of capacity.
	IncreaseQuotaTo(quota int64) bool

	// HasEnoughQuota reports whether quota more bytes can be written.
	HasEnoughQuota(quota int64) bool
}

// SchemaStorage is a directory-like container of tables.
type SchemaStorage interface {
	Path() string

	// Open prepares the container for use, creating it if needed.
	Open() error

	// Purge deletes the container with all tables and recreates it empty.
	// Table handles obtained earlier must be reopened afterwards.
	Purge() error

	// Table returns the storage of the named table, creating it lazily.
	Table(name string) (TableStorage, error)

	Close() error
}

// TableStorage persists one table as two parts: the key image (schema header,
// manifest, primary and index regions), always replaced as a whole, and the
// append-only data region holding record envelopes.
type TableStorage interface {
	Name() string

	// ReadKeys returns the latest committed key image, or nil if the table
	// has never been committed.
	ReadKeys() ([]byte, error)

	// ReadData returns n bytes at off of data generation gen. The result
	// is owned by the caller.
	ReadData(gen uint64, off int64, n int) ([]byte, error)

	// Commit installs c atomically: after a crash, readers observe either
	// the previous key image and data or the new ones, never a mix.
	Commit(c *TableCommit) error

	// Version changes whenever a commit is made through any handle of this
	// table, including handles in other processes where supported.
	Version() (uint64, error)

	Close() error
}

// TableCommit describes one atomic update of a table.
type TableCommit struct {
	// Keys is the new key image.
	Keys []byte

	// Gen is the data generation the key image refers to.
	Gen uint64

	// Crop means Data is the entire content of a new generation Gen, and
	// every other generation may be discarded once Keys is installed.
	// Otherwise Data is appended to generation Gen at offset Base, dropping
	// any uncommitted bytes past Base.
	Crop bool
	Base int64
	Data []byte
}

// Size reports the data region length after the commit.
func (c *TableCommit) Size() int64 {
	if c.Crop {
		return int64(len(c.Data))
	}
	return c.Base + int64(len(c.Data))
}
