package odb

import (
	"fmt"
	"path"
	"slices"
	"sync"
)

// MemStorage keeps tables in memory. Schemas survive closing and reopening a
// DB on the same MemStorage, which makes it suitable for tests.
type MemStorage struct {
	// Quota, if positive, caps HasEnoughQuota.
	Quota int64

	// CommitHook, if set, runs before every commit is applied; returning an
	// error fails the commit without changing anything.
	CommitHook func(table string, c *TableCommit) error

	mu      sync.Mutex
	schemas map[string]*memSchema
}

func NewMemStorage() *MemStorage {
	return &MemStorage{schemas: make(map[string]*memSchema)}
}

func (s *MemStorage) OpenSchema(p, home string) (SchemaStorage, error) {
	full := path.Join(home, p)
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.schemas == nil {
		s.schemas = make(map[string]*memSchema)
	}
	scm := s.schemas[full]
	if scm == nil {
		scm = &memSchema{storage: s, path: full, tables: make(map[string]*memTable)}
		s.schemas[full] = scm
	}
	return scm, nil
}

func (s *MemStorage) IncreaseQuotaTo(quota int64) bool {
	return s.HasEnoughQuota(quota)
}

func (s *MemStorage) HasEnoughQuota(quota int64) bool {
	return s.Quota <= 0 || quota <= s.Quota
}

type memSchema struct {
	storage *MemStorage
	path    string

	mu     sync.Mutex
	tables map[string]*memTable
}

func (scm *memSchema) Path() string {
	return scm.path
}

func (scm *memSchema) Open() error {
	return nil
}

func (scm *memSchema) Purge() error {
	scm.mu.Lock()
	defer scm.mu.Unlock()
	for _, t := range scm.tables {
		t.mu.Lock()
		t.keys, t.data, t.gen = nil, nil, 0
		t.version++
		t.mu.Unlock()
	}
	return nil
}

func (scm *memSchema) Table(name string) (TableStorage, error) {
	scm.mu.Lock()
	defer scm.mu.Unlock()
	t := scm.tables[name]
	if t == nil {
		t = &memTable{schema: scm, name: name}
		scm.tables[name] = t
	}
	return t, nil
}

func (scm *memSchema) Close() error {
	return nil
}

type memTable struct {
	schema *memSchema
	name   string

	mu      sync.Mutex
	keys    []byte
	data    []byte
	gen     uint64
	version uint64
}

func (t *memTable) Name() string {
	return t.name
}

func (t *memTable) ReadKeys() ([]byte, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return slices.Clone(t.keys), nil
}

func (t *memTable) ReadData(gen uint64, off int64, n int) ([]byte, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if gen != t.gen {
		return nil, fmt.Errorf("%s: data generation %d not found (current %d)", t.name, gen, t.gen)
	}
	if off < 0 || off+int64(n) > int64(len(t.data)) {
		return nil, fmt.Errorf("%s: read of %d bytes at %d past end of data (%d)", t.name, n, off, len(t.data))
	}
	return slices.Clone(t.data[off : off+int64(n)]), nil
}

func (t *memTable) Commit(c *TableCommit) error {
	if hook := t.schema.storage.CommitHook; hook != nil {
		if err := hook(t.name, c); err != nil {
			return err
		}
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if c.Crop {
		t.data = slices.Clone(c.Data)
	} else {
		if c.Gen != t.gen && t.keys != nil {
			return fmt.Errorf("%s: append to generation %d, current is %d", t.name, c.Gen, t.gen)
		}
		if c.Base > int64(len(t.data)) {
			return fmt.Errorf("%s: append at %d past end of data (%d)", t.name, c.Base, len(t.data))
		}
		t.data = append(t.data[:c.Base:c.Base], c.Data...)
	}
	t.gen = c.Gen
	t.keys = slices.Clone(c.Keys)
	t.version++
	return nil
}

func (t *memTable) Version() (uint64, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.version, nil
}

func (t *memTable) Close() error {
	return nil
}
