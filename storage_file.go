package odb

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/andreyvit/odb/mmap"
	"github.com/cespare/xxhash/v2"
)

// FileStorage keeps each table in a directory as two kinds of files:
// <table>.keys holds the key image and is replaced atomically on every
// commit; <table>.<gen>.data holds records and is appended to, or replaced
// by a new generation when the table is cropped.
type FileStorage struct {
	// Root is used when OpenSchema is called with an empty home. Defaults to
	// DefaultHome().
	Root string

	// NoSync skips fdatasync calls. Only for tests.
	NoSync bool

	// Reserve is the free space to keep on the volume beyond any commit.
	Reserve int64

	mu       sync.Mutex
	quotaDir string
}

func (s *FileStorage) OpenSchema(p, home string) (SchemaStorage, error) {
	dir, err := resolveSchemaPath(p, home, s.Root)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	s.quotaDir = dir
	s.mu.Unlock()
	return &fileSchema{storage: s, dir: dir, tables: make(map[string]*fileTable)}, nil
}

// IncreaseQuotaTo cannot make room on a volume, it only checks for it.
func (s *FileStorage) IncreaseQuotaTo(quota int64) bool {
	return s.HasEnoughQuota(quota)
}

func (s *FileStorage) HasEnoughQuota(quota int64) bool {
	s.mu.Lock()
	dir := s.quotaDir
	s.mu.Unlock()
	if dir == "" {
		return true
	}
	return volumeHasRoom(dir, quota+s.Reserve)
}

// resolveSchemaPath places a relative table group path under home, falling
// back to root and then to DefaultHome.
func resolveSchemaPath(p, home, root string) (string, error) {
	if filepath.IsAbs(p) {
		return p, nil
	}
	if home == "" {
		home = root
	}
	if home == "" {
		var err error
		home, err = DefaultHome()
		if err != nil {
			return "", err
		}
	}
	return filepath.Join(home, p), nil
}

func volumeHasRoom(dir string, need int64) bool {
	free, err := freeSpace(dir)
	if err != nil {
		return true // unknown, let the write itself fail
	}
	return free >= need
}

type fileSchema struct {
	storage *FileStorage
	dir     string

	mu     sync.Mutex
	tables map[string]*fileTable
}

func (scm *fileSchema) Path() string {
	return scm.dir
}

func (scm *fileSchema) Open() error {
	return os.MkdirAll(scm.dir, 0o755)
}

func (scm *fileSchema) Purge() error {
	scm.mu.Lock()
	defer scm.mu.Unlock()
	for name, t := range scm.tables {
		t.Close()
		delete(scm.tables, name)
	}
	if err := os.RemoveAll(scm.dir); err != nil {
		return err
	}
	return os.MkdirAll(scm.dir, 0o755)
}

func (scm *fileSchema) Table(name string) (TableStorage, error) {
	if name == "" || strings.ContainsAny(name, `/\:*?[`) || name == "." || name == ".." {
		return nil, fmt.Errorf("invalid table name %q", name)
	}
	scm.mu.Lock()
	defer scm.mu.Unlock()
	t := scm.tables[name]
	if t == nil {
		t = &fileTable{schema: scm, name: name}
		scm.tables[name] = t
	}
	return t, nil
}

func (scm *fileSchema) Close() error {
	scm.mu.Lock()
	defer scm.mu.Unlock()
	var errs []error
	for _, t := range scm.tables {
		errs = append(errs, t.Close())
	}
	return errors.Join(errs...)
}

type fileTable struct {
	schema *fileSchema
	name   string

	mu     sync.Mutex
	gen    uint64
	data   *os.File
	region *mmap.Region
	swept  bool
}

func (t *fileTable) Name() string {
	return t.name
}

func (t *fileTable) keysPath() string {
	return filepath.Join(t.schema.dir, t.name+".keys")
}

func (t *fileTable) dataPath(gen uint64) string {
	return filepath.Join(t.schema.dir, t.name+"."+strconv.FormatUint(gen, 10)+".data")
}

func (t *fileTable) ReadKeys() ([]byte, error) {
	b, err := os.ReadFile(t.keysPath())
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	return b, err
}

func (t *fileTable) ReadData(gen uint64, off int64, n int) ([]byte, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.openData(gen, false); err != nil {
		return nil, err
	}
	buf := make([]byte, n)
	if _, err := t.region.ReadAt(buf, off); err != nil {
		return nil, fmt.Errorf("%s: %w", t.dataPath(gen), err)
	}
	return buf, nil
}

// openData makes gen the current data file, creating it if asked to.
func (t *fileTable) openData(gen uint64, create bool) error {
	if t.data != nil && t.gen == gen {
		return nil
	}
	t.closeData()
	flags := os.O_RDWR
	if create {
		flags |= os.O_CREATE
	}
	f, err := os.OpenFile(t.dataPath(gen), flags, 0o644)
	if err != nil {
		return err
	}
	t.data, t.gen = f, gen
	t.region = mmap.NewRegion(f, mmap.RandomAccess)
	return nil
}

func (t *fileTable) closeData() error {
	if t.data == nil {
		return nil
	}
	err := errors.Join(t.region.Close(), t.data.Close())
	t.data, t.region = nil, nil
	return err
}

func (t *fileTable) Commit(c *TableCommit) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if c.Crop {
		if err := t.writeNewGen(c.Gen, c.Data); err != nil {
			return err
		}
		t.closeData()
	} else if err := t.appendData(c.Gen, c.Base, c.Data); err != nil {
		return err
	}

	if err := t.replaceKeys(c.Keys); err != nil {
		return err
	}
	localCommitCounter(t.keysPath()).Add(1)

	if c.Crop || !t.swept {
		t.swept = true
		t.sweep(c.Gen)
	}
	return nil
}

func (t *fileTable) writeNewGen(gen uint64, data []byte) error {
	if t.gen == gen {
		t.closeData()
	}
	path := t.dataPath(gen)
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return err
	}
	if err := t.sync(f); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

func (t *fileTable) appendData(gen uint64, base int64, data []byte) error {
	if err := t.openData(gen, true); err != nil {
		return err
	}
	fi, err := t.data.Stat()
	if err != nil {
		return err
	}
	if fi.Size() != base {
		// drop an unfinished tail; the mapping must not outlive the bytes
		if err := t.region.Close(); err != nil {
			return err
		}
		if err := t.data.Truncate(base); err != nil {
			return err
		}
	}
	if len(data) == 0 {
		return nil
	}
	if _, err := t.data.WriteAt(data, base); err != nil {
		return err
	}
	return t.sync(t.data)
}

// replaceKeys writes the key image to a temporary file and renames it over
// the current one, so readers see either image in full.
func (t *fileTable) replaceKeys(keys []byte) error {
	path := t.keysPath()
	tmp := path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	if _, err := f.Write(keys); err != nil {
		f.Close()
		os.Remove(tmp)
		return err
	}
	if err := t.sync(f); err != nil {
		f.Close()
		os.Remove(tmp)
		return err
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return err
	}
	if !t.schema.storage.NoSync {
		return syncDir(t.schema.dir)
	}
	return nil
}

// sweep removes data generations other than gen, left over from crops or
// from commits interrupted before the key image was replaced.
func (t *fileTable) sweep(gen uint64) {
	matches, _ := filepath.Glob(filepath.Join(t.schema.dir, t.name+".*.data"))
	keep := t.dataPath(gen)
	for _, m := range matches {
		if m == keep {
			continue
		}
		mid := strings.TrimSuffix(strings.TrimPrefix(filepath.Base(m), t.name+"."), ".data")
		if _, err := strconv.ParseUint(mid, 10, 64); err != nil {
			continue // another table whose name starts with ours
		}
		os.Remove(m)
	}
}

func (t *fileTable) sync(f *os.File) error {
	if t.schema.storage.NoSync {
		return nil
	}
	return mmap.Fdatasync(f)
}

// Version fingerprints the key image file, which is replaced by a new
// file on every commit.
func (t *fileTable) Version() (uint64, error) {
	fi, err := os.Stat(t.keysPath())
	if errors.Is(err, fs.ErrNotExist) {
		return 0, nil
	} else if err != nil {
		return 0, err
	}
	var buf [32]byte
	binary.LittleEndian.PutUint64(buf[0:], uint64(fi.ModTime().UnixNano()))
	binary.LittleEndian.PutUint64(buf[8:], uint64(fi.Size()))
	binary.LittleEndian.PutUint64(buf[16:], fileID(fi))
	binary.LittleEndian.PutUint64(buf[24:], localCommitCounter(t.keysPath()).Load())
	return xxhash.Sum64(buf[:]), nil
}

// localCommits counts commits per key image path made in this process, so
// that handles in one process see each other's commits even when file
// timestamps are too coarse to tell them apart.
var localCommits sync.Map // string -> *atomic.Uint64

func localCommitCounter(path string) *atomic.Uint64 {
	v, _ := localCommits.LoadOrStore(path, new(atomic.Uint64))
	return v.(*atomic.Uint64)
}

func (t *fileTable) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closeData()
}
