package odb

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"sync"
	"time"

	"go.etcd.io/bbolt"
)

var (
	boltKeysKey    = []byte("keys")
	boltVersionKey = []byte("version")
)

const boltDataPrefix = 'd'

// BoltStorage keeps every table group in a single bbolt file, one bucket per
// table. Each commit is one bbolt transaction.
type BoltStorage struct {
	// Root is used when OpenSchema is called with an empty home. Defaults to
	// DefaultHome().
	Root string

	// IsTesting trades durability for speed.
	IsTesting bool

	// MmapSize overrides the initial mmap size of the bbolt file.
	MmapSize int

	// Reserve is the free space to keep on the volume beyond any commit.
	Reserve int64

	mu      sync.Mutex
	schemas map[string]*boltSchema
	lastDir string
}

func (s *BoltStorage) OpenSchema(p, home string) (SchemaStorage, error) {
	dir, err := resolveSchemaPath(p, home, s.Root)
	if err != nil {
		return nil, err
	}
	file := dir + ".bolt"

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.schemas == nil {
		s.schemas = make(map[string]*boltSchema)
	}
	s.lastDir = filepath.Dir(file)
	scm := s.schemas[file]
	if scm == nil {
		scm = &boltSchema{storage: s, file: file}
		s.schemas[file] = scm
	}
	scm.refs++
	return scm, nil
}

func (s *BoltStorage) IncreaseQuotaTo(quota int64) bool {
	return s.HasEnoughQuota(quota)
}

func (s *BoltStorage) HasEnoughQuota(quota int64) bool {
	s.mu.Lock()
	dir := s.lastDir
	s.mu.Unlock()
	if dir == "" {
		return true
	}
	return volumeHasRoom(dir, quota+s.Reserve)
}

func (s *BoltStorage) options() *bbolt.Options {
	bopt := &bbolt.Options{}
	*bopt = *bbolt.DefaultOptions
	bopt.Timeout = 10 * time.Second
	if s.IsTesting {
		bopt.NoSync = true
		bopt.NoFreelistSync = true
		bopt.InitialMmapSize = 1024 * 1024 * 5
	} else {
		bopt.InitialMmapSize = 1024 * 1024 * 256
		bopt.FreelistType = bbolt.FreelistMapType
	}
	if s.MmapSize != 0 {
		bopt.InitialMmapSize = s.MmapSize
	}
	return bopt
}

// boltSchema is shared by all DBs opened on the same file through one
// BoltStorage, because bbolt locks the file exclusively.
type boltSchema struct {
	storage *BoltStorage
	file    string

	mu   sync.Mutex
	refs int
	bdb  *bbolt.DB
}

func (scm *boltSchema) Path() string {
	return scm.file
}

func (scm *boltSchema) Open() error {
	scm.mu.Lock()
	defer scm.mu.Unlock()
	if scm.bdb != nil {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(scm.file), 0o755); err != nil {
		return err
	}
	bdb, err := bbolt.Open(scm.file, 0o666, scm.storage.options())
	if err != nil {
		return fmt.Errorf("bolt: %w", err)
	}
	scm.bdb = bdb
	return nil
}

func (scm *boltSchema) db() (*bbolt.DB, error) {
	scm.mu.Lock()
	defer scm.mu.Unlock()
	if scm.bdb == nil {
		return nil, fmt.Errorf("%s: %w", scm.file, ErrClosed)
	}
	return scm.bdb, nil
}

func (scm *boltSchema) Purge() error {
	bdb, err := scm.db()
	if err != nil {
		return err
	}
	return bdb.Update(func(btx *bbolt.Tx) error {
		var names [][]byte
		err := btx.ForEach(func(name []byte, _ *bbolt.Bucket) error {
			names = append(names, slices.Clone(name))
			return nil
		})
		if err != nil {
			return err
		}
		for _, name := range names {
			if err := btx.DeleteBucket(name); err != nil {
				return err
			}
		}
		return nil
	})
}

func (scm *boltSchema) Table(name string) (TableStorage, error) {
	if name == "" {
		return nil, fmt.Errorf("invalid table name %q", name)
	}
	return &boltTable{schema: scm, name: name, bucket: []byte(name)}, nil
}

// Close releases this handle; the file is closed with the last one.
func (scm *boltSchema) Close() error {
	s := scm.storage
	s.mu.Lock()
	scm.refs--
	last := scm.refs <= 0
	if last {
		delete(s.schemas, scm.file)
	}
	s.mu.Unlock()
	if !last {
		return nil
	}

	scm.mu.Lock()
	defer scm.mu.Unlock()
	if scm.bdb == nil {
		return nil
	}
	err := scm.bdb.Close()
	scm.bdb = nil
	return err
}

type boltTable struct {
	schema *boltSchema
	name   string
	bucket []byte
}

func (t *boltTable) Name() string {
	return t.name
}

func (t *boltTable) view(f func(b *bbolt.Bucket) error) error {
	bdb, err := t.schema.db()
	if err != nil {
		return err
	}
	return bdb.View(func(btx *bbolt.Tx) error {
		return f(btx.Bucket(t.bucket))
	})
}

func (t *boltTable) ReadKeys() ([]byte, error) {
	var keys []byte
	err := t.view(func(b *bbolt.Bucket) error {
		if b != nil {
			keys = slices.Clone(b.Get(boltKeysKey))
		}
		return nil
	})
	return keys, err
}

// ReadData assembles the range from the chunks written by successive
// commits. Chunk keys are the generation and starting offset, big-endian,
// so a cursor seek finds the chunk holding off.
func (t *boltTable) ReadData(gen uint64, off int64, n int) ([]byte, error) {
	result := make([]byte, 0, n)
	err := t.view(func(b *bbolt.Bucket) error {
		if b == nil {
			return fmt.Errorf("%s: no data", t.name)
		}
		c := b.Cursor()
		seek := boltChunkKey(gen, off)
		k, v := c.Seek(seek)
		if k == nil {
			k, v = c.Last()
		} else if !bytes.Equal(k, seek) {
			k, v = c.Prev()
		}
		pos := off
		for len(result) < n {
			kgen, start, ok := parseBoltChunkKey(k)
			if !ok || kgen != gen || start > pos || start+int64(len(v)) <= pos {
				return fmt.Errorf("%s: data generation %d has no bytes at %d", t.name, gen, pos)
			}
			chunk := v[pos-start:]
			chunk = chunk[:min(len(chunk), n-len(result))]
			result = append(result, chunk...)
			pos += int64(len(chunk))
			k, v = c.Next()
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

func (t *boltTable) Commit(c *TableCommit) error {
	bdb, err := t.schema.db()
	if err != nil {
		return err
	}
	return bdb.Update(func(btx *bbolt.Tx) error {
		b, err := btx.CreateBucketIfNotExists(t.bucket)
		if err != nil {
			return err
		}
		b.FillPercent = 0.95

		var base int64
		if c.Crop {
			err = t.deleteChunks(b, func(uint64, int64) bool { return true })
		} else {
			base = c.Base
			err = t.deleteChunks(b, func(gen uint64, start int64) bool {
				return gen != c.Gen || start >= base
			})
		}
		if err != nil {
			return err
		}
		if len(c.Data) > 0 {
			// c.Data must stay unchanged until the bbolt tx commits
			if err := b.Put(boltChunkKey(c.Gen, base), c.Data); err != nil {
				return err
			}
		}
		if err := b.Put(boltKeysKey, c.Keys); err != nil {
			return err
		}
		return b.Put(boltVersionKey, binary.BigEndian.AppendUint64(nil, uint64(btx.ID())))
	})
}

func (t *boltTable) deleteChunks(b *bbolt.Bucket, match func(gen uint64, start int64) bool) error {
	c := b.Cursor()
	for k, _ := c.Seek([]byte{boltDataPrefix}); k != nil && k[0] == boltDataPrefix; {
		gen, start, ok := parseBoltChunkKey(k)
		if ok && match(gen, start) {
			k = slices.Clone(k)
			if err := c.Delete(); err != nil {
				return err
			}
			// Delete leaves the cursor before the next item
			k, _ = c.Seek(k)
			continue
		}
		k, _ = c.Next()
	}
	return nil
}

// Version is the id of the bbolt transaction that made the last commit.
func (t *boltTable) Version() (uint64, error) {
	var ver uint64
	err := t.view(func(b *bbolt.Bucket) error {
		if b == nil {
			return nil
		}
		if v := b.Get(boltVersionKey); len(v) == 8 {
			ver = binary.BigEndian.Uint64(v)
		}
		return nil
	})
	return ver, err
}

func (t *boltTable) Close() error {
	return nil
}

func boltChunkKey(gen uint64, off int64) []byte {
	k := make([]byte, 17)
	k[0] = boltDataPrefix
	binary.BigEndian.PutUint64(k[1:], gen)
	binary.BigEndian.PutUint64(k[9:], uint64(off))
	return k
}

func parseBoltChunkKey(k []byte) (gen uint64, off int64, ok bool) {
	if len(k) != 17 || k[0] != boltDataPrefix {
		return 0, 0, false
	}
	return binary.BigEndian.Uint64(k[1:]), int64(binary.BigEndian.Uint64(k[9:])), true
}
