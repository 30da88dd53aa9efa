package offline0

import (
	"bytes"
	"context"
	"encoding/gob"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/storage"
	"github.com/syndtr/goleveldb/leveldb/util"
	"golang.org/x/sync/errgroup"
)

// Key layout:
//
//	n:<cache>            cacheMeta
//	e:<cache>\x00<url>   Response
//	w:active             name of the cache generation last activated
const (
	metaPrefix  = "n:"
	entryPrefix = "e:"
	keySep      = "\x00"
	activeKey   = "w:active"
)

// Fetcher performs network requests on behalf of a cache.
type Fetcher interface {
	Fetch(ctx context.Context, req *http.Request) (Response, error)
}

// CacheStorage holds every named cache instance of the worker.
type CacheStorage struct {
	db *leveldb.DB

	// serializes create-if-absent in Open
	mu sync.Mutex
}

func OpenCacheStorage(path string) (*CacheStorage, error) {
	db, err := leveldb.OpenFile(path, nil)
	if err != nil {
		return nil, fmt.Errorf("open cache storage %s: %w", path, err)
	}
	return &CacheStorage{db: db}, nil
}

// NewMemCacheStorage returns a storage that lives only in memory.
func NewMemCacheStorage() (*CacheStorage, error) {
	db, err := leveldb.Open(storage.NewMemStorage(), nil)
	if err != nil {
		return nil, err
	}
	return &CacheStorage{db: db}, nil
}

func (s *CacheStorage) Close() error { return s.db.Close() }

// Open returns the named cache, creating it when absent.
func (s *CacheStorage) Open(ctx context.Context, name string) (*Cache, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if name == "" {
		return nil, fmt.Errorf("open cache: empty name")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	ok, err := s.db.Has(metaKey(name), nil)
	if err != nil {
		return nil, fmt.Errorf("open cache %q: %w", name, err)
	}
	if !ok {
		b, err := encodeGob(cacheMeta{Name: name, CreatedAt: time.Now().UnixNano()})
		if err != nil {
			return nil, err
		}
		if err := s.db.Put(metaKey(name), b, nil); err != nil {
			return nil, fmt.Errorf("create cache %q: %w", name, err)
		}
	}
	return &Cache{name: name, db: s.db}, nil
}

func (s *CacheStorage) Has(ctx context.Context, name string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	return s.db.Has(metaKey(name), nil)
}

// Keys lists cache names in creation order.
func (s *CacheStorage) Keys(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	it := s.db.NewIterator(util.BytesPrefix([]byte(metaPrefix)), nil)
	defer it.Release()

	var metas []cacheMeta
	for it.Next() {
		var m cacheMeta
		if err := decodeGob(it.Value(), &m); err != nil {
			return nil, fmt.Errorf("decode cache meta %q: %w", it.Key(), err)
		}
		metas = append(metas, m)
	}
	if err := it.Error(); err != nil {
		return nil, err
	}

	sort.SliceStable(metas, func(i, j int) bool { return metas[i].CreatedAt < metas[j].CreatedAt })
	out := make([]string, len(metas))
	for i, m := range metas {
		out[i] = m.Name
	}
	return out, nil
}

// Delete removes a cache and every entry in it in a single batch. It reports
// whether the cache existed. Deletes of different caches run in parallel.
func (s *CacheStorage) Delete(ctx context.Context, name string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}

	snap, err := s.db.GetSnapshot()
	if err != nil {
		return false, fmt.Errorf("delete cache %q: %w", name, err)
	}
	defer snap.Release()

	ok, err := snap.Has(metaKey(name), nil)
	if err != nil || !ok {
		return false, err
	}

	batch := new(leveldb.Batch)
	it := snap.NewIterator(util.BytesPrefix(entryKeyPrefix(name)), nil)
	for it.Next() {
		batch.Delete(append([]byte(nil), it.Key()...))
	}
	err = it.Error()
	it.Release()
	if err != nil {
		return false, err
	}
	batch.Delete(metaKey(name))

	if err := s.db.Write(batch, nil); err != nil {
		return false, fmt.Errorf("delete cache %q: %w", name, err)
	}
	return true, nil
}

func (s *CacheStorage) activeVersion() (string, error) {
	b, err := s.db.Get([]byte(activeKey), nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		return "", nil
	}
	return string(b), err
}

func (s *CacheStorage) setActiveVersion(name string) error {
	return s.db.Put([]byte(activeKey), []byte(name), nil)
}

// Cache is one named cache instance.
type Cache struct {
	name string
	db   *leveldb.DB
}

func (c *Cache) Name() string { return c.name }

// AddAll fetches every url and stores the responses under their escaped
// request URI. Either all of them are committed or none is. Cookies set by the
// origin are not stored.
func (c *Cache) AddAll(ctx context.Context, f Fetcher, urls []string) (int64, error) {
	resps := make([]Response, len(urls))

	g, gctx := errgroup.WithContext(ctx)
	for i, u := range urls {
		g.Go(func() error {
			req, err := http.NewRequestWithContext(gctx, http.MethodGet, u, nil)
			if err != nil {
				return err
			}
			resp, err := f.Fetch(gctx, req)
			if err != nil {
				return fmt.Errorf("fetch %s: %w", u, err)
			}
			if !resp.OK() {
				return fmt.Errorf("fetch %s: %w: status %d", u, ErrBadStatus, resp.Status)
			}
			resp.URL = req.URL.RequestURI()
			resp.Header = storableHeader(resp.Header)
			resps[i] = resp
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return 0, err
	}

	batch := new(leveldb.Batch)
	var size int64
	for _, resp := range resps {
		b, err := encodeGob(resp)
		if err != nil {
			return 0, err
		}
		size += int64(len(b))
		batch.Put(entryKey(c.name, resp.URL), b)
	}
	if err := c.db.Write(batch, nil); err != nil {
		return 0, fmt.Errorf("store %d entries in %q: %w", len(resps), c.name, err)
	}
	return size, nil
}

// Match looks up an exact url. Request headers are not considered.
func (c *Cache) Match(ctx context.Context, url string) (Response, bool, error) {
	if err := ctx.Err(); err != nil {
		return Response{}, false, err
	}
	b, err := c.db.Get(entryKey(c.name, url), nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		return Response{}, false, nil
	}
	if err != nil {
		return Response{}, false, err
	}
	var resp Response
	if err := decodeGob(b, &resp); err != nil {
		return Response{}, false, fmt.Errorf("decode %s: %w", url, err)
	}
	return resp, true, nil
}

// Keys lists the cached urls in key order.
func (c *Cache) Keys(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	prefix := entryKeyPrefix(c.name)
	it := c.db.NewIterator(util.BytesPrefix(prefix), nil)
	defer it.Release()

	var out []string
	for it.Next() {
		out = append(out, string(bytes.TrimPrefix(it.Key(), prefix)))
	}
	return out, it.Error()
}

func metaKey(name string) []byte { return []byte(metaPrefix + name) }

func entryKeyPrefix(name string) []byte { return []byte(entryPrefix + name + keySep) }

func entryKey(name, url string) []byte { return []byte(entryPrefix + name + keySep + url) }

func encodeGob(v any) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decodeGob(b []byte, v any) error {
	return gob.NewDecoder(bytes.NewReader(b)).Decode(v)
}
