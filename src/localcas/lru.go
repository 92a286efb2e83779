package localcas

import (
	"container/list"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/djherbis/atime"
)

// sizedLRU tracks the blobs cached under a directory and evicts the
// least-recently-accessed ones once the total exceeds maxBytes. It is a
// substantially reduced version of a multi-tenant server cache's eviction
// machinery: no async eviction workers, no reservation accounting, just a
// synchronous evict-on-add suitable for one client process.
type sizedLRU struct {
	dir       string
	maxBytes  int64
	mu        sync.Mutex
	size      int64
	ll        *list.List
	items     map[string]*list.Element
}

type lruEntry struct {
	hash string
	size int64
}

func newSizedLRU(dir string, maxBytes int64) (*sizedLRU, error) {
	l := &sizedLRU{dir: dir, maxBytes: maxBytes, ll: list.New(), items: map[string]*list.Element{}}
	if err := l.loadExisting(); err != nil {
		return nil, err
	}
	return l, nil
}

// loadExisting walks the shard directories on startup and seeds the LRU
// ordered by access time, so eviction order survives a process restart.
func (l *sizedLRU) loadExisting() error {
	type found struct {
		path string
		info os.FileInfo
		at   int64
	}
	var entries []found
	err := filepath.Walk(l.dir, func(path string, info os.FileInfo, err error) error {
		if err != nil || info.IsDir() {
			return nil
		}
		at := atime.Get(info).UnixNano()
		entries = append(entries, found{path: path, info: info, at: at})
		return nil
	})
	if err != nil {
		return err
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].at < entries[j].at })
	for _, e := range entries {
		l.pushBack(filepath.Base(e.path), e.info.Size())
	}
	return nil
}

func (l *sizedLRU) pushBack(hash string, size int64) {
	el := l.ll.PushBack(&lruEntry{hash: hash, size: size})
	l.items[hash] = el
	l.size += size
}

// add records a newly-written blob and evicts older ones if that pushes
// the cache over budget. maxBytes of 0 disables eviction entirely.
func (l *sizedLRU) add(hash string, size int64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.items[hash]; ok {
		return
	}
	l.pushBack(hash, size)
	if l.maxBytes <= 0 {
		return
	}
	for l.size > l.maxBytes && l.ll.Len() > 0 {
		front := l.ll.Front()
		entry := front.Value.(*lruEntry)
		l.ll.Remove(front)
		delete(l.items, entry.hash)
		l.size -= entry.size
		os.Remove(filepath.Join(l.dir, entry.hash[:2], entry.hash))
	}
}

// touch moves hash to the back of the LRU, marking it most-recently-used.
func (l *sizedLRU) touch(hash string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if el, ok := l.items[hash]; ok {
		l.ll.MoveToBack(el)
	}
}
