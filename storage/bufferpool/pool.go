// Package bufferpool caches page.Store pages in memory with pinning,
// dirty tracking, and an InnoDB-style young/old LRU split.
package bufferpool

import (
	"container/list"
	"sync"
	"sync/atomic"

	"github.com/juju/errors"
	"github.com/zhukovaskychina/xkv-store/logger"
	"github.com/zhukovaskychina/xkv-store/storage/page"
	"github.com/zhukovaskychina/xkv-store/storeerr"
)

// Mode selects how a fetched frame will be used. A write fetch still
// shares the pool slot with concurrent readers; callers serialize actual
// mutation through the lock manager, not through Mode.
type Mode int

const (
	ModeRead Mode = iota
	ModeWrite
)

// DefaultYoungRatio and DefaultOldRatio give the LRU-2 sublists their
// standard 75/25 young/old split.
const (
	DefaultYoungRatio = 0.75
	DefaultOldRatio   = 0.25
)

// FlushWAL is supplied by the WAL writer: before a dirty frame is written
// back, the pool must ensure every log record up to the frame's PageLSN is
// durable.
type FlushWAL func(lsn uint64) error

// Frame is a pinned, in-memory copy of a page.
type Frame struct {
	mu       sync.RWMutex
	page     *page.Page
	pinCount int32
	dirty    bool
	elem     *list.Element // position in the young or old list
	inYoung  bool
}

// Page returns the frame's current page contents. Callers holding a write
// pin may mutate Page().Body directly and must then call Pool.MarkDirty.
func (f *Frame) Page() *page.Page { return f.page }

// Pool is one index's buffer pool.
type Pool struct {
	mu sync.Mutex

	store    *page.Store
	capacity int
	flushWAL FlushWAL

	frames map[page.ID]*Frame
	young  *list.List // most-recently-used at Front
	old    *list.List

	youngCap int

	hits, misses, evictions, flushes uint64
}

// NewPool creates a pool of capacity frames backed by store. flushWAL may
// be nil for tests that don't exercise WAL durability ordering.
func NewPool(store *page.Store, capacity int, flushWAL FlushWAL) *Pool {
	if capacity < 1 {
		capacity = 1
	}
	return &Pool{
		store:    store,
		capacity: capacity,
		flushWAL: flushWAL,
		frames:   make(map[page.ID]*Frame, capacity),
		young:    list.New(),
		old:      list.New(),
		youngCap: int(float64(capacity) * DefaultYoungRatio),
	}
}

// AllocatePage allocates a new on-disk page and returns it pinned for
// write in the pool.
func (p *Pool) AllocatePage() (*Frame, error) {
	pg, err := p.store.Allocate()
	if err != nil {
		return nil, storeerr.AsFailure(err, "allocate page")
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	f := &Frame{page: pg, pinCount: 1}
	p.frames[pg.ID] = f
	p.touchOldLocked(f)
	return f, nil
}

// Fetch pins and returns the frame for id, loading it from disk on miss
// and evicting an unpinned frame if the pool is full.
func (p *Pool) Fetch(id page.ID, mode Mode) (*Frame, error) {
	p.mu.Lock()
	if f, ok := p.frames[id]; ok {
		atomic.AddInt32(&f.pinCount, 1)
		atomic.AddUint64(&p.hits, 1)
		p.touchYoungLocked(f)
		p.mu.Unlock()
		return f, nil
	}
	p.mu.Unlock()

	atomic.AddUint64(&p.misses, 1)
	pg, err := p.store.Read(id)
	if err != nil {
		return nil, storeerr.AsFailure(err, "fetch page %d", id)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if f, ok := p.frames[id]; ok {
		// Lost the race against a concurrent loader.
		atomic.AddInt32(&f.pinCount, 1)
		p.touchYoungLocked(f)
		return f, nil
	}

	if len(p.frames) >= p.capacity {
		if err := p.evictLocked(); err != nil {
			return nil, err
		}
	}

	f := &Frame{page: pg, pinCount: 1}
	p.frames[id] = f
	p.touchOldLocked(f)
	return f, nil
}

// Unpin releases one pin on f. dirty, if true, marks f dirty in addition
// to any prior MarkDirty call.
func (p *Pool) Unpin(f *Frame, dirty bool) {
	if dirty {
		p.MarkDirty(f)
	}
	atomic.AddInt32(&f.pinCount, -1)
}

// MarkDirty flags f as needing a flush before eviction.
func (p *Pool) MarkDirty(f *Frame) {
	f.mu.Lock()
	f.dirty = true
	f.mu.Unlock()
}

// FlushAll writes every dirty frame, pinned or not, back to the store, honoring
// the WAL-before-data ordering.
func (p *Pool) FlushAll() error {
	p.mu.Lock()
	targets := make([]*Frame, 0, len(p.frames))
	for _, f := range p.frames {
		targets = append(targets, f)
	}
	p.mu.Unlock()

	for _, f := range targets {
		if err := p.flushFrame(f); err != nil {
			return err
		}
	}
	return p.store.Sync()
}

func (p *Pool) flushFrame(f *Frame) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.dirty {
		return nil
	}
	if p.flushWAL != nil {
		if err := p.flushWAL(f.page.LSN); err != nil {
			return storeerr.AsFailure(err, "flush WAL before page %d", f.page.ID)
		}
	}
	if err := p.store.Write(f.page); err != nil {
		return storeerr.AsFailure(err, "write back page %d", f.page.ID)
	}
	f.dirty = false
	atomic.AddUint64(&p.flushes, 1)
	return nil
}

// evictLocked removes one unpinned frame to make room. Caller holds p.mu.
func (p *Pool) evictLocked() error {
	for _, lst := range []*list.List{p.old, p.young} {
		for e := lst.Back(); e != nil; e = e.Prev() {
			f := e.Value.(*Frame)
			if atomic.LoadInt32(&f.pinCount) != 0 {
				continue
			}
			if err := p.flushFrame(f); err != nil {
				return err
			}
			lst.Remove(e)
			delete(p.frames, f.page.ID)
			atomic.AddUint64(&p.evictions, 1)
			return nil
		}
	}
	logger.Warnf("bufferpool: no evictable frame, pool at capacity %d", p.capacity)
	return errors.New("bufferpool: pool exhausted, no unpinned frame to evict")
}

func (p *Pool) touchOldLocked(f *Frame) {
	f.elem = p.old.PushFront(f)
	f.inYoung = false
}

func (p *Pool) touchYoungLocked(f *Frame) {
	if f.elem != nil {
		if f.inYoung {
			p.young.MoveToFront(f.elem)
			return
		}
		p.old.Remove(f.elem)
	}
	f.elem = p.young.PushFront(f)
	f.inYoung = true
	for p.young.Len() > p.youngCap && p.young.Back() != nil {
		back := p.young.Back()
		bf := back.Value.(*Frame)
		p.young.Remove(back)
		bf.elem = p.old.PushFront(bf)
		bf.inYoung = false
	}
}

// HitRatio reports the fraction of Fetch calls satisfied without disk I/O.
func (p *Pool) HitRatio() float64 {
	h := atomic.LoadUint64(&p.hits)
	m := atomic.LoadUint64(&p.misses)
	if h+m == 0 {
		return 0
	}
	return float64(h) / float64(h+m)
}
