package page

import (
	"os"
	"sync"
	"sync/atomic"

	"github.com/juju/errors"
)

// Store is the on-disk page file for one index: fixed-size slots, one per
// page id, grown by Allocate.
type Store struct {
	mu       sync.Mutex
	file     *os.File
	pageSize int
	nextID   uint32 // atomic
}

// Open opens (creating if necessary) the page file at path.
func Open(path string, pageSize int) (*Store, error) {
	if pageSize <= headerLen {
		return nil, errors.Errorf("page: size %d too small for header", pageSize)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return nil, errors.Annotatef(err, "open page file %s", path)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, errors.Annotatef(err, "stat page file %s", path)
	}
	s := &Store{file: f, pageSize: pageSize}
	s.nextID = uint32(info.Size() / int64(pageSize))
	if s.nextID == 0 {
		s.nextID = 1 // page 0 is reserved as InvalidID
	}
	return s, nil
}

// PageSize returns the fixed page size for this store.
func (s *Store) PageSize() int { return s.pageSize }

// Allocate reserves and returns the id of a new, zeroed page.
func (s *Store) Allocate() (*Page, error) {
	s.mu.Lock()
	id := ID(atomic.AddUint32(&s.nextID, 1) - 1)
	s.mu.Unlock()

	p := New(id, s.pageSize)
	if err := s.Write(p); err != nil {
		return nil, err
	}
	return p, nil
}

// Read fetches page id from disk.
func (s *Store) Read(id ID) (*Page, error) {
	buf := make([]byte, s.pageSize)
	s.mu.Lock()
	_, err := s.file.ReadAt(buf, int64(id)*int64(s.pageSize))
	s.mu.Unlock()
	if err != nil {
		return nil, errors.Annotatef(err, "read page %d", id)
	}
	return Unmarshal(buf)
}

// Write persists p at its own page id.
func (s *Store) Write(p *Page) error {
	buf := p.Marshal()
	s.mu.Lock()
	_, err := s.file.WriteAt(buf, int64(p.ID)*int64(s.pageSize))
	s.mu.Unlock()
	if err != nil {
		return errors.Annotatef(err, "write page %d", p.ID)
	}
	return nil
}

// Sync forces the page file to durable storage.
func (s *Store) Sync() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return errors.Trace(s.file.Sync())
}

// Close releases the underlying file handle.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return errors.Trace(s.file.Close())
}
