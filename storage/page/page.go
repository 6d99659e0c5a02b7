// Package page implements fixed-size pages and a file-backed page store.
// Pages are the unit the buffer pool caches and the WAL protects.
package page

import (
	"encoding/binary"

	"github.com/juju/errors"
	"github.com/zhukovaskychina/xkv-store/internal/xhash"
)

// ID identifies a page within one index's page file.
type ID uint32

// InvalidID marks "no page" (e.g. an empty tree's root pointer).
const InvalidID ID = 0

// DefaultSize is the page size used when a store is opened without an
// explicit override.
const DefaultSize = 8192

// headerLen is ID(4) + LSN(8) + Checksum(8) + FreeOffset(4).
const headerLen = 24

// ErrCorrupt is the cause of a checksum mismatch on read.
var ErrCorrupt = errors.New("page: checksum mismatch")

// Page is one fixed-size unit of the page file. Body holds whatever the
// higher layer (currently the B-tree's slotted node format) puts there;
// the header fields below are what the buffer pool and WAL need to know
// about regardless of body interpretation.
type Page struct {
	ID   ID
	LSN  uint64 // PageLSN: highest WAL LSN applied to this page
	Body []byte // Size - headerLen bytes
}

// New allocates a zeroed page of the given total size.
func New(id ID, size int) *Page {
	return &Page{ID: id, Body: make([]byte, size-headerLen)}
}

// Size returns the total on-disk footprint of p.
func (p *Page) Size() int { return headerLen + len(p.Body) }

func (p *Page) checksum() uint64 {
	return xhash.Sum64(p.Body)
}

// Marshal serializes p, including a freshly computed checksum, into a
// buffer ready for Store.Write.
func (p *Page) Marshal() []byte {
	buf := make([]byte, p.Size())
	binary.BigEndian.PutUint32(buf[0:4], uint32(p.ID))
	binary.BigEndian.PutUint64(buf[4:12], p.LSN)
	binary.BigEndian.PutUint64(buf[12:20], p.checksum())
	// bytes [20:24] reserved for a future free-space pointer.
	copy(buf[headerLen:], p.Body)
	return buf
}

// Unmarshal parses buf (as produced by Marshal) and verifies its
// checksum. A mismatch returns ErrCorrupt; recovery treats the log, not
// the page, as authoritative in that case.
func Unmarshal(buf []byte) (*Page, error) {
	if len(buf) < headerLen {
		return nil, errors.Annotatef(ErrCorrupt, "page shorter than header (%d bytes)", len(buf))
	}
	p := &Page{
		ID:   ID(binary.BigEndian.Uint32(buf[0:4])),
		LSN:  binary.BigEndian.Uint64(buf[4:12]),
		Body: append([]byte(nil), buf[headerLen:]...),
	}
	wantChecksum := binary.BigEndian.Uint64(buf[12:20])
	if p.checksum() != wantChecksum {
		return nil, errors.Annotatef(ErrCorrupt, "page %d", p.ID)
	}
	return p, nil
}
