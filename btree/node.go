package btree

import (
	"encoding/binary"

	"github.com/juju/errors"
	"github.com/zhukovaskychina/xkv-store/storage/page"
)

// kind distinguishes leaf nodes (which hold (key, payload) cells) from
// internal nodes (which hold (key, childPageID) routing cells).
type kind uint8

const (
	leafKind     kind = 0
	internalKind kind = 1
)

// leafCell is one (key, payload) entry. Duplicates under the same key are
// distinct cells ordered by payload bytes.
type leafCell struct {
	key     []byte
	payload []byte
}

// internalCell routes keys >= key (and < the next cell's key, or
// unbounded for the last cell) to child.
type internalCell struct {
	key   []byte
	child page.ID
}

// node is the decoded, in-memory form of one page's body. Every B-tree
// operation works on a node and re-encodes it before writing the frame
// back: decode, mutate, re-encode, keyed on the raw page bytes rather
// than a cached interface{}-typed key.
type node struct {
	kind       kind
	leaves     []leafCell     // sorted by (key, payload); leafKind only
	firstChild page.ID        // child holding keys below internals[0].key; internalKind only
	internals  []internalCell // sorted by key; internalKind only
	next       page.ID        // right sibling chain; leafKind only
}

var errCorruptNode = errors.New("btree: corrupt node page")

func decodeNode(body []byte) (*node, error) {
	if len(body) < 9 {
		return nil, errors.Trace(errCorruptNode)
	}
	n := &node{kind: kind(body[0])}
	count := binary.BigEndian.Uint32(body[1:5])
	aux := page.ID(binary.BigEndian.Uint32(body[5:9]))
	off := 9

	switch n.kind {
	case leafKind:
		n.next = aux
		for i := uint32(0); i < count; i++ {
			key, payload, consumed, err := decodeLeafCell(body[off:])
			if err != nil {
				return nil, err
			}
			n.leaves = append(n.leaves, leafCell{key: key, payload: payload})
			off += consumed
		}
	case internalKind:
		n.firstChild = aux
		for i := uint32(0); i < count; i++ {
			key, child, consumed, err := decodeInternalCell(body[off:])
			if err != nil {
				return nil, err
			}
			n.internals = append(n.internals, internalCell{key: key, child: child})
			off += consumed
		}
	default:
		return nil, errors.Trace(errCorruptNode)
	}
	return n, nil
}

func (n *node) encode(bodyLen int) ([]byte, error) {
	buf := make([]byte, bodyLen)
	buf[0] = byte(n.kind)

	switch n.kind {
	case leafKind:
		binary.BigEndian.PutUint32(buf[1:5], uint32(len(n.leaves)))
		binary.BigEndian.PutUint32(buf[5:9], uint32(n.next))
		off := 9
		for _, c := range n.leaves {
			consumed := encodeLeafCell(buf[off:], c.key, c.payload)
			off += consumed
		}
		if off > bodyLen {
			return nil, errors.Errorf("btree: node overflows page (%d > %d)", off, bodyLen)
		}
	case internalKind:
		binary.BigEndian.PutUint32(buf[1:5], uint32(len(n.internals)))
		binary.BigEndian.PutUint32(buf[5:9], uint32(n.firstChild))
		off := 9
		for _, c := range n.internals {
			consumed := encodeInternalCell(buf[off:], c.key, c.child)
			off += consumed
		}
		if off > bodyLen {
			return nil, errors.Errorf("btree: node overflows page (%d > %d)", off, bodyLen)
		}
	}
	return buf, nil
}

// encodedSize reports how many body bytes n currently needs, so Put can
// decide whether an insert requires a split before committing it.
func (n *node) encodedSize() int {
	size := 9
	switch n.kind {
	case leafKind:
		for _, c := range n.leaves {
			size += 4 + len(c.key) + len(c.payload)
		}
	case internalKind:
		for _, c := range n.internals {
			size += 6 + len(c.key)
		}
	}
	return size
}

func encodeLeafCell(dst []byte, key, payload []byte) int {
	binary.BigEndian.PutUint16(dst[0:2], uint16(len(key)))
	binary.BigEndian.PutUint16(dst[2:4], uint16(len(payload)))
	copy(dst[4:], key)
	copy(dst[4+len(key):], payload)
	return 4 + len(key) + len(payload)
}

func decodeLeafCell(src []byte) (key, payload []byte, consumed int, err error) {
	if len(src) < 4 {
		return nil, nil, 0, errors.Trace(errCorruptNode)
	}
	keyLen := int(binary.BigEndian.Uint16(src[0:2]))
	payloadLen := int(binary.BigEndian.Uint16(src[2:4]))
	if len(src) < 4+keyLen+payloadLen {
		return nil, nil, 0, errors.Trace(errCorruptNode)
	}
	key = append([]byte(nil), src[4:4+keyLen]...)
	payload = append([]byte(nil), src[4+keyLen:4+keyLen+payloadLen]...)
	return key, payload, 4 + keyLen + payloadLen, nil
}

func encodeInternalCell(dst []byte, key []byte, child page.ID) int {
	binary.BigEndian.PutUint16(dst[0:2], uint16(len(key)))
	binary.BigEndian.PutUint32(dst[2:6], uint32(child))
	copy(dst[6:], key)
	return 6 + len(key)
}

func decodeInternalCell(src []byte) (key []byte, child page.ID, consumed int, err error) {
	if len(src) < 6 {
		return nil, 0, 0, errors.Trace(errCorruptNode)
	}
	keyLen := int(binary.BigEndian.Uint16(src[0:2]))
	child = page.ID(binary.BigEndian.Uint32(src[2:6]))
	if len(src) < 6+keyLen {
		return nil, 0, 0, errors.Trace(errCorruptNode)
	}
	key = append([]byte(nil), src[6:6+keyLen]...)
	return key, child, 6 + keyLen, nil
}
