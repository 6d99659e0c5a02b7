// Package codec turns typed keys into byte strings whose unsigned
// lexicographic order matches the key's intended semantic order, and back.
package codec

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/juju/errors"
)

// KeyType is the discriminator carried by every Key and by an Index's
// schema.
type KeyType uint8

const (
	// TypeShort is a 32-bit signed integer key.
	TypeShort KeyType = iota + 1
	// TypeInt is a 64-bit signed integer key.
	TypeInt
	// TypeVarchar is a NUL-terminated string key, encoded length < 128.
	TypeVarchar
)

func (t KeyType) String() string {
	switch t {
	case TypeShort:
		return "SHORT"
	case TypeInt:
		return "INT"
	case TypeVarchar:
		return "VARCHAR"
	default:
		return fmt.Sprintf("KeyType(%d)", uint8(t))
	}
}

// MaxVarcharLen is the longest encodable VARCHAR key.
const MaxVarcharLen = 127

// ErrInvalidKeyType is the cause of any error from an unrecognized
// discriminator.
var ErrInvalidKeyType = errors.New("codec: invalid key type")

// Key is a tagged value carrying exactly one of Short, Int or Varchar,
// selected by Type.
type Key struct {
	Type    KeyType
	Short   int32
	Int     int64
	Varchar string
}

// NewShortKey builds a SHORT key.
func NewShortKey(v int32) Key { return Key{Type: TypeShort, Short: v} }

// NewIntKey builds an INT key.
func NewIntKey(v int64) Key { return Key{Type: TypeInt, Int: v} }

// NewVarcharKey builds a VARCHAR key. The caller is responsible for
// keeping it under MaxVarcharLen; EncodeKey truncates at the first NUL
// the same way the on-disk format does.
func NewVarcharKey(v string) Key { return Key{Type: TypeVarchar, Varchar: v} }

// EncodeKey produces the memcmp-correct byte encoding for k.
func EncodeKey(k Key) ([]byte, error) {
	switch k.Type {
	case TypeShort:
		buf := make([]byte, 4)
		binary.BigEndian.PutUint32(buf, uint32(k.Short))
		buf[0] ^= 0x80
		return buf, nil
	case TypeInt:
		buf := make([]byte, 8)
		binary.BigEndian.PutUint64(buf, uint64(k.Int))
		buf[0] ^= 0x80
		return buf, nil
	case TypeVarchar:
		s := k.Varchar
		if nul := indexOfNul(s); nul >= 0 {
			s = s[:nul]
		}
		if len(s) > MaxVarcharLen {
			return nil, errors.Annotatef(ErrInvalidKeyType, "varchar key longer than %d bytes", MaxVarcharLen)
		}
		return []byte(s), nil
	default:
		return nil, errors.Annotatef(ErrInvalidKeyType, "unknown key type %d", uint8(k.Type))
	}
}

// DecodeKey reverses EncodeKey for a key known to be of type t.
func DecodeKey(t KeyType, enc []byte) (Key, error) {
	switch t {
	case TypeShort:
		if len(enc) != 4 {
			return Key{}, errors.Annotatef(ErrInvalidKeyType, "short key must be 4 bytes, got %d", len(enc))
		}
		buf := append([]byte(nil), enc...)
		buf[0] ^= 0x80
		return Key{Type: TypeShort, Short: int32(binary.BigEndian.Uint32(buf))}, nil
	case TypeInt:
		if len(enc) != 8 {
			return Key{}, errors.Annotatef(ErrInvalidKeyType, "int key must be 8 bytes, got %d", len(enc))
		}
		buf := append([]byte(nil), enc...)
		buf[0] ^= 0x80
		return Key{Type: TypeInt, Int: int64(binary.BigEndian.Uint64(buf))}, nil
	case TypeVarchar:
		if len(enc) > MaxVarcharLen {
			return Key{}, errors.Annotatef(ErrInvalidKeyType, "varchar key longer than %d bytes", MaxVarcharLen)
		}
		return Key{Type: TypeVarchar, Varchar: string(enc)}, nil
	default:
		return Key{}, errors.Annotatef(ErrInvalidKeyType, "unknown key type %d", uint8(t))
	}
}

// CompareEncoded orders two encoded keys (or encoded (key||payload)
// cells) the way the B-tree needs: plain unsigned byte comparison, since
// EncodeKey already folded signed numeric order into that space.
func CompareEncoded(a, b []byte) int {
	return bytes.Compare(a, b)
}

func indexOfNul(s string) int {
	for i := 0; i < len(s); i++ {
		if s[i] == 0 {
			return i
		}
	}
	return -1
}
