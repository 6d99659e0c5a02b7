package codec

import (
	"sort"
	"testing"

	"github.com/juju/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestShortKeyOrderingSurvivesEncoding(t *testing.T) {
	values := []int32{1, 0, -1, -2, 2147483647, -2147483648}
	encoded := make([][]byte, len(values))
	for i, v := range values {
		enc, err := EncodeKey(NewShortKey(v))
		require.NoError(t, err)
		encoded[i] = enc
	}

	order := make([]int, len(values))
	for i := range order {
		order[i] = i
	}
	sort.Slice(order, func(i, j int) bool {
		return CompareEncoded(encoded[order[i]], encoded[order[j]]) < 0
	})

	got := make([]int32, len(values))
	for i, idx := range order {
		got[i] = values[idx]
	}
	assert.Equal(t, []int32{-2147483648, -2, -1, 0, 1, 2147483647}, got)
}

func TestIntKeyRoundTrip(t *testing.T) {
	for _, v := range []int64{0, 1, -1, -2, 9223372036854775807, -9223372036854775808} {
		enc, err := EncodeKey(NewIntKey(v))
		require.NoError(t, err)
		dec, err := DecodeKey(TypeInt, enc)
		require.NoError(t, err)
		assert.Equal(t, v, dec.Int)
	}
}

func TestVarcharKeyTruncatesAtNul(t *testing.T) {
	enc, err := EncodeKey(NewVarcharKey("abc\x00trailing"))
	require.NoError(t, err)
	assert.Equal(t, []byte("abc"), enc)
}

func TestVarcharKeyOrderingIsUnsignedByteOrder(t *testing.T) {
	a, _ := EncodeKey(NewVarcharKey("a"))
	b, _ := EncodeKey(NewVarcharKey("b"))
	assert.True(t, CompareEncoded(a, b) < 0)
}

func TestInvalidKeyType(t *testing.T) {
	_, err := EncodeKey(Key{Type: 99})
	require.Error(t, err)
	assert.Equal(t, ErrInvalidKeyType, errors.Cause(err))
}
