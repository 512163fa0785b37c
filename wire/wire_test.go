package wire

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestPutGetUintNRoundTrip(t *testing.T) {
	for _, n := range []int{1, 2, 3, 4, 5, 6, 7, 8} {
		v := uint64(1) << (uint(n)*8 - 1)
		b := PutUintN(v, n)
		assert.Len(t, b, n)
		assert.Equal(t, v, GetUintN(b))
	}
}

func TestSignExtendNegative(t *testing.T) {
	// -1 in 3 bytes is 0xFFFFFF
	raw := GetUintN([]byte{0xFF, 0xFF, 0xFF})
	assert.Equal(t, int64(-1), SignExtend(raw, 3))

	// 0x800000 (most negative 24-bit value) sign-extends to -8388608
	raw = GetUintN([]byte{0x00, 0x00, 0x80})
	assert.Equal(t, int64(-8388608), SignExtend(raw, 3))
}

func TestMultiplexerRoundTrip(t *testing.T) {
	m := Multiplexer{Index: 0x6041, SubIndex: 0x02}
	encoded := m.Encode()
	assert.Equal(t, m, DecodeMultiplexer(encoded[:]))
}

func TestMappingEntryRoundTrip(t *testing.T) {
	e := MappingEntry{Index: 0x6041, SubIndex: 0x01, BitSize: 16}
	v := e.Encode()
	assert.Equal(t, uint32(0x60410110), v)
	assert.Equal(t, e, DecodeMappingEntry(v))
}

func TestPadVisibleStringTruncatesAndPads(t *testing.T) {
	assert.Equal(t, []byte{'h', 'i', 0, 0}, PadVisibleString([]byte("hi"), 4))
	assert.Equal(t, []byte("hell"), PadVisibleString([]byte("hello"), 4))
}

func TestUnicodeStringRoundTrip(t *testing.T) {
	units := []uint16{'h', 'i', 0x4e2d}
	encoded := EncodeUnicodeString(units)
	assert.Equal(t, units, DecodeUnicodeString(encoded))
}
