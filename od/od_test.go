package od

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeDecodeRoundTripAllWidths(t *testing.T) {
	cases := []struct {
		name     string
		dataType uint8
		value    string
	}{
		{"bool", BOOLEAN, "1"},
		{"i8", INTEGER8, "-5"},
		{"u8", UNSIGNED8, "200"},
		{"i16", INTEGER16, "-1000"},
		{"u16", UNSIGNED16, "60000"},
		{"i24", INTEGER24, "-8000000"},
		{"u24", UNSIGNED24, "16000000"},
		{"i32", INTEGER32, "-70000"},
		{"u32", UNSIGNED32, "4000000000"},
		{"i40", INTEGER40, "-1000000000"},
		{"u40", UNSIGNED40, "1000000000000"},
		{"i64", INTEGER64, "-123456789012"},
		{"u64", UNSIGNED64, "123456789012345"},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			encoded, err := EncodeFromString(c.value, c.dataType, 0)
			require.NoError(t, err)
			require.NoError(t, CheckSize(len(encoded), c.dataType))
			decoded, err := DecodeToString(encoded, c.dataType, 10)
			require.NoError(t, err)
			assert.Equal(t, c.value, decoded)
		})
	}
}

func TestCheckSizeRejectsWrongWidth(t *testing.T) {
	assert.Equal(t, ErrDataShort, CheckSize(1, UNSIGNED32))
	assert.Equal(t, ErrDataLong, CheckSize(8, UNSIGNED32))
	assert.NoError(t, CheckSize(4, UNSIGNED32))
}

func TestEntryVarReadWrite(t *testing.T) {
	dict := New(nil)
	entry, err := dict.AddVariableType(0x2000, "test", UNSIGNED16, AttributeSdoRw, "0x1234")
	require.NoError(t, err)

	v, err := entry.Uint16(0)
	require.NoError(t, err)
	assert.Equal(t, uint16(0x1234), v)

	require.NoError(t, entry.PutUint16(0, 0xBEEF, false))
	v, err = entry.Uint16(0)
	require.NoError(t, err)
	assert.Equal(t, uint16(0xBEEF), v)
}

func TestEntryArraySubIndex(t *testing.T) {
	dict := New(nil)
	list := NewArray(3)
	list.AddSubObject(0, "count", UNSIGNED8, AttributeSdoR, "2")
	list.AddSubObject(1, "first", UNSIGNED32, AttributeSdoRw, "0x10")
	list.AddSubObject(2, "second", UNSIGNED32, AttributeSdoRw, "0x20")
	entry := dict.AddVariableList(0x2100, "array", list)

	v, err := entry.Uint32(1)
	require.NoError(t, err)
	assert.Equal(t, uint32(0x10), v)

	_, err = entry.SubIndex(uint8(9))
	assert.Equal(t, ErrSubNotExist, err)
}

func TestExtensionVetoesWrite(t *testing.T) {
	dict := New(nil)
	entry, err := dict.AddVariableType(0x2200, "guarded", UNSIGNED8, AttributeSdoRw, "0x1")
	require.NoError(t, err)

	entry.AddExtension(nil, ReadEntryDefault, func(stream *Stream, toWrite []byte, countWritten *uint16) error {
		return ErrInvalidValue
	})

	err = entry.WriteExactly(0, []byte{0x2}, false)
	assert.Equal(t, ErrInvalidValue, err)

	// origin=true bypasses the extension and writes straight through.
	require.NoError(t, entry.WriteExactly(0, []byte{0x2}, true))
	v, err := entry.Uint8(0)
	require.NoError(t, err)
	assert.Equal(t, uint8(0x2), v)
}

func TestStreamerPartialReadAcrossCalls(t *testing.T) {
	dict := New(nil)
	entry, err := dict.AddVariableType(0x2300, "blob", UNSIGNED32, AttributeSdoRw, "0x01020304")
	require.NoError(t, err)

	streamer, err := NewStreamer(entry, 0, false)
	require.NoError(t, err)

	buf1 := make([]byte, 2)
	n, err := streamer.Read(buf1)
	assert.Equal(t, ErrPartial, err)
	assert.Equal(t, 2, n)

	buf2 := make([]byte, 2)
	n, err = streamer.Read(buf2)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	assert.Equal(t, []byte{0x04, 0x03, 0x02, 0x01}, append(buf1, buf2...))
}

func TestIndexMissReturnsNil(t *testing.T) {
	dict := New(nil)
	assert.Nil(t, dict.Index(0x9999))
	_, err := dict.Index(0x9999).SubIndex(0)
	assert.Equal(t, ErrIdxNotExist, err)
}
