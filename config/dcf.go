package config

import (
	"encoding/binary"
	"fmt"
)

// DCFEntry is one {index, subIndex, data} tuple of a concise DCF (CiA
// 302-3 §5.2): the format an NMT master downloads to 0x1F22 to push a
// slave's stored configuration in one shot during boot-up.
type DCFEntry struct {
	Index    uint16
	SubIndex uint8
	Data     []byte
}

// EncodeConciseDCF packs entries into the concise DCF wire format: a
// little-endian uint32 entry count, then per entry a little-endian uint16
// index, a uint8 sub-index, a little-endian uint32 byte count and the raw
// data.
func EncodeConciseDCF(entries []DCFEntry) []byte {
	size := 4
	for _, e := range entries {
		size += 2 + 1 + 4 + len(e.Data)
	}
	out := make([]byte, size)
	binary.LittleEndian.PutUint32(out[0:4], uint32(len(entries)))
	offset := 4
	for _, e := range entries {
		binary.LittleEndian.PutUint16(out[offset:offset+2], e.Index)
		out[offset+2] = e.SubIndex
		binary.LittleEndian.PutUint32(out[offset+3:offset+7], uint32(len(e.Data)))
		copy(out[offset+7:], e.Data)
		offset += 7 + len(e.Data)
	}
	return out
}

// DecodeConciseDCF reverses EncodeConciseDCF.
func DecodeConciseDCF(raw []byte) ([]DCFEntry, error) {
	if len(raw) < 4 {
		return nil, fmt.Errorf("config: concise DCF too short for entry count")
	}
	count := binary.LittleEndian.Uint32(raw[0:4])
	entries := make([]DCFEntry, 0, count)
	offset := 4
	for i := uint32(0); i < count; i++ {
		if offset+7 > len(raw) {
			return nil, fmt.Errorf("config: concise DCF truncated at entry %d header", i)
		}
		index := binary.LittleEndian.Uint16(raw[offset : offset+2])
		subIndex := raw[offset+2]
		dataLen := binary.LittleEndian.Uint32(raw[offset+3 : offset+7])
		offset += 7
		if offset+int(dataLen) > len(raw) {
			return nil, fmt.Errorf("config: concise DCF truncated at entry %d data", i)
		}
		data := make([]byte, dataLen)
		copy(data, raw[offset:offset+int(dataLen)])
		offset += int(dataLen)
		entries = append(entries, DCFEntry{Index: index, SubIndex: subIndex, Data: data})
	}
	return entries, nil
}

// ApplyConciseDCF downloads every entry of a decoded concise DCF to the
// remote node in sequence, invoking done once with the first error
// encountered (if any) or nil once all entries have been written.
func (c *NodeConfigurator) ApplyConciseDCF(entries []DCFEntry, done func(error)) error {
	return c.applyFrom(entries, 0, done)
}

func (c *NodeConfigurator) applyFrom(entries []DCFEntry, i int, done func(error)) error {
	if i >= len(entries) {
		done(nil)
		return nil
	}
	e := entries[i]
	return c.WriteRaw(e.Index, e.SubIndex, e.Data, func(err error) {
		if err != nil {
			done(err)
			return
		}
		c.applyFrom(entries, i+1, done)
	})
}
