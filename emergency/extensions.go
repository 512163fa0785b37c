package emergency

import (
	"encoding/binary"
	"time"

	"github.com/samsamfire/gocanopen-core/od"
)

// readEntryStatusBits mirrors the live manufacturer-specific error status
// bitfield (object outside the standard range, e.g. 0x2xxx) on read.
func readEntryStatusBits(stream *od.Stream, data []byte, countRead *uint16) error {
	em, ok := stream.Object.(*Producer)
	if !ok {
		return od.ErrDevIncompat
	}
	stream.DataOffset = 0
	stream.Data = em.errorStatusBits[:]
	stream.DataLength = uint32(len(em.errorStatusBits))
	return od.ReadEntryDefault(stream, data, countRead)
}

// writeEntryStatusBits copies a written manufacturer-specific bitfield
// straight into the live status bits, bypassing Error's set/reset
// bookkeeping (the application, not the bus, owns this object).
func writeEntryStatusBits(stream *od.Stream, data []byte, countWritten *uint16) error {
	em, ok := stream.Object.(*Producer)
	if !ok {
		return od.ErrDevIncompat
	}
	stream.DataOffset = 0
	stream.Data = em.errorStatusBits[:]
	stream.DataLength = uint32(len(em.errorStatusBits))
	return od.WriteEntryDefault(stream, data, countWritten)
}

// readEntry1003 returns the fifo entry at the accessed subindex: subindex 0
// is the count of currently queued errors, subindex N returns the Nth most
// recently queued error code (CiA 301 §7.5.2.6) as a 4-byte value.
func readEntry1003(stream *od.Stream, data []byte, countRead *uint16) error {
	em, ok := stream.Object.(*Producer)
	if !ok {
		return od.ErrDevIncompat
	}
	if stream.Subindex == 0 {
		return copyUint32(uint32(em.fifoCount), data, countRead)
	}
	n := int(stream.Subindex)
	if n > int(em.fifoCount) {
		*countRead = 0
		return od.ErrSubNotExist
	}
	// Newest entry is one slot behind the write cursor; subindex 1 is newest.
	idx := int(em.fifoWr) - n
	for idx < 0 {
		idx += len(em.fifo)
	}
	return copyUint32(em.fifo[idx].msg, data, countRead)
}

// writeEntry1003 accepts only a write of 0 to subindex 0, which clears the
// entire pre-defined error field (CiA 301 §7.5.2.6).
func writeEntry1003(stream *od.Stream, data []byte, countWritten *uint16) error {
	em, ok := stream.Object.(*Producer)
	if !ok {
		return od.ErrDevIncompat
	}
	if stream.Subindex != 0 || len(data) != 4 || binary.LittleEndian.Uint32(data) != 0 {
		return od.ErrInvalidValue
	}
	em.fifoWr, em.fifoRd, em.fifoCount, em.overflow = 0, 0, 0, false
	*countWritten = uint16(len(data))
	return nil
}

// writeEntry1014 updates the producer COB-ID and enable flag (CiA 301
// §7.5.2.9). Toggling the enable bit while the COB-ID is unchanged, or
// changing the base CAN-ID, is accepted; the change takes effect on the
// next trySend.
func writeEntry1014(stream *od.Stream, data []byte, countWritten *uint16) error {
	em, ok := stream.Object.(*Producer)
	if !ok {
		return od.ErrDevIncompat
	}
	if len(data) != 4 {
		return od.ErrTypeMismatch
	}
	cobId := binary.LittleEndian.Uint32(data)
	canId := cobId & 0x7FF
	if canId == 0 {
		return od.ErrInvalidValue
	}
	em.producerEnabled = (cobId&0x80000000) == 0
	em.producerIdent = uint16(canId)
	if canId == ServiceId {
		canId += uint32(em.nodeId)
	}
	em.txCobId = canId
	return od.WriteEntryDefault(stream, data, countWritten)
}

// writeEntry1015 updates the inhibit time (in 100us units, CiA 301
// §7.5.2.10) and cancels any in-flight inhibit timer so the new pacing
// applies to the next send immediately.
func writeEntry1015(stream *od.Stream, data []byte, countWritten *uint16) error {
	em, ok := stream.Object.(*Producer)
	if !ok {
		return od.ErrDevIncompat
	}
	if len(data) != 2 {
		return od.ErrTypeMismatch
	}
	inhibit100us := binary.LittleEndian.Uint16(data)
	em.inhibitTime = time.Duration(inhibit100us) * 100 * time.Microsecond
	if em.haveTimer {
		em.d.DeregisterTimer(em.inhibitTimer)
		em.haveTimer = false
		em.inhibitActive = false
		em.trySend()
	}
	return od.WriteEntryDefault(stream, data, countWritten)
}

func copyUint32(v uint32, data []byte, countRead *uint16) error {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], v)
	n := copy(data, b[:])
	*countRead = uint16(n)
	return nil
}
