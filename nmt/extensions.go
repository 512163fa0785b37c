package nmt

import (
	"encoding/binary"
	"time"

	"github.com/samsamfire/gocanopen-core/od"
)

// writeEntry1017 updates the heartbeat producer period (CiA 301 §7.5.2.14)
// and re-arms the producer timer so the new period takes effect
// immediately rather than after the next firing.
func writeEntry1017(stream *od.Stream, data []byte, countWritten *uint16) error {
	nmt, ok := stream.Object.(*NMT)
	if !ok {
		return od.ErrDevIncompat
	}
	if len(data) != 2 {
		return od.ErrTypeMismatch
	}
	periodMs := binary.LittleEndian.Uint16(data)
	nmt.producerTime = time.Duration(periodMs) * time.Millisecond
	if nmt.haveTimer {
		nmt.armHeartbeat()
	}
	return od.WriteEntryDefault(stream, data, countWritten)
}
