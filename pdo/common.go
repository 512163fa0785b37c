// Package pdo implements CANopen process data objects (CiA 301 §7.5): RPDO
// reception and TPDO transmission, their communication/mapping parameter
// records, and the scheduling (SYNC-driven, event-driven, inhibit/timeout)
// that drives transmission and reception timing. Redriven by a
// dispatch.Dispatcher instead of the teacher's goroutine-per-PDO design:
// a SYNC tick reaches a TPDO/RPDO via a direct method call from the sync
// package rather than a subscribed channel, and event/inhibit/timeout
// timers are dispatcher timers rather than time.AfterFunc.
package pdo

import (
	"log/slog"

	canopen "github.com/samsamfire/gocanopen-core"
	"github.com/samsamfire/gocanopen-core/od"
)

const (
	MaxPDOLength  uint8 = 8
	MinPDONumber        = uint16(1)
	MaxPDONumber        = uint16(512)
	MinRPDONumber       = MinPDONumber
	MaxRPDONumber       = uint16(256)
	MinTPDONumber       = MaxRPDONumber + 1
	MaxTPDONumber       = MaxPDONumber
)

// Transmission types, CiA 301 §7.5.2.37.
const (
	TransmissionTypeSyncAcyclic = 0    // synchronous (acyclic)
	TransmissionTypeSync1       = 1    // synchronous (cyclic every sync)
	TransmissionTypeSync240     = 0xF0 // synchronous (cyclic every 240th sync)
	TransmissionTypeSyncEventLo = 0xFE // event-driven, manufacturer specific
	TransmissionTypeSyncEventHi = 0xFF // event-driven, device profile specific
)

// EmergencyReporter is the subset of the emergency producer's API that the
// PDO services need. Declared locally so this package does not import
// emergency (which instead depends on od, same as this package): an
// *emergency.Producer satisfies it by method shape alone.
type EmergencyReporter interface {
	Error(setError bool, errorBit uint8, errorCode uint16, infoCode uint32)
	ErrorReport(errorBit uint8, errorCode uint16, infoCode uint32)
	ErrorReset(errorBit uint8, infoCode uint32)
}

// Error bits and codes referenced by this package (CiA 301 §7.6 predefined
// error field), named to match the emergency package's own constants.
const (
	emNoError         uint16 = 0x0000
	emProtocolError   uint16 = 0x8200
	emPdoLength       uint16 = 0x8210
	emPdoLengthExc    uint16 = 0x8220
	emRpdoTimeout     uint16 = 0x8250
	emBitRPDOWrongLen uint8  = 0x04
	emBitRPDOTimeout  uint8  = 0x17
	emBitPDOWrongMap  uint8  = 0x1A
)

// PDOCommon holds the state shared by RPDO and TPDO: the mapped-object
// streamer table, cached total length, and validity/identifier bookkeeping.
type PDOCommon struct {
	od             *od.ObjectDictionary
	logger         *slog.Logger
	emcy           EmergencyReporter
	streamers      [od.MaxMappedEntriesPDO]od.Streamer
	Valid          bool
	dataLength     uint32
	nbMapped       uint8
	flagPDOByte    [od.MaxMappedEntriesPDO]*uint8
	flagPDOBitmask [od.MaxMappedEntriesPDO]uint8
	IsRPDO         bool
	predefinedID   uint16
	configuredID   uint16
}

func (base *PDOCommon) attribute() uint8 {
	if base.IsRPDO {
		return od.AttributeRpdo
	}
	return od.AttributeTpdo
}

func (base *PDOCommon) Type() string {
	if base.IsRPDO {
		return "RPDO"
	}
	return "TPDO"
}

// configureMap installs the streamer for one mapping-entry slot, decoded
// from a 0x16xx/0x1Axx sub-entry's raw UNSIGNED32 (index:16, subindex:8,
// length-in-bits:8), per CiA 301 §7.5.2.36/.38.
func (pdo *PDOCommon) configureMap(mapParam uint32, mapIndex uint32, isRPDO bool) error {
	index := uint16(mapParam >> 16)
	subIndex := uint8(mapParam >> 8)
	mappedLengthBits := uint8(mapParam)
	mappedLength := mappedLengthBits >> 3
	streamer := &pdo.streamers[mapIndex]

	if mappedLength > MaxPDOLength {
		pdo.logger.Warn("mapped parameter is too long", "index", index, "subindex", subIndex, "length", mappedLength)
		return od.ErrMapLen
	}

	// Dummy entries (index < 0x20, subindex 0) map to fake, non-OD storage.
	if index < 0x20 && subIndex == 0 {
		streamer.Data = make([]byte, mappedLength)
		streamer.DataLength = uint32(mappedLength)
		streamer.DataOffset = uint32(mappedLength)
		streamer.SetReader(readDummy)
		streamer.SetWriter(writeDummy)
		return nil
	}

	entry := pdo.od.Index(index)
	streamerCopy, err := od.NewStreamer(entry, subIndex, false)
	if err != nil {
		pdo.logger.Warn("mapping failed", "index", index, "subindex", subIndex, "error", err)
		return err
	}

	switch {
	case !streamerCopy.HasAttribute(pdo.attribute()):
		pdo.logger.Warn("mapping failed: attribute error", "index", index, "subindex", subIndex)
		return od.ErrNoMap
	case (mappedLengthBits & 0x07) != 0:
		pdo.logger.Warn("mapping failed: alignment error", "index", index, "subindex", subIndex)
		return od.ErrNoMap
	case streamerCopy.DataLength < uint32(mappedLength):
		pdo.logger.Warn("mapping failed: length error", "index", index, "subindex", subIndex)
		return od.ErrNoMap
	}

	streamer.Stream = streamerCopy.Stream
	streamer.SetReader(streamerCopy.Reader())
	streamer.SetWriter(streamerCopy.Writer())
	streamer.DataOffset = uint32(mappedLength)

	if isRPDO {
		return nil
	}
	if uint32(subIndex) < uint32(od.FlagsPDOSize)*8 && entry.Extension() != nil {
		pdo.flagPDOByte[mapIndex] = entry.FlagPDOByte(subIndex)
		pdo.flagPDOBitmask[mapIndex] = 1 << (subIndex & 0x07)
	} else {
		pdo.flagPDOByte[mapIndex] = nil
	}
	pdo.logger.Debug("update mapping successful", "index", index, "subindex", subIndex)
	return nil
}

// NewPDO parses a 0x16xx/0x1Axx mapping entry and builds the shared state.
// A malformed individual mapping is not fatal: the slot is reset and the
// first error encountered is recorded into *erroneousMap for the caller to
// report once communication parameters are also known.
func NewPDO(
	odict *od.ObjectDictionary,
	logger *slog.Logger,
	entry *od.Entry,
	isRPDO bool,
	emcy EmergencyReporter,
	erroneousMap *uint32,
) (*PDOCommon, error) {
	pdo := &PDOCommon{od: odict, emcy: emcy, IsRPDO: isRPDO}
	if logger == nil {
		logger = slog.Default()
	}
	if isRPDO {
		pdo.logger = logger.With("service", "RPDO")
	} else {
		pdo.logger = logger.With("service", "TPDO")
	}

	mappedObjectsCount, err := entry.Uint8(0)
	if err != nil {
		pdo.logger.Error("reading nb mapped objects failed", "index", entry.Index, "error", err)
		return nil, canopen.ErrOdParameters
	}

	pdoDataLength := uint32(0)
	for i := range pdo.streamers {
		streamer := &pdo.streamers[i]
		mapParam, err := entry.Uint32(uint8(i) + 1)
		if err == od.ErrSubNotExist {
			continue
		}
		if err != nil {
			pdo.logger.Error("reading mapped objects failed", "index", entry.Index, "subindex", i+1, "error", err)
			return nil, canopen.ErrOdParameters
		}
		if err := pdo.configureMap(mapParam, uint32(i), isRPDO); err != nil {
			streamer.Data = nil
			streamer.DataLength = 0
			streamer.DataOffset = 0xFF
			if *erroneousMap == 0 {
				*erroneousMap = mapParam
			}
		}
		if i < int(mappedObjectsCount) {
			pdoDataLength += streamer.DataOffset
		}
	}

	if pdoDataLength > uint32(MaxPDOLength) || (pdoDataLength == 0 && mappedObjectsCount > 0) {
		if *erroneousMap == 0 {
			*erroneousMap = 1
		}
	}
	if *erroneousMap == 0 {
		pdo.dataLength = pdoDataLength
		pdo.nbMapped = mappedObjectsCount
	}
	return pdo, nil
}

func writeDummy(stream *od.Stream, data []byte, countWritten *uint16) error {
	*countWritten = uint16(len(data))
	return nil
}

func readDummy(stream *od.Stream, data []byte, countRead *uint16) error {
	if data == nil || stream == nil {
		return od.ErrDevIncompat
	}
	n := len(data)
	if n > len(stream.Data) {
		n = len(stream.Data)
	}
	*countRead = uint16(n)
	return nil
}
