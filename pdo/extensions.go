package pdo

import (
	"encoding/binary"
	"time"

	canopen "github.com/samsamfire/gocanopen-core"
	"github.com/samsamfire/gocanopen-core/od"
)

const (
	cobIdValidBit               = 0x80000000
	cobIdCanIdMask               = 0x000007FF
	cobIdCanIdWithoutNodeIdMask = 0xFFFFFF80
	canIdWithoutNodeIdMask      = 0xFF80
	// bits 11-29 must be 0; bit 31 is the valid flag, handled separately.
	cobIdValidityMask = 0x3FFFF800
)

// writeEntry14xx updates an RPDO's communication parameter record (0x14xx),
// CiA 301 §7.5.2.35.
func writeEntry14xx(stream *od.Stream, data []byte, countWritten *uint16) error {
	if stream == nil || len(data) > 4 {
		return od.ErrDevIncompat
	}
	rpdo, ok := stream.Object.(*RPDO)
	if !ok {
		return od.ErrDevIncompat
	}
	pdo := rpdo.pdo
	dataCopy := append([]byte(nil), data...)

	switch stream.Subindex {
	case od.SubPdoCobId:
		cobID := binary.LittleEndian.Uint32(data)
		canID := cobID & cobIdCanIdMask
		valid := (cobID & cobIdValidBit) == 0

		if (cobID&cobIdValidityMask) != 0 ||
			(valid && pdo.Valid && canID != uint32(pdo.configuredID)) ||
			(valid && canopen.IsIDRestricted(uint16(canID))) ||
			(valid && pdo.nbMapped == 0) {
			return od.ErrInvalidValue
		}

		if valid != pdo.Valid || canID != uint32(pdo.configuredID) {
			if canID == uint32(pdo.predefinedID) {
				binary.LittleEndian.PutUint32(dataCopy, cobID&cobIdCanIdWithoutNodeIdMask)
			}
			rpdo.Stop()
			if !valid {
				canID = 0
			}
			pdo.Valid = valid
			pdo.configuredID = uint16(canID)
			if valid {
				rpdo.Start()
			}
		}

	case od.SubPdoTransmissionType:
		transType := data[0]
		if transType > TransmissionTypeSync240 && transType < TransmissionTypeSyncEventLo {
			return od.ErrInvalidValue
		}
		rpdo.synchronous = transType <= TransmissionTypeSync240

	case od.SubPdoReserved:
		return od.ErrSubNotExist

	case od.SubPdoEventTimer:
		eventTimer := binary.LittleEndian.Uint16(data)
		rpdo.timeoutRx = time.Duration(eventTimer) * time.Millisecond
		if rpdo.haveTimer {
			rpdo.d.DeregisterTimer(rpdo.timer)
			rpdo.haveTimer = false
		}

	case od.SubPdoSyncStart:
		return od.ErrSubNotExist
	}

	return od.WriteEntryDefault(stream, dataCopy, countWritten)
}

// writeEntry18xx updates a TPDO's communication parameter record (0x18xx),
// CiA 301 §7.5.2.37.
func writeEntry18xx(stream *od.Stream, data []byte, countWritten *uint16) error {
	if stream == nil || len(data) > 4 {
		return od.ErrDevIncompat
	}
	tpdo, ok := stream.Object.(*TPDO)
	if !ok {
		return od.ErrDevIncompat
	}
	pdo := tpdo.pdo
	dataCopy := append([]byte(nil), data...)

	switch stream.Subindex {
	case od.SubPdoCobId:
		cobID := binary.LittleEndian.Uint32(data)
		canID := cobID & cobIdCanIdMask
		valid := (cobID & cobIdValidBit) == 0

		if (cobID&cobIdValidityMask) != 0 ||
			(valid && pdo.Valid && canID != uint32(pdo.configuredID)) ||
			(valid && canopen.IsIDRestricted(uint16(canID))) ||
			(valid && pdo.nbMapped == 0) {
			return od.ErrInvalidValue
		}

		if valid != pdo.Valid || canID != uint32(pdo.configuredID) {
			if canID == uint32(pdo.predefinedID) {
				binary.LittleEndian.PutUint32(dataCopy, cobID&cobIdCanIdWithoutNodeIdMask)
			}
			if !valid {
				canID = 0
			}
			tpdo.txFrame = canopen.New(canID, 0, uint8(pdo.dataLength))
			pdo.Valid = valid
			pdo.configuredID = uint16(canID)
		}

	case od.SubPdoTransmissionType:
		transType := data[0]
		if transType > TransmissionTypeSync240 && transType < TransmissionTypeSyncEventLo {
			return od.ErrInvalidValue
		}
		tpdo.syncCounter = syncCounterReset
		tpdo.transmissionType = transType
		tpdo.sendRequest = true
		if tpdo.haveInhibitTimer {
			tpdo.d.DeregisterTimer(tpdo.inhibitTimer)
			tpdo.haveInhibitTimer = false
		}
		if tpdo.haveEventTimer {
			tpdo.d.DeregisterTimer(tpdo.eventTimer)
			tpdo.haveEventTimer = false
		}

	case od.SubPdoInhibitTime:
		if pdo.Valid {
			return od.ErrInvalidValue
		}
		inhibitTime := binary.LittleEndian.Uint16(data)
		tpdo.inhibitTime = time.Duration(inhibitTime) * 100 * time.Microsecond

	case od.SubPdoReserved:
		return od.ErrSubNotExist

	case od.SubPdoEventTimer:
		eventTime := binary.LittleEndian.Uint16(data)
		tpdo.eventTime = time.Duration(eventTime) * time.Millisecond

	case od.SubPdoSyncStart:
		syncStart := data[0]
		if pdo.Valid || syncStart > TransmissionTypeSync240 {
			return od.ErrInvalidValue
		}
		tpdo.syncStartValue = syncStart
	}

	return od.WriteEntryDefault(stream, dataCopy, countWritten)
}

// readCommParam reads a 0x14xx/0x18xx communication parameter, applying the
// node-ID substitution and valid-bit presentation CiA 301 §7.5.2.35/.37
// require for the COB-ID sub-entry.
func readCommParam(stream *od.Stream, data []byte, countRead *uint16) error {
	if err := od.ReadEntryDefault(stream, data, countRead); err != nil {
		return err
	}

	var pdo *PDOCommon
	switch v := stream.Object.(type) {
	case *RPDO:
		pdo = v.pdo
		if stream.Subindex == od.SubPdoSyncStart {
			return od.ErrSubNotExist
		}
	case *TPDO:
		pdo = v.pdo
	default:
		return od.ErrDevIncompat
	}

	if stream.Subindex != od.SubPdoCobId {
		return nil
	}
	if *countRead != 4 {
		return od.ErrTypeMismatch
	}

	cobID := binary.LittleEndian.Uint32(data)
	canID := uint16(cobID & cobIdCanIdMask)
	baseID := pdo.predefinedID & canIdWithoutNodeIdMask

	if canID != 0 && canID == baseID {
		cobID = (cobID & 0xFFFF0000) | uint32(pdo.predefinedID)
	}
	if !pdo.Valid {
		cobID |= cobIdValidBit
	}
	binary.LittleEndian.PutUint32(data, cobID)
	return nil
}

// writeMappingParam updates a 0x16xx/0x1Axx mapping parameter record,
// CiA 301 §7.5.2.36/.38. Mapping can only change while the PDO is disabled.
func writeMappingParam(stream *od.Stream, data []byte, countWritten *uint16) error {
	if stream == nil || stream.Subindex > od.MaxMappedEntriesPDO {
		return od.ErrDevIncompat
	}

	var pdo *PDOCommon
	switch v := stream.Object.(type) {
	case *RPDO:
		pdo = v.pdo
	case *TPDO:
		pdo = v.pdo
	default:
		return od.ErrDevIncompat
	}

	if pdo.Valid || (pdo.nbMapped != 0 && stream.Subindex > 0) {
		return od.ErrUnsuppAccess
	}

	if stream.Subindex != od.SubPdoNbMappings {
		if err := pdo.configureMap(binary.LittleEndian.Uint32(data), uint32(stream.Subindex)-1, pdo.IsRPDO); err != nil {
			return err
		}
		return od.WriteEntryDefault(stream, data, countWritten)
	}

	nbMapped := data[0]
	if nbMapped > od.MaxMappedEntriesPDO {
		return od.ErrMapLen
	}

	pdoDataLength := uint32(0)
	for i := uint8(0); i < nbMapped; i++ {
		streamer := pdo.streamers[i]
		if streamer.DataOffset > streamer.DataLength {
			return od.ErrNoMap
		}
		pdoDataLength += streamer.DataOffset
	}
	if pdoDataLength > uint32(MaxPDOLength) {
		return od.ErrMapLen
	}
	if pdoDataLength == 0 && nbMapped > 0 {
		return od.ErrInvalidValue
	}

	pdo.dataLength = pdoDataLength
	pdo.nbMapped = nbMapped
	pdo.logger.Debug("updated number of mapped objects", "count", nbMapped, "lengthBytes", pdoDataLength)
	return od.WriteEntryDefault(stream, data, countWritten)
}
