// Package sdo implements the CANopen SDO server and client (CiA 301 §7.2.4):
// expedited, segmented, and block transfer, redriven by a dispatch.Dispatcher
// instead of a dedicated goroutine reading a message channel. Grounded on
// pkg/sdo's state split and abort table, generalized per SPEC_FULL.md §1's
// binding passive/single-threaded redesign.
package sdo

import (
	"encoding/binary"
	"fmt"

	"github.com/samsamfire/gocanopen-core/od"
)

// AbortCode is the CiA 301 Annex A SDO abort code carried in the last 4
// bytes of an abort frame.
type AbortCode uint32

const (
	AbortToggleBit         AbortCode = 0x05030000
	AbortTimeout           AbortCode = 0x05040000
	AbortCmd               AbortCode = 0x05040001
	AbortBlockSize         AbortCode = 0x05040002
	AbortSeqNum            AbortCode = 0x05040003
	AbortCRC               AbortCode = 0x05040004
	AbortOutOfMem          AbortCode = 0x05040005
	AbortUnsupportedAccess AbortCode = 0x06010000
	AbortWriteOnly         AbortCode = 0x06010001
	AbortReadOnly          AbortCode = 0x06010002
	AbortNotExist          AbortCode = 0x06020000
	AbortNoMap             AbortCode = 0x06040041
	AbortMapLen            AbortCode = 0x06040042
	AbortParamIncompat     AbortCode = 0x06040043
	AbortDeviceIncompat    AbortCode = 0x06040047
	AbortHardware          AbortCode = 0x06060000
	AbortTypeMismatch      AbortCode = 0x06070010
	AbortDataLong          AbortCode = 0x06070012
	AbortDataShort         AbortCode = 0x06070013
	AbortSubUnknown        AbortCode = 0x06090011
	AbortInvalidValue      AbortCode = 0x06090030
	AbortValueHigh         AbortCode = 0x06090031
	AbortValueLow          AbortCode = 0x06090032
	AbortMaxLessMin        AbortCode = 0x06090036
	AbortNoResource        AbortCode = 0x060A0023
	AbortGeneral           AbortCode = 0x08000000
	AbortDataTransfer      AbortCode = 0x08000020
	AbortDataLocalControl  AbortCode = 0x08000021
	AbortDataDeviceState   AbortCode = 0x08000022
	AbortDataOD            AbortCode = 0x08000023
	AbortNoData            AbortCode = 0x08000024
)

var abortDescriptions = map[AbortCode]string{
	AbortToggleBit:         "toggle bit not altered",
	AbortTimeout:           "SDO protocol timed out",
	AbortCmd:               "command specifier not valid or unknown",
	AbortBlockSize:         "invalid block size in block mode",
	AbortSeqNum:            "invalid sequence number in block mode",
	AbortCRC:               "CRC error (block mode only)",
	AbortOutOfMem:          "out of memory",
	AbortUnsupportedAccess: "unsupported access to an object",
	AbortWriteOnly:         "attempt to read a write only object",
	AbortReadOnly:          "attempt to write a read only object",
	AbortNotExist:          "object does not exist in the object dictionary",
	AbortNoMap:             "object cannot be mapped to the PDO",
	AbortMapLen:            "num and len of object to be mapped exceeds PDO len",
	AbortParamIncompat:     "general parameter incompatibility reasons",
	AbortDeviceIncompat:    "general internal incompatibility in device",
	AbortHardware:          "access failed due to hardware error",
	AbortTypeMismatch:      "data type does not match, length does not match",
	AbortDataLong:          "data type does not match, length too high",
	AbortDataShort:         "data type does not match, length too short",
	AbortSubUnknown:        "sub index does not exist",
	AbortInvalidValue:      "invalid value for parameter (download only)",
	AbortValueHigh:         "value range of parameter written too high",
	AbortValueLow:          "value range of parameter written too low",
	AbortMaxLessMin:        "maximum value is less than minimum value",
	AbortNoResource:        "resource not available: SDO connection",
	AbortGeneral:           "general error",
	AbortDataTransfer:      "data cannot be transferred or stored to application",
	AbortDataLocalControl:  "data cannot be transferred because of local control",
	AbortDataDeviceState:   "data cannot be transferred because of present device state",
	AbortDataOD:            "object dictionary not present or dynamic generation fails",
	AbortNoData:            "no data available",
}

func (a AbortCode) Error() string       { return fmt.Sprintf("sdo abort x%08x: %s", uint32(a), a.Description()) }
func (a AbortCode) Description() string {
	if d, ok := abortDescriptions[a]; ok {
		return d
	}
	return abortDescriptions[AbortGeneral]
}

var odrToAbort = map[od.ODR]AbortCode{
	od.ErrOutOfMem:     AbortOutOfMem,
	od.ErrUnsuppAccess: AbortUnsupportedAccess,
	od.ErrWriteOnly:    AbortWriteOnly,
	od.ErrReadonly:     AbortReadOnly,
	od.ErrIdxNotExist:  AbortNotExist,
	od.ErrNoMap:        AbortNoMap,
	od.ErrMapLen:       AbortMapLen,
	od.ErrParIncompat:  AbortParamIncompat,
	od.ErrDevIncompat:  AbortDeviceIncompat,
	od.ErrHw:           AbortHardware,
	od.ErrTypeMismatch: AbortTypeMismatch,
	od.ErrDataLong:     AbortDataLong,
	od.ErrDataShort:    AbortDataShort,
	od.ErrSubNotExist:  AbortSubUnknown,
	od.ErrInvalidValue: AbortInvalidValue,
	od.ErrValueHigh:    AbortValueHigh,
	od.ErrValueLow:     AbortValueLow,
	od.ErrMaxLessMin:   AbortMaxLessMin,
	od.ErrNoRessource:  AbortNoResource,
	od.ErrGeneral:      AbortGeneral,
	od.ErrDataTransf:   AbortDataTransfer,
	od.ErrDataLocCtrl:  AbortDataLocalControl,
	od.ErrDataDevState: AbortDataDeviceState,
	od.ErrOdMissing:    AbortDataOD,
	od.ErrNoData:       AbortNoData,
}

// FromODR converts an object dictionary result code to the SDO abort code a
// server response must carry.
func FromODR(odr od.ODR) AbortCode {
	if a, ok := odrToAbort[odr]; ok {
		return a
	}
	return AbortDeviceIncompat
}

// Base COB-IDs for the predefined connection set (CiA 301 §7.3.5).
const (
	ServerBaseID uint32 = 0x580
	ClientBaseID uint32 = 0x600
)

const (
	DefaultClientTimeoutMs = 1000
	DefaultServerTimeoutMs = 1000
)

// Command specifier bytes, byte 0 of every SDO frame.
const (
	ccsDownloadInitiate uint8 = 0x20
	ccsDownloadSegment  uint8 = 0x00
	ccsUploadInitiate   uint8 = 0x40
	ccsUploadSegment    uint8 = 0x60
	ccsBlockDownload    uint8 = 0xC0
	ccsBlockUpload      uint8 = 0xA0

	scsDownloadInitiate uint8 = 0x60
	scsDownloadSegment  uint8 = 0x20
	scsUploadInitiate   uint8 = 0x40
	scsUploadSegment    uint8 = 0x00
	scsBlockDownload    uint8 = 0xA0
	scsBlockUpload      uint8 = 0xC0

	cmdAbort uint8 = 0x80

	blockSubBlockEnd uint8 = 0x80 // "no more segments" flag, seq byte bit 7

	// Block transfer subcommand (byte0 bits 1:0) and flag bits (CiA 301
	// §7.2.4.3.17), shared by both the initiate/end request and response.
	blockCmdInitiate   uint8 = 0x00
	blockCmdEnd        uint8 = 0x01
	blockCmdAck        uint8 = 0x02
	blockCCIndicated   uint8 = 0x04 // bit 2: CRC supported/used
	blockSizeIndicated uint8 = 0x02 // bit 1: size indicated (initiate only)
)

func buildMultiplexer(b []byte, index uint16, subIndex uint8) {
	binary.LittleEndian.PutUint16(b[1:3], index)
	b[3] = subIndex
}

func parseMultiplexer(b []byte) (index uint16, subIndex uint8) {
	return binary.LittleEndian.Uint16(b[1:3]), b[3]
}

func buildAbort(index uint16, subIndex uint8, code AbortCode) [8]byte {
	var b [8]byte
	b[0] = cmdAbort
	buildMultiplexer(b[:], index, subIndex)
	binary.LittleEndian.PutUint32(b[4:8], uint32(code))
	return b
}
