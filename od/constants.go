// Package od implements the CANopen object dictionary (CiA 301 §7): typed
// entries addressable by (index, subindex), EDS parsing, and the
// streamer/extension mechanism other services hook into for side effects on
// read/write. Grounded on the teacher's pkg/od, generalized with the
// additional CiA 301 Table 44 data types the teacher's EDS parser never
// implemented (24/40/48/56-bit integers, TIME_OF_DAY, TIME_DIFFERENCE).
package od

import (
	"fmt"
	"strconv"
)

// ODR is the CiA 301 object dictionary abort/access result code, returned by
// every streamer and entry-level accessor. A zero value means success.
type ODR int8

const (
	ErrPartial      ODR = -1
	ErrNo           ODR = 0
	ErrOutOfMem     ODR = 1
	ErrUnsuppAccess ODR = 2
	ErrWriteOnly    ODR = 3
	ErrReadonly     ODR = 4
	ErrIdxNotExist  ODR = 5
	ErrNoMap        ODR = 6
	ErrMapLen       ODR = 7
	ErrParIncompat  ODR = 8
	ErrDevIncompat  ODR = 9
	ErrHw           ODR = 10
	ErrTypeMismatch ODR = 11
	ErrDataLong     ODR = 12
	ErrDataShort    ODR = 13
	ErrSubNotExist  ODR = 14
	ErrInvalidValue ODR = 15
	ErrValueHigh    ODR = 16
	ErrValueLow     ODR = 17
	ErrMaxLessMin   ODR = 18
	ErrNoRessource  ODR = 19
	ErrGeneral      ODR = 20
	ErrDataTransf   ODR = 21
	ErrDataLocCtrl  ODR = 22
	ErrDataDevState ODR = 23
	ErrOdMissing    ODR = 24
	ErrNoData       ODR = 25
	ErrCount        ODR = 26
)

var errorDescriptionMap = map[ODR]string{
	ErrPartial:      "incomplete transfer",
	ErrNo:           "no error",
	ErrOutOfMem:     "out of memory",
	ErrUnsuppAccess: "unsupported access to an object",
	ErrWriteOnly:    "attempt to read a write only object",
	ErrReadonly:     "attempt to write a read only object",
	ErrIdxNotExist:  "object does not exist in the object dictionary",
	ErrNoMap:        "object cannot be mapped to the PDO",
	ErrMapLen:       "num and len of object to be mapped exceeds PDO len",
	ErrParIncompat:  "general parameter incompatibility reasons",
	ErrDevIncompat:  "general internal incompatibility in device",
	ErrHw:           "access failed due to hardware error",
	ErrTypeMismatch: "data type does not match, length does not match",
	ErrDataLong:     "data type does not match, length too high",
	ErrDataShort:    "data type does not match, length too short",
	ErrSubNotExist:  "sub index does not exist",
	ErrInvalidValue: "invalid value for parameter (download only)",
	ErrValueHigh:    "value range of parameter written too high",
	ErrValueLow:     "value range of parameter written too low",
	ErrMaxLessMin:   "maximum value is less than minimum value",
	ErrNoRessource:  "resource not available: SDO connection",
	ErrGeneral:      "general error",
	ErrDataTransf:   "data cannot be transferred or stored to application",
	ErrDataLocCtrl:  "data cannot be transferred because of local control",
	ErrDataDevState: "data cannot be transferred because of present device state",
	ErrOdMissing:    "object dictionary not present or dynamic generation fails",
	ErrNoData:       "no data available",
}

func (odr ODR) Error() string {
	description, ok := errorDescriptionMap[odr]
	if !ok {
		return fmt.Sprintf("od error %s (unknown)", strconv.Itoa(int(odr)))
	}
	return fmt.Sprintf("od error %s (%s)", strconv.Itoa(int(odr)), description)
}

const (
	MaxMappedEntriesPDO = uint8(8)
	FlagsPDOSize        = uint8(32)
)

// Sub-indices of the PDO communication parameter record (0x14xx/0x18xx) and
// mapping parameter record (0x16xx/0x1Axx), CiA 301 §7.5.2.35-.38.
const (
	SubPdoNbMappings       uint8 = 0
	SubPdoCobId            uint8 = 1
	SubPdoTransmissionType uint8 = 2
	SubPdoInhibitTime      uint8 = 3
	SubPdoReserved         uint8 = 4
	SubPdoEventTimer       uint8 = 5
	SubPdoSyncStart        uint8 = 6
)

// Object dictionary object attributes (CiA 301 §7.4.5).
const (
	AttributeSdoR   uint8 = 0x01
	AttributeSdoW   uint8 = 0x02
	AttributeSdoRw  uint8 = 0x03
	AttributeTpdo   uint8 = 0x04
	AttributeRpdo   uint8 = 0x08
	AttributeTrpdo  uint8 = 0x0C
	AttributeTsrdo  uint8 = 0x10
	AttributeRsrdo  uint8 = 0x20
	AttributeTrsrdo uint8 = 0x30
	AttributeMb     uint8 = 0x40
	AttributeStr    uint8 = 0x80
)

// CANopen object types (CiA 301 Table 42).
const (
	ObjectTypeVAR    uint8 = 7
	ObjectTypeARRAY  uint8 = 8
	ObjectTypeRECORD uint8 = 9
)

var objectTypeNames = map[uint8]string{
	ObjectTypeVAR:    "VAR",
	ObjectTypeARRAY:  "ARRAY",
	ObjectTypeRECORD: "RECORD",
}

// CANopen basic data types (CiA 301 Table 44), extended with the 24/40/48/56
// bit integer widths and the TIME_OF_DAY/TIME_DIFFERENCE types the teacher's
// EDS parser left unimplemented.
const (
	BOOLEAN        uint8 = 0x01
	INTEGER8       uint8 = 0x02
	INTEGER16      uint8 = 0x03
	INTEGER32      uint8 = 0x04
	UNSIGNED8      uint8 = 0x05
	UNSIGNED16     uint8 = 0x06
	UNSIGNED32     uint8 = 0x07
	REAL32         uint8 = 0x08
	VISIBLE_STRING uint8 = 0x09
	OCTET_STRING   uint8 = 0x0A
	UNICODE_STRING uint8 = 0x0B
	TIME_OF_DAY    uint8 = 0x0C
	TIME_DIFF      uint8 = 0x0D
	DOMAIN         uint8 = 0x0F
	INTEGER24      uint8 = 0x10
	REAL64         uint8 = 0x11
	INTEGER40      uint8 = 0x12
	INTEGER48      uint8 = 0x13
	INTEGER56      uint8 = 0x14
	INTEGER64      uint8 = 0x15
	UNSIGNED24     uint8 = 0x16
	UNSIGNED40     uint8 = 0x18
	UNSIGNED48     uint8 = 0x19
	UNSIGNED56     uint8 = 0x1A
	UNSIGNED64     uint8 = 0x1B
)

// Standard CANopen object dictionary entries (CiA 301 §7.5).
const (
	EntryDeviceType                  uint16 = 0x1000
	EntryErrorRegister               uint16 = 0x1001
	EntryPredefinedErrorField        uint16 = 0x1003
	EntryCobIdSYNC                   uint16 = 0x1005
	EntryCommunicationCyclePeriod    uint16 = 0x1006
	EntrySynchronousWindowLength     uint16 = 0x1007
	EntryManufacturerDeviceName      uint16 = 0x1008
	EntryManufacturerHardwareVersion uint16 = 0x1009
	EntryManufacturerSoftwareVersion uint16 = 0x100A
	EntryStoreParameters             uint16 = 0x1010
	EntryRestoreDefaultParameters    uint16 = 0x1011
	EntryCobIdTIME                   uint16 = 0x1012
	EntryHighResTimestamp            uint16 = 0x1013
	EntryCobIdEMCY                   uint16 = 0x1014
	EntryInhibitTimeEMCY             uint16 = 0x1015
	EntryConsumerHeartbeatTime       uint16 = 0x1016
	EntryProducerHeartbeatTime       uint16 = 0x1017
	EntryIdentityObject              uint16 = 0x1018
	EntrySynchronousCounterOverflow  uint16 = 0x1019
	EntryStoreEDS                    uint16 = 0x1021
	EntryStorageFormat               uint16 = 0x1022
	EntryNMTStartup                  uint16 = 0x1F80
	EntryRequestNMT                  uint16 = 0x1F81
	EntrySlaveAssignment             uint16 = 0x1F81
	EntryDeviceTypeIdentification    uint16 = 0x1F84
	EntryVendorIdentification        uint16 = 0x1F85
	EntryProductCode                 uint16 = 0x1F86
	EntryRevisionNumber              uint16 = 0x1F87
	EntrySerialNumber                uint16 = 0x1F88
	EntryBootTime                    uint16 = 0x1F89
	EntryConfiguredModule            uint16 = 0x1F26
	EntryExpectedConfigurationDate   uint16 = 0x1F27
	EntryExpectedConfigurationTime   uint16 = 0x1F27
	EntryErrorBehavior               uint16 = 0x1029
	EntryFlyingMaster                uint16 = 0x1F90
	EntryNMTRedundancy               uint16 = 0x1F9E
	EntryLSSAddress                  uint16 = 0x1018
	EntryRPDOCommunicationStart      uint16 = 0x1400
	EntryRPDOCommunicationEnd        uint16 = 0x15FF
	EntryRPDOMappingStart            uint16 = 0x1600
	EntryRPDOMappingEnd              uint16 = 0x17FF
	EntryTPDOCommunicationStart      uint16 = 0x1800
	EntryTPDOCommunicationEnd        uint16 = 0x19FF
	EntryTPDOMappingStart            uint16 = 0x1A00
	EntryTPDOMappingEnd              uint16 = 0x1BFF
)

// Standard CANopen object dictionary address areas (CiA 301 §7.4.3).
const (
	AreaCommunicationProfileStart        uint16 = 0x1000
	AreaCommunicationProfileEnd          uint16 = 0x1FFF
	AreaManufacturerSpecificProfileStart uint16 = 0x2000
	AreaManufacturerSpecificProfileEnd   uint16 = 0x5FFF
	AreaDeviceProfileStart               uint16 = 0x6000
	AreaDeviceProfileEnd                 uint16 = 0x9FFF
	AreaInterfaceProfileStart            uint16 = 0xA000
	AreaInterfaceProfileEnd              uint16 = 0xBFFF
	AreaFutureUseStart                   uint16 = 0xC000
	AreaFutureUseEnd                     uint16 = 0xFFFF
)

// EDS/DCF file format codes (CiA 306).
const (
	FormatEDSAscii  = 0
	FormatEDSZipped = 0x90
)
