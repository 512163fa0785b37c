package od

import (
	"encoding/binary"
	"fmt"
	"math"
	"strconv"

	"github.com/samsamfire/gocanopen-core/wire"
)

// putUintN/getUintN/signExtend delegate to the wire package's codec, kept as
// unexported aliases here so the rest of this file (written against ODR
// errors) doesn't need every call site qualified.
func putUintN(v uint64, n int) []byte   { return wire.PutUintN(v, n) }
func getUintN(b []byte) uint64          { return wire.GetUintN(b) }
func signExtend(v uint64, n int) int64  { return wire.SignExtend(v, n) }

// byteWidth returns the on-wire byte width for dataType, or -1 for
// variable-length types (strings, domain).
func byteWidth(dataType uint8) int {
	switch dataType {
	case BOOLEAN, UNSIGNED8, INTEGER8:
		return 1
	case UNSIGNED16, INTEGER16:
		return 2
	case UNSIGNED24, INTEGER24:
		return 3
	case UNSIGNED32, INTEGER32, REAL32:
		return 4
	case UNSIGNED40, INTEGER40:
		return 5
	case UNSIGNED48, INTEGER48:
		return 6
	case UNSIGNED56, INTEGER56:
		return 7
	case UNSIGNED64, INTEGER64, REAL64:
		return 8
	case TIME_OF_DAY, TIME_DIFF:
		return 6
	default:
		return -1
	}
}

// CheckSize verifies that length matches the fixed width of dataType. Types
// with no fixed width (strings, domain) are always accepted.
func CheckSize(length int, dataType uint8) error {
	width := byteWidth(dataType)
	if width < 0 {
		return nil
	}
	if length < width {
		return ErrDataShort
	}
	if length > width {
		return ErrDataLong
	}
	return nil
}

// EncodeFromString parses value (as found in an EDS DefaultValue/HighLimit/
// LowLimit key) into its wire representation for dataType. offset is added
// for $NODEID-relative defaults.
func EncodeFromString(value string, dataType uint8, offset uint8) ([]byte, error) {
	if value == "" {
		value = "0"
	}

	switch dataType {
	case VISIBLE_STRING, OCTET_STRING, UNICODE_STRING:
		return []byte(value), nil
	case DOMAIN:
		return []byte{}, nil
	case REAL32:
		f, err := strconv.ParseFloat(value, 32)
		if err != nil {
			return nil, err
		}
		data := make([]byte, 4)
		binary.LittleEndian.PutUint32(data, math.Float32bits(float32(f)))
		return data, nil
	case REAL64:
		f, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return nil, err
		}
		data := make([]byte, 8)
		binary.LittleEndian.PutUint64(data, math.Float64bits(f))
		return data, nil
	}

	width := byteWidth(dataType)
	if width < 0 {
		return nil, ErrTypeMismatch
	}

	if isSignedType(dataType) {
		parsed, err := strconv.ParseInt(value, 0, width*8)
		if err != nil {
			return nil, err
		}
		return putUintN(uint64(parsed+int64(offset)), width), nil
	}
	parsed, err := strconv.ParseUint(value, 0, width*8)
	if err != nil {
		return nil, err
	}
	return putUintN(parsed+uint64(offset), width), nil
}

func isSignedType(dataType uint8) bool {
	switch dataType {
	case INTEGER8, INTEGER16, INTEGER24, INTEGER32, INTEGER40, INTEGER48, INTEGER56, INTEGER64:
		return true
	default:
		return false
	}
}

// EncodeFromGeneric encodes a native Go value into its CANopen wire bytes.
func EncodeFromGeneric(data any) ([]byte, error) {
	switch val := data.(type) {
	case bool:
		if val {
			return []byte{1}, nil
		}
		return []byte{0}, nil
	case uint8:
		return []byte{val}, nil
	case int8:
		return []byte{byte(val)}, nil
	case uint16:
		b := make([]byte, 2)
		binary.LittleEndian.PutUint16(b, val)
		return b, nil
	case int16:
		b := make([]byte, 2)
		binary.LittleEndian.PutUint16(b, uint16(val))
		return b, nil
	case uint32:
		b := make([]byte, 4)
		binary.LittleEndian.PutUint32(b, val)
		return b, nil
	case int32:
		b := make([]byte, 4)
		binary.LittleEndian.PutUint32(b, uint32(val))
		return b, nil
	case uint64:
		b := make([]byte, 8)
		binary.LittleEndian.PutUint64(b, val)
		return b, nil
	case int64:
		b := make([]byte, 8)
		binary.LittleEndian.PutUint64(b, uint64(val))
		return b, nil
	case float32:
		b := make([]byte, 4)
		binary.LittleEndian.PutUint32(b, math.Float32bits(val))
		return b, nil
	case float64:
		b := make([]byte, 8)
		binary.LittleEndian.PutUint64(b, math.Float64bits(val))
		return b, nil
	case string:
		return []byte(val), nil
	case []byte:
		return val, nil
	default:
		return nil, ErrTypeMismatch
	}
}

// DecodeToType decodes data according to dataType, returning uint64, int64,
// float64 or string depending on the type's family.
func DecodeToType(data []byte, dataType uint8) (any, error) {
	if err := CheckSize(len(data), dataType); err != nil {
		return nil, err
	}
	switch dataType {
	case VISIBLE_STRING, OCTET_STRING, UNICODE_STRING:
		return string(data), nil
	case DOMAIN:
		return int64(0), nil
	case REAL32:
		return float64(math.Float32frombits(binary.LittleEndian.Uint32(data))), nil
	case REAL64:
		return math.Float64frombits(binary.LittleEndian.Uint64(data)), nil
	case TIME_OF_DAY, TIME_DIFF:
		return wire.DecodeTimeOfDay(data), nil
	}
	width := byteWidth(dataType)
	if width < 0 {
		return nil, ErrTypeMismatch
	}
	raw := getUintN(data[:width])
	if isSignedType(dataType) {
		return signExtend(raw, width), nil
	}
	return raw, nil
}

// DecodeToString formats data as a string in the given numeric base (ignored
// for strings/domain).
func DecodeToString(data []byte, dataType uint8, base int) (string, error) {
	v, err := DecodeToType(data, dataType)
	if err != nil {
		return "", err
	}
	switch val := v.(type) {
	case string:
		return val, nil
	case uint64:
		return strconv.FormatUint(val, base), nil
	case int64:
		return strconv.FormatInt(val, base), nil
	case float64:
		return strconv.FormatFloat(val, 'f', -1, 64), nil
	case wire.TimeOfDay:
		return fmt.Sprintf("%dd%dms", val.Days, val.MillisecondsAfterMidnight), nil
	default:
		return "", ErrTypeMismatch
	}
}

// EncodeAttribute derives the OD attribute byte from an EDS AccessType string
// and PDO-mappability flag.
func EncodeAttribute(accessType string, pdoMapping bool, dataType uint8) uint8 {
	var attribute uint8
	switch accessType {
	case "rw":
		attribute = AttributeSdoRw
	case "ro", "const":
		attribute = AttributeSdoR
	case "wo":
		attribute = AttributeSdoW
	default:
		attribute = AttributeSdoRw
	}
	if pdoMapping {
		attribute |= AttributeTrpdo
	}
	if dataType == VISIBLE_STRING || dataType == OCTET_STRING || dataType == UNICODE_STRING {
		attribute |= AttributeStr
	}
	return attribute
}

// DecodeAttribute renders an attribute byte back to an EDS AccessType string.
func DecodeAttribute(attribute uint8) string {
	switch {
	case attribute&AttributeSdoRw == AttributeSdoRw:
		return "rw"
	case attribute&AttributeSdoR != 0:
		return "ro"
	case attribute&AttributeSdoW != 0:
		return "wo"
	default:
		return "rw"
	}
}
