package od

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"sync"

	"gopkg.in/ini.v1"
)

// Variable is the storage for a single VAR entry, or a single sub-entry of an
// ARRAY/RECORD entry.
type Variable struct {
	mu           sync.RWMutex
	valueDefault []byte
	value        []byte

	Name            string
	DataType        uint8
	Attribute       uint8
	StorageLocation string
	SubIndex        uint8

	lowLimit  []byte
	highLimit []byte
}

// DataLength returns the current stored size in bytes.
func (v *Variable) DataLength() uint32 { return uint32(len(v.value)) }

// DefaultValue returns the value the variable was created/parsed with.
func (v *Variable) DefaultValue() []byte { return v.valueDefault }

// Uint8 reads the stored value as an UNSIGNED8/BOOLEAN/INTEGER8.
func (v *Variable) Uint8() (uint8, error) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	if len(v.value) != 1 {
		return 0, ErrTypeMismatch
	}
	return v.value[0], nil
}

// Uint16 reads the stored value as an UNSIGNED16/INTEGER16.
func (v *Variable) Uint16() (uint16, error) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	if len(v.value) != 2 {
		return 0, ErrTypeMismatch
	}
	return uint16(getUintN(v.value)), nil
}

// Uint32 reads the stored value as an UNSIGNED32/INTEGER32/REAL32.
func (v *Variable) Uint32() (uint32, error) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	if len(v.value) != 4 {
		return 0, ErrTypeMismatch
	}
	return uint32(getUintN(v.value)), nil
}

// Uint64 reads the stored value as an UNSIGNED64/INTEGER64/REAL64.
func (v *Variable) Uint64() (uint64, error) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	if len(v.value) != 8 {
		return 0, ErrTypeMismatch
	}
	return getUintN(v.value), nil
}

// NewVariable builds a Variable directly from a typed literal, the form used
// when programmatically populating an OD (e.g. PDO communication/mapping
// sub-objects).
func NewVariable(subIndex uint8, name string, dataType uint8, attribute uint8, value string) (*Variable, error) {
	encoded, err := EncodeFromString(value, dataType, 0)
	if err != nil {
		return nil, err
	}
	encodedCopy := make([]byte, len(encoded))
	copy(encodedCopy, encoded)
	return &Variable{
		SubIndex:     subIndex,
		Name:         name,
		value:        encoded,
		valueDefault: encodedCopy,
		Attribute:    attribute,
		DataType:     dataType,
	}, nil
}

var nodeIDReplacer = regexp.MustCompile(`\+?\$NODEID\+?`)

// NewVariableFromSection builds a Variable from an EDS/DCF ini.Section, per
// CiA 306. nodeId is substituted into any "$NODEID"-relative DefaultValue.
func NewVariableFromSection(section *ini.Section, name string, nodeId uint8, index uint16, subIndex uint8) (*Variable, error) {
	variable := &Variable{Name: name, SubIndex: subIndex}

	accessType, err := section.GetKey("AccessType")
	if err != nil {
		return nil, fmt.Errorf("missing AccessType for x%x:x%x", index, subIndex)
	}

	pdoMapping := true
	if key, err := section.GetKey("PDOMapping"); err == nil {
		pdoMapping, err = key.Bool()
		if err != nil {
			return nil, err
		}
	}

	dataType, err := strconv.ParseUint(section.Key("DataType").Value(), 0, 8)
	if err != nil {
		return nil, fmt.Errorf("invalid DataType for x%x:x%x: %w", index, subIndex, err)
	}
	variable.DataType = uint8(dataType)
	variable.Attribute = EncodeAttribute(accessType.String(), pdoMapping, variable.DataType)

	if key, err := section.GetKey("HighLimit"); err == nil {
		if v, err := EncodeFromString(key.Value(), variable.DataType, 0); err == nil {
			variable.highLimit = v
		}
	}
	if key, err := section.GetKey("LowLimit"); err == nil {
		if v, err := EncodeFromString(key.Value(), variable.DataType, 0); err == nil {
			variable.lowLimit = v
		}
	}

	if key, err := section.GetKey("DefaultValue"); err == nil {
		raw := key.Value()
		effectiveNodeID := nodeId
		if strings.Contains(raw, "$NODEID") {
			raw = nodeIDReplacer.ReplaceAllString(raw, "")
		} else {
			effectiveNodeID = 0
		}
		encoded, err := EncodeFromString(raw, variable.DataType, effectiveNodeID)
		if err != nil {
			return nil, fmt.Errorf("invalid DefaultValue for x%x:x%x: %w", index, subIndex, err)
		}
		variable.valueDefault = encoded
		variable.value = make([]byte, len(encoded))
		copy(variable.value, encoded)
	}

	return variable, nil
}
