package od

import (
	"fmt"
	"log/slog"
	"reflect"
	"runtime"
	"strings"

	"gopkg.in/ini.v1"
)

// Entry is a single addressable object dictionary location (CiA 301 §7.4):
// a VAR/DOMAIN entry wraps a single Variable, an ARRAY/RECORD entry wraps a
// VariableList of sub-entries.
type Entry struct {
	logger            *slog.Logger
	Index             uint16
	Name              string
	ObjectType        uint8
	object            any
	extension         *extension
	subEntriesNameMap map[string]uint8
}

// NewEntry constructs an Entry wrapping object (a *Variable or *VariableList).
func NewEntry(logger *slog.Logger, index uint16, name string, object any, objectType uint8) *Entry {
	return &Entry{
		logger:            logger.With("index", fmt.Sprintf("x%x", index), "name", name),
		Index:             index,
		Name:              name,
		object:            object,
		ObjectType:        objectType,
		subEntriesNameMap: map[string]uint8{},
	}
}

// SubIndex returns the Variable at the given subindex. subIndex may be a
// string (EDS sub-entry name), int, or uint8.
func (entry *Entry) SubIndex(subIndex any) (*Variable, error) {
	if entry == nil {
		return nil, ErrIdxNotExist
	}
	switch object := entry.object.(type) {
	case *Variable:
		if subIndex != 0 && subIndex != "" && subIndex != uint8(0) {
			return nil, ErrSubNotExist
		}
		return object, nil
	case *VariableList:
		var converted uint8
		switch sub := subIndex.(type) {
		case string:
			var ok bool
			converted, ok = entry.subEntriesNameMap[sub]
			if !ok {
				return nil, ErrSubNotExist
			}
		case int:
			if sub < 0 || sub >= 256 {
				return nil, ErrDevIncompat
			}
			converted = uint8(sub)
		case uint8:
			converted = sub
		default:
			return nil, ErrDevIncompat
		}
		return object.GetSubObject(converted)
	default:
		return nil, ErrDevIncompat
	}
}

// addSectionMember appends an EDS ini.Section as a new sub-entry; used by
// the EDS parser while building ARRAY/RECORD entries.
func (entry *Entry) addSectionMember(section *ini.Section, name string, nodeId uint8, subIndex uint8) error {
	list, ok := entry.object.(*VariableList)
	if !ok {
		return fmt.Errorf("cannot add sub-entry to object type %T", entry.object)
	}
	variable, err := NewVariableFromSection(section, name, nodeId, entry.Index, subIndex)
	if err != nil {
		return err
	}
	switch entry.ObjectType {
	case ObjectTypeARRAY:
		if int(subIndex) >= len(list.Variables) {
			return fmt.Errorf("subindex x%x out of bounds for ARRAY entry x%x", subIndex, entry.Index)
		}
		list.Variables[subIndex] = variable
	case ObjectTypeRECORD:
		list.Variables = append(list.Variables, variable)
	default:
		return fmt.Errorf("addSectionMember not supported for object type %v", entry.ObjectType)
	}
	entry.subEntriesNameMap[name] = subIndex
	return nil
}

// AddSectionMember is the exported form of addSectionMember, used by
// config.ParseEDS to populate ARRAY/RECORD entries from outside the package.
func (entry *Entry) AddSectionMember(section *ini.Section, name string, nodeId uint8, subIndex uint8) error {
	return entry.addSectionMember(section, name, nodeId, subIndex)
}

// AddExtension installs a StreamReader/StreamWriter pair that other services
// use to observe or intercept access to this entry (CiA 301's "application
// specific processing"), e.g. SDO veto on download, PDO event-timer reset on
// write. object is the extension's companion state, reachable from the
// Stream passed to read/write.
func (entry *Entry) AddExtension(object any, read StreamReader, write StreamWriter) {
	entry.logger.Debug("added extension", "read", funcName(read), "write", funcName(write))
	entry.extension = &extension{object: object, read: read, write: write}
}

// Extension returns the entry's installed extension, or nil.
func (entry *Entry) Extension() *extension { return entry.extension }

// SubCount returns the number of sub-entries (1 for a VAR/DOMAIN entry).
func (entry *Entry) SubCount() int {
	switch object := entry.object.(type) {
	case *Variable:
		return 1
	case *VariableList:
		return len(object.Variables)
	default:
		return 1
	}
}

// FlagPDOByte returns the PDO-mapped-change flag byte for subIndex, used by
// the PDO package to detect application writes to a TPDO-mapped entry
// between transmissions.
func (entry *Entry) FlagPDOByte(subIndex uint8) *uint8 {
	return &entry.extension.flagsPDO[subIndex>>3]
}

func (entry *Entry) Uint8(subIndex uint8) (uint8, error) {
	sub, err := entry.SubIndex(subIndex)
	if err != nil {
		return 0, err
	}
	return sub.Uint8()
}

func (entry *Entry) Uint16(subIndex uint8) (uint16, error) {
	sub, err := entry.SubIndex(subIndex)
	if err != nil {
		return 0, err
	}
	return sub.Uint16()
}

func (entry *Entry) Uint32(subIndex uint8) (uint32, error) {
	sub, err := entry.SubIndex(subIndex)
	if err != nil {
		return 0, err
	}
	return sub.Uint32()
}

func (entry *Entry) Uint64(subIndex uint8) (uint64, error) {
	sub, err := entry.SubIndex(subIndex)
	if err != nil {
		return 0, err
	}
	return sub.Uint64()
}

// PutUint8 writes an UNSIGNED8-width value. origin bypasses any extension.
func (entry *Entry) PutUint8(subIndex uint8, value uint8, origin bool) error {
	return entry.WriteExactly(subIndex, []byte{value}, origin)
}

// PutUint16 writes a little-endian UNSIGNED16-width value.
func (entry *Entry) PutUint16(subIndex uint8, value uint16, origin bool) error {
	return entry.WriteExactly(subIndex, putUintN(uint64(value), 2), origin)
}

// PutUint32 writes a little-endian UNSIGNED32-width value.
func (entry *Entry) PutUint32(subIndex uint8, value uint32, origin bool) error {
	return entry.WriteExactly(subIndex, putUintN(uint64(value), 4), origin)
}

// PutUint64 writes a little-endian UNSIGNED64-width value.
func (entry *Entry) PutUint64(subIndex uint8, value uint64, origin bool) error {
	return entry.WriteExactly(subIndex, putUintN(value, 8), origin)
}

// ReadExactly reads exactly len(b) bytes at subIndex, erroring on a length
// mismatch rather than silently truncating.
func (entry *Entry) ReadExactly(subIndex uint8, b []byte, origin bool) error {
	streamer, err := NewStreamer(entry, subIndex, origin)
	if err != nil {
		return err
	}
	if int(streamer.DataLength) != len(b) {
		return ErrTypeMismatch
	}
	_, err = streamer.Read(b)
	return err
}

// WriteExactly writes exactly len(b) bytes at subIndex, erroring on a length
// mismatch rather than silently truncating.
func (entry *Entry) WriteExactly(subIndex uint8, b []byte, origin bool) error {
	streamer, err := NewStreamer(entry, subIndex, origin)
	if err != nil {
		return err
	}
	if int(streamer.DataLength) != len(b) {
		return ErrTypeMismatch
	}
	_, err = streamer.Write(b)
	return err
}

func funcName(i any) string {
	if i == nil {
		return "<nil>"
	}
	full := runtime.FuncForPC(reflect.ValueOf(i).Pointer()).Name()
	parts := strings.Split(full, ".")
	return parts[len(parts)-1]
}
