package od

import (
	"fmt"
	"io"
	"log/slog"
)

// ObjectDictionary holds every Entry of a CANopen node (CiA 301 §7). It is
// populated either programmatically (Add*) or by config.ParseEDS, and is
// shared, read-mostly, state that every service package looks entries up in.
type ObjectDictionary struct {
	logger              *slog.Logger
	rawOD               []byte
	entriesByIndexValue map[uint16]*Entry
	entriesByIndexName  map[string]*Entry
}

// New creates an empty ObjectDictionary.
func New(logger *slog.Logger) *ObjectDictionary {
	if logger == nil {
		logger = slog.Default()
	}
	return &ObjectDictionary{
		logger:              logger.With("component", "od"),
		entriesByIndexValue: make(map[uint16]*Entry),
		entriesByIndexName:  make(map[string]*Entry),
	}
}

// SetRaw attaches the raw EDS/DCF bytes this dictionary was parsed from, so
// NewReaderSeeker can hand them back out (e.g. for SDO upload of 0x1021).
func (od *ObjectDictionary) SetRaw(raw []byte) { od.rawOD = raw }

// NewReaderSeeker exposes the raw EDS/DCF this dictionary was parsed from.
func (od *ObjectDictionary) NewReaderSeeker() io.ReadSeeker {
	return &byteReaderSeeker{data: od.rawOD}
}

func (od *ObjectDictionary) addEntry(entry *Entry) {
	if _, exists := od.entriesByIndexValue[entry.Index]; exists {
		entry.logger.Warn("overwriting existing entry")
	}
	od.entriesByIndexValue[entry.Index] = entry
	od.entriesByIndexName[entry.Name] = entry
	entry.logger.Debug("added entry", "objectType", objectTypeNames[entry.ObjectType])
}

func (od *ObjectDictionary) addVariable(index uint16, variable *Variable) *Entry {
	entry := NewEntry(od.logger, index, variable.Name, variable, ObjectTypeVAR)
	od.addEntry(entry)
	return entry
}

// AddVariableType adds a VAR/DOMAIN entry, value given in EDS literal form
// (e.g. "0x22"). An existing entry at index is replaced.
func (od *ObjectDictionary) AddVariableType(index uint16, name string, dataType uint8, attribute uint8, value string) (*Entry, error) {
	variable, err := NewVariable(0, name, dataType, attribute, value)
	if err != nil {
		return nil, err
	}
	return od.addVariable(index, variable), nil
}

// AddVariableFromSection adds a VAR/DOMAIN entry already built from an EDS
// ini.Section (config.ParseEDS); an existing entry at index is replaced.
func (od *ObjectDictionary) AddVariableFromSection(index uint16, variable *Variable) *Entry {
	return od.addVariable(index, variable)
}

// AddVariableList adds an ARRAY or RECORD entry, per list.objectType.
func (od *ObjectDictionary) AddVariableList(index uint16, name string, list *VariableList) *Entry {
	entry := NewEntry(od.logger, index, name, list, list.objectType)
	od.addEntry(entry)
	return entry
}

// AddReader installs a reader-backed DOMAIN entry, readable via SDO upload
// only. Reads fail with ErrDevIncompat unless reader is also an
// io.ReadSeeker.
func (od *ObjectDictionary) AddReader(index uint16, name string, reader io.Reader) {
	entry, _ := od.AddVariableType(index, name, DOMAIN, AttributeSdoR, "")
	entry.AddExtension(reader, ReadEntryReader, WriteEntryDisabled)
}

func (od *ObjectDictionary) addPDO(pdoNb uint16, isRPDO bool) error {
	indexOffset := pdoNb - 1
	kind := "RPDO"
	if !isRPDO {
		indexOffset += 0x400
		kind = "TPDO"
	}

	comm := NewRecord()
	comm.AddSubObject(0, "Highest sub-index supported", UNSIGNED8, AttributeSdoR, "0x5")
	comm.AddSubObject(1, fmt.Sprintf("COB-ID used by %s", kind), UNSIGNED32, AttributeSdoRw, "0x0")
	comm.AddSubObject(2, "Transmission type", UNSIGNED8, AttributeSdoRw, "0x0")
	comm.AddSubObject(3, "Inhibit time", UNSIGNED16, AttributeSdoRw, "0x0")
	comm.AddSubObject(4, "Reserved", UNSIGNED8, AttributeSdoRw, "0x0")
	comm.AddSubObject(5, "Event timer", UNSIGNED16, AttributeSdoRw, "0x0")
	od.AddVariableList(EntryRPDOCommunicationStart+indexOffset, fmt.Sprintf("%s communication parameter", kind), comm)

	mapping := NewRecord()
	mapping.AddSubObject(0, "Number of mapped application objects in PDO", UNSIGNED8, AttributeSdoRw, "0x0")
	for i := uint8(0); i < MaxMappedEntriesPDO; i++ {
		mapping.AddSubObject(i+1, fmt.Sprintf("Application object %d", i+1), UNSIGNED32, AttributeSdoRw, "0x0")
	}
	od.AddVariableList(EntryRPDOMappingStart+indexOffset, fmt.Sprintf("%s mapping parameter", kind), mapping)
	return nil
}

// AddRPDO adds the communication and mapping parameter entries for RPDO
// number rpdoNb (1-based). It does not install the PDO itself; pdo.NewRPDO
// reads these entries back out to configure the live mapping.
func (od *ObjectDictionary) AddRPDO(rpdoNb uint16) error {
	if rpdoNb < 1 || rpdoNb > 512 {
		return ErrDevIncompat
	}
	return od.addPDO(rpdoNb, true)
}

// AddTPDO adds the communication and mapping parameter entries for TPDO
// number tpdoNb (1-based).
func (od *ObjectDictionary) AddTPDO(tpdoNb uint16) error {
	if tpdoNb < 1 || tpdoNb > 512 {
		return ErrDevIncompat
	}
	return od.addPDO(tpdoNb, false)
}

// AddSYNC adds the 0x1005/0x1006/0x1007/0x1019 SYNC producer/consumer
// entries, with the producer disabled by default.
func (od *ObjectDictionary) AddSYNC() {
	od.AddVariableType(EntryCobIdSYNC, "COB-ID SYNC message", UNSIGNED32, AttributeSdoRw, "0x80000080")
	od.AddVariableType(EntryCommunicationCyclePeriod, "Communication cycle period", UNSIGNED32, AttributeSdoRw, "0x0")
	od.AddVariableType(EntrySynchronousWindowLength, "Synchronous window length", UNSIGNED32, AttributeSdoRw, "0x0")
	od.AddVariableType(EntrySynchronousCounterOverflow, "Synchronous counter overflow value", UNSIGNED8, AttributeSdoRw, "0x0")
}

// Index looks up an Entry by index (string name, int, uint, or uint16).
// Returns nil (not an error) on miss, so callers can chain with SubIndex.
func (od *ObjectDictionary) Index(index any) *Entry {
	switch idx := index.(type) {
	case string:
		return od.entriesByIndexName[idx]
	case int:
		return od.entriesByIndexValue[uint16(idx)]
	case uint:
		return od.entriesByIndexValue[uint16(idx)]
	case uint16:
		return od.entriesByIndexValue[idx]
	default:
		return nil
	}
}

// Streamer builds a Streamer for (index, subindex).
func (od *ObjectDictionary) Streamer(index uint16, subIndex uint8, origin bool) (Streamer, error) {
	entry := od.Index(index)
	return NewStreamer(entry, subIndex, origin)
}

// Entries returns the index->Entry map. Callers must not mutate it.
func (od *ObjectDictionary) Entries() map[uint16]*Entry {
	return od.entriesByIndexValue
}

type byteReaderSeeker struct {
	data []byte
	pos  int64
}

func (r *byteReaderSeeker) Read(p []byte) (int, error) {
	if r.pos >= int64(len(r.data)) {
		return 0, io.EOF
	}
	n := copy(p, r.data[r.pos:])
	r.pos += int64(n)
	return n, nil
}

func (r *byteReaderSeeker) Seek(offset int64, whence int) (int64, error) {
	var base int64
	switch whence {
	case io.SeekStart:
		base = 0
	case io.SeekCurrent:
		base = r.pos
	case io.SeekEnd:
		base = int64(len(r.data))
	}
	r.pos = base + offset
	return r.pos, nil
}
