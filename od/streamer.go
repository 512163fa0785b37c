package od

import "sync"

// Stream is the low-level view of an OD entry's storage handed to a
// StreamReader/StreamWriter. It is reused across partial reads/writes of a
// single SDO transfer via DataOffset.
type Stream struct {
	mu *sync.RWMutex
	// Data is the backing storage for this entry's value.
	Data []byte
	// DataOffset tracks how much of Data has been consumed across calls,
	// for transfers that span more than one read/write.
	DataOffset uint32
	// DataLength is the entry's logical size, which may differ from
	// len(Data) for variable-length types.
	DataLength uint32
	// Object is the extension's companion object, set via AddExtension.
	Object any
	// Attribute is the entry's OD attribute byte.
	Attribute uint8
	// Subindex is 0 for a VAR entry, otherwise the accessed subindex.
	Subindex uint8
}

// StreamReader copies up to len(read) bytes from stream into read, reporting
// the count via countRead. Returns ErrPartial if more data remains.
type StreamReader func(stream *Stream, read []byte, countRead *uint16) error

// StreamWriter copies toWrite into stream, reporting the count via
// countWritten. Returns ErrPartial if more data is expected.
type StreamWriter func(stream *Stream, toWrite []byte, countWritten *uint16) error

// extension lets a service (SDO, PDO, NMT...) observe or veto access to an
// entry beyond the default copy-in/copy-out behavior.
type extension struct {
	object   any
	read     StreamReader
	write    StreamWriter
	flagsPDO [FlagsPDOSize]uint8
}

// Streamer binds a Stream to the reader/writer pair that should service it,
// selected by NewStreamer based on whether the entry has an extension and
// whether origin access was requested.
type Streamer struct {
	Stream
	reader StreamReader
	writer StreamWriter
}

// Read implements io.Reader over the bound StreamReader.
func (s *Streamer) Read(b []byte) (int, error) {
	var countRead uint16
	err := s.reader(&s.Stream, b, &countRead)
	return int(countRead), err
}

// Write implements io.Writer over the bound StreamWriter.
func (s *Streamer) Write(b []byte) (int, error) {
	var countWritten uint16
	err := s.writer(&s.Stream, b, &countWritten)
	return int(countWritten), err
}

func (s *Streamer) Writer() StreamWriter   { return s.writer }
func (s *Streamer) Reader() StreamReader   { return s.reader }
func (s *Streamer) SetWriter(w StreamWriter) { s.writer = w }
func (s *Streamer) SetReader(r StreamReader) { s.reader = r }

// HasAttribute reports whether the entry carries the given attribute bit.
func (s *Streamer) HasAttribute(attribute uint8) bool {
	return s.Attribute&attribute != 0
}

// NewStreamer builds a Streamer for entry at subindex. If origin is true, any
// extension is bypassed and the default reader/writer is used directly
// (used by the core itself, e.g. PDO mapping reads, to see the stored
// value regardless of a veto extension).
func NewStreamer(entry *Entry, subIndex uint8, origin bool) (Streamer, error) {
	var streamer Streamer
	if entry == nil || entry.object == nil {
		return streamer, ErrIdxNotExist
	}

	switch object := entry.object.(type) {
	case *Variable:
		if subIndex > 0 {
			return streamer, ErrSubNotExist
		}
		if object.DataType == DOMAIN && entry.extension == nil {
			streamer.reader = ReadEntryDisabled
			streamer.writer = WriteEntryDisabled
			streamer.Subindex = subIndex
			streamer.mu = &object.mu
			return streamer, nil
		}
		streamer.Attribute = object.Attribute
		streamer.Data = object.value
		streamer.DataLength = object.DataLength()
		streamer.mu = &object.mu

	case *VariableList:
		variable, err := object.GetSubObject(subIndex)
		if err != nil {
			return streamer, err
		}
		streamer.Attribute = variable.Attribute
		streamer.Data = variable.value
		streamer.DataLength = variable.DataLength()
		streamer.mu = &variable.mu

	default:
		return streamer, ErrDevIncompat
	}

	if entry.extension == nil || origin {
		streamer.reader = ReadEntryDefault
		streamer.writer = WriteEntryDefault
		streamer.Subindex = subIndex
		return streamer, nil
	}

	if entry.extension.read == nil {
		streamer.reader = ReadEntryDisabled
	} else {
		streamer.reader = entry.extension.read
	}
	if entry.extension.write == nil {
		streamer.writer = WriteEntryDisabled
	} else {
		streamer.writer = entry.extension.write
	}
	streamer.Object = entry.extension.object
	streamer.Subindex = subIndex
	return streamer, nil
}

// ReadEntryDefault copies up to len(data) bytes from the entry's stored
// value, starting at stream.DataOffset, and advances DataOffset for the next
// call. Returns nil once the final byte of the value has been copied
// (possibly on the very first call, for a value that fits in one read), or
// ErrPartial while bytes remain.
func ReadEntryDefault(stream *Stream, data []byte, countRead *uint16) error {
	if stream == nil || stream.Data == nil || data == nil || countRead == nil || stream.mu == nil {
		return ErrDevIncompat
	}
	stream.mu.RLock()
	defer stream.mu.RUnlock()

	total := int(stream.DataLength)
	offset := int(stream.DataOffset)
	if offset > total {
		return ErrDevIncompat
	}
	remaining := total - offset
	n := remaining
	if n > len(data) {
		n = len(data)
	}

	copy(data[:n], stream.Data[offset:offset+n])
	*countRead = uint16(n)

	if offset+n >= total {
		stream.DataOffset = 0
		return nil
	}
	stream.DataOffset = uint32(offset + n)
	return ErrPartial
}

// WriteEntryDefault copies data into the entry's stored value starting at
// stream.DataOffset, and advances DataOffset for the next call. data must
// not carry more bytes than remain in the value (ErrDataLong). Returns nil
// once the value has been fully written, ErrPartial while more is expected.
func WriteEntryDefault(stream *Stream, data []byte, countWritten *uint16) error {
	if stream == nil || stream.Data == nil || data == nil || countWritten == nil || stream.mu == nil {
		return ErrDevIncompat
	}
	stream.mu.Lock()
	defer stream.mu.Unlock()

	total := int(stream.DataLength)
	offset := int(stream.DataOffset)
	if offset > total {
		return ErrDevIncompat
	}
	remaining := total - offset
	count := len(data)
	if count > remaining {
		return ErrDataLong
	}

	end := offset + count
	copy(stream.Data[offset:end], data)
	*countWritten = uint16(count)

	if end >= total {
		stream.DataOffset = 0
		return nil
	}
	stream.DataOffset = uint32(end)
	return ErrPartial
}

// ReadEntryDisabled is installed when an entry forbids reads.
func ReadEntryDisabled(stream *Stream, data []byte, countRead *uint16) error {
	return ErrUnsuppAccess
}

// WriteEntryDisabled is installed when an entry forbids writes.
func WriteEntryDisabled(stream *Stream, data []byte, countWritten *uint16) error {
	return ErrUnsuppAccess
}
