package od

// This file holds the reader-backed DOMAIN extension used by AddReader.

import "io"

// ReadEntryReader streams from an io.ReadSeeker extension object (e.g. the
// object dictionary's own raw EDS image), seeking back to the start on the
// first call of a transfer.
func ReadEntryReader(stream *Stream, data []byte, countRead *uint16) error {
	if stream == nil || data == nil || stream.Subindex != 0 || stream.Object == nil {
		return ErrDevIncompat
	}
	reader, ok := stream.Object.(io.ReadSeeker)
	if !ok {
		stream.DataOffset = 0
		return ErrDevIncompat
	}
	if stream.DataOffset == 0 {
		if _, err := reader.Seek(0, io.SeekStart); err != nil {
			return ErrDevIncompat
		}
	}
	n, err := io.ReadFull(reader, data)
	*countRead = uint16(n)
	switch err {
	case nil:
		stream.DataOffset += uint32(n)
		return ErrPartial
	case io.EOF, io.ErrUnexpectedEOF:
		return nil
	default:
		return ErrDevIncompat
	}
}
