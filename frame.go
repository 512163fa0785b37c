// Package canopen defines the wire-level value types shared by every CANopen
// service: the CAN frame itself and the host-owned clock timestamp.
package canopen

import "fmt"

// MaxClassicLength is the payload length limit of a classic (non-FD) CAN frame.
const MaxClassicLength = 8

// MaxFDLength is the payload length limit of a CAN FD frame.
const MaxFDLength = 64

// Frame flag bits, see spec §3.
const (
	FlagIDE uint8 = 1 << iota // extended (29-bit) identifier
	FlagRTR                   // remote transmission request
	FlagFDF                   // CAN FD frame format
	FlagBRS                   // bit rate switch (FD only)
	FlagESI                   // error state indicator (FD only)
)

// StandardIDMask and ExtendedIDMask isolate the identifier bits for 11-bit and
// 29-bit identifiers respectively.
const (
	StandardIDMask uint32 = 0x7FF
	ExtendedIDMask uint32 = 0x1FFFFFFF
)

// Frame is a CAN or CAN FD frame. It is a value type: the zero Frame is a
// standard, non-RTR, zero-length frame with ID 0.
type Frame struct {
	ID     uint32
	Flags  uint8
	Length uint8
	Data   [MaxFDLength]byte
}

// New builds a classic CAN frame with the given identifier and length,
// mirroring the teacher's NewFrame helper.
func New(id uint32, flags uint8, length uint8) Frame {
	return Frame{ID: id, Flags: flags, Length: length}
}

// IsExtended reports whether the frame carries a 29-bit identifier.
func (f Frame) IsExtended() bool {
	return f.Flags&FlagIDE != 0
}

// IsRTR reports whether the frame is a remote transmission request.
func (f Frame) IsRTR() bool {
	return f.Flags&FlagRTR != 0
}

// IsFD reports whether the frame uses the CAN FD frame format.
func (f Frame) IsFD() bool {
	return f.Flags&FlagFDF != 0
}

// Payload returns the frame's data truncated to its declared Length.
func (f *Frame) Payload() []byte {
	return f.Data[:f.Length]
}

// Equal compares two frames by value: identifier, flags, length, and the
// payload bytes actually in use (bytes beyond Length are not compared).
func (f Frame) Equal(other Frame) bool {
	if f.ID != other.ID || f.Flags != other.Flags || f.Length != other.Length {
		return false
	}
	for i := uint8(0); i < f.Length; i++ {
		if f.Data[i] != other.Data[i] {
			return false
		}
	}
	return true
}

func (f Frame) String() string {
	return fmt.Sprintf("id=x%x flags=x%x len=%d data=% x", f.ID, f.Flags, f.Length, f.Payload())
}

// IsIDRestricted reports whether a standard (11-bit) CAN identifier lies in
// 0x000-0x07F, the low range that holds the NMT command identifier, and so
// must not be accepted as a dynamically configured COB-ID for PDO, SYNC,
// TIME, or EMCY communication parameters. Only that range is checked: the
// other identifiers of the predefined connection set (CiA 301 §7.3.5,
// Table 7: SYNC/EMCY, SDO, node-guarding) are not treated as restricted.
func IsIDRestricted(canID uint16) bool {
	return canID <= 0x7F
}
