package canopen

import (
	"errors"
	"fmt"
)

// Package-level sentinel errors for the core's API boundary, grounded on the
// teacher's errors.go.
var (
	ErrIllegalArgument = errors.New("canopen: invalid argument")
	ErrBusy            = errors.New("canopen: operation requires idle state")
	ErrOutOfMemory     = errors.New("canopen: allocator refused request")
	ErrProtocolViolation = errors.New("canopen: malformed frame or unexpected command specifier")
	ErrTimeout           = errors.New("canopen: deadline elapsed")
	ErrIdConflict        = errors.New("canopen: identifier already registered")
	ErrOdParameters      = errors.New("canopen: error in object dictionary parameters")
)

// BusError wraps a failure returned by the host-supplied send callback, per
// spec §7 ("transport errors are surfaced to the caller that produced the
// frame").
type BusError struct {
	Err error
}

func (e *BusError) Error() string { return fmt.Sprintf("canopen: bus send failed: %v", e.Err) }
func (e *BusError) Unwrap() error { return e.Err }

// BootStatus is the single-character per-slave boot outcome code defined by
// CiA 302 and referenced in spec §4.6/§7.
type BootStatus byte

// BootError reports the outcome of a single master boot-up step for a remote
// slave, per spec §4.6/§7.
type BootError struct {
	NodeID uint8
	Status BootStatus
	Reason string
}

func (e *BootError) Error() string {
	return fmt.Sprintf("canopen: boot node x%x failed, status %c: %s", e.NodeID, e.Status, e.Reason)
}
