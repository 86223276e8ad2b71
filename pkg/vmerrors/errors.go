// Copyright (c) 2022 Intel Corporation
//
// SPDX-License-Identifier: Apache-2.0
//

// Package vmerrors defines the typed error kinds that cross a core
// component boundary (spec §7): every one of them is a distinct sentinel
// or a struct implementing error, never a bare string, so the receiving
// component can switch on kind without parsing messages.
package vmerrors

import (
	"fmt"

	"github.com/pkg/errors"
)

// Translation/MMU faults (§4.B). The MMU never retries internally; it
// returns one of these and the engine decides whether to inject a guest
// exception or abort.
var (
	ErrNotMapped          = errors.New("not mapped")
	ErrMisaligned         = errors.New("misaligned access")
	ErrRingCorrupt        = errors.New("ring corrupt")
	ErrBadDescriptor      = errors.New("bad descriptor")
	ErrAllocationFailed   = errors.New("allocation failed")
	ErrQueueFull          = errors.New("queue full")
	ErrInvariant          = errors.New("invariant violated")
	ErrTimeout            = errors.New("safepoint timeout")
	ErrInvalidSectorCount = errors.New("invalid sector count")
)

// PermissionDenied reports a translation that resolved but whose flags
// don't satisfy the requested access.
type PermissionDenied struct {
	Required string
	Actual   string
}

func (e *PermissionDenied) Error() string {
	return fmt.Sprintf("permission denied: required %s, actual %s", e.Required, e.Actual)
}

// DeviceRegion reports that a translation landed in memory-mapped device
// space rather than ordinary guest RAM; Execute access must never
// resolve one of these (§4.B invariant 3).
type DeviceRegion struct {
	DeviceID string
	Offset   uint64
}

func (e *DeviceRegion) Error() string {
	return fmt.Sprintf("address maps to device %s at offset 0x%x", e.DeviceID, e.Offset)
}

// InvalidInstruction reports a decode failure at a given PC.
type InvalidInstruction struct {
	PC     uint64
	Opcode uint32
}

func (e *InvalidInstruction) Error() string {
	return fmt.Sprintf("invalid instruction 0x%x at pc 0x%x", e.Opcode, e.PC)
}

// UnsupportedOp reports a decoded op this core's engines cannot execute.
type UnsupportedOp struct {
	Mnemonic string
}

func (e *UnsupportedOp) Error() string {
	return fmt.Sprintf("unsupported op %q", e.Mnemonic)
}

// stackTracer is implemented by github.com/pkg/errors values.
type stackTracer interface {
	StackTrace() errors.StackTrace
}

// causer is implemented by github.com/pkg/errors values.
type causer interface {
	Cause() error
}

// Context wraps err with additional context, preserving (or establishing)
// a stack trace the way virtcontainers/errors.ErrorContext does, so a
// fatal error retains the call chain that produced it.
func Context(err *error, ctx string) {
	if *err == nil {
		return
	}
	if _, ok := (*err).(causer); !ok {
		*err = errors.New((*err).Error())
	}
	*err = errors.Wrap(*err, ctx+"\n\tCause")
}
