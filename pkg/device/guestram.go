// Copyright (c) 2018 Intel Corporation
//
// SPDX-License-Identifier: Apache-2.0
//

package device

import (
	"encoding/binary"

	"github.com/pkg/errors"

	"github.com/vmmcore/core/pkg/addr"
)

// ErrOutOfBounds is returned when a GPA access falls outside the
// backing guest RAM slice.
var ErrOutOfBounds = errors.New("device: guest-physical address out of bounds")

// GuestRAM is a flat, GPA-indexed view of guest physical memory. Device
// backends read descriptor rings and marshal virtio request/response
// structures directly against guest physical addresses — no guest
// virtual translation is involved, matching how a real VirtIO device
// sees only the addresses the guest placed in its rings.
type GuestRAM struct {
	backing []byte
	base    addr.GPA
}

// NewGuestRAM wraps backing as the guest-physical range starting at base.
func NewGuestRAM(base addr.GPA, backing []byte) *GuestRAM {
	return &GuestRAM{backing: backing, base: base}
}

func (g *GuestRAM) slice(gpa addr.GPA, length int) ([]byte, error) {
	off := int64(gpa) - int64(g.base)
	if off < 0 || off+int64(length) > int64(len(g.backing)) {
		return nil, ErrOutOfBounds
	}
	return g.backing[off : off+int64(length)], nil
}

// ReadDescriptor implements device.Reader by decoding the 16-byte
// virtq descriptor layout {addr u64, len u32, flags u16, next u16}.
func (g *GuestRAM) ReadDescriptor(gpa addr.GPA) (Descriptor, error) {
	b, err := g.slice(gpa, descriptorSize)
	if err != nil {
		return Descriptor{}, err
	}
	return Descriptor{
		Addr:  addr.GPA(binary.LittleEndian.Uint64(b[0:8])),
		Len:   binary.LittleEndian.Uint32(b[8:12]),
		Flags: binary.LittleEndian.Uint16(b[12:14]),
		Next:  binary.LittleEndian.Uint16(b[14:16]),
	}, nil
}

// ReadBytes copies length bytes starting at gpa.
func (g *GuestRAM) ReadBytes(gpa addr.GPA, length int) ([]byte, error) {
	b, err := g.slice(gpa, length)
	if err != nil {
		return nil, err
	}
	out := make([]byte, length)
	copy(out, b)
	return out, nil
}

// WriteBytes copies data into guest memory starting at gpa.
func (g *GuestRAM) WriteBytes(gpa addr.GPA, data []byte) error {
	b, err := g.slice(gpa, len(data))
	if err != nil {
		return err
	}
	copy(b, data)
	return nil
}

// ReadUint32 reads a little-endian u32 at gpa.
func (g *GuestRAM) ReadUint32(gpa addr.GPA) (uint32, error) {
	b, err := g.slice(gpa, 4)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(b), nil
}

// ReadUint64 reads a little-endian u64 at gpa.
func (g *GuestRAM) ReadUint64(gpa addr.GPA) (uint64, error) {
	b, err := g.slice(gpa, 8)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(b), nil
}

// avail ring layout: {flags u16, idx u16, ring[size] u16, used_event u16}.
// used ring layout:  {flags u16, idx u16, ring[size] {id u32, len u32}, avail_event u16}.

// PopFunc builds a Queue.PopFunc reading the available ring at
// availRing, a ring of the given size.
func (g *GuestRAM) PopFunc(availRing addr.GPA, size uint16) PopFunc {
	return func(lastAvailIdx uint16) (uint16, bool) {
		guestIdx, err := g.readU16(availRing.AddOffset(2))
		if err != nil || guestIdx == lastAvailIdx {
			return 0, false
		}
		slot := availRing.AddOffset(4 + int64(lastAvailIdx%size)*2)
		headIdx, err := g.readU16(slot)
		if err != nil {
			return 0, false
		}
		return headIdx, true
	}
}

// PushUsedFunc builds a Queue.PushUsedFunc writing the used ring at
// usedRing, a ring of the given size.
func (g *GuestRAM) PushUsedFunc(usedRing addr.GPA, size uint16) PushUsedFunc {
	return func(usedIdx uint16, headIdx uint16, writtenLen uint32) {
		slot := usedRing.AddOffset(4 + int64(usedIdx%size)*8)
		_ = g.writeU32(slot, uint32(headIdx))
		_ = g.writeU32(slot.AddOffset(4), writtenLen)
		_ = g.writeU16(usedRing.AddOffset(2), usedIdx+1)
	}
}

func (g *GuestRAM) readU16(gpa addr.GPA) (uint16, error) {
	b, err := g.slice(gpa, 2)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint16(b), nil
}

func (g *GuestRAM) writeU16(gpa addr.GPA, v uint16) error {
	b, err := g.slice(gpa, 2)
	if err != nil {
		return err
	}
	binary.LittleEndian.PutUint16(b, v)
	return nil
}

func (g *GuestRAM) writeU32(gpa addr.GPA, v uint32) error {
	b, err := g.slice(gpa, 4)
	if err != nil {
		return err
	}
	binary.LittleEndian.PutUint32(b, v)
	return nil
}
