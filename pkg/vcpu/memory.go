// Copyright (c) 2018 Intel Corporation
//
// SPDX-License-Identifier: Apache-2.0
//

package vcpu

import (
	"encoding/binary"
	"unsafe"

	"github.com/pkg/errors"

	"github.com/vmmcore/core/pkg/addr"
	"github.com/vmmcore/core/pkg/device"
	"github.com/vmmcore/core/pkg/mmu"
)

// ErrUnsupportedSize is returned for a load/store width the register
// file's uint64 carrier cannot represent.
var ErrUnsupportedSize = errors.New("vcpu: unsupported load/store size")

// guestMemory implements engine.Memory over a shared SoftMMU and this
// vCPU's private L1, the pairing engine.Memory's doc comment calls out
// as the concrete backing every engine executes against. A page the
// region resolver classifies as device MMIO is routed to the bus
// instead of read or written as host memory, since Translate only
// device-faults an Execute access and happily resolves a Load or Store
// into device space.
type guestMemory struct {
	mmu *mmu.SoftMMU
	l1  *mmu.L1
	bus *device.Bus
}

// Load translates gva for a read and either dispatches it to a
// device's MMIO registers or resolves it to a host pointer and reads
// size bytes (sign-extending if signed), per engine.Memory.
func (g *guestMemory) Load(gva addr.GVA, size uint8, signed bool, asid uint16) (uint64, error) {
	gpa, err := g.mmu.Translate(g.l1, gva, addr.Read, asid)
	if err != nil {
		return 0, err
	}
	var raw uint64
	if regs, off, ok := g.deviceRegisters(gpa); ok {
		v, err := regs.ReadU32(off)
		if err != nil {
			return 0, err
		}
		raw = uint64(v)
	} else {
		hva, ok := g.mmu.HostAddrFor(gpa)
		if !ok {
			return 0, errors.Errorf("vcpu: %s not host-mapped", gpa)
		}
		raw, err = readAt(hva, size)
		if err != nil {
			return 0, err
		}
	}
	if signed {
		return signExtend(raw, size), nil
	}
	return raw, nil
}

// Store translates gva for a write and either dispatches it to a
// device's MMIO registers or resolves it to a host pointer and writes
// size bytes of value, per engine.Memory.
func (g *guestMemory) Store(gva addr.GVA, size uint8, value uint64, asid uint16) error {
	gpa, err := g.mmu.Translate(g.l1, gva, addr.Write, asid)
	if err != nil {
		return err
	}
	if regs, off, ok := g.deviceRegisters(gpa); ok {
		return regs.WriteU32(off, uint32(value), g.mmu)
	}
	hva, ok := g.mmu.HostAddrFor(gpa)
	if !ok {
		return errors.Errorf("vcpu: %s not host-mapped", gpa)
	}
	return writeAt(hva, size, value)
}

// deviceRegisters reports gpa's owning device registers and offset, if
// gpa falls in a region the resolver classifies as device MMIO.
func (g *guestMemory) deviceRegisters(gpa addr.GPA) (*device.MMIORegisters, uint64, bool) {
	if g.bus == nil {
		return nil, 0, false
	}
	if kind, _ := g.mmu.RegionKind(gpa); kind != mmu.RegionDevice {
		return nil, 0, false
	}
	return g.bus.RegistersFor(gpa)
}

// readBytes copies n bytes starting at hva out of host memory. The copy
// keeps the result safe to retain past the unsafe pointer's validity
// window.
func readBytes(hva addr.HVA, n int) []byte {
	src := unsafe.Slice((*byte)(unsafe.Pointer(uintptr(hva))), n)
	out := make([]byte, n)
	copy(out, src)
	return out
}

func readAt(hva addr.HVA, size uint8) (uint64, error) {
	switch size {
	case 1:
		return uint64(readBytes(hva, 1)[0]), nil
	case 2:
		return uint64(binary.LittleEndian.Uint16(readBytes(hva, 2))), nil
	case 4:
		return uint64(binary.LittleEndian.Uint32(readBytes(hva, 4))), nil
	case 8:
		return binary.LittleEndian.Uint64(readBytes(hva, 8)), nil
	default:
		return 0, errors.Wrapf(ErrUnsupportedSize, "size %d", size)
	}
}

func writeAt(hva addr.HVA, size uint8, value uint64) error {
	dst := unsafe.Slice((*byte)(unsafe.Pointer(uintptr(hva))), int(size))
	switch size {
	case 1:
		dst[0] = byte(value)
	case 2:
		binary.LittleEndian.PutUint16(dst, uint16(value))
	case 4:
		binary.LittleEndian.PutUint32(dst, uint32(value))
	case 8:
		binary.LittleEndian.PutUint64(dst, value)
	default:
		return errors.Wrapf(ErrUnsupportedSize, "size %d", size)
	}
	return nil
}

func signExtend(raw uint64, size uint8) uint64 {
	switch size {
	case 1:
		return uint64(int64(int8(raw)))
	case 2:
		return uint64(int64(int16(raw)))
	case 4:
		return uint64(int64(int32(raw)))
	default:
		return raw
	}
}
