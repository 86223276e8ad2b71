// Copyright (c) 2018 Intel Corporation
//
// SPDX-License-Identifier: Apache-2.0
//

// Package addr defines the three address spaces the core moves between:
// guest-virtual, guest-physical, and host-virtual. Each is a disjoint
// scalar type so a GVA can never be handed to a function expecting an
// HVA without an explicit translation step.
package addr

import "fmt"

// GVA is a guest-virtual address, as seen by code running inside the guest.
type GVA uint64

// GPA is a guest-physical address, the guest's view of physical memory.
type GPA uint64

// HVA is a host-virtual address: a pointer into the host process's own
// address space that backs some range of guest-physical memory.
type HVA uint64

// AccessType tags the kind of memory access a translation is performed for.
type AccessType int

const (
	Read AccessType = iota
	Write
	Execute
	Atomic
)

func (a AccessType) String() string {
	switch a {
	case Read:
		return "Read"
	case Write:
		return "Write"
	case Execute:
		return "Execute"
	case Atomic:
		return "Atomic"
	default:
		return fmt.Sprintf("AccessType(%d)", int(a))
	}
}

// PageSize is one of the sizes a translation may cover. Exactly one
// PageSize accompanies every translation result.
type PageSize uint64

const (
	Page4KiB  PageSize = 4 << 10
	Page16KiB PageSize = 16 << 10
	Page64KiB PageSize = 64 << 10
	Page2MiB  PageSize = 2 << 20
	Page1GiB  PageSize = 1 << 30
)

func (p PageSize) String() string {
	switch p {
	case Page4KiB:
		return "4KiB"
	case Page16KiB:
		return "16KiB"
	case Page64KiB:
		return "64KiB"
	case Page2MiB:
		return "2MiB"
	case Page1GiB:
		return "1GiB"
	default:
		return fmt.Sprintf("PageSize(%d)", uint64(p))
	}
}

// Shift returns log2(size), the number of low bits a VPN/PPN shift discards.
func (p PageSize) Shift() uint {
	shift := uint(0)
	for v := uint64(p); v > 1; v >>= 1 {
		shift++
	}
	return shift
}

// Offset returns the offset of gva within a page of the given size.
func (g GVA) Offset(size PageSize) uint64 {
	return uint64(g) & (uint64(size) - 1)
}

// VPN returns the virtual page number of gva under the given page size.
func (g GVA) VPN(size PageSize) uint64 {
	return uint64(g) >> size.Shift()
}

// AddOffset returns gva advanced by n bytes (n may be negative as a two's
// complement value; callers needing signed arithmetic cast explicitly).
func (g GVA) AddOffset(n int64) GVA {
	return GVA(int64(g) + n)
}

// Aligned reports whether gva is aligned to the given page size.
func (g GVA) Aligned(size PageSize) bool {
	return uint64(g)&(uint64(size)-1) == 0
}

func (g GVA) String() string { return fmt.Sprintf("GVA(0x%x)", uint64(g)) }

// PPN returns the physical page number of gpa under the given page size.
func (g GPA) PPN(size PageSize) uint64 {
	return uint64(g) >> size.Shift()
}

// Offset returns the offset of gpa within a page of the given size.
func (g GPA) Offset(size PageSize) uint64 {
	return uint64(g) & (uint64(size) - 1)
}

// AddOffset returns gpa advanced by n bytes.
func (g GPA) AddOffset(n int64) GPA {
	return GPA(int64(g) + n)
}

// Aligned reports whether gpa is aligned to the given page size.
func (g GPA) Aligned(size PageSize) bool {
	return uint64(g)&(uint64(size)-1) == 0
}

// Page returns the GPA of the start of the page containing g.
func (g GPA) Page(size PageSize) GPA {
	return GPA(uint64(g) &^ (uint64(size) - 1))
}

func (g GPA) String() string { return fmt.Sprintf("GPA(0x%x)", uint64(g)) }

// AddOffset returns hva advanced by n bytes.
func (h HVA) AddOffset(n int64) HVA {
	return HVA(int64(h) + n)
}

// Aligned reports whether hva is aligned to the given page size.
func (h HVA) Aligned(size PageSize) bool {
	return uint64(h)&(uint64(size)-1) == 0
}

func (h HVA) String() string { return fmt.Sprintf("HVA(0x%x)", uint64(h)) }

// Pointer reinterprets hva as a raw uintptr-sized value for use with
// unsafe memory access. Nothing in this module calls it; the address
// model itself stays value-level and side-effect free.
func (h HVA) Pointer() uintptr { return uintptr(h) }
