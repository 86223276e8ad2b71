// Copyright (c) 2018 Intel Corporation
//
// SPDX-License-Identifier: Apache-2.0
//

package mmu

import "github.com/vmmcore/core/pkg/addr"

// Flags is the permission/state bitset carried by a TLB entry and by a
// page-table walk result. The bit layout mirrors the R/W/X/U/G/A/D set a
// guest page table entry carries, independent of guest ISA.
type Flags uint8

const (
	FlagRead Flags = 1 << iota
	FlagWrite
	FlagExecute
	FlagUser
	FlagGlobal
	FlagAccessed
	FlagDirty
)

// Has reports whether all bits in want are set.
func (f Flags) Has(want Flags) bool { return f&want == want }

// Permits reports whether f satisfies the given access type.
func (f Flags) Permits(access addr.AccessType) bool {
	switch access {
	case addr.Read, addr.Atomic:
		return f.Has(FlagRead)
	case addr.Write:
		return f.Has(FlagWrite)
	case addr.Execute:
		return f.Has(FlagExecute)
	default:
		return false
	}
}

// entry is a single TLB slot, shared by the L1 and L2 representations.
// valid=false must never be returned from a lookup; an entry tombstoned
// by invalidation is logically absent even while its memory persists.
type entry struct {
	vpn        uint64
	ppn        uint64
	flags      Flags
	asid       uint16
	pageSize   addr.PageSize
	generation uint32
	valid      bool
}

func (e *entry) matches(vpn uint64, asid uint16) bool {
	return e.valid && e.vpn == vpn && (e.asid == asid || e.flags.Has(FlagGlobal))
}
