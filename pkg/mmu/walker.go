// Copyright (c) 2018 Intel Corporation
//
// SPDX-License-Identifier: Apache-2.0
//

package mmu

import "github.com/vmmcore/core/pkg/addr"

// Walker performs the guest page-table walk that backs an L2 miss. A
// concrete implementation is supplied per guest ISA and per translation
// stage; the MMU itself never interprets page-table formats directly.
type Walker interface {
	Walk(gva addr.GVA, access addr.AccessType, asid uint16) (gpa addr.GPA, flags Flags, size addr.PageSize, err error)
}

// RegionKind classifies the backing of a guest-physical page.
type RegionKind int

const (
	RegionRAM RegionKind = iota
	RegionDevice
)

// RegionResolver reports what backs a guest-physical page, so the MMU can
// enforce that Execute access never resolves into device MMIO space.
type RegionResolver interface {
	Region(gpa addr.GPA) (kind RegionKind, deviceID string)
}

// HostMapper resolves guest-physical memory to the host-virtual pointer
// that backs it. A miss means the page is not currently mapped into the
// host process (e.g. a lazily-faulted or ballooned page).
type HostMapper interface {
	HostAddr(gpa addr.GPA) (addr.HVA, bool)
}
