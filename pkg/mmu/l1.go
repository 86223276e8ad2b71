// Copyright (c) 2018 Intel Corporation
//
// SPDX-License-Identifier: Apache-2.0
//

package mmu

// l1Size is the number of direct-mapped slots in a per-vCPU L1 TLB.
// Spec guidance is "typically 64-128 entries"; a power of two keeps the
// index mask cheap.
const l1Size = 128

// L1 is a per-vCPU, direct-mapped translation cache. It is owned
// exclusively by the vCPU that holds it: no field is touched from any
// other goroutine, so there is no locking anywhere in this file.
type L1 struct {
	slots [l1Size]entry

	lastMissVPN uint64
	haveMiss    bool
}

// NewL1 returns an empty L1 TLB for a single vCPU.
func NewL1() *L1 {
	return &L1{}
}

func l1Index(vpn uint64) uint64 {
	return vpn & (l1Size - 1)
}

// lookup probes the L1 for (vpn, asid). currentGen is the live
// asid_generation counter for asid; an entry stamped with a stale
// generation is treated as a miss per invariant 1.
func (l1 *L1) lookup(vpn uint64, asid uint16, currentGen uint32) (entry, bool) {
	e := &l1.slots[l1Index(vpn)]
	if e.matches(vpn, asid) && e.generation == currentGen {
		return *e, true
	}
	return entry{}, false
}

// fill installs e into its direct-mapped slot, evicting whatever was there.
func (l1 *L1) fill(e entry) {
	l1.slots[l1Index(e.vpn)] = e
}

// flush invalidates every L1 slot. A vCPU does this on an ASID switch or
// a global invalidation it has been told to observe.
func (l1 *L1) flush() {
	for i := range l1.slots {
		l1.slots[i].valid = false
	}
}

// flushVPN invalidates the slot this vpn would occupy, if it holds it.
func (l1 *L1) flushVPN(vpn uint64) {
	e := &l1.slots[l1Index(vpn)]
	if e.valid && e.vpn == vpn {
		e.valid = false
	}
}

// noteMiss records a missed vpn and reports whether it continues a
// sequential pattern with the previous miss, the trigger for prefetch.
func (l1 *L1) noteMiss(vpn uint64) bool {
	sequential := l1.haveMiss && vpn == l1.lastMissVPN+1
	l1.lastMissVPN = vpn
	l1.haveMiss = true
	return sequential
}
