// Copyright (c) 2018 Intel Corporation
//
// SPDX-License-Identifier: Apache-2.0
//

// Package mmu implements the software MMU and its three-level TLB: a
// thread-local L1 owned by each vCPU, a shared sharded L2, and the
// page-table walker consulted on an L2 miss. It is the sole path by
// which an engine turns a guest-virtual address into something it can
// actually read or write.
package mmu

import (
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"

	"github.com/vmmcore/core/pkg/addr"
	"github.com/vmmcore/core/pkg/vmerrors"
)

var mmuLog = logrus.WithField("subsystem", "mmu")

// SetLogger redirects this package's log output.
func SetLogger(logger *logrus.Entry) {
	if logger != nil {
		mmuLog = logger.WithField("subsystem", "mmu")
	}
}

var tlbLookupsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "vmmcore",
	Subsystem: "mmu",
	Name:      "tlb_lookups_total",
	Help:      "TLB translation lookups, by outcome (l1_hit, l2_hit, walk, fault).",
}, []string{"outcome"})

func init() {
	prometheus.MustRegister(tlbLookupsTotal)
}

// Config controls TLB sizing and prefetch behavior. Zero values are
// replaced by sane defaults in New.
type Config struct {
	L2Shards         int
	L2ShardCapacity  int
	PrefetchDistance int
	PrefetchWorkers  int
	DisablePrefetch  bool
}

func (c Config) withDefaults() Config {
	if c.L2Shards <= 0 {
		c.L2Shards = 16
	}
	if c.L2ShardCapacity <= 0 {
		c.L2ShardCapacity = 4096
	}
	if c.PrefetchDistance <= 0 {
		c.PrefetchDistance = DefaultPrefetchDistance
	}
	if c.PrefetchWorkers <= 0 {
		c.PrefetchWorkers = 2
	}
	return c
}

// Stats aggregates translation outcomes across the whole MMU.
type Stats struct {
	L1Hits     uint64
	L2Hits     uint64
	Walks      uint64
	Faults     uint64
	Prefetches uint64
}

// SoftMMU is the shared translation state: the L2 TLB, the configured
// page-table walker, the region resolver, and the host mapper. Per-vCPU
// L1 state is passed into every call rather than owned here.
type SoftMMU struct {
	l2       *L2
	walker   Walker
	regions  RegionResolver
	host     HostMapper
	prefetch *prefetcher
	cfg      Config

	l1Hits, l2Hits, walks, faults, prefetches atomic.Uint64
}

// New builds a SoftMMU. walker performs the page-table walk on an L2
// miss; regions classifies guest-physical pages as RAM or device MMIO;
// host resolves guest-physical to host-virtual for Resolve.
func New(walker Walker, regions RegionResolver, host HostMapper, cfg Config) *SoftMMU {
	cfg = cfg.withDefaults()
	l2 := NewL2(cfg.L2Shards, cfg.L2ShardCapacity)
	m := &SoftMMU{
		l2:      l2,
		walker:  walker,
		regions: regions,
		host:    host,
		cfg:     cfg,
	}
	if !cfg.DisablePrefetch {
		m.prefetch = newPrefetcher(walker, l2, cfg.PrefetchDistance, cfg.PrefetchWorkers)
	}
	return m
}

// Close stops the background prefetch workers.
func (m *SoftMMU) Close() {
	if m.prefetch != nil {
		m.prefetch.close()
	}
}

// Translate resolves gva to a guest-physical address. l1 is the calling
// vCPU's private TLB; it is both consulted and updated. This is the
// three-level lookup described in §4.B: L1, then L2, then a walk.
func (m *SoftMMU) Translate(l1 *L1, gva addr.GVA, access addr.AccessType, asid uint16) (addr.GPA, error) {
	pageSize := addr.Page4KiB
	vpn := gva.VPN(pageSize)
	currentGen := m.l2.CurrentGeneration(asid)

	if e, ok := l1.lookup(vpn, asid, currentGen); ok {
		if !e.flags.Permits(access) {
			return 0, m.permissionFault(e.flags, access)
		}
		m.l1Hits.Add(1)
		tlbLookupsTotal.WithLabelValues("l1_hit").Inc()
		return gpaFromEntry(e, gva), nil
	}

	if e, ok := m.l2.Lookup(vpn, asid); ok {
		if !e.flags.Permits(access) {
			return 0, m.permissionFault(e.flags, access)
		}
		if access == addr.Execute && m.regionIsDevice(e) {
			return 0, m.deviceFault(e)
		}
		l1.fill(e)
		m.l2Hits.Add(1)
		tlbLookupsTotal.WithLabelValues("l2_hit").Inc()
		return gpaFromEntry(e, gva), nil
	}

	sequential := l1.noteMiss(vpn)

	gpa, flags, size, err := m.walker.Walk(gva, access, asid)
	m.walks.Add(1)
	tlbLookupsTotal.WithLabelValues("walk").Inc()
	if err != nil {
		m.faults.Add(1)
		tlbLookupsTotal.WithLabelValues("fault").Inc()
		return 0, err
	}

	e := entry{
		vpn:      vpn,
		ppn:      gpa.PPN(size),
		flags:    flags,
		asid:     asid,
		pageSize: size,
		valid:    true,
	}
	if access == addr.Execute && m.regionIsDevice(e) {
		return 0, m.deviceFault(e)
	}

	m.l2.Insert(e)
	l1.fill(e)

	if sequential && m.prefetch != nil {
		m.prefetches.Add(1)
		m.prefetch.enqueue(prefetchRequest{vpn: vpn, asid: asid, access: access, size: size})
	}

	return gpaFromEntry(e, gva), nil
}

// Resolve translates gva all the way to a host-virtual pointer, via
// Translate followed by a host-mapping lookup.
func (m *SoftMMU) Resolve(l1 *L1, gva addr.GVA, access addr.AccessType, asid uint16) (addr.HVA, error) {
	gpa, err := m.Translate(l1, gva, access, asid)
	if err != nil {
		return 0, err
	}
	hva, ok := m.host.HostAddr(gpa)
	if !ok {
		return 0, vmerrors.ErrNotMapped
	}
	return hva, nil
}

// TranslateSpan enforces invariant 2: a store spanning two pages
// performs two independent translations and writes nothing unless both
// succeed. length must not exceed one page beyond gva's containing page.
func (m *SoftMMU) TranslateSpan(l1 *L1, gva addr.GVA, length uint64, access addr.AccessType, asid uint16) ([]addr.GPA, error) {
	start := gva.Page(addr.Page4KiB)
	end := gva.AddOffset(int64(length) - 1).Page(addr.Page4KiB)

	if start == end {
		gpa, err := m.Translate(l1, gva, access, asid)
		if err != nil {
			return nil, err
		}
		return []addr.GPA{gpa}, nil
	}

	first, err := m.Translate(l1, gva, access, asid)
	if err != nil {
		return nil, err
	}
	second, err := m.Translate(l1, end, access, asid)
	if err != nil {
		return nil, err
	}
	return []addr.GPA{first, second}, nil
}

// InvalidateASID bumps the generation counter for asid, invalidating
// every TLB entry tagged with it without visiting a single slot.
func (m *SoftMMU) InvalidateASID(asid uint16) {
	m.l2.InvalidateASID(asid)
}

// InvalidatePage tombstones vpn (derived from gpa's identity mapping use
// case: callers pass the guest-virtual vpn they know maps here) across
// every L2 shard. L1s self-heal on their next generation check.
func (m *SoftMMU) InvalidatePage(vpn uint64) {
	m.l2.InvalidateVPN(vpn)
}

// InvalidateAll drops the entire L2. Used on a full TLB shootdown.
func (m *SoftMMU) InvalidateAll() {
	m.l2.InvalidateAll()
}

// Stats returns a point-in-time snapshot of translation counters.
func (m *SoftMMU) Stats() Stats {
	return Stats{
		L1Hits:     m.l1Hits.Load(),
		L2Hits:     m.l2Hits.Load(),
		Walks:      m.walks.Load(),
		Faults:     m.faults.Load(),
		Prefetches: m.prefetches.Load(),
	}
}

// ShardStats exposes the per-shard L2 counters the adaptive policy acts on.
func (m *SoftMMU) ShardStats() []ShardStat {
	return m.l2.ShardStats()
}

// RegionKind classifies gpa as RAM or device MMIO, the same
// classification Translate consults to fault an Execute access into a
// device window. Callers that need to route a Read or Write access
// around host memory (e.g. to a device's MMIO registers) use this
// after a successful Translate.
func (m *SoftMMU) RegionKind(gpa addr.GPA) (RegionKind, string) {
	if m.regions == nil {
		return RegionRAM, ""
	}
	return m.regions.Region(gpa)
}

// HostAddrFor resolves an already-translated gpa to a host-virtual
// address, without repeating the page-table walk Resolve performs.
func (m *SoftMMU) HostAddrFor(gpa addr.GPA) (addr.HVA, bool) {
	return m.host.HostAddr(gpa)
}

func (m *SoftMMU) regionIsDevice(e entry) bool {
	if m.regions == nil {
		return false
	}
	kind, _ := m.regions.Region(addr.GPA(e.ppn << e.pageSize.Shift()))
	return kind == RegionDevice
}

func (m *SoftMMU) permissionFault(flags Flags, access addr.AccessType) error {
	m.faults.Add(1)
	return &vmerrors.PermissionDenied{Required: access.String(), Actual: flagsString(flags)}
}

func (m *SoftMMU) deviceFault(e entry) error {
	m.faults.Add(1)
	_, deviceID := m.regions.Region(addr.GPA(e.ppn << e.pageSize.Shift()))
	return &vmerrors.DeviceRegion{DeviceID: deviceID, Offset: e.ppn << e.pageSize.Shift()}
}

func gpaFromEntry(e entry, gva addr.GVA) addr.GPA {
	offset := gva.Offset(e.pageSize)
	return addr.GPA(e.ppn<<e.pageSize.Shift() | offset)
}

func flagsString(f Flags) string {
	s := ""
	for _, pair := range []struct {
		bit  Flags
		name string
	}{
		{FlagRead, "R"}, {FlagWrite, "W"}, {FlagExecute, "X"},
		{FlagUser, "U"}, {FlagGlobal, "G"}, {FlagAccessed, "A"}, {FlagDirty, "D"},
	} {
		if f.Has(pair.bit) {
			s += pair.name
		}
	}
	if s == "" {
		return "-"
	}
	return s
}
