// Copyright (c) 2018 Intel Corporation
//
// SPDX-License-Identifier: Apache-2.0
//

// Package smmu is a software IOMMU: per device stream ID it holds a
// translation table consulted through a per-stream TLB, per §4.F.
// Grounded conceptually on original_source/vm-accel/src/smmu.rs's
// StreamID-keyed translation table shape, reworked into Go's
// map-of-struct idiom instead of a HashMap<StreamId, _>.
package smmu

import (
	"sync"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/vmmcore/core/pkg/addr"
)

var smmuLog = logrus.WithField("subsystem", "smmu")

// SetLogger redirects this package's log output.
func SetLogger(logger *logrus.Entry) {
	if logger != nil {
		smmuLog = logger.WithField("subsystem", "smmu")
	}
}

// FaultKind classifies a translation failure.
type FaultKind int

const (
	FaultNoStream FaultKind = iota
	FaultNotMapped
)

// Fault is returned when translate cannot resolve a GVA for a stream.
type Fault struct {
	Stream uint32
	GVA    addr.GVA
	Kind   FaultKind
}

func (f *Fault) Error() string {
	switch f.Kind {
	case FaultNoStream:
		return "smmu: no translation table configured for stream"
	default:
		return "smmu: address not mapped"
	}
}

type streamTable struct {
	mu      sync.RWMutex
	entries map[uint64]addr.HVA // keyed by gva page
	tlb     map[uint64]addr.HVA
}

// InvalidateScope selects how broadly an Invalidate call acts.
type InvalidateScope int

const (
	ScopeAll InvalidateScope = iota
	ScopeStream
	ScopeRange
)

// SMMU maps device-issued guest-virtual addresses to host-physical
// addresses, one translation table per stream ID.
type SMMU struct {
	mu      sync.RWMutex
	streams map[uint32]*streamTable
}

// New returns an SMMU with no streams configured.
func New() *SMMU {
	return &SMMU{streams: make(map[uint32]*streamTable)}
}

// ConfigureStream installs (or replaces) streamID's translation table.
func (s *SMMU) ConfigureStream(streamID uint32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.streams[streamID] = &streamTable{
		entries: make(map[uint64]addr.HVA),
		tlb:     make(map[uint64]addr.HVA),
	}
}

// Map installs a translation for one page of streamID's address space.
func (s *SMMU) Map(streamID uint32, gva addr.GVA, size addr.PageSize, hva addr.HVA) error {
	s.mu.RLock()
	st, ok := s.streams[streamID]
	s.mu.RUnlock()
	if !ok {
		return &Fault{Stream: streamID, GVA: gva, Kind: FaultNoStream}
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	st.entries[gva.VPN(size)] = hva
	return nil
}

// Translate resolves gva for streamID, consulting the per-stream TLB
// first, falling back to (and populating the TLB from) the translation
// table on a miss.
func (s *SMMU) Translate(streamID uint32, gva addr.GVA, size addr.PageSize) (addr.HVA, error) {
	s.mu.RLock()
	st, ok := s.streams[streamID]
	s.mu.RUnlock()
	if !ok {
		return 0, &Fault{Stream: streamID, GVA: gva, Kind: FaultNoStream}
	}

	vpn := gva.VPN(size)
	st.mu.RLock()
	if hva, ok := st.tlb[vpn]; ok {
		off := gva.Offset(size)
		st.mu.RUnlock()
		return hva.AddOffset(int64(off)), nil
	}
	st.mu.RUnlock()

	st.mu.Lock()
	defer st.mu.Unlock()
	hva, ok := st.entries[vpn]
	if !ok {
		return 0, &Fault{Stream: streamID, GVA: gva, Kind: FaultNotMapped}
	}
	st.tlb[vpn] = hva
	return hva.AddOffset(int64(gva.Offset(size))), nil
}

// Invalidate clears cached translations according to scope. ScopeAll
// clears every stream's TLB; ScopeStream clears one stream's TLB;
// ScopeRange clears a single page within one stream's TLB.
func (s *SMMU) Invalidate(scope InvalidateScope, streamID uint32, gva addr.GVA, size addr.PageSize) error {
	switch scope {
	case ScopeAll:
		s.mu.RLock()
		defer s.mu.RUnlock()
		for _, st := range s.streams {
			st.mu.Lock()
			st.tlb = make(map[uint64]addr.HVA)
			st.mu.Unlock()
		}
		return nil
	case ScopeStream:
		st, err := s.streamFor(streamID)
		if err != nil {
			return err
		}
		st.mu.Lock()
		st.tlb = make(map[uint64]addr.HVA)
		st.mu.Unlock()
		return nil
	case ScopeRange:
		st, err := s.streamFor(streamID)
		if err != nil {
			return err
		}
		st.mu.Lock()
		delete(st.tlb, gva.VPN(size))
		st.mu.Unlock()
		return nil
	default:
		return errors.Errorf("smmu: unknown invalidate scope %d", scope)
	}
}

func (s *SMMU) streamFor(streamID uint32) (*streamTable, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st, ok := s.streams[streamID]
	if !ok {
		return nil, &Fault{Stream: streamID, Kind: FaultNoStream}
	}
	return st, nil
}
