// Copyright (c) 2018 Intel Corporation
//
// SPDX-License-Identifier: Apache-2.0
//

// Package dma implements the zero-copy DMA manager of §4.F: GPA-range
// to HVA-range mappings with readable/writable/coherent flags, scatter-
// gather list construction across adjacent registrations, and explicit
// cache-sync calls for non-coherent mappings. Grounded on
// original_source/vm-device/src/dma.rs's DmaManager/DmaDescriptor
// shape, reworked from a single guest-address-keyed HashMap into an
// interval-ordered slice so scatter-gather can walk adjacent
// registrations without requiring page-granular keys.
package dma

import (
	"sort"
	"sync"
	"unsafe"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/vmmcore/core/pkg/addr"
)

var dmaLog = logrus.WithField("subsystem", "dma")

// SetLogger redirects this package's log output.
func SetLogger(logger *logrus.Entry) {
	if logger != nil {
		dmaLog = logger.WithField("subsystem", "dma")
	}
}

// ErrInvalidAddress is returned when a GPA falls outside every
// registered mapping.
var ErrInvalidAddress = errors.New("dma: address not mapped")

// ErrFragmented is returned when a requested scatter-gather span cannot
// be satisfied by contiguous registrations.
var ErrFragmented = errors.New("dma: address space fragmented")

// ErrTooLarge is returned when a registration exceeds the manager's
// configured maximum transfer size.
var ErrTooLarge = errors.New("dma: transfer exceeds maximum size")

// Flags describes the direction and coherence of a mapping.
type Flags struct {
	Readable bool
	Writable bool
	Coherent bool
}

// Mapping is one registered GPA range backed by host memory.
type Mapping struct {
	GPA   addr.GPA
	HVA   addr.HVA
	Len   uint64
	Flags Flags
}

// Translation is the result of resolving a GPA through the DMA
// manager: the host address it maps to, how far the mapping runs
// contiguously from that point, and whether a cache sync is required
// before a non-coherent device touches it.
type Translation struct {
	HVA           addr.HVA
	ContiguousLen uint64
	NeedsSync     bool
}

// ScatterGatherEntry is one contiguous span covered by a single
// registered mapping, as produced by BuildScatterGather.
type ScatterGatherEntry struct {
	GPA   addr.GPA
	HVA   addr.HVA
	Len   uint64
	Flags Flags
}

// Manager tracks GPA-to-HVA DMA mappings for device backends that need
// zero-copy access to guest memory.
type Manager struct {
	mu               sync.RWMutex
	mappings         []Mapping // kept sorted by GPA
	maxTransferBytes uint64
}

// New returns a Manager rejecting any single registration larger than
// maxTransferBytes. BuildScatterGather does not check this limit.
func New(maxTransferBytes uint64) *Manager {
	return &Manager{maxTransferBytes: maxTransferBytes}
}

// Register installs a GPA-to-HVA mapping.
func (m *Manager) Register(mapping Mapping) error {
	if mapping.Len == 0 {
		return errors.Wrap(ErrInvalidAddress, "dma: zero-length mapping")
	}
	if mapping.Len > m.maxTransferBytes {
		return ErrTooLarge
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	idx := sort.Search(len(m.mappings), func(i int) bool {
		return m.mappings[i].GPA >= mapping.GPA
	})
	m.mappings = append(m.mappings, Mapping{})
	copy(m.mappings[idx+1:], m.mappings[idx:])
	m.mappings[idx] = mapping
	return nil
}

// Unregister removes the mapping starting at gpa, if any.
func (m *Manager) Unregister(gpa addr.GPA) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, mm := range m.mappings {
		if mm.GPA == gpa {
			m.mappings = append(m.mappings[:i], m.mappings[i+1:]...)
			return
		}
	}
}

// findLocked returns the mapping containing gpa, or false.
func (m *Manager) findLocked(gpa addr.GPA) (Mapping, bool) {
	i := sort.Search(len(m.mappings), func(i int) bool {
		return m.mappings[i].GPA > gpa
	})
	if i == 0 {
		return Mapping{}, false
	}
	candidate := m.mappings[i-1]
	if uint64(gpa-candidate.GPA) < candidate.Len {
		return candidate, true
	}
	return Mapping{}, false
}

// Translate resolves gpa to a host address, reporting how far the
// mapping runs contiguously and whether the caller must sync caches
// because the mapping is non-coherent.
func (m *Manager) Translate(gpa addr.GPA) (Translation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	mapping, ok := m.findLocked(gpa)
	if !ok {
		return Translation{}, ErrInvalidAddress
	}
	off := uint64(gpa - mapping.GPA)
	return Translation{
		HVA:           mapping.HVA.AddOffset(int64(off)),
		ContiguousLen: mapping.Len - off,
		NeedsSync:     !mapping.Flags.Coherent,
	}, nil
}

// BuildScatterGather walks len bytes starting at gpa across however
// many adjacent registrations are needed, failing with ErrFragmented
// if a gap is encountered before len bytes are covered.
func (m *Manager) BuildScatterGather(gpa addr.GPA, length uint64) ([]ScatterGatherEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var list []ScatterGatherEntry
	remaining := length
	cursor := gpa
	for remaining > 0 {
		mapping, ok := m.findLocked(cursor)
		if !ok {
			return nil, ErrFragmented
		}
		off := uint64(cursor - mapping.GPA)
		avail := mapping.Len - off
		take := remaining
		if take > avail {
			take = avail
		}
		list = append(list, ScatterGatherEntry{
			GPA:   cursor,
			HVA:   mapping.HVA.AddOffset(int64(off)),
			Len:   take,
			Flags: mapping.Flags,
		})
		cursor = cursor.AddOffset(int64(take))
		remaining -= take
	}
	return list, nil
}

// SyncForDevice flushes host-side writes so a non-coherent device can
// observe them, via msync over the mapping backing gpa. Coherent
// mappings are a no-op.
func (m *Manager) SyncForDevice(gpa addr.GPA) error {
	return m.sync(gpa, unix.MS_SYNC)
}

// SyncFromDevice invalidates any stale cached view after a non-coherent
// device has written through DMA, via msync with MS_INVALIDATE.
// Coherent mappings are a no-op.
func (m *Manager) SyncFromDevice(gpa addr.GPA) error {
	return m.sync(gpa, unix.MS_INVALIDATE)
}

func (m *Manager) sync(gpa addr.GPA, flags int) error {
	m.mu.RLock()
	mapping, ok := m.findLocked(gpa)
	m.mu.RUnlock()
	if !ok {
		return ErrInvalidAddress
	}
	if mapping.Flags.Coherent {
		return nil
	}
	pageHVA := uintptr(mapping.HVA) &^ uintptr(unix.Getpagesize()-1)
	span := int(mapping.Len) + int(uintptr(mapping.HVA)-pageHVA)
	data := unsafe.Slice((*byte)(unsafe.Pointer(pageHVA)), span)
	if err := unix.Msync(data, flags); err != nil {
		return errors.Wrap(err, "dma: msync failed")
	}
	return nil
}
