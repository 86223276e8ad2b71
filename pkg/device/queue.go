// Copyright (c) 2018 Intel Corporation
//
// SPDX-License-Identifier: Apache-2.0
//

// Package device is the VirtIO queue model and device contract of
// §4.F: split virtqueues, the MMIO register surface devices are driven
// through, and the uniform {device_id, num_queues, get_queue,
// process_queues} interface every concrete device implements.
package device

import (
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/vmmcore/core/pkg/addr"
)

var deviceLog = logrus.WithField("subsystem", "device")

// SetLogger redirects this package's log output.
func SetLogger(logger *logrus.Entry) {
	if logger != nil {
		deviceLog = logger.WithField("subsystem", "device")
	}
}

// ErrRingCorrupt is returned when a descriptor chain walk detects a
// cycle or an out-of-range index, per §7's RingCorrupt error kind.
var ErrRingCorrupt = errors.New("device: virtqueue ring corrupt")

const (
	descFlagNext     uint16 = 1 << 0
	descFlagWrite    uint16 = 1 << 1
	descFlagIndirect uint16 = 1 << 2
)

// Descriptor is one split-virtqueue descriptor table entry.
type Descriptor struct {
	Addr  addr.GPA
	Len   uint32
	Flags uint16
	Next  uint16
}

func (d Descriptor) hasNext() bool    { return d.Flags&descFlagNext != 0 }
func (d Descriptor) isWrite() bool    { return d.Flags&descFlagWrite != 0 }
func (d Descriptor) isIndirect() bool { return d.Flags&descFlagIndirect != 0 }

// DescChain is a walked, flattened descriptor chain ready for the
// device backend to read or write through the MMU.
type DescChain struct {
	HeadIndex uint16
	Descs     []Descriptor
}

// Reader implements mmu-backed access for the translations a queue
// walk needs, independent of any specific SoftMMU configuration (tests
// use a fake).
type Reader interface {
	ReadDescriptor(gpa addr.GPA) (Descriptor, error)
}

// Queue is one split virtqueue: a descriptor table, an available ring
// the guest writes to, and a used ring the device writes to.
type Queue struct {
	size uint16

	descTable addr.GPA
	availRing addr.GPA
	usedRing  addr.GPA

	lastAvailIdx uint16
	usedIdx      uint16

	reader Reader
}

// NewQueue constructs a queue of the given ring size over the three
// guest-physical regions the driver negotiated.
func NewQueue(size uint16, descTable, availRing, usedRing addr.GPA, reader Reader) *Queue {
	return &Queue{size: size, descTable: descTable, availRing: availRing, usedRing: usedRing, reader: reader}
}

// Size returns the queue's configured ring size.
func (q *Queue) Size() uint16 { return q.size }

// AvailRing returns the guest-physical address of the available ring,
// for backends building a PopFunc against GuestRAM.
func (q *Queue) AvailRing() addr.GPA { return q.availRing }

// UsedRing returns the guest-physical address of the used ring, for
// backends building a PushUsedFunc against GuestRAM.
func (q *Queue) UsedRing() addr.GPA { return q.usedRing }

// PopFunc resolves the next available ring entry, or ok=false if the
// guest has not published any more work since the last pop.
type PopFunc func(lastAvailIdx uint16) (headIdx uint16, ok bool)

// PushUsedFunc publishes a completed descriptor chain to the used ring.
type PushUsedFunc func(usedIdx uint16, headIdx uint16, writtenLen uint32)

// Pop walks and returns the next available descriptor chain, following
// next_idx (and one level of indirect table) bounded by the queue's
// ring size; a chain whose length would exceed the ring size is a ring
// corruption, not an infinite loop, and is reported as such.
func (q *Queue) Pop(popAvail PopFunc) (*DescChain, error) {
	headIdx, ok := popAvail(q.lastAvailIdx)
	if !ok {
		return nil, nil
	}
	q.lastAvailIdx++

	chain := &DescChain{HeadIndex: headIdx}
	idx := headIdx
	visited := make(map[uint16]bool, q.size)

	for {
		if visited[idx] {
			return nil, errors.Wrapf(ErrRingCorrupt, "cycle at descriptor %d", idx)
		}
		if uint16(len(chain.Descs)) >= q.size {
			return nil, errors.Wrap(ErrRingCorrupt, "chain longer than ring size")
		}
		visited[idx] = true

		desc, err := q.reader.ReadDescriptor(q.descTable.AddOffset(int64(idx) * descriptorSize))
		if err != nil {
			return nil, err
		}

		if desc.isIndirect() {
			expanded, err := q.walkIndirect(desc)
			if err != nil {
				return nil, err
			}
			chain.Descs = append(chain.Descs, expanded...)
			break
		}

		chain.Descs = append(chain.Descs, desc)
		if !desc.hasNext() {
			break
		}
		idx = desc.Next
	}

	return chain, nil
}

const descriptorSize = 16

func (q *Queue) walkIndirect(head Descriptor) ([]Descriptor, error) {
	count := head.Len / descriptorSize
	if count == 0 || count > uint32(q.size) {
		return nil, errors.Wrap(ErrRingCorrupt, "indirect table size out of range")
	}
	out := make([]Descriptor, 0, count)
	idx := uint16(0)
	for {
		desc, err := q.reader.ReadDescriptor(head.Addr.AddOffset(int64(idx) * descriptorSize))
		if err != nil {
			return nil, err
		}
		out = append(out, desc)
		if !desc.hasNext() {
			break
		}
		idx = desc.Next
		if uint32(idx) >= count {
			return nil, errors.Wrap(ErrRingCorrupt, "indirect chain exceeds table size")
		}
	}
	return out, nil
}

// PushUsed publishes a completed chain to the used ring with release
// semantics relative to the avail-ring acquire in Pop, per §5's
// ordering guarantees.
func (q *Queue) PushUsed(pushUsed PushUsedFunc, headIndex uint16, writtenLen uint32) {
	pushUsed(q.usedIdx, headIndex, writtenLen)
	q.usedIdx++
}
