// Copyright (c) 2018 Intel Corporation
//
// SPDX-License-Identifier: Apache-2.0
//

package device

import (
	"sync"

	"github.com/pkg/errors"

	"github.com/vmmcore/core/pkg/addr"
	"github.com/vmmcore/core/pkg/mmu"
)

// VirtIO MMIO register offsets, per §6.
const (
	regMagic           = 0x000
	regVersion         = 0x004
	regDeviceID        = 0x008
	regVendorID        = 0x00C
	regDeviceFeatSel   = 0x010
	regDeviceFeat      = 0x014
	regDriverFeatSel   = 0x020
	regDriverFeat      = 0x024
	regQueueSel        = 0x028
	regQueueNumMax     = 0x030
	regQueueNum        = 0x034
	regQueueReady      = 0x038
	regQueueNotify     = 0x044
	regInterruptStatus = 0x060
	regStatus          = 0x064
)

const magicValue uint32 = 0x74726976 // "virt" little-endian
const mmioVersion uint32 = 2

// regionSpan bounds the MMIO register window of one device, large
// enough to cover every offset above with room for per-queue state.
const regionSpan = 0x1000

// MMIORegisters is one device's VirtIO MMIO register file. A write to
// queue_notify triggers ProcessQueues on the bound device.
type MMIORegisters struct {
	mu sync.Mutex

	base   addr.GPA
	dev    Device
	queues []*queueRegs

	queueSel         uint32
	deviceFeatSel    uint32
	driverFeatSel    uint32
	deviceFeatures   [2]uint32
	driverFeatures   [2]uint32
	interruptStatus  uint32
	status           uint32
}

type queueRegs struct {
	numMax uint32
	num    uint32
	ready  uint32
}

// NewMMIORegisters binds dev's register surface at base.
func NewMMIORegisters(base addr.GPA, dev Device) *MMIORegisters {
	queues := make([]*queueRegs, dev.NumQueues())
	for i := range queues {
		queues[i] = &queueRegs{numMax: 256}
	}
	return &MMIORegisters{base: base, dev: dev, queues: queues}
}

// Base returns the device's MMIO base address.
func (r *MMIORegisters) Base() addr.GPA { return r.base }

// Span returns the size of the device's MMIO register window.
func (r *MMIORegisters) Span() uint64 { return regionSpan }

// ReadU32 services a guest MMIO read at offset from the device's base.
func (r *MMIORegisters) ReadU32(offset uint64) (uint32, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	switch offset {
	case regMagic:
		return magicValue, nil
	case regVersion:
		return mmioVersion, nil
	case regDeviceID:
		return r.dev.DeviceID(), nil
	case regVendorID:
		return 0, nil
	case regDeviceFeat:
		return r.deviceFeatures[r.deviceFeatSel%2], nil
	case regQueueNumMax:
		return r.queueForSel().numMax, nil
	case regQueueNum:
		return r.queueForSel().num, nil
	case regQueueReady:
		return r.queueForSel().ready, nil
	case regInterruptStatus:
		return r.interruptStatus, nil
	case regStatus:
		return r.status, nil
	default:
		return 0, errors.Errorf("device: unmapped mmio read at offset 0x%x", offset)
	}
}

// WriteU32 services a guest MMIO write at offset. A write to
// queue_notify invokes ProcessQueues on the bound device.
func (r *MMIORegisters) WriteU32(offset uint64, value uint32, m *mmu.SoftMMU) error {
	r.mu.Lock()
	switch offset {
	case regDeviceFeatSel:
		r.deviceFeatSel = value
	case regDriverFeatSel:
		r.driverFeatSel = value
	case regDriverFeat:
		r.driverFeatures[r.driverFeatSel%2] = value
	case regQueueSel:
		r.queueSel = value
	case regQueueNum:
		r.queueForSel().num = value
	case regQueueReady:
		r.queueForSel().ready = value
	case regInterruptStatus:
		r.interruptStatus &^= value // write-1-to-clear
	case regStatus:
		r.status = value
	case regQueueNotify:
		r.mu.Unlock()
		return r.dev.ProcessQueues(m)
	default:
		r.mu.Unlock()
		return errors.Errorf("device: unmapped mmio write at offset 0x%x", offset)
	}
	r.mu.Unlock()
	return nil
}

func (r *MMIORegisters) queueForSel() *queueRegs {
	if int(r.queueSel) >= len(r.queues) {
		return &queueRegs{}
	}
	return r.queues[r.queueSel]
}

// RaiseInterrupt sets the used-buffer-notification bit, the way a
// device signals completion after push_used.
func (r *MMIORegisters) RaiseInterrupt() {
	r.mu.Lock()
	r.interruptStatus |= 1
	r.mu.Unlock()
}
