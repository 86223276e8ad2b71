// Copyright (c) 2018 Intel Corporation
//
// SPDX-License-Identifier: Apache-2.0
//

package device

import (
	"sync"

	"github.com/pkg/errors"

	"github.com/vmmcore/core/pkg/addr"
)

// Bus owns every device's MMIO registration and routes guest MMIO
// accesses by base address. It implements Hotplug.
type Bus struct {
	mu      sync.RWMutex
	byBase  map[addr.GPA]*MMIORegisters
	devices map[uint32]Device
}

// NewBus returns an empty device bus.
func NewBus() *Bus {
	return &Bus{byBase: make(map[addr.GPA]*MMIORegisters), devices: make(map[uint32]Device)}
}

// InterruptRaiser is implemented by a device that needs a handle back
// to its own MMIO registers to signal completions (e.g. after an
// asynchronous push_used). Attach binds it automatically.
type InterruptRaiser interface {
	BindRegisters(r *MMIORegisters)
}

// Attach registers dev's MMIO window at base outside of the Hotplug
// protocol, e.g. for devices present at boot.
func (b *Bus) Attach(base addr.GPA, dev Device) {
	b.mu.Lock()
	defer b.mu.Unlock()
	regs := NewMMIORegisters(base, dev)
	b.byBase[base] = regs
	b.devices[dev.DeviceID()] = dev
	if raiser, ok := dev.(InterruptRaiser); ok {
		raiser.BindRegisters(regs)
	}
}

// HotplugDevice implements Hotplug.
func (b *Bus) HotplugDevice(op Operation, base addr.GPA, dev Device) error {
	switch op {
	case AddDevice:
		b.Attach(base, dev)
		return nil
	case RemoveDevice:
		b.mu.Lock()
		defer b.mu.Unlock()
		delete(b.devices, dev.DeviceID())
		for base, regs := range b.byBase {
			if regs.dev.DeviceID() == dev.DeviceID() {
				delete(b.byBase, base)
			}
		}
		return nil
	default:
		return errors.Errorf("device: unknown hotplug operation %v", op)
	}
}

// RegistersFor resolves the MMIO register block whose base covers gpa,
// or false if gpa is not within any registered device's window.
func (b *Bus) RegistersFor(gpa addr.GPA) (*MMIORegisters, uint64, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for base, regs := range b.byBase {
		if uint64(gpa) >= uint64(base) && uint64(gpa) < uint64(base)+regs.Span() {
			return regs, uint64(gpa) - uint64(base), true
		}
	}
	return nil, 0, false
}

// Device returns the device registered under id, if any.
func (b *Bus) Device(id uint32) (Device, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	d, ok := b.devices[id]
	return d, ok
}
