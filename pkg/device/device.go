// Copyright (c) 2018 Intel Corporation
//
// SPDX-License-Identifier: Apache-2.0
//

package device

import (
	"github.com/vmmcore/core/pkg/addr"
	"github.com/vmmcore/core/pkg/mmu"
)

// Device is the uniform contract every concrete VirtIO device
// implements, per §4.F. process_queues must not block the caller
// thread for unbounded time: long operations submit to the async I/O
// scheduler and return.
type Device interface {
	DeviceID() uint32
	NumQueues() int
	GetQueue(i int) *Queue
	ProcessQueues(m *mmu.SoftMMU) error
}

// SRIOVCapable is the narrow capability surface a PCI passthrough
// device may optionally implement to report available virtual
// functions, per SPEC_FULL.md §3's supplemented features. It models a
// capability query only; no real SR-IOV driver backs it.
type SRIOVCapable interface {
	VFs() int
}

// Operation is a hotplug request against the device bus, mirroring the
// teacher's Operation{AddDevice,RemoveDevice} enum exactly (same two
// values, new meaning: devices attach to this in-process bus instead of
// to an external VMM process).
type Operation int

const (
	AddDevice Operation = iota
	RemoveDevice
)

func (o Operation) String() string {
	switch o {
	case AddDevice:
		return "add"
	case RemoveDevice:
		return "remove"
	default:
		return "unknown"
	}
}

// Hotplug is implemented by a device bus that supports attaching or
// detaching devices after boot. base is the device's MMIO placement and
// is ignored for RemoveDevice.
type Hotplug interface {
	HotplugDevice(op Operation, base addr.GPA, dev Device) error
}
