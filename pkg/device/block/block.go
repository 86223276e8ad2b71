// Copyright (c) 2018 Intel Corporation
//
// SPDX-License-Identifier: Apache-2.0
//

// Package block implements a VirtIO block device: a request/response
// protocol over a single virtqueue against a sector-addressable
// backing store, per §3 "VirtIO block read" (scenario 4).
package block

import (
	"context"
	"encoding/binary"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/vmmcore/core/pkg/device"
	"github.com/vmmcore/core/pkg/ioscheduler"
	"github.com/vmmcore/core/pkg/mmu"
)

var blockLog = logrus.WithField("subsystem", "device.block")

// SetLogger redirects this package's log output.
func SetLogger(logger *logrus.Entry) {
	if logger != nil {
		blockLog = logger.WithField("subsystem", "device.block")
	}
}

const sectorSize = 512

// request type values, matching the virtio-blk wire protocol.
const (
	reqTypeIn    uint32 = 0 // read
	reqTypeOut   uint32 = 1 // write
	reqTypeFlush uint32 = 4
)

// status byte values written to the final descriptor.
const (
	statusOK     byte = 0
	statusIOErr  byte = 1
	statusUnsupp byte = 2
)

const headerSize = 16 // {type u32, reserved u32, sector u64}

// Store is the sector-addressable backing a Device reads and writes.
// *os.File satisfies this directly.
type Store interface {
	ReadAt(p []byte, off int64) (int, error)
	WriteAt(p []byte, off int64) (int, error)
}

// Device is a VirtIO block device backed by store, exposing a single
// request queue.
type Device struct {
	id    uint32
	ram   *device.GuestRAM
	store Store
	queue *device.Queue
	sched *ioscheduler.Scheduler
	regs  *device.MMIORegisters
}

// New constructs a block device with deviceID identifying it on the
// bus, reading/writing through ram and store, processing requests via
// the given scheduler.
func New(deviceID uint32, ram *device.GuestRAM, store Store, queue *device.Queue, sched *ioscheduler.Scheduler) *Device {
	return &Device{id: deviceID, ram: ram, store: store, queue: queue, sched: sched}
}

// DeviceID implements device.Device.
func (d *Device) DeviceID() uint32 { return d.id }

// NumQueues implements device.Device.
func (d *Device) NumQueues() int { return 1 }

// GetQueue implements device.Device.
func (d *Device) GetQueue(i int) *device.Queue { return d.queue }

// BindRegisters implements device.InterruptRaiser.
func (d *Device) BindRegisters(r *device.MMIORegisters) { d.regs = r }

// ProcessQueues implements device.Device. It drains every available
// descriptor chain and submits each as an asynchronous I/O scheduler
// request, returning without waiting for any of them to complete — the
// scheduler worker pushes the used-ring entry and raises the interrupt
// once the backend I/O finishes. m is unused: block requests address
// guest-physical ring/descriptor space directly, never guest-virtual.
func (d *Device) ProcessQueues(m *mmu.SoftMMU) error {
	popFn := d.ram.PopFunc(d.queue.AvailRing(), d.queue.Size())
	for {
		chain, err := d.queue.Pop(popFn)
		if err != nil {
			return err
		}
		if chain == nil {
			return nil
		}
		if _, _, err := d.sched.Submit(ioscheduler.Request{
			Device:   d.id,
			Op:       ioscheduler.OpRead,
			Priority: ioscheduler.Normal,
			Backend:  &chainBackend{d: d, chain: chain},
		}); err != nil {
			return err
		}
	}
}

// chainBackend adapts one popped descriptor chain into an
// ioscheduler.Backend so its completion can push_used and raise an
// interrupt independently of every other in-flight chain.
type chainBackend struct {
	d     *Device
	chain *device.DescChain
}

func (b *chainBackend) Do(ctx context.Context, _ ioscheduler.Request) error {
	written, err := b.d.execute(b.chain)
	usedIdxErr := b.d.pushCompletion(b.chain.HeadIndex, written)
	if err != nil {
		return err
	}
	return usedIdxErr
}

// execute performs the actual sector read/write against store and
// returns the number of bytes written into the chain's writable
// descriptor (the status byte always counts as one of them).
func (d *Device) execute(chain *device.DescChain) (uint32, error) {
	if len(chain.Descs) < 2 {
		return 0, errors.New("block: descriptor chain too short for a request")
	}
	header := chain.Descs[0]
	if header.Len < headerSize {
		return 0, errors.New("block: request header truncated")
	}
	hdrBytes, err := d.ram.ReadBytes(header.Addr, headerSize)
	if err != nil {
		return 0, err
	}
	reqType := binary.LittleEndian.Uint32(hdrBytes[0:4])
	sector := binary.LittleEndian.Uint64(hdrBytes[8:16])

	statusDesc := chain.Descs[len(chain.Descs)-1]
	dataDescs := chain.Descs[1 : len(chain.Descs)-1]

	status := statusOK
	var written uint32
	switch reqType {
	case reqTypeIn:
		written, err = d.readInto(dataDescs, sector)
		if err != nil {
			status = statusIOErr
		}
	case reqTypeOut:
		err = d.writeFrom(dataDescs, sector)
		if err != nil {
			status = statusIOErr
		}
	case reqTypeFlush:
		// No write cache modeled; flush is always immediately durable.
	default:
		status = statusUnsupp
	}

	if werr := d.ram.WriteBytes(statusDesc.Addr, []byte{status}); werr != nil {
		return 0, werr
	}
	return written + 1, nil
}

func (d *Device) readInto(dataDescs []device.Descriptor, sector uint64) (uint32, error) {
	var total uint32
	off := int64(sector) * sectorSize
	for _, desc := range dataDescs {
		buf := make([]byte, desc.Len)
		if _, err := d.store.ReadAt(buf, off); err != nil {
			return total, errors.Wrap(err, "block: read failed")
		}
		if err := d.ram.WriteBytes(desc.Addr, buf); err != nil {
			return total, err
		}
		off += int64(desc.Len)
		total += desc.Len
	}
	return total, nil
}

func (d *Device) writeFrom(dataDescs []device.Descriptor, sector uint64) error {
	off := int64(sector) * sectorSize
	for _, desc := range dataDescs {
		buf, err := d.ram.ReadBytes(desc.Addr, int(desc.Len))
		if err != nil {
			return err
		}
		if _, err := d.store.WriteAt(buf, off); err != nil {
			return errors.Wrap(err, "block: write failed")
		}
		off += int64(desc.Len)
	}
	return nil
}

func (d *Device) pushCompletion(headIdx uint16, writtenLen uint32) error {
	pushFn := d.ram.PushUsedFunc(d.queue.UsedRing(), d.queue.Size())
	d.queue.PushUsed(pushFn, headIdx, writtenLen)
	if d.regs != nil {
		d.regs.RaiseInterrupt()
	}
	return nil
}
