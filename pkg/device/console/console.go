// Copyright (c) 2018 Intel Corporation
//
// SPDX-License-Identifier: Apache-2.0
//

// Package console implements a VirtIO console device bridging guest TX
// bytes to a host vsock connection (the same transport the teacher's
// agent protocol client dials over) and host-side bytes back onto the
// guest's RX queue.
package console

import (
	"context"

	"github.com/mdlayher/vsock"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/vmmcore/core/pkg/device"
	"github.com/vmmcore/core/pkg/ioscheduler"
	"github.com/vmmcore/core/pkg/mmu"
)

var consoleLog = logrus.WithField("subsystem", "device.console")

// SetLogger redirects this package's log output.
func SetLogger(logger *logrus.Entry) {
	if logger != nil {
		consoleLog = logger.WithField("subsystem", "device.console")
	}
}

const (
	queueRX = 0
	queueTX = 1
)

// Transport is the host side of the console channel: a byte stream, in
// practice a vsock connection accepted via ListenVsock.
type Transport interface {
	Read(p []byte) (int, error)
	Write(p []byte) (int, error)
}

// ListenVsock opens a host vsock listener on port and accepts exactly
// one connection, the way the teacher's agent protocol client dials a
// single persistent channel to the guest agent (client.go's vsock.Dial
// counterpart on the listening side).
func ListenVsock(port uint32) (Transport, error) {
	l, err := vsock.Listen(port, nil)
	if err != nil {
		return nil, errors.Wrapf(err, "console: failed to listen on vsock port %d", port)
	}
	conn, err := l.Accept()
	if err != nil {
		return nil, errors.Wrap(err, "console: failed to accept vsock connection")
	}
	return conn, nil
}

// Device is a VirtIO console device with one RX and one TX queue.
type Device struct {
	id        uint32
	ram       *device.GuestRAM
	transport Transport
	rx        *device.Queue
	tx        *device.Queue
	sched     *ioscheduler.Scheduler
	regs      *device.MMIORegisters
}

// New constructs a console device bridging rx/tx to transport.
func New(deviceID uint32, ram *device.GuestRAM, transport Transport, rx, tx *device.Queue, sched *ioscheduler.Scheduler) *Device {
	return &Device{id: deviceID, ram: ram, transport: transport, rx: rx, tx: tx, sched: sched}
}

// DeviceID implements device.Device.
func (d *Device) DeviceID() uint32 { return d.id }

// NumQueues implements device.Device.
func (d *Device) NumQueues() int { return 2 }

// GetQueue implements device.Device.
func (d *Device) GetQueue(i int) *device.Queue {
	if i == queueRX {
		return d.rx
	}
	return d.tx
}

// BindRegisters implements device.InterruptRaiser.
func (d *Device) BindRegisters(r *device.MMIORegisters) { d.regs = r }

// ProcessQueues drains TX descriptor chains to the host transport
// asynchronously, mirroring the network device's TX path.
func (d *Device) ProcessQueues(m *mmu.SoftMMU) error {
	popFn := d.ram.PopFunc(d.tx.AvailRing(), d.tx.Size())
	for {
		chain, err := d.tx.Pop(popFn)
		if err != nil {
			return err
		}
		if chain == nil {
			return nil
		}
		if _, _, err := d.sched.Submit(ioscheduler.Request{
			Device:   d.id,
			Op:       ioscheduler.OpWrite,
			Priority: ioscheduler.Normal,
			Backend:  &txBackend{d: d, chain: chain},
		}); err != nil {
			return err
		}
	}
}

type txBackend struct {
	d     *Device
	chain *device.DescChain
}

func (b *txBackend) Do(ctx context.Context, _ ioscheduler.Request) error {
	var payload []byte
	for _, desc := range b.chain.Descs {
		buf, err := b.d.ram.ReadBytes(desc.Addr, int(desc.Len))
		if err != nil {
			return err
		}
		payload = append(payload, buf...)
	}
	if _, err := b.d.transport.Write(payload); err != nil {
		return errors.Wrap(err, "console: transport write failed")
	}

	pushFn := b.d.ram.PushUsedFunc(b.d.tx.UsedRing(), b.d.tx.Size())
	b.d.tx.PushUsed(pushFn, b.chain.HeadIndex, uint32(len(payload)))
	if b.d.regs != nil {
		b.d.regs.RaiseInterrupt()
	}
	return nil
}

// PumpRX blocks reading from the host transport and delivers bytes
// into RX descriptor chains as the guest posts them, until the
// transport returns an error.
func (d *Device) PumpRX(bufSize int) error {
	buf := make([]byte, bufSize)
	popFn := d.ram.PopFunc(d.rx.AvailRing(), d.rx.Size())
	for {
		n, err := d.transport.Read(buf)
		if err != nil {
			return errors.Wrap(err, "console: transport read failed")
		}
		chain, err := d.rx.Pop(popFn)
		if err != nil {
			return err
		}
		if chain == nil {
			continue
		}
		if err := d.deliver(chain, buf[:n]); err != nil {
			return err
		}
	}
}

func (d *Device) deliver(chain *device.DescChain, data []byte) error {
	off := 0
	for _, desc := range chain.Descs {
		n := int(desc.Len)
		if off+n > len(data) {
			n = len(data) - off
		}
		if n <= 0 {
			break
		}
		if err := d.ram.WriteBytes(desc.Addr, data[off:off+n]); err != nil {
			return err
		}
		off += n
	}
	pushFn := d.ram.PushUsedFunc(d.rx.UsedRing(), d.rx.Size())
	d.rx.PushUsed(pushFn, chain.HeadIndex, uint32(off))
	if d.regs != nil {
		d.regs.RaiseInterrupt()
	}
	return nil
}
