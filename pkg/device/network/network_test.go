// Copyright (c) 2018 Intel Corporation
//
// SPDX-License-Identifier: Apache-2.0
//

package network

import (
	"encoding/binary"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vmmcore/core/pkg/addr"
	"github.com/vmmcore/core/pkg/device"
	"github.com/vmmcore/core/pkg/ioscheduler"
)

type fakeTap struct {
	mu      sync.Mutex
	written [][]byte
	toRead  chan []byte
	closed  bool
}

func newFakeTap() *fakeTap { return &fakeTap{toRead: make(chan []byte, 4)} }

func (f *fakeTap) Write(p []byte) (int, error) {
	cp := append([]byte(nil), p...)
	f.mu.Lock()
	f.written = append(f.written, cp)
	f.mu.Unlock()
	return len(p), nil
}

func (f *fakeTap) Read(p []byte) (int, error) {
	frame, ok := <-f.toRead
	if !ok {
		return 0, errors.New("tap closed")
	}
	return copy(p, frame), nil
}

const (
	ramBase   = addr.GPA(0x20_0000)
	rxDesc    = addr.GPA(0x20_0000)
	rxAvail   = addr.GPA(0x20_1000)
	rxUsed    = addr.GPA(0x20_2000)
	txDesc    = addr.GPA(0x20_3000)
	txAvail   = addr.GPA(0x20_4000)
	txUsed    = addr.GPA(0x20_5000)
	frameAddr = addr.GPA(0x20_6000)
)

func writeDescriptor(t *testing.T, ram *device.GuestRAM, table addr.GPA, idx uint16, d device.Descriptor) {
	t.Helper()
	buf := make([]byte, 16)
	binary.LittleEndian.PutUint64(buf[0:8], uint64(d.Addr))
	binary.LittleEndian.PutUint32(buf[8:12], d.Len)
	binary.LittleEndian.PutUint16(buf[12:14], d.Flags)
	binary.LittleEndian.PutUint16(buf[14:16], d.Next)
	require.NoError(t, ram.WriteBytes(table.AddOffset(int64(idx)*16), buf))
}

func publishAvail(t *testing.T, ram *device.GuestRAM, ring addr.GPA, headIdx uint16) {
	t.Helper()
	require.NoError(t, ram.WriteBytes(ring.AddOffset(4), []byte{byte(headIdx), byte(headIdx >> 8)}))
	require.NoError(t, ram.WriteBytes(ring.AddOffset(2), []byte{1, 0}))
}

func newHarness() (*device.GuestRAM, *device.Queue, *device.Queue) {
	backing := make([]byte, 0x10_0000)
	ram := device.NewGuestRAM(ramBase, backing)
	rx := device.NewQueue(8, rxDesc, rxAvail, rxUsed, ram)
	tx := device.NewQueue(8, txDesc, txAvail, txUsed, ram)
	return ram, rx, tx
}

func TestProcessQueuesTransmitsFrameToTap(t *testing.T) {
	ram, rx, tx := newHarness()
	writeDescriptor(t, ram, txDesc, 0, device.Descriptor{Addr: frameAddr, Len: 14})
	require.NoError(t, ram.WriteBytes(frameAddr, []byte("hello-ethernet")))
	publishAvail(t, ram, txAvail, 0)

	tap := newFakeTap()
	sched := ioscheduler.New(1)
	defer sched.Close()

	dev := New(7, ram, tap, rx, tx, sched)
	regs := device.NewMMIORegisters(addr.GPA(0x9000), dev)
	dev.BindRegisters(regs)

	require.NoError(t, dev.ProcessQueues(nil))

	require.Eventually(t, func() bool {
		tap.mu.Lock()
		defer tap.mu.Unlock()
		return len(tap.written) == 1
	}, time.Second, 5*time.Millisecond)

	tap.mu.Lock()
	assert.Equal(t, "hello-ethernet", string(tap.written[0]))
	tap.mu.Unlock()
}

func TestPumpRXDeliversFrameIntoPostedBuffer(t *testing.T) {
	ram, rx, tx := newHarness()
	writeDescriptor(t, ram, rxDesc, 0, device.Descriptor{Addr: frameAddr, Len: 64, Flags: 2})
	publishAvail(t, ram, rxAvail, 0)

	tap := newFakeTap()
	sched := ioscheduler.New(1)
	defer sched.Close()
	dev := New(8, ram, tap, rx, tx, sched)

	tap.toRead <- []byte("frame-from-host")
	done := make(chan error, 1)
	go func() { done <- dev.PumpRX(1500) }()

	require.Eventually(t, func() bool {
		got, err := ram.ReadBytes(frameAddr, len("frame-from-host"))
		return err == nil && string(got) == "frame-from-host"
	}, time.Second, 5*time.Millisecond)

	close(tap.toRead)
	<-done
}
