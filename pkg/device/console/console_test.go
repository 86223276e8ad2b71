// Copyright (c) 2018 Intel Corporation
//
// SPDX-License-Identifier: Apache-2.0
//

package console

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

type fakeTransport struct {
	mu      sync.Mutex
	written [][]byte
	toRead  chan []byte
}

func newFakeTransport() *fakeTransport { return &fakeTransport{toRead: make(chan []byte, 4)} }

func (f *fakeTransport) Write(p []byte) (int, error) {
	cp := append([]byte(nil), p...)
	f.mu.Lock()
	f.written = append(f.written, cp)
	f.mu.Unlock()
	return len(p), nil
}

func (f *fakeTransport) Read(p []byte) (int, error) {
	data, ok := <-f.toRead
	if !ok {
		return 0, errors.New("transport closed")
	}
	return copy(p, data), nil
}

const (
	ramBase = addr.GPA(0x30_0000)
	rxDesc  = addr.GPA(0x30_0000)
	rxAvail = addr.GPA(0x30_1000)
	rxUsed  = addr.GPA(0x30_2000)
	txDesc  = addr.GPA(0x30_3000)
	txAvail = addr.GPA(0x30_4000)
	txUsed  = addr.GPA(0x30_5000)
	bufAddr = addr.GPA(0x30_6000)
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

func TestProcessQueuesWritesGuestBytesToTransport(t *testing.T) {
	ram, rx, tx := newHarness()
	writeDescriptor(t, ram, txDesc, 0, device.Descriptor{Addr: bufAddr, Len: 5})
	require.NoError(t, ram.WriteBytes(bufAddr, []byte("hello")))
	publishAvail(t, ram, txAvail, 0)

	transport := newFakeTransport()
	sched := ioscheduler.New(1)
	defer sched.Close()
	dev := New(11, ram, transport, rx, tx, sched)

	require.NoError(t, dev.ProcessQueues(nil))

	require.Eventually(t, func() bool {
		transport.mu.Lock()
		defer transport.mu.Unlock()
		return len(transport.written) == 1
	}, time.Second, 5*time.Millisecond)
	transport.mu.Lock()
	assert.Equal(t, "hello", string(transport.written[0]))
	transport.mu.Unlock()
}

func TestPumpRXDeliversHostBytesToGuestBuffer(t *testing.T) {
	ram, rx, tx := newHarness()
	writeDescriptor(t, ram, rxDesc, 0, device.Descriptor{Addr: bufAddr, Len: 32, Flags: 2})
	publishAvail(t, ram, rxAvail, 0)

	transport := newFakeTransport()
	sched := ioscheduler.New(1)
	defer sched.Close()
	dev := New(12, ram, transport, rx, tx, sched)

	transport.toRead <- []byte("shell output")
	done := make(chan error, 1)
	go func() { done <- dev.PumpRX(64) }()

	require.Eventually(t, func() bool {
		got, err := ram.ReadBytes(bufAddr, len("shell output"))
		return err == nil && string(got) == "shell output"
	}, time.Second, 5*time.Millisecond)

	close(transport.toRead)
	<-done
}
