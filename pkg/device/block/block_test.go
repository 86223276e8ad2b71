// Copyright (c) 2018 Intel Corporation
//
// SPDX-License-Identifier: Apache-2.0
//

package block

import (
	"encoding/binary"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vmmcore/core/pkg/addr"
	"github.com/vmmcore/core/pkg/device"
	"github.com/vmmcore/core/pkg/ioscheduler"
)

type memStore struct {
	data []byte
}

func (m *memStore) ReadAt(p []byte, off int64) (int, error) {
	copy(p, m.data[off:off+int64(len(p))])
	return len(p), nil
}

func (m *memStore) WriteAt(p []byte, off int64) (int, error) {
	copy(m.data[off:off+int64(len(p))], p)
	return len(p), nil
}

const (
	ramBase   = addr.GPA(0x10_0000)
	descTable = addr.GPA(0x10_0000)
	availRing = addr.GPA(0x10_1000)
	usedRing  = addr.GPA(0x10_2000)
	reqHdr    = addr.GPA(0x10_3000)
	reqData   = addr.GPA(0x10_3200)
	reqStatus = addr.GPA(0x10_3400)
)

func newHarness(t *testing.T) (*device.GuestRAM, *device.Queue, *memStore) {
	t.Helper()
	backing := make([]byte, 0x20_0000)
	ram := device.NewGuestRAM(ramBase, backing)
	q := device.NewQueue(8, descTable, availRing, usedRing, ram)
	store := &memStore{data: make([]byte, 10000*sectorSize)}
	return ram, q, store
}

func writeDescriptor(t *testing.T, ram *device.GuestRAM, table addr.GPA, idx uint16, d device.Descriptor) {
	t.Helper()
	buf := make([]byte, 16)
	binary.LittleEndian.PutUint64(buf[0:8], uint64(d.Addr))
	binary.LittleEndian.PutUint32(buf[8:12], d.Len)
	binary.LittleEndian.PutUint16(buf[12:14], d.Flags)
	binary.LittleEndian.PutUint16(buf[14:16], d.Next)
	require.NoError(t, ram.WriteBytes(table.AddOffset(int64(idx)*16), buf))
}

func publishAvail(t *testing.T, ram *device.GuestRAM, headIdx uint16) {
	t.Helper()
	require.NoError(t, ram.WriteBytes(availRing.AddOffset(4), []byte{byte(headIdx), byte(headIdx >> 8)}))
	require.NoError(t, ram.WriteBytes(availRing.AddOffset(2), []byte{1, 0}))
}

func writeRequestHeader(t *testing.T, ram *device.GuestRAM, reqType uint32, sector uint64) {
	t.Helper()
	buf := make([]byte, 16)
	binary.LittleEndian.PutUint32(buf[0:4], reqType)
	binary.LittleEndian.PutUint64(buf[8:16], sector)
	require.NoError(t, ram.WriteBytes(reqHdr, buf))
}

func TestBlockReadServicesDescriptorChainAndRaisesInterrupt(t *testing.T) {
	ram, q, store := newHarness(t)
	copy(store.data[0:512], []byte("hello from sector zero"))

	writeDescriptor(t, ram, descTable, 0, device.Descriptor{Addr: reqHdr, Len: 16, Flags: 1 /*next*/, Next: 1})
	writeDescriptor(t, ram, descTable, 1, device.Descriptor{Addr: reqData, Len: 512, Flags: 1 | 2 /*next|write*/, Next: 2})
	writeDescriptor(t, ram, descTable, 2, device.Descriptor{Addr: reqStatus, Len: 1, Flags: 2 /*write*/})
	writeRequestHeader(t, ram, reqTypeIn, 0)
	publishAvail(t, ram, 0)

	sched := ioscheduler.New(1)
	defer sched.Close()

	dev := New(2, ram, store, q, sched)
	regs := device.NewMMIORegisters(addr.GPA(0x5000), dev)
	dev.BindRegisters(regs)

	require.NoError(t, dev.ProcessQueues(nil))

	require.Eventually(t, func() bool {
		got, err := ram.ReadBytes(reqData, 22)
		return err == nil && string(got) == "hello from sector zero"
	}, time.Second, 5*time.Millisecond)

	status, err := ram.ReadBytes(reqStatus, 1)
	require.NoError(t, err)
	assert.Equal(t, byte(statusOK), status[0])

	require.Eventually(t, func() bool {
		st, err := regs.ReadU32(0x060)
		return err == nil && st&1 != 0
	}, time.Second, 5*time.Millisecond)
}

func TestBlockWriteStoresDataAtRequestedSector(t *testing.T) {
	ram, q, store := newHarness(t)

	writeDescriptor(t, ram, descTable, 0, device.Descriptor{Addr: reqHdr, Len: 16, Flags: 1, Next: 1})
	writeDescriptor(t, ram, descTable, 1, device.Descriptor{Addr: reqData, Len: 512, Flags: 1, Next: 2})
	writeDescriptor(t, ram, descTable, 2, device.Descriptor{Addr: reqStatus, Len: 1, Flags: 2})
	writeRequestHeader(t, ram, reqTypeOut, 3)

	payload := make([]byte, 512)
	copy(payload, []byte("written by guest"))
	require.NoError(t, ram.WriteBytes(reqData, payload))
	publishAvail(t, ram, 0)

	sched := ioscheduler.New(1)
	defer sched.Close()
	dev := New(3, ram, store, q, sched)

	require.NoError(t, dev.ProcessQueues(nil))

	require.Eventually(t, func() bool {
		return string(store.data[3*sectorSize:3*sectorSize+16]) == "written by guest"
	}, time.Second, 5*time.Millisecond)
}

func TestBlockRejectsTooShortChain(t *testing.T) {
	ram, q, store := newHarness(t)
	writeDescriptor(t, ram, descTable, 0, device.Descriptor{Addr: reqHdr, Len: 16})
	publishAvail(t, ram, 0)

	sched := ioscheduler.New(1)
	defer sched.Close()
	dev := New(4, ram, store, q, sched)

	require.NoError(t, dev.ProcessQueues(nil))

	require.Eventually(t, func() bool {
		return sched.Stats().Failed == 1
	}, time.Second, 5*time.Millisecond)
}
