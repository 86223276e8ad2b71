// Copyright (c) 2018 Intel Corporation
//
// SPDX-License-Identifier: Apache-2.0
//

package vcpu

import (
	"context"
	"testing"
	"time"
	"unsafe"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vmmcore/core/pkg/addr"
	"github.com/vmmcore/core/pkg/blockcache"
	"github.com/vmmcore/core/pkg/device"
	"github.com/vmmcore/core/pkg/device/plic"
	"github.com/vmmcore/core/pkg/engine/aot"
	"github.com/vmmcore/core/pkg/engine/jit"
	"github.com/vmmcore/core/pkg/executor"
	"github.com/vmmcore/core/pkg/gc"
	"github.com/vmmcore/core/pkg/ir"
	"github.com/vmmcore/core/pkg/mmu"
	"github.com/vmmcore/core/pkg/vmerrors"
)

// flatWalker identity-maps every guest-virtual page to the same-numbered
// guest-physical page with full permissions, backed by a single real Go
// buffer so Resolve's unsafe reads land on addressable memory.
type flatWalker struct{}

func (flatWalker) Walk(gva addr.GVA, access addr.AccessType, asid uint16) (addr.GPA, mmu.Flags, addr.PageSize, error) {
	return addr.GPA(gva), mmu.FlagRead | mmu.FlagWrite | mmu.FlagExecute, addr.Page4KiB, nil
}

type flatRegions struct{}

func (flatRegions) Region(gpa addr.GPA) (mmu.RegionKind, string) { return mmu.RegionRAM, "" }

type flatHost struct {
	base uintptr
}

func (h flatHost) HostAddr(gpa addr.GPA) (addr.HVA, bool) {
	return addr.HVA(h.base) + addr.HVA(gpa), true
}

func newTestHarness(t *testing.T) (*mmu.SoftMMU, addr.HVA) {
	t.Helper()
	buf := make([]byte, 3*int(addr.Page4KiB))
	base := uintptr(unsafe.Pointer(&buf[0]))
	m := mmu.New(flatWalker{}, flatRegions{}, flatHost{base: base}, mmu.Config{L2Shards: 2, L2ShardCapacity: 16, DisablePrefetch: true})
	t.Cleanup(m.Close)
	// keep buf alive for the lifetime of the test via closure capture
	t.Cleanup(func() { _ = buf })
	return m, addr.HVA(base)
}

// mixedRegions classifies a single page as device MMIO and everything
// else as RAM, so tests can exercise guestMemory's device-routing path
// without a real MMU configuration.
type mixedRegions struct {
	devicePage addr.GPA
}

func (r mixedRegions) Region(gpa addr.GPA) (mmu.RegionKind, string) {
	if gpa.Page(addr.Page4KiB) == r.devicePage {
		return mmu.RegionDevice, "fake0"
	}
	return mmu.RegionRAM, ""
}

// fakeDevice is a minimal device.Device that records whether the guest
// notified its single queue.
type fakeDevice struct {
	notified bool
}

func (d *fakeDevice) DeviceID() uint32         { return 1 }
func (d *fakeDevice) NumQueues() int           { return 1 }
func (d *fakeDevice) GetQueue(i int) *device.Queue { return nil }
func (d *fakeDevice) ProcessQueues(m *mmu.SoftMMU) error {
	d.notified = true
	return nil
}

func newTestDispatcher() *executor.Dispatcher {
	return executor.New(executor.Config{JITEnabled: false, AOTEnabled: false}, jit.New(), (*aot.Cache)(nil), nil, nil)
}

// fixedDecoder always returns a pre-built block regardless of what
// fetch returns, counting how many times it was invoked so tests can
// assert the block cache actually short-circuits redecoding.
type fixedDecoder struct {
	block *ir.Block
	calls int
}

func (d *fixedDecoder) Decode(pc addr.GVA, fetch FetchFunc) (*ir.Block, error) {
	d.calls++
	// Exercise the fetch seam so a real decoder's usage pattern is
	// represented, even though this fixture ignores the bytes.
	if _, err := fetch(pc, 4); err != nil {
		return nil, err
	}
	b := *d.block
	b.StartPC = pc
	return &b, nil
}

func newCoordinatorSafepoint(t *testing.T) *gc.Safepoint {
	t.Helper()
	coord := gc.NewCoordinator()
	sp := coord.RegisterThread()
	t.Cleanup(coord.UnregisterThread)
	return sp
}

func TestFetchBlockDecodesOnceThenServesFromCache(t *testing.T) {
	m, _ := newTestHarness(t)
	cache := blockcache.New(1)
	t.Cleanup(cache.Close)

	decoder := &fixedDecoder{block: &ir.Block{Term: ir.Term{Kind: ir.TermJmp, Target: addr.GVA(0x2000)}}}

	v := New(Config{
		MMU:        m,
		Cache:      cache,
		Dispatcher: newTestDispatcher(),
		Decoder:    decoder,
		Safepoint:  newCoordinatorSafepoint(t),
		EntryPC:    addr.GVA(0x1000),
	})

	b1, err := v.fetchBlock(addr.GVA(0x1000))
	require.NoError(t, err)
	assert.Equal(t, addr.GVA(0x1000), b1.StartPC)
	assert.Equal(t, 1, decoder.calls)

	b2, err := v.fetchBlock(addr.GVA(0x1000))
	require.NoError(t, err)
	assert.Same(t, b1, b2)
	assert.Equal(t, 1, decoder.calls, "second fetch must be served from the block cache")
}

func TestRunStopsOnSyscallHandlerHalt(t *testing.T) {
	m, _ := newTestHarness(t)
	cache := blockcache.New(1)
	t.Cleanup(cache.Close)

	block := &ir.Block{
		Ops:     []ir.Op{{Kind: ir.OpSyscall}},
		Term:    ir.Term{Kind: ir.TermJmp, Target: addr.GVA(0x1000)},
		Effects: ir.EffectSyscall,
	}
	decoder := &fixedDecoder{block: block}

	halted := false
	syscalls := syscallHandlerFunc(func(regs *RegisterFile) bool {
		halted = true
		return true
	})

	v := New(Config{
		MMU:        m,
		Cache:      cache,
		Dispatcher: newTestDispatcher(),
		Decoder:    decoder,
		Safepoint:  newCoordinatorSafepoint(t),
		EntryPC:    addr.GVA(0x1000),
		Syscalls:   syscalls,
	})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, v.Run(ctx))
	assert.True(t, halted)
}

func TestRunPropagatesUnrecoverableFaultWithoutHandler(t *testing.T) {
	m, _ := newTestHarness(t)
	cache := blockcache.New(1)
	t.Cleanup(cache.Close)

	block := &ir.Block{
		Ops:  []ir.Op{{Kind: ir.OpIntrinsic, Intrinsic: "unimplemented.vendor.op"}},
		Term: ir.Term{Kind: ir.TermJmp, Target: addr.GVA(0x1000)},
	}
	decoder := &fixedDecoder{block: block}

	v := New(Config{
		MMU:        m,
		Cache:      cache,
		Dispatcher: newTestDispatcher(),
		Decoder:    decoder,
		Safepoint:  newCoordinatorSafepoint(t),
		EntryPC:    addr.GVA(0x1000),
	})

	err := v.Run(context.Background())
	require.Error(t, err)
	var unsupported *vmerrors.UnsupportedOp
	assert.ErrorAs(t, err, &unsupported)
}

func TestRunResumesThroughFaultHandler(t *testing.T) {
	m, _ := newTestHarness(t)
	cache := blockcache.New(1)
	t.Cleanup(cache.Close)

	block := &ir.Block{
		Ops:  []ir.Op{{Kind: ir.OpIntrinsic, Intrinsic: "unimplemented.vendor.op"}},
		Term: ir.Term{Kind: ir.TermJmp, Target: addr.GVA(0x1000)},
	}
	decoder := &fixedDecoder{block: block}

	faultCalls := 0
	faults := faultHandlerFunc(func(pc addr.GVA, fault error) (addr.GVA, bool) {
		faultCalls++
		return pc, faultCalls >= 2 // halt on the second fault
	})

	v := New(Config{
		MMU:        m,
		Cache:      cache,
		Dispatcher: newTestDispatcher(),
		Decoder:    decoder,
		Safepoint:  newCoordinatorSafepoint(t),
		EntryPC:    addr.GVA(0x1000),
		Faults:     faults,
	})

	require.NoError(t, v.Run(context.Background()))
	assert.Equal(t, 2, faultCalls)
}

func TestRunServicesPendingInterrupt(t *testing.T) {
	m, _ := newTestHarness(t)
	cache := blockcache.New(1)
	t.Cleanup(cache.Close)

	block := &ir.Block{Term: ir.Term{Kind: ir.TermJmp, Target: addr.GVA(0x1000)}}
	decoder := &fixedDecoder{block: block}

	controller := plic.New()
	controller.SetPriority(7, 1)
	controller.SetEnabled(0, 7, true)
	controller.Trigger(7)

	var claimedSource uint32
	var claimedPC addr.GVA
	interrupts := interruptHandlerFunc(func(source uint32, pc addr.GVA) addr.GVA {
		claimedSource, claimedPC = source, pc
		return pc
	})

	v := New(Config{
		MMU:        m,
		Cache:      cache,
		Dispatcher: newTestDispatcher(),
		Decoder:    decoder,
		Safepoint:  newCoordinatorSafepoint(t),
		EntryPC:    addr.GVA(0x1000),
		PLIC:       controller,
		PLICCtx:    0,
		Interrupts: interrupts,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := v.Run(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, uint32(7), claimedSource)
	assert.Equal(t, addr.GVA(0x1000), claimedPC)
	assert.False(t, controller.HasInterrupt(0), "claimed source must no longer be pending")
}

func TestGuestMemoryRoutesDeviceRegionToBus(t *testing.T) {
	buf := make([]byte, 3*int(addr.Page4KiB))
	base := uintptr(unsafe.Pointer(&buf[0]))
	devicePage := addr.GPA(0x2000)
	m := mmu.New(flatWalker{}, mixedRegions{devicePage: devicePage}, flatHost{base: base}, mmu.Config{L2Shards: 2, L2ShardCapacity: 16, DisablePrefetch: true})
	t.Cleanup(m.Close)

	bus := device.NewBus()
	dev := &fakeDevice{}
	bus.Attach(devicePage, dev)

	mem := &guestMemory{mmu: m, l1: mmu.NewL1(), bus: bus}

	// regStatus is at offset 0x064 from the device's MMIO base.
	require.NoError(t, mem.Store(addr.GVA(devicePage)+0x064, 4, 0xAB, 0))
	v, err := mem.Load(addr.GVA(devicePage)+0x064, 4, false, 0)
	require.NoError(t, err)
	assert.EqualValues(t, 0xAB, v)

	// regQueueNotify triggers ProcessQueues on the bound device.
	require.NoError(t, mem.Store(addr.GVA(devicePage)+0x044, 4, 0, 0))
	assert.True(t, dev.notified)
}

func TestGuestMemoryLeavesRamAccessOnHostPath(t *testing.T) {
	buf := make([]byte, 3*int(addr.Page4KiB))
	base := uintptr(unsafe.Pointer(&buf[0]))
	devicePage := addr.GPA(0x2000)
	m := mmu.New(flatWalker{}, mixedRegions{devicePage: devicePage}, flatHost{base: base}, mmu.Config{L2Shards: 2, L2ShardCapacity: 16, DisablePrefetch: true})
	t.Cleanup(m.Close)

	mem := &guestMemory{mmu: m, l1: mmu.NewL1(), bus: device.NewBus()}

	require.NoError(t, mem.Store(addr.GVA(0x1000), 8, 0xDEADBEEF, 0))
	v, err := mem.Load(addr.GVA(0x1000), 8, false, 0)
	require.NoError(t, err)
	assert.EqualValues(t, 0xDEADBEEF, v)
}

func TestRegisterFileHardwiresZeroReg(t *testing.T) {
	var rf RegisterFile
	rf.Set(ir.ZeroReg, 42)
	assert.Zero(t, rf.Get(ir.ZeroReg))

	rf.Set(ir.Reg(3), 99)
	assert.EqualValues(t, 99, rf.Get(ir.Reg(3)))
}

// syscallHandlerFunc adapts a function literal to SyscallHandler.
type syscallHandlerFunc func(regs *RegisterFile) bool

func (f syscallHandlerFunc) HandleSyscall(regs *RegisterFile) bool { return f(regs) }

// faultHandlerFunc adapts a function literal to FaultHandler.
type faultHandlerFunc func(pc addr.GVA, fault error) (addr.GVA, bool)

func (f faultHandlerFunc) HandleFault(pc addr.GVA, fault error) (addr.GVA, bool) { return f(pc, fault) }

// interruptHandlerFunc adapts a function literal to InterruptHandler.
type interruptHandlerFunc func(source uint32, pc addr.GVA) addr.GVA

func (f interruptHandlerFunc) HandleInterrupt(source uint32, pc addr.GVA) addr.GVA { return f(source, pc) }
