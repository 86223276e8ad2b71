// Copyright (c) 2018 Intel Corporation
//
// SPDX-License-Identifier: Apache-2.0
//

package main

import (
	"context"
	"fmt"
	"sync"
	"unsafe"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sys/unix"

	"github.com/vmmcore/core/pkg/addr"
	"github.com/vmmcore/core/pkg/blockcache"
	"github.com/vmmcore/core/pkg/config"
	"github.com/vmmcore/core/pkg/device"
	"github.com/vmmcore/core/pkg/device/plic"
	"github.com/vmmcore/core/pkg/engine/aot"
	"github.com/vmmcore/core/pkg/engine/jit"
	"github.com/vmmcore/core/pkg/executor"
	"github.com/vmmcore/core/pkg/gc"
	"github.com/vmmcore/core/pkg/ioscheduler"
	"github.com/vmmcore/core/pkg/mmu"
	"github.com/vmmcore/core/pkg/vcpu"
	"github.com/vmmcore/core/pkg/vmerrors"
)

var machineLog = logrus.WithField("subsystem", "vmmcore.machine")

// flatWalker is the ambient page-table walker: it identity-maps the
// whole of guest-physical memory one-to-one with guest-virtual
// addresses, full permissions, the flat 2MB-page mapping gokvm's own
// initSregs builds across all of RAM before handing control to the
// guest. A guest that enables its own paging and expects the walker to
// honor page tables it installs needs a walker of its own; this core
// ships only the boot-time identity mapping.
type flatWalker struct {
	memSize uint64
}

func (w flatWalker) Walk(gva addr.GVA, access addr.AccessType, asid uint16) (addr.GPA, mmu.Flags, addr.PageSize, error) {
	if uint64(gva) >= w.memSize {
		return 0, 0, 0, errors.Wrapf(vmerrors.ErrNotMapped, "gva %#x exceeds guest memory size %#x", gva, w.memSize)
	}
	return addr.GPA(gva), mmu.FlagRead | mmu.FlagWrite | mmu.FlagExecute, addr.Page2MiB, nil
}

// busRegions classifies a guest-physical page as device MMIO when it
// falls inside a window device.Bus has attached, RAM otherwise.
type busRegions struct {
	bus *device.Bus
}

func (r busRegions) Region(gpa addr.GPA) (mmu.RegionKind, string) {
	if regs, _, ok := r.bus.RegistersFor(gpa); ok {
		return mmu.RegionDevice, fmt.Sprintf("mmio@%#x", regs.Base())
	}
	return mmu.RegionRAM, ""
}

// flatHost resolves a guest-physical address against a single flat
// host-memory mapping, the same one-region model gokvm's New uses for
// its own anonymous mmap'd guest memory.
type flatHost struct {
	base    uintptr
	memSize uint64
}

func (h flatHost) HostAddr(gpa addr.GPA) (addr.HVA, bool) {
	if uint64(gpa) >= h.memSize {
		return 0, false
	}
	return addr.HVA(h.base) + addr.HVA(gpa), true
}

// Machine owns every guest-wide component: the flat guest-physical
// memory region, the software MMU over it, the shared block cache and
// executor, the platform interrupt controller, the GC safepoint
// coordinator, the device bus, and the vCPUs themselves.
type Machine struct {
	mem  []byte
	ram  *device.GuestRAM
	mmu  *mmu.SoftMMU
	bus  *device.Bus
	plic *plic.PLIC
	gc   *gc.Coordinator
	sched *ioscheduler.Scheduler

	cache      *blockcache.Cache
	dispatcher *executor.Dispatcher
	recompiler *jit.Recompiler

	vcpus []*vcpu.VCPU
}

// New maps cfg.MemoryBytes of anonymous host memory as guest RAM and
// assembles every shared component a vCPU needs, but starts no vCPU.
func New(cfg config.Config, decoder vcpu.Decoder) (*Machine, error) {
	if cfg.MemoryBytes == 0 {
		return nil, errors.New("vmmcore: memory.size_bytes must be nonzero")
	}

	mem, err := unix.Mmap(-1, 0, int(cfg.MemoryBytes), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED|unix.MAP_ANON)
	if err != nil {
		return nil, errors.Wrap(err, "vmmcore: mmap guest memory")
	}

	bus := device.NewBus()
	walker := flatWalker{memSize: cfg.MemoryBytes}
	regions := busRegions{bus: bus}
	host := flatHost{base: uintptr(unsafe.Pointer(&mem[0])), memSize: cfg.MemoryBytes}
	softMMU := mmu.New(walker, regions, host, cfg.MMU)

	cache := blockcache.New(cfg.VCPUCount)

	jitEngine := jit.New()
	// Background recompile analysis is cheap and bursty; two workers
	// keep it off the vCPU hot path without needing a config knob of
	// its own.
	const recompileWorkers = 2
	recompiler := jit.NewRecompiler(jitEngine, cache, recompileWorkers)
	dispatcher := executor.New(cfg.Executor, jitEngine, aot.New(nil), recompiler, nil)

	m := &Machine{
		mem:        mem,
		ram:        device.NewGuestRAM(0, mem),
		mmu:        softMMU,
		bus:        bus,
		plic:       plic.New(),
		gc:         gc.NewCoordinator(),
		sched:      ioscheduler.New(cfg.IOWorkers),
		cache:      cache,
		dispatcher: dispatcher,
		recompiler: recompiler,
	}

	m.vcpus = make([]*vcpu.VCPU, cfg.VCPUCount)
	for i := 0; i < cfg.VCPUCount; i++ {
		m.plic.SetThreshold(uint32(i), 0)
		m.vcpus[i] = vcpu.New(vcpu.Config{
			ID:         i,
			ASID:       uint16(i),
			MMU:        softMMU,
			Bus:        bus,
			Cache:      cache,
			ReaderSlot: i,
			Dispatcher: dispatcher,
			Decoder:    decoder,
			Safepoint:  m.gc.RegisterThread(),
			PLIC:       m.plic,
			PLICCtx:    uint32(i),
		})
	}

	return m, nil
}

// Close releases the guest memory mapping and stops background workers.
func (m *Machine) Close() error {
	m.recompiler.Close()
	m.cache.Close()
	m.mmu.Close()
	m.sched.Close()
	return unix.Munmap(m.mem)
}

// Memory returns the flat guest-physical RAM view, for device
// attachment and boot-time kernel/initrd/cmdline placement.
func (m *Machine) Memory() *device.GuestRAM { return m.ram }

// RawMemory returns the raw host-backed guest memory buffer, for boot
// code that copies a kernel image directly into guest-physical offsets
// (mirroring gokvm's LoadLinux, which writes straight into m.mem).
func (m *Machine) RawMemory() []byte { return m.mem }

// Bus exposes the device bus for attaching VirtIO devices before Run.
func (m *Machine) Bus() *device.Bus { return m.bus }

// PLIC exposes the shared platform interrupt controller, e.g. for
// draining boot-time device interrupts before vCPUs start polling it.
func (m *Machine) PLIC() *plic.PLIC { return m.plic }

// Scheduler exposes the shared async I/O scheduler devices submit work to.
func (m *Machine) Scheduler() *ioscheduler.Scheduler { return m.sched }

// VCPU returns vCPU i, e.g. for boot handoff (SetPC/Registers) before Run.
func (m *Machine) VCPU(i int) *vcpu.VCPU { return m.vcpus[i] }

// Run starts every vCPU and blocks until all of them have returned. The
// first vCPU error cancels the context the others run under, and Run
// returns that first error once the remaining vCPUs have stopped.
func (m *Machine) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	var once sync.Once
	for _, v := range m.vcpus {
		v := v
		g.Go(func() error {
			err := v.Run(ctx)
			if err != nil {
				once.Do(func() { machineLog.WithError(err).Warn("vcpu stopped with error") })
			}
			return err
		})
	}
	return g.Wait()
}
