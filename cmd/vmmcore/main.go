// Copyright (c) 2018 Intel Corporation
//
// SPDX-License-Identifier: Apache-2.0
//

// Command vmmcore is the thin ambient entry point: it reads the TOML
// configuration surface, maps guest memory, loads a kernel image,
// attaches whatever devices were requested, and runs every vCPU until
// the guest halts or the process is signalled. It links no concrete
// guest-ISA decoder of its own; an embedder registers one via
// RegisterDecoder before this binary's run command can do anything.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/urfave/cli"

	"github.com/vmmcore/core/pkg/addr"
	"github.com/vmmcore/core/pkg/bootsetup"
	"github.com/vmmcore/core/pkg/config"
	"github.com/vmmcore/core/pkg/device"
	"github.com/vmmcore/core/pkg/device/console"
	"github.com/vmmcore/core/pkg/device/plic"
)

const name = "vmmcore"

var vmmLog *logrus.Entry

// highMemBase is the guest-physical load address for a 32/64-bit
// protected-mode kernel, the same 1MB convention gokvm's machine.go
// uses for its own DefaultKernelAddr.
const highMemBase = addr.GPA(0x100000)

// bootParamGPA is where the (possibly header-patched) setup header is
// placed for the guest's entry stub to find, below the 1MB line.
const bootParamGPA = addr.GPA(0x10000)

// cmdLineGPA is where the null-terminated kernel command line is
// written, just past the boot params page.
const cmdLineGPA = addr.GPA(0x20000)

func main() {
	app := cli.NewApp()
	app.Name = name
	app.Usage = "run a guest under the multi-ISA VMM core"
	app.Flags = []cli.Flag{
		cli.StringFlag{Name: "log-level", Value: "info", Usage: "debug, info, warn, or error"},
	}
	app.Commands = []cli.Command{runCommand}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

var runCommand = cli.Command{
	Name:  "run",
	Usage: "boot a guest kernel and run it to completion",
	Flags: []cli.Flag{
		cli.StringFlag{Name: "config", Required: true, Usage: "path to the TOML configuration file"},
		cli.StringFlag{Name: "kernel", Required: true, Usage: "path to a guest kernel image"},
		cli.StringFlag{Name: "initrd", Usage: "path to an initrd image"},
		cli.StringFlag{Name: "cmdline", Value: "console=ttyS0", Usage: "guest kernel command line"},
		cli.UintFlag{Name: "console-vsock-port", Usage: "host vsock port to bridge to the guest console (0 disables it)"},
	},
	Action: runAction,
}

func runAction(c *cli.Context) error {
	level, err := logrus.ParseLevel(c.GlobalString("log-level"))
	if err != nil {
		return errors.Wrap(err, "vmmcore: invalid --log-level")
	}
	logrus.SetLevel(level)
	vmmLog = logrus.WithField("subsystem", "vmmcore")

	cfg, err := config.Load(c.String("config"))
	if err != nil {
		return errors.Wrap(err, "vmmcore: loading configuration")
	}

	decoder, err := buildDecoder(cfg)
	if err != nil {
		return err
	}

	m, err := New(cfg, decoder)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := m.Close(); cerr != nil {
			vmmLog.WithError(cerr).Warn("error shutting down machine")
		}
	}()

	if err := attachDevices(c, m); err != nil {
		return err
	}
	quiesceInterrupts(m.PLIC(), cfg.VCPUCount)

	entry, err := loadKernel(m, c.String("kernel"), c.String("initrd"), c.String("cmdline"))
	if err != nil {
		return err
	}
	m.VCPU(0).SetPC(entry)

	vmmLog.WithField("vcpus", cfg.VCPUCount).WithField("entry", entry).Info("starting guest")

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := m.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return errors.Wrap(err, "vmmcore: guest run")
	}
	return nil
}

// attachDevices wires whatever optional devices the run command's
// flags requested onto the machine's bus before boot. Queue rings for
// every attached device live in a fixed scratch region carved out of
// the top of guest memory, since the reduced VirtIO MMIO register set
// this core implements has no guest-negotiated queue-address registers.
func attachDevices(c *cli.Context, m *Machine) error {
	port := c.Uint("console-vsock-port")
	if port == 0 {
		return nil
	}

	transport, err := console.ListenVsock(uint32(port))
	if err != nil {
		return errors.Wrap(err, "vmmcore: console device")
	}

	scratch := deviceScratchBase(m)
	rx := device.NewQueue(256, scratch, scratch+0x1000, scratch+0x2000, m.Memory())
	tx := device.NewQueue(256, scratch+0x3000, scratch+0x4000, scratch+0x5000, m.Memory())

	const consoleDeviceID = 3 // VirtIO console device ID, per the VirtIO spec.
	dev := console.New(consoleDeviceID, m.Memory(), transport, rx, tx, m.Scheduler())
	m.Bus().Attach(scratch+0x6000, dev)
	vmmLog.WithField("vsock_port", port).Info("attached virtio console")
	return nil
}

// deviceScratchBase reserves the last 1MB of guest memory for device
// queue rings and MMIO windows, leaving the rest for the kernel, initrd
// and guest-visible RAM.
func deviceScratchBase(m *Machine) addr.GPA {
	return addr.GPA(len(m.RawMemory())) - 0x100000
}

// loadKernel copies kernel, the optional initrd, and the command line
// into guest memory, patches the boot header, and returns the guest
// entry point. Setting up architecture-specific entry conventions
// beyond the instruction pointer (e.g. x86's boot_params-in-RSI ABI) is
// left to the embedder pairing a concrete Decoder with this core, since
// the register file this core exposes is ISA-neutral by design.
func loadKernel(m *Machine, kernelPath, initrdPath, cmdline string) (addr.GVA, error) {
	kernelBytes, err := os.ReadFile(kernelPath)
	if err != nil {
		return 0, errors.Wrap(err, "vmmcore: reading kernel image")
	}

	const headerLen = 0x230
	header := make([]byte, headerLen)
	copy(header, kernelBytes)

	var ramdiskGPA addr.GPA
	var ramdiskSize uint32
	if initrdPath != "" {
		initrd, err := os.ReadFile(initrdPath)
		if err != nil {
			return 0, errors.Wrap(err, "vmmcore: reading initrd")
		}
		ramdiskGPA = deviceScratchBase(m) - addr.GPA(len(initrd))
		copy(m.RawMemory()[ramdiskGPA:], initrd)
		ramdiskSize = uint32(len(initrd))
	}

	if err := bootsetup.ApplyHeader(header, bootsetup.Config{
		TypeOfLoader: 0xFF,
		VidMode:      0xFFFF,
		RamdiskGPA:   ramdiskGPA,
		RamdiskSize:  ramdiskSize,
		CmdLineGPA:   cmdLineGPA,
		HeapEndPtr:   0xFE00,
	}); err != nil {
		return 0, errors.Wrap(err, "vmmcore: patching boot header")
	}
	copy(m.RawMemory()[bootParamGPA:], header)

	if _, err := bootsetup.WriteCmdLine(m.RawMemory()[cmdLineGPA:cmdLineGPA+4096], cmdline); err != nil {
		return 0, errors.Wrap(err, "vmmcore: writing command line")
	}

	fileOffset, err := bootsetup.KernelFileOffset(header)
	if err != nil {
		return 0, errors.Wrap(err, "vmmcore: computing kernel file offset")
	}
	if fileOffset > int64(len(kernelBytes)) {
		return 0, errors.New("vmmcore: kernel image shorter than its declared setup size")
	}
	copy(m.RawMemory()[highMemBase:], kernelBytes[fileOffset:])

	entry, isBzImage, err := bootsetup.EntryPoint(header, highMemBase)
	if err != nil {
		return 0, errors.Wrap(err, "vmmcore: computing entry point")
	}
	vmmLog.WithField("bzimage", isBzImage).WithField("entry", entry).Debug("kernel loaded")
	return addr.GVA(entry), nil
}

// quiesceInterrupts flushes any interrupt a device raised while it was
// being attached before the first vCPU starts polling the PLIC, so
// boot-time device initialization doesn't appear as a spurious pending
// interrupt at guest entry.
func quiesceInterrupts(p *plic.PLIC, vcpuCount int) {
	for ctx := 0; ctx < vcpuCount; ctx++ {
		for p.HasInterrupt(uint32(ctx)) {
			source, ok := p.Claim(uint32(ctx))
			if !ok {
				break
			}
			p.Complete(uint32(ctx), source)
		}
	}
}
