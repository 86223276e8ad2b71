// Copyright (c) 2018 Intel Corporation
//
// SPDX-License-Identifier: Apache-2.0
//

// Package bootsetup writes the Linux/x86 boot protocol header fields a
// guest kernel image expects at offsets >= 0x1F1 in its setup header,
// per §6, grounded on the real-mode-to-protected-mode handoff gokvm's
// machine.go LoadLinux performs against its own flat guest memory
// buffer before entering the vCPU at the computed entry point.
package bootsetup

import (
	"encoding/binary"
	"fmt"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/vmmcore/core/pkg/addr"
)

var bootLog = logrus.WithField("subsystem", "bootsetup")

// SetLogger redirects this package's log output.
func SetLogger(logger *logrus.Entry) {
	if logger != nil {
		bootLog = logger.WithField("subsystem", "bootsetup")
	}
}

// Byte offsets of the setup header fields this package writes, taken
// directly from the Linux boot protocol documentation.
const (
	offSetupSects   = 0x1F1
	offVidMode      = 0x1FA
	offTypeOfLoader = 0x210
	offLoadflags    = 0x211
	offRamdiskImage = 0x218
	offRamdiskSize  = 0x21C
	offHeapEndPtr   = 0x224
	offCmdLinePtr   = 0x228
	offVersion      = 0x206
)

// Loadflags bits (Linux boot protocol, arch/x86/boot/boot.h).
const (
	LoadedHigh   uint8 = 1 << 0
	KeepSegments uint8 = 1 << 6
	CanUseHeap   uint8 = 1 << 7
)

// Protocol version gates, encoded as the header's 16-bit bcd-ish value
// (e.g. 0x0201 means 2.01).
const (
	protocol200 = 0x0200
	protocol201 = 0x0201
	protocol202 = 0x0202
)

// ErrHeaderTooSmall is returned when the supplied header buffer is too
// short to contain the fields this package writes.
var ErrHeaderTooSmall = errors.New("bootsetup: header buffer shorter than required boot protocol fields")

// ErrProtocolTooOld is returned when a requested field requires a
// newer boot protocol version than the kernel image declares.
var ErrProtocolTooOld = errors.New("bootsetup: kernel boot protocol too old for requested field")

const minHeaderLen = offCmdLinePtr + 4

// Framebuffer describes the pre-boot linear framebuffer the core hands
// off to the guest, synthesized into an `efifb=` command-line fragment.
type Framebuffer struct {
	Addr   uint64
	Width  uint32
	Height uint32
	Stride uint32
}

// Config is everything the core has decided about this boot: where the
// initrd and command line were placed in guest memory, and the
// framebuffer handoff (if any) to mention on the command line.
type Config struct {
	TypeOfLoader   byte
	VidMode        uint16
	RamdiskGPA     addr.GPA
	RamdiskSize    uint32
	CmdLineGPA     addr.GPA
	HeapEndPtr     uint16
	HasFramebuffer bool
	Framebuffer    Framebuffer
}

// ProtocolVersion reads the boot protocol version the kernel image
// declares at offset 0x206.
func ProtocolVersion(header []byte) (uint16, error) {
	if len(header) < offVersion+2 {
		return 0, ErrHeaderTooSmall
	}
	return binary.LittleEndian.Uint16(header[offVersion : offVersion+2]), nil
}

// ApplyHeader writes type_of_loader, loadflags, vid_mode, and (when the
// kernel's declared protocol version is new enough) heap_end_ptr,
// cmd_line_ptr, ramdisk_image, and ramdisk_size into header, which must
// be a slice over the guest-memory-resident setup header (e.g. the
// first 0x230+ bytes of the loaded bzImage).
func ApplyHeader(header []byte, cfg Config) error {
	if len(header) < minHeaderLen {
		return ErrHeaderTooSmall
	}
	version, err := ProtocolVersion(header)
	if err != nil {
		return err
	}

	header[offTypeOfLoader] = cfg.TypeOfLoader
	header[offLoadflags] |= CanUseHeap
	binary.LittleEndian.PutUint16(header[offVidMode:offVidMode+2], cfg.VidMode)

	if version >= protocol201 {
		binary.LittleEndian.PutUint16(header[offHeapEndPtr:offHeapEndPtr+2], cfg.HeapEndPtr)
	} else if cfg.HeapEndPtr != 0 {
		return errors.Wrapf(ErrProtocolTooOld, "heap_end_ptr needs protocol >= 2.01, image declares %#04x", version)
	}

	if version >= protocol202 {
		binary.LittleEndian.PutUint32(header[offCmdLinePtr:offCmdLinePtr+4], uint32(cfg.CmdLineGPA))
	} else {
		return errors.Wrapf(ErrProtocolTooOld, "cmd_line_ptr needs protocol >= 2.02, image declares %#04x", version)
	}

	if cfg.RamdiskSize > 0 {
		binary.LittleEndian.PutUint32(header[offRamdiskImage:offRamdiskImage+4], uint32(cfg.RamdiskGPA))
		binary.LittleEndian.PutUint32(header[offRamdiskSize:offRamdiskSize+4], cfg.RamdiskSize)
	}

	return nil
}

// BuildCmdLine concatenates params with a synthesized
// `efifb=<addr>:<w>x<h>@<stride>` fragment when cfg.HasFramebuffer is
// set, the way the core tells a guest kernel's efifb driver where the
// pre-boot linear framebuffer handoff lives.
func BuildCmdLine(params string, cfg Config) string {
	if !cfg.HasFramebuffer {
		return params
	}
	fb := cfg.Framebuffer
	frag := fmt.Sprintf("efifb=%#x:%dx%d@%d", fb.Addr, fb.Width, fb.Height, fb.Stride)
	if params == "" {
		return frag
	}
	return params + " " + frag
}

// WriteCmdLine null-terminates cmdline into dst, the guest-memory
// region at CmdLineGPA, the way gokvm's LoadLinux copies params
// directly into m.mem[cmdlineAddr:] followed by a trailing zero byte.
func WriteCmdLine(dst []byte, cmdline string) (int, error) {
	need := len(cmdline) + 1
	if len(dst) < need {
		return 0, errors.Wrapf(ErrHeaderTooSmall, "cmd line needs %d bytes, buffer has %d", need, len(dst))
	}
	copy(dst, cmdline)
	dst[len(cmdline)] = 0
	return need, nil
}

// EntryPoint computes the vCPU's initial instruction pointer for a
// kernel loaded at loadAddr, distinguishing zImage (enters at
// loadAddr) from bzImage (enters at loadAddr+0x200, the real-mode
// stub's location): an image counts as bzImage when loadflags.LOADED_HIGH
// is set or its boot protocol version is at least 2.00. setup_sects does
// not enter that decision.
func EntryPoint(header []byte, loadAddr addr.GPA) (addr.GPA, bool, error) {
	if len(header) < offLoadflags+1 {
		return 0, false, ErrHeaderTooSmall
	}
	version, err := ProtocolVersion(header)
	if err != nil {
		return 0, false, err
	}

	setupSects := header[offSetupSects]
	if setupSects == 0 {
		setupSects = 4
	}

	loadedHigh := header[offLoadflags]&LoadedHigh != 0
	isBzImage := loadedHigh || version >= protocol200

	if isBzImage {
		return loadAddr.AddOffset(0x200), true, nil
	}
	return loadAddr, false, nil
}

// KernelFileOffset returns the byte offset into the kernel image file
// where the 32-bit protected-mode kernel proper begins, per the boot
// protocol's "(setup_sects+1)*512" rule (setup_sects==0 means 4, the
// historical default before the field was populated).
func KernelFileOffset(header []byte) (int64, error) {
	if len(header) <= offSetupSects {
		return 0, ErrHeaderTooSmall
	}
	setupSects := header[offSetupSects]
	if setupSects == 0 {
		setupSects = 4
	}
	return int64(setupSects+1) * 512, nil
}
