// Copyright (c) 2018 Intel Corporation
//
// SPDX-License-Identifier: Apache-2.0
//

// Package sound implements a VirtIO sound device with one input
// (capture) and one output (playback) virtqueue: input-queue chains are
// appended to a growable capture buffer the host side drains, and
// output-queue chains are written straight through to a Playback sink,
// per §3's device family and §4.F.
package sound

import (
	"context"
	"sync"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/vmmcore/core/pkg/device"
	"github.com/vmmcore/core/pkg/ioscheduler"
	"github.com/vmmcore/core/pkg/mmu"
)

var soundLog = logrus.WithField("subsystem", "device.sound")

// SetLogger redirects this package's log output.
func SetLogger(logger *logrus.Entry) {
	if logger != nil {
		soundLog = logger.WithField("subsystem", "device.sound")
	}
}

const (
	queueInput  = 0
	queueOutput = 1
)

// Format enumerates the PCM sample encodings a stream can negotiate.
type Format int

const (
	FormatPcmU8 Format = iota
	FormatPcmS16LE
	FormatPcmS24LE
	FormatPcmS32LE
	FormatPcmF32LE
)

// StreamConfig describes one direction's negotiated PCM parameters.
type StreamConfig struct {
	SampleRate uint32
	Channels   uint8
	Format     Format
	BufferSize uint32
}

// DefaultStreamConfig matches the teacher's Default impl: 44.1kHz
// stereo 16-bit little-endian with a 1024-frame buffer.
func DefaultStreamConfig() StreamConfig {
	return StreamConfig{SampleRate: 44100, Channels: 2, Format: FormatPcmS16LE, BufferSize: 1024}
}

// Device is a VirtIO sound device with an input (capture) queue and an
// output (playback) queue. Captured audio accumulates in inputBuffer
// for a host-side reader to drain via ReadCaptured; audio submitted by
// the guest on the output queue is written straight through to
// Playback as it arrives.
type Device struct {
	id       uint32
	ram      *device.GuestRAM
	playback Playback
	input    *device.Queue
	output   *device.Queue
	sched    *ioscheduler.Scheduler
	regs     *device.MMIORegisters

	mu            sync.Mutex
	inputConfig   StreamConfig
	outputConfig  StreamConfig
	inputEnabled  bool
	outputEnabled bool
	inputBuffer   []byte
}

// Playback is the host sink audio written on the output queue is
// forwarded to (an ALSA/CoreAudio/PulseAudio backend in a real
// deployment; tests use an in-memory fake).
type Playback interface {
	Write(p []byte) (int, error)
}

// New constructs a sound device bridging input/output to playback.
func New(deviceID uint32, ram *device.GuestRAM, playback Playback, input, output *device.Queue, sched *ioscheduler.Scheduler) *Device {
	return &Device{
		id:           deviceID,
		ram:          ram,
		playback:     playback,
		input:        input,
		output:       output,
		sched:        sched,
		inputConfig:  DefaultStreamConfig(),
		outputConfig: DefaultStreamConfig(),
	}
}

// DeviceID implements device.Device.
func (d *Device) DeviceID() uint32 { return d.id }

// NumQueues implements device.Device.
func (d *Device) NumQueues() int { return 2 }

// GetQueue implements device.Device.
func (d *Device) GetQueue(i int) *device.Queue {
	if i == queueInput {
		return d.input
	}
	return d.output
}

// BindRegisters implements device.InterruptRaiser.
func (d *Device) BindRegisters(r *device.MMIORegisters) { d.regs = r }

// SetInputConfig replaces the capture stream's negotiated parameters.
func (d *Device) SetInputConfig(c StreamConfig) {
	d.mu.Lock()
	d.inputConfig = c
	d.mu.Unlock()
}

// SetOutputConfig replaces the playback stream's negotiated parameters.
func (d *Device) SetOutputConfig(c StreamConfig) {
	d.mu.Lock()
	d.outputConfig = c
	d.mu.Unlock()
}

// EnableInput/DisableInput/EnableOutput/DisableOutput gate whether
// ProcessQueues acts on their respective queue, the
// way a driver enables a stream only after negotiating its jack.
func (d *Device) EnableInput()   { d.mu.Lock(); d.inputEnabled = true; d.mu.Unlock() }
func (d *Device) DisableInput()  { d.mu.Lock(); d.inputEnabled = false; d.mu.Unlock() }
func (d *Device) EnableOutput()  { d.mu.Lock(); d.outputEnabled = true; d.mu.Unlock() }
func (d *Device) DisableOutput() { d.mu.Lock(); d.outputEnabled = false; d.mu.Unlock() }

// ReadCaptured drains up to len(buf) bytes of host-bound captured
// audio accumulated from the guest's input queue, FIFO order.
func (d *Device) ReadCaptured(buf []byte) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	n := copy(buf, d.inputBuffer)
	d.inputBuffer = d.inputBuffer[n:]
	return n
}

// m is unused: sound requests address guest-physical ring/descriptor
// space directly via GuestRAM, never guest-virtual.
func (d *Device) ProcessQueues(m *mmu.SoftMMU) error {
	if err := d.processInput(); err != nil {
		return err
	}
	return d.processOutput()
}

// processInput walks every posted input-queue chain synchronously: the
// work is a bounded memcpy into inputBuffer, not a blocking host call,
// so it does not need an ioscheduler hop.
func (d *Device) processInput() error {
	d.mu.Lock()
	enabled := d.inputEnabled
	d.mu.Unlock()
	if !enabled {
		return nil
	}

	popFn := d.ram.PopFunc(d.input.AvailRing(), d.input.Size())
	for {
		chain, err := d.input.Pop(popFn)
		if err != nil {
			return err
		}
		if chain == nil {
			return nil
		}
		var total uint32
		for _, desc := range chain.Descs {
			buf, err := d.ram.ReadBytes(desc.Addr, int(desc.Len))
			if err != nil {
				return err
			}
			d.mu.Lock()
			d.inputBuffer = append(d.inputBuffer, buf...)
			d.mu.Unlock()
			total += uint32(len(buf))
		}
		pushFn := d.ram.PushUsedFunc(d.input.UsedRing(), d.input.Size())
		d.input.PushUsed(pushFn, chain.HeadIndex, total)
		if d.regs != nil {
			d.regs.RaiseInterrupt()
		}
	}
}

// processOutput submits each posted output-queue chain to the host
// playback sink asynchronously, since a real audio backend's Write can
// block waiting for buffer space.
func (d *Device) processOutput() error {
	d.mu.Lock()
	enabled := d.outputEnabled
	d.mu.Unlock()
	if !enabled {
		return nil
	}

	popFn := d.ram.PopFunc(d.output.AvailRing(), d.output.Size())
	for {
		chain, err := d.output.Pop(popFn)
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
			Backend:  &playbackBackend{d: d, chain: chain},
		}); err != nil {
			return err
		}
	}
}

type playbackBackend struct {
	d     *Device
	chain *device.DescChain
}

func (b *playbackBackend) Do(ctx context.Context, _ ioscheduler.Request) error {
	var total uint32
	for _, desc := range b.chain.Descs {
		buf, err := b.d.ram.ReadBytes(desc.Addr, int(desc.Len))
		if err != nil {
			return err
		}
		if _, err := b.d.playback.Write(buf); err != nil {
			return errors.Wrap(err, "sound: playback write failed")
		}
		total += uint32(len(buf))
	}

	pushFn := b.d.ram.PushUsedFunc(b.d.output.UsedRing(), b.d.output.Size())
	b.d.output.PushUsed(pushFn, b.chain.HeadIndex, total)
	if b.d.regs != nil {
		b.d.regs.RaiseInterrupt()
	}
	return nil
}
