// Copyright (c) 2018 Intel Corporation
//
// SPDX-License-Identifier: Apache-2.0
//

// Package gpu implements a minimal VirtIO GPU device: 2D resource
// management and scanout over a single control virtqueue, per §3's
// device family and §4.F. 3D/virgl command types are out of scope.
package gpu

import (
	"context"
	"encoding/binary"
	"sync"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/vmmcore/core/pkg/addr"
	"github.com/vmmcore/core/pkg/device"
	"github.com/vmmcore/core/pkg/ioscheduler"
	"github.com/vmmcore/core/pkg/mmu"
)

var gpuLog = logrus.WithField("subsystem", "device.gpu")

// SetLogger redirects this package's log output.
func SetLogger(logger *logrus.Entry) {
	if logger != nil {
		gpuLog = logger.WithField("subsystem", "device.gpu")
	}
}

const queueControl = 0

// Command types, the 2D subset of the real virtio-gpu control-queue
// protocol. 3D/virgl opcodes (VIRTIO_GPU_CMD_CTX_*, RESOURCE_CREATE_3D,
// SUBMIT_3D, ...) are deliberately not implemented.
const (
	CmdGetDisplayInfo        uint32 = 0x0100
	CmdResourceCreate2D      uint32 = 0x0101
	CmdResourceUnref         uint32 = 0x0102
	CmdSetScanout            uint32 = 0x0103
	CmdResourceFlush         uint32 = 0x0104
	CmdTransferToHost2D      uint32 = 0x0105
	CmdResourceAttachBacking uint32 = 0x0106
)

// Response types.
const (
	RespOkNodata       uint32 = 0x1100
	RespOkDisplayInfo  uint32 = 0x1101
	RespErrUnspec      uint32 = 0x1200
	RespErrInvalidRes  uint32 = 0x1203
	RespErrOutOfMemory uint32 = 0x1204
)

const (
	cmdHeaderSize  = 24 // type, flags, fence_id, ctx_id, padding
	maxScanouts    = 1
	backingEntrySz = 16 // addr u64, length u32, padding u32
)

// Rect is a pixel rectangle, the same {x, y, width, height} shape
// SET_SCANOUT/TRANSFER_TO_HOST_2D/RESOURCE_FLUSH all carry.
type Rect struct {
	X, Y, Width, Height uint32
}

type backingEntry struct {
	gpa addr.GPA
	len uint32
}

type resource struct {
	format  uint32
	width   uint32
	height  uint32
	backing []backingEntry
}

// Framebuffer is the host-side display sink a flushed resource's pixel
// data is handed to; a real deployment backs this with an SDL/Wayland
// surface, tests use an in-memory fake.
type Framebuffer interface {
	Present(scanout int, rect Rect, pixels []byte) error
}

// Device is a minimal VirtIO GPU device with a single control queue.
type Device struct {
	id    uint32
	ram   *device.GuestRAM
	fb    Framebuffer
	ctrl  *device.Queue
	sched *ioscheduler.Scheduler
	regs  *device.MMIORegisters

	mu        sync.Mutex
	resources map[uint32]*resource
	scanouts  [maxScanouts]struct {
		resourceID uint32
		rect       Rect
	}
	displayW, displayH uint32
}

// New constructs a GPU device with a single display mode of
// displayW x displayH advertised via GET_DISPLAY_INFO.
func New(deviceID uint32, ram *device.GuestRAM, fb Framebuffer, ctrl *device.Queue, sched *ioscheduler.Scheduler, displayW, displayH uint32) *Device {
	return &Device{
		id:        deviceID,
		ram:       ram,
		fb:        fb,
		ctrl:      ctrl,
		sched:     sched,
		resources: make(map[uint32]*resource),
		displayW:  displayW,
		displayH:  displayH,
	}
}

// DeviceID implements device.Device.
func (d *Device) DeviceID() uint32 { return d.id }

// NumQueues implements device.Device.
func (d *Device) NumQueues() int { return 1 }

// GetQueue implements device.Device.
func (d *Device) GetQueue(i int) *device.Queue { return d.ctrl }

// BindRegisters implements device.InterruptRaiser.
func (d *Device) BindRegisters(r *device.MMIORegisters) { d.regs = r }

// m is unused: the control queue's command/response buffers are
// addressed in guest-physical space via GuestRAM, never guest-virtual.
func (d *Device) ProcessQueues(m *mmu.SoftMMU) error {
	popFn := d.ram.PopFunc(d.ctrl.AvailRing(), d.ctrl.Size())
	for {
		chain, err := d.ctrl.Pop(popFn)
		if err != nil {
			return err
		}
		if chain == nil {
			return nil
		}
		if err := d.handle(chain); err != nil {
			return err
		}
	}
}

func (d *Device) handle(chain *device.DescChain) error {
	if len(chain.Descs) < 2 {
		return errors.New("gpu: command chain needs a request and a response descriptor")
	}
	req := chain.Descs[0]
	resp := chain.Descs[len(chain.Descs)-1]

	hdr, err := d.ram.ReadBytes(req.Addr, cmdHeaderSize)
	if err != nil {
		return err
	}
	cmdType := binary.LittleEndian.Uint32(hdr[0:4])
	body, err := d.ram.ReadBytes(req.Addr.AddOffset(cmdHeaderSize), int(req.Len)-cmdHeaderSize)
	if err != nil {
		return err
	}

	// RESOURCE_FLUSH is the one command that reaches a host display
	// sink, which may block on vsync; everything else is an in-memory
	// bookkeeping update and stays synchronous.
	if cmdType == CmdResourceFlush {
		_, _, err := d.sched.Submit(ioscheduler.Request{
			Device:   d.id,
			Op:       ioscheduler.OpWrite,
			Priority: ioscheduler.Normal,
			Backend:  &flushBackend{d: d, chain: chain, body: body, resp: resp},
		})
		return err
	}

	respType := d.dispatch(cmdType, body)
	return d.writeResponse(chain, resp, respType)
}

func (d *Device) dispatch(cmdType uint32, body []byte) uint32 {
	d.mu.Lock()
	defer d.mu.Unlock()

	switch cmdType {
	case CmdGetDisplayInfo:
		return RespOkDisplayInfo

	case CmdResourceCreate2D:
		if len(body) < 16 {
			return RespErrUnspec
		}
		id := binary.LittleEndian.Uint32(body[0:4])
		d.resources[id] = &resource{
			format: binary.LittleEndian.Uint32(body[4:8]),
			width:  binary.LittleEndian.Uint32(body[8:12]),
			height: binary.LittleEndian.Uint32(body[12:16]),
		}
		return RespOkNodata

	case CmdResourceUnref:
		if len(body) < 4 {
			return RespErrUnspec
		}
		delete(d.resources, binary.LittleEndian.Uint32(body[0:4]))
		return RespOkNodata

	case CmdResourceAttachBacking:
		if len(body) < 8 {
			return RespErrUnspec
		}
		id := binary.LittleEndian.Uint32(body[0:4])
		res, ok := d.resources[id]
		if !ok {
			return RespErrInvalidRes
		}
		count := binary.LittleEndian.Uint32(body[4:8])
		entries := body[8:]
		res.backing = res.backing[:0]
		for i := uint32(0); i < count; i++ {
			off := int(i) * backingEntrySz
			if off+backingEntrySz > len(entries) {
				return RespErrUnspec
			}
			res.backing = append(res.backing, backingEntry{
				gpa: addr.GPA(binary.LittleEndian.Uint64(entries[off : off+8])),
				len: binary.LittleEndian.Uint32(entries[off+8 : off+12]),
			})
		}
		return RespOkNodata

	case CmdSetScanout:
		// body: {rect Rect, scanout_id u32, resource_id u32}
		if len(body) < 24 {
			return RespErrUnspec
		}
		scanoutID := binary.LittleEndian.Uint32(body[16:20])
		if scanoutID >= maxScanouts {
			return RespErrUnspec
		}
		resourceID := binary.LittleEndian.Uint32(body[20:24])
		if resourceID != 0 {
			if _, ok := d.resources[resourceID]; !ok {
				return RespErrInvalidRes
			}
		}
		d.scanouts[scanoutID].resourceID = resourceID
		d.scanouts[scanoutID].rect = decodeRect(body[0:16])
		return RespOkNodata

	case CmdTransferToHost2D:
		if len(body) < 28 {
			return RespErrUnspec
		}
		resourceID := binary.LittleEndian.Uint32(body[24:28])
		if _, ok := d.resources[resourceID]; !ok {
			return RespErrInvalidRes
		}
		return RespOkNodata

	default:
		return RespErrUnspec
	}
}

func decodeRect(b []byte) Rect {
	return Rect{
		X:      binary.LittleEndian.Uint32(b[0:4]),
		Y:      binary.LittleEndian.Uint32(b[4:8]),
		Width:  binary.LittleEndian.Uint32(b[8:12]),
		Height: binary.LittleEndian.Uint32(b[12:16]),
	}
}

type flushBackend struct {
	d     *Device
	chain *device.DescChain
	body  []byte
	resp  device.Descriptor
}

func (b *flushBackend) Do(ctx context.Context, _ ioscheduler.Request) error {
	d := b.d
	if len(b.body) < 20 {
		return d.writeResponse(b.chain, b.resp, RespErrUnspec)
	}
	rect := decodeRect(b.body[0:16])
	resourceID := binary.LittleEndian.Uint32(b.body[16:20])

	d.mu.Lock()
	res, ok := d.resources[resourceID]
	d.mu.Unlock()
	if !ok {
		return d.writeResponse(b.chain, b.resp, RespErrInvalidRes)
	}

	pixels, err := d.gatherBacking(res)
	if err != nil {
		return err
	}
	if err := d.fb.Present(0, rect, pixels); err != nil {
		return errors.Wrap(err, "gpu: framebuffer present failed")
	}
	return d.writeResponse(b.chain, b.resp, RespOkNodata)
}

// gatherBacking reads a resource's full backing storage into one
// contiguous buffer, concatenating its attached guest pages in order.
func (d *Device) gatherBacking(res *resource) ([]byte, error) {
	var out []byte
	for _, entry := range res.backing {
		buf, err := d.ram.ReadBytes(entry.gpa, int(entry.len))
		if err != nil {
			return nil, err
		}
		out = append(out, buf...)
	}
	return out, nil
}

func (d *Device) writeResponse(chain *device.DescChain, resp device.Descriptor, respType uint32) error {
	buf := make([]byte, cmdHeaderSize)
	binary.LittleEndian.PutUint32(buf[0:4], respType)
	if respType == RespOkDisplayInfo {
		buf = append(buf, d.encodeDisplayInfo()...)
	}
	if err := d.ram.WriteBytes(resp.Addr, buf); err != nil {
		return err
	}

	pushFn := d.ram.PushUsedFunc(d.ctrl.UsedRing(), d.ctrl.Size())
	d.ctrl.PushUsed(pushFn, chain.HeadIndex, uint32(len(buf)))
	if d.regs != nil {
		d.regs.RaiseInterrupt()
	}
	return nil
}

// encodeDisplayInfo serializes the single enabled pmode this device
// advertises: {rect, enabled, flags}.
func (d *Device) encodeDisplayInfo() []byte {
	out := make([]byte, 24)
	binary.LittleEndian.PutUint32(out[0:4], 0)
	binary.LittleEndian.PutUint32(out[4:8], 0)
	binary.LittleEndian.PutUint32(out[8:12], d.displayW)
	binary.LittleEndian.PutUint32(out[12:16], d.displayH)
	binary.LittleEndian.PutUint32(out[16:20], 1) // enabled
	binary.LittleEndian.PutUint32(out[20:24], 0) // flags
	return out
}
