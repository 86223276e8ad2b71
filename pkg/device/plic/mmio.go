// Copyright (c) 2018 Intel Corporation
//
// SPDX-License-Identifier: Apache-2.0
//

package plic

import "github.com/pkg/errors"

// MMIO register windows, per §6.
const (
	priorityBase      = 0x000000
	priorityEnd       = 0x000FFF
	pendingBase       = 0x001000
	pendingEnd        = 0x001FFF
	enableBase        = 0x002000
	enableEnd         = 0x1FFFFF
	enableStride      = 0x80
	contextBase       = 0x200000
	contextStride     = 0x1000
	contextThreshold  = 0x0000
	contextClaim      = 0x0004
)

// ReadU32 services a guest MMIO read against the PLIC's register window.
func (p *PLIC) ReadU32(offset uint64) (uint32, error) {
	switch {
	case offset >= priorityBase && offset <= priorityEnd:
		source := uint32(offset-priorityBase) / 4
		p.mu.Lock()
		defer p.mu.Unlock()
		if int(source) >= len(p.priority) {
			return 0, nil
		}
		return p.priority[source], nil

	case offset >= pendingBase && offset <= pendingEnd:
		word := uint32(offset-pendingBase) / 8
		p.mu.Lock()
		defer p.mu.Unlock()
		if int(word) >= len(p.pending) {
			return 0, nil
		}
		return uint32(p.pending[word]), nil

	case offset >= enableBase && offset <= enableEnd:
		ctx, word := enableLocation(offset)
		p.mu.Lock()
		defer p.mu.Unlock()
		c := p.contextFor(ctx)
		if int(word) >= len(c.enabled) {
			return 0, nil
		}
		return uint32(c.enabled[word]), nil

	case offset >= contextBase:
		ctx, sub := contextLocation(offset)
		switch sub {
		case contextThreshold:
			p.mu.Lock()
			defer p.mu.Unlock()
			return p.contextFor(ctx).threshold, nil
		case contextClaim:
			source, _ := p.Claim(ctx)
			return source, nil
		}
	}
	return 0, errors.Errorf("plic: unmapped mmio read at offset 0x%x", offset)
}

// WriteU32 services a guest MMIO write against the PLIC's register window.
func (p *PLIC) WriteU32(offset uint64, value uint32) error {
	switch {
	case offset >= priorityBase && offset <= priorityEnd:
		source := uint32(offset-priorityBase) / 4
		p.SetPriority(source, value)
		return nil

	case offset >= enableBase && offset <= enableEnd:
		ctx, word := enableLocation(offset)
		p.mu.Lock()
		c := p.contextFor(ctx)
		if int(word) < len(c.enabled) {
			c.enabled[word] = uint64(value)
		}
		p.mu.Unlock()
		return nil

	case offset >= contextBase:
		ctx, sub := contextLocation(offset)
		switch sub {
		case contextThreshold:
			p.SetThreshold(ctx, value)
			return nil
		case contextClaim:
			p.Complete(ctx, value)
			return nil
		}
	}
	return errors.Errorf("plic: unmapped mmio write at offset 0x%x", offset)
}

func enableLocation(offset uint64) (ctx uint32, word uint32) {
	rel := offset - enableBase
	ctx = uint32(rel / enableStride)
	word = uint32(rel%enableStride) / 8
	return
}

func contextLocation(offset uint64) (ctx uint32, sub uint64) {
	rel := offset - contextBase
	ctx = uint32(rel / contextStride)
	sub = rel % contextStride
	return
}
