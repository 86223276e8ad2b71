// Copyright (c) 2018 Intel Corporation
//
// SPDX-License-Identifier: Apache-2.0
//

// Package plic implements the platform-level interrupt controller of
// §4.F: per-source priority, a pending bitmap, per-context enable
// bitmaps and priority thresholds, and per-context claim tracking.
package plic

import (
	"sync"

	"github.com/sirupsen/logrus"
)

var plicLog = logrus.WithField("subsystem", "plic")

// SetLogger redirects this package's log output.
func SetLogger(logger *logrus.Entry) {
	if logger != nil {
		plicLog = logger.WithField("subsystem", "plic")
	}
}

// MaxSources bounds the number of interrupt sources this controller
// tracks, matching the priority register window's 4-byte-per-source
// layout over the 0x000000-0x000FFF offset range (§6).
const MaxSources = 1024

type contextState struct {
	enabled   [MaxSources/64 + 1]uint64
	threshold uint32
	claimed   uint32
	hasClaim  bool
}

// PLIC is the interrupt controller state shared by every vCPU context.
type PLIC struct {
	mu sync.Mutex

	priority [MaxSources]uint32
	pending  [MaxSources/64 + 1]uint64

	contexts map[uint32]*contextState
}

// New returns a PLIC with no sources pending and no contexts registered.
func New() *PLIC {
	return &PLIC{contexts: make(map[uint32]*contextState)}
}

func (p *PLIC) contextFor(ctx uint32) *contextState {
	c, ok := p.contexts[ctx]
	if !ok {
		c = &contextState{}
		p.contexts[ctx] = c
	}
	return c
}

// SetPriority configures source's priority; priority 0 means "never
// interrupts" per the RISC-V PLIC convention this mirrors.
func (p *PLIC) SetPriority(source uint32, priority uint32) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if int(source) < len(p.priority) {
		p.priority[source] = priority
	}
}

// SetEnabled sets whether ctx receives source.
func (p *PLIC) SetEnabled(ctx uint32, source uint32, enabled bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	c := p.contextFor(ctx)
	word, bit := source/64, source%64
	if enabled {
		c.enabled[word] |= 1 << bit
	} else {
		c.enabled[word] &^= 1 << bit
	}
}

// SetThreshold sets ctx's priority threshold: a pending+enabled source
// only interrupts if its priority exceeds this value.
func (p *PLIC) SetThreshold(ctx uint32, threshold uint32) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.contextFor(ctx).threshold = threshold
}

// Trigger marks source pending, e.g. when a device backend completes
// work and wants to interrupt the guest.
func (p *PLIC) Trigger(source uint32) {
	p.mu.Lock()
	defer p.mu.Unlock()
	word, bit := source/64, source%64
	if int(word) < len(p.pending) {
		p.pending[word] |= 1 << bit
	}
}

func (p *PLIC) isPending(source uint32) bool {
	word, bit := source/64, source%64
	return p.pending[word]&(1<<bit) != 0
}

func (p *PLIC) isEnabled(c *contextState, source uint32) bool {
	word, bit := source/64, source%64
	return c.enabled[word]&(1<<bit) != 0
}

// HasInterrupt reports whether ctx has any pending, enabled source
// whose priority exceeds ctx's threshold.
func (p *PLIC) HasInterrupt(ctx uint32) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, found := p.highestPendingLocked(ctx)
	return found
}

func (p *PLIC) highestPendingLocked(ctx uint32) (source uint32, found bool) {
	c := p.contextFor(ctx)
	var bestPriority uint32
	for s := uint32(0); s < MaxSources; s++ {
		if !p.isPending(s) || !p.isEnabled(c, s) {
			continue
		}
		pr := p.priority[s]
		if pr <= c.threshold {
			continue
		}
		if !found || pr > bestPriority {
			source, bestPriority, found = s, pr, true
		}
	}
	return source, found
}

// Claim atomically selects the highest-priority interrupting source for
// ctx, clears its pending bit, and records it as claimed.
func (p *PLIC) Claim(ctx uint32) (source uint32, ok bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	src, found := p.highestPendingLocked(ctx)
	if !found {
		return 0, false
	}
	word, bit := src/64, src%64
	p.pending[word] &^= 1 << bit

	c := p.contextFor(ctx)
	c.claimed, c.hasClaim = src, true
	return src, true
}

// Complete clears ctx's record of its claim on source. Trigger, Claim
// and HasInterrupt do not consult that record, so a claimed source can
// be triggered and claimed again before it is completed.
func (p *PLIC) Complete(ctx uint32, source uint32) {
	p.mu.Lock()
	defer p.mu.Unlock()
	c := p.contextFor(ctx)
	if c.hasClaim && c.claimed == source {
		c.hasClaim = false
	}
}
