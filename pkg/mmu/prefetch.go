// Copyright (c) 2018 Intel Corporation
//
// SPDX-License-Identifier: Apache-2.0
//

package mmu

import "github.com/vmmcore/core/pkg/addr"

// DefaultPrefetchDistance is the number of pages enqueued after a
// sequential miss pattern is detected, per spec guidance of 4-8 pages.
const DefaultPrefetchDistance = 4

type prefetchRequest struct {
	vpn    uint64
	asid   uint16
	access addr.AccessType
	size   addr.PageSize
}

// prefetcher walks ahead of a detected sequential access pattern and
// warms the L2 with the next K pages. It never surfaces errors: a
// prefetch miss is silently dropped, per spec ("prefetch failures are
// silent").
type prefetcher struct {
	requests chan prefetchRequest
	done     chan struct{}
}

func newPrefetcher(walker Walker, l2 *L2, distance int, workers int) *prefetcher {
	if distance <= 0 {
		distance = DefaultPrefetchDistance
	}
	if workers <= 0 {
		workers = 1
	}
	p := &prefetcher{
		requests: make(chan prefetchRequest, distance*8),
		done:     make(chan struct{}),
	}
	for i := 0; i < workers; i++ {
		go p.run(walker, l2, distance)
	}
	return p
}

func (p *prefetcher) run(walker Walker, l2 *L2, distance int) {
	for {
		select {
		case req, ok := <-p.requests:
			if !ok {
				return
			}
			p.drive(walker, l2, req, distance)
		case <-p.done:
			return
		}
	}
}

func (p *prefetcher) drive(walker Walker, l2 *L2, req prefetchRequest, distance int) {
	shift := pageShiftFor(req.size)
	for k := 1; k <= distance; k++ {
		vpn := req.vpn + uint64(k)
		gva := addr.GVA(vpn << shift)
		gpa, flags, size, err := walker.Walk(gva, req.access, req.asid)
		if err != nil {
			return
		}
		l2.Insert(entry{
			vpn:      vpn,
			ppn:      gpa.PPN(size),
			flags:    flags,
			asid:     req.asid,
			pageSize: size,
			valid:    true,
		})
	}
}

// enqueue submits a sequential-pattern follow-up. It never blocks the
// caller: a full queue silently drops the request.
func (p *prefetcher) enqueue(req prefetchRequest) {
	select {
	case p.requests <- req:
	default:
	}
}

func (p *prefetcher) close() {
	close(p.done)
}

func pageShiftFor(size addr.PageSize) uint {
	return size.Shift()
}
