// Copyright (c) 2018 Intel Corporation
//
// SPDX-License-Identifier: Apache-2.0
//

package gc

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
)

// ErrSafepointTimeout is returned when fewer than the registered thread
// count reach their safepoint before the bounded timeout elapses. The
// caller must treat this as fatal per §4.E: a collection cannot safely
// proceed with a thread unaccounted for.
var ErrSafepointTimeout = errors.New("gc: safepoint convergence timed out")

// Coordinator brings every registered vCPU thread to a safepoint before
// a collection phase begins, and releases them once it ends.
type Coordinator struct {
	flag    atomic.Bool
	arrive  atomic.Int32
	release atomic.Bool

	mu      sync.Mutex
	threads int32
}

// NewCoordinator returns a Coordinator with no registered threads yet;
// each vCPU calls RegisterThread once at startup.
func NewCoordinator() *Coordinator {
	return &Coordinator{}
}

// RegisterThread hands back a Safepoint the calling vCPU thread should
// poll from its dispatch loop, and counts it toward convergence.
func (c *Coordinator) RegisterThread() *Safepoint {
	c.mu.Lock()
	c.threads++
	c.mu.Unlock()
	return newSafepoint(&c.flag, &c.arrive, &c.release)
}

// UnregisterThread removes a thread from the convergence count, e.g. on
// vCPU shutdown, so a stop request doesn't wait on a thread that will
// never poll again.
func (c *Coordinator) UnregisterThread() {
	c.mu.Lock()
	c.threads--
	c.mu.Unlock()
}

// StopTheWorld raises the safepoint flag and blocks until every
// registered thread has arrived or timeout elapses, per §4.E ("the
// collector starts once the counter equals the thread count or a
// bounded timeout elapses, fatal if exceeded").
func (c *Coordinator) StopTheWorld(timeout time.Duration) error {
	c.arrive.Store(0)
	c.release.Store(false)
	c.flag.Store(true)

	c.mu.Lock()
	want := c.threads
	c.mu.Unlock()

	deadline := time.Now().Add(timeout)
	for c.arrive.Load() < want {
		if time.Now().After(deadline) {
			return errors.Wrapf(ErrSafepointTimeout, "arrived %d of %d threads", c.arrive.Load(), want)
		}
		time.Sleep(time.Microsecond * 50)
	}
	return nil
}

// Resume releases every thread parked in Poll and lowers the safepoint
// flag so future polls return immediately on the fast path.
func (c *Coordinator) Resume() {
	c.release.Store(true)
	c.flag.Store(false)
}
