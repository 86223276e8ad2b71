// Copyright (c) 2018 Intel Corporation
//
// SPDX-License-Identifier: Apache-2.0
//

// Package gc is the JIT runtime's internal collector, scoped to
// objects the runtime itself owns — code caches, inline-cache tables,
// profile records, compiled-code backing storage — never guest memory.
package gc

import (
	"runtime"
	"sync/atomic"

	"github.com/sirupsen/logrus"
)

var gcLog = logrus.WithField("subsystem", "gc")

// SetLogger redirects this package's log output.
func SetLogger(logger *logrus.Entry) {
	if logger != nil {
		gcLog = logger.WithField("subsystem", "gc")
	}
}

// pollAmortize is how many Poll calls a Safepoint skips the atomic load
// on before actually checking the shared flag, amortizing its cost
// across the hot loop back-edges and call boundaries that invoke it.
const pollAmortize = 256

// Safepoint is carried by each vCPU thread. Poll is cheap on the common
// path (a counter increment) and only touches the shared flag once
// every pollAmortize calls.
type Safepoint struct {
	counter uint32
	flag    *atomic.Bool
	arrive  *atomic.Int32
	release *atomic.Bool
}

func newSafepoint(flag *atomic.Bool, arrive *atomic.Int32, release *atomic.Bool) *Safepoint {
	return &Safepoint{flag: flag, arrive: arrive, release: release}
}

// Poll should be invoked at loop back-edges, on method entry/exit, and
// before allocation. It blocks only while a collection request is
// pending and this thread has not yet been released.
func (s *Safepoint) Poll() {
	s.counter++
	if s.counter < pollAmortize {
		return
	}
	s.counter = 0
	if !s.flag.Load() {
		return
	}

	s.arrive.Add(1)
	for s.flag.Load() && !s.release.Load() {
		runtime.Gosched()
	}
}
