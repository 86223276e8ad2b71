// Copyright (c) 2021 Apple Inc.
//
// SPDX-License-Identifier: Apache-2.0
//

// Package resourcecontrol pins and accounts for the OS threads the core
// hands out to its background thread pools: the JIT compile pool
// (jit.TaskCategory) and the async I/O worker pool (the pkg/ioscheduler
// worker goroutines).
// vCPU threads are never placed under a controller here — each vCPU
// thread owns dedicated host resources for the lifetime of the guest and
// pinning it is a host-deployment concern external to the core.
package resourcecontrol

import "github.com/sirupsen/logrus"

var controllerLogger = logrus.WithField("subsystem", "resourcecontrol")

// SetLogger overrides the package logger.
func SetLogger(logger *logrus.Entry) {
	controllerLogger = logger.WithField("subsystem", "resourcecontrol")
}

// ControllerType identifies the host resource-control backend in use.
type ControllerType string

const (
	// LinuxCgroups scopes a pool to a cgroup in the v1 hierarchy.
	LinuxCgroups ControllerType = "cgroups"
	// NoopController is used on hosts with no resource-control backend (e.g. Darwin).
	NoopController ControllerType = "noop"
)

// PoolController scopes and accounts for the OS threads backing one
// background worker pool.
type PoolController interface {
	// Type reports which backend implements this controller.
	Type() ControllerType

	// ID is the controller's identifier (e.g. a cgroup path).
	ID() string

	// AddThread places a newly spawned worker thread under this controller.
	AddThread(tid int) error

	// SetCPUSet pins the pool to a specific set of host CPUs and NUMA nodes.
	SetCPUSet(cpus, mems string) error

	// Stat returns backend-specific usage statistics (cpu.stat, memory.current, ...).
	Stat() (interface{}, error)

	// Delete tears down the controller; threads already added are released
	// back to the default scope.
	Delete() error
}
