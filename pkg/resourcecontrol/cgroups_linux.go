//go:build linux

// Copyright (c) 2021-2022 Apple Inc.
//
// SPDX-License-Identifier: Apache-2.0
//

package resourcecontrol

import (
	"fmt"
	"sync"

	"github.com/containerd/cgroups"
	specs "github.com/opencontainers/runtime-spec/specs-go"
	"golang.org/x/sys/unix"
)

// CurrentThreadID returns the calling OS thread's id, for AddThread. The
// caller must have called runtime.LockOSThread first, or the id may refer
// to a different thread by the time AddThread processes it.
func CurrentThreadID() int {
	return unix.Gettid()
}

const (
	// poolCgroupPrefix namespaces our pool cgroups away from anything a
	// container runtime on the same host might create, the way
	// CgroupKataPrefix does for sandbox cgroups.
	poolCgroupPrefix = "vmmcore"
)

type linuxPoolController struct {
	cgroup cgroups.Cgroup
	path   string

	sync.Mutex
}

// NewPoolController creates (or attaches to) a cgroup scoping the named
// worker pool, e.g. "jit-compile" or "io-workers".
func NewPoolController(name string) (PoolController, error) {
	path := fmt.Sprintf("/%s/%s", poolCgroupPrefix, name)

	cg, err := cgroups.New(cgroups.V1, cgroups.StaticPath(path), &specs.LinuxResources{})
	if err != nil {
		return nil, err
	}

	return &linuxPoolController{cgroup: cg, path: path}, nil
}

func (c *linuxPoolController) Type() ControllerType {
	return LinuxCgroups
}

func (c *linuxPoolController) ID() string {
	return c.path
}

func (c *linuxPoolController) AddThread(tid int) error {
	c.Lock()
	defer c.Unlock()
	return c.cgroup.Add(cgroups.Process{Pid: tid})
}

func (c *linuxPoolController) SetCPUSet(cpus, mems string) error {
	c.Lock()
	defer c.Unlock()
	return c.cgroup.Update(&specs.LinuxResources{
		CPU: &specs.LinuxCPU{
			Cpus: cpus,
			Mems: mems,
		},
	})
}

func (c *linuxPoolController) Stat() (interface{}, error) {
	c.Lock()
	defer c.Unlock()
	return c.cgroup.Stat()
}

func (c *linuxPoolController) Delete() error {
	c.Lock()
	defer c.Unlock()
	return c.cgroup.Delete()
}
