//go:build darwin

// Copyright (c) 2022 Apple Inc.
//
// SPDX-License-Identifier: Apache-2.0
//

package resourcecontrol

// CurrentThreadID has no portable meaning without a cgroups-style
// controller to scope; the noop controller's AddThread ignores it.
func CurrentThreadID() int {
	return 0
}

type noopPoolController struct {
	name string
}

// NewPoolController returns a no-op controller on hosts without a cgroups
// equivalent (e.g. Darwin/VZ hosts); pool threads run unscoped.
func NewPoolController(name string) (PoolController, error) {
	return &noopPoolController{name: name}, nil
}

func (c *noopPoolController) Type() ControllerType { return NoopController }
func (c *noopPoolController) ID() string           { return c.name }
func (c *noopPoolController) AddThread(tid int) error {
	return nil
}
func (c *noopPoolController) SetCPUSet(cpus, mems string) error {
	return nil
}
func (c *noopPoolController) Stat() (interface{}, error) {
	return nil, nil
}
func (c *noopPoolController) Delete() error {
	return nil
}
