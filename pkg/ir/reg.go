// Copyright (c) 2018 Intel Corporation
//
// SPDX-License-Identifier: Apache-2.0
//

// Package ir defines the intermediate representation every guest-ISA
// front-end lifts into and every execution engine consumes: Block, Op
// and Term. The representation is architecture-neutral; a front-end's
// only job is to produce it, and an engine's only job is to interpret
// or compile it.
package ir

// Reg is an IR virtual register index. Register 0 is hardwired to the
// zero value on every guest ISA that has one; front-ends that lift an
// ISA without a zero register simply never emit Reg(0) as a destination.
type Reg uint16

const ZeroReg Reg = 0
