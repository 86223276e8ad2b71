// Copyright (c) 2018 Intel Corporation
//
// SPDX-License-Identifier: Apache-2.0
//

package main

import (
	"fmt"
	"sync"

	"github.com/vmmcore/core/pkg/config"
	"github.com/vmmcore/core/pkg/vcpu"
)

// DecoderFactory builds a vcpu.Decoder for one guest, given the
// negotiated guest ABI version from Config. Bit-exact per-ISA decode
// is out of scope for this core; a concrete decoder is a plugin the
// embedder registers for the architectures it actually supports.
type DecoderFactory func(cfg config.Config) (vcpu.Decoder, error)

var (
	decoderRegistryMu sync.Mutex
	decoderRegistry   = map[config.GuestArch]DecoderFactory{}
)

// RegisterDecoder installs factory as the decoder builder for arch. An
// embedder calls this from an init() in its own package before
// invoking the run command; this binary ships with no architecture
// registered.
func RegisterDecoder(arch config.GuestArch, factory DecoderFactory) {
	decoderRegistryMu.Lock()
	defer decoderRegistryMu.Unlock()
	decoderRegistry[arch] = factory
}

// buildDecoder looks up and invokes the factory registered for
// cfg.GuestArch, erroring clearly instead of fabricating a decoder
// when nothing has registered for that architecture.
func buildDecoder(cfg config.Config) (vcpu.Decoder, error) {
	decoderRegistryMu.Lock()
	factory, ok := decoderRegistry[cfg.GuestArch]
	decoderRegistryMu.Unlock()
	if !ok {
		return nil, fmt.Errorf("vmmcore: no decoder registered for guest_arch %q; link an embedder package that calls RegisterDecoder", cfg.GuestArch)
	}
	return factory(cfg)
}
