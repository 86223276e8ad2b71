// Copyright (c) 2018 Intel Corporation
//
// SPDX-License-Identifier: Apache-2.0
//

package aot

import (
	"fmt"
	"io"

	"github.com/fxamacker/cbor/v2"
	"github.com/klauspost/compress/zstd"

	"github.com/vmmcore/core/pkg/addr"
	"github.com/vmmcore/core/pkg/ir"
)

// persistVersion guards the on-disk record shape. §4.D.3 calls the
// persisted cache "opaque, versioned, fingerprinted" — a version
// mismatch on load is refused rather than guessed at.
const persistVersion uint8 = 1

type persistedEntry struct {
	PC          addr.GVA
	Fingerprint Fingerprint
	EntryOffset uint32
	Level       ir.OptimizationLevel
	Metadata    ir.CompiledMetadata
	Compressed  []byte
}

type persistedCache struct {
	Version uint8
	Entries []persistedEntry
}

// Persist writes every locally cached entry to w, zstd-compressing each
// form's code bytes since a populated cache can hold a large number of
// blocks across a long-running guest.
func (c *Cache) Persist(w io.Writer) error {
	enc, err := zstd.NewWriter(nil)
	if err != nil {
		return err
	}
	defer enc.Close()

	c.mu.RLock()
	pc := persistedCache{Version: persistVersion, Entries: make([]persistedEntry, 0, len(c.entries))}
	for gva, e := range c.entries {
		pc.Entries = append(pc.Entries, persistedEntry{
			PC:          gva,
			Fingerprint: e.fingerprint,
			EntryOffset: e.form.EntryOffset,
			Level:       e.form.Level,
			Metadata:    e.form.Metadata,
			Compressed:  enc.EncodeAll(e.form.CodeBytes, nil),
		})
	}
	c.mu.RUnlock()

	data, err := cbor.Marshal(pc)
	if err != nil {
		return err
	}
	_, err = w.Write(data)
	return err
}

// Load replaces the cache's local entries with the contents read from r.
// Remote lookup configuration is untouched.
func (c *Cache) Load(r io.Reader) error {
	data, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	var pc persistedCache
	if err := cbor.Unmarshal(data, &pc); err != nil {
		return err
	}
	if pc.Version != persistVersion {
		return &versionMismatchError{got: pc.Version, want: persistVersion}
	}

	dec, err := zstd.NewReader(nil)
	if err != nil {
		return err
	}
	defer dec.Close()

	entries := make(map[addr.GVA]entry, len(pc.Entries))
	for _, pe := range pc.Entries {
		code, err := dec.DecodeAll(pe.Compressed, nil)
		if err != nil {
			return err
		}
		entries[pe.PC] = entry{
			fingerprint: pe.Fingerprint,
			form: &ir.CompiledForm{
				CodeBytes:   code,
				EntryOffset: pe.EntryOffset,
				Level:       pe.Level,
				Metadata:    pe.Metadata,
			},
		}
	}

	c.mu.Lock()
	c.entries = entries
	c.mu.Unlock()
	return nil
}

type versionMismatchError struct{ got, want uint8 }

func (e *versionMismatchError) Error() string {
	return fmt.Sprintf("aot: persisted cache version %d, want %d", e.got, e.want)
}
