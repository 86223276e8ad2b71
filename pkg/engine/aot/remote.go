// Copyright (c) 2018 Intel Corporation
//
// SPDX-License-Identifier: Apache-2.0
//

package aot

import (
	"context"
	"encoding/hex"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/pkg/errors"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/vmmcore/core/pkg/addr"
	"github.com/vmmcore/core/pkg/ir"
)

// remoteCacheLookupMethod is the RPC a remote AOT cache server exposes:
// it takes a hex-encoded "pc:fingerprint" key and returns the cbor-encoded
// compiled form, or an empty value on miss. This mirrors the teacher's
// grpccache factory, which resolves a base VM through a single Invoke
// call rather than a hand-maintained stream protocol.
const remoteCacheLookupMethod = "/vmmcore.aot.Cache/Lookup"

// GRPCRemote is an optional remote AOT cache client, used when the
// local cache misses and a peer node may already hold a compiled form
// for the same fingerprint.
type GRPCRemote struct {
	conn    *grpc.ClientConn
	timeout time.Duration
}

// DialGRPCRemote connects to a remote AOT cache server at endpoint.
func DialGRPCRemote(endpoint string, timeout time.Duration) (*GRPCRemote, error) {
	conn, err := grpc.NewClient(endpoint, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, errors.Wrapf(err, "failed to dial remote aot cache %q", endpoint)
	}
	return &GRPCRemote{conn: conn, timeout: timeout}, nil
}

// Close releases the underlying connection.
func (g *GRPCRemote) Close() error { return g.conn.Close() }

// Lookup implements RemoteLookup by invoking the remote cache's Lookup
// RPC with the (pc, fingerprint) pair encoded as a single key.
func (g *GRPCRemote) Lookup(pc addr.GVA, fp Fingerprint) (*ir.CompiledForm, bool) {
	ctx, cancel := context.WithTimeout(context.Background(), g.timeout)
	defer cancel()

	req := wrapperspb.String(encodeRemoteKey(pc, fp))
	var reply wrapperspb.BytesValue
	if err := g.conn.Invoke(ctx, remoteCacheLookupMethod, req, &reply); err != nil {
		aotLog.WithError(err).WithField("pc", pc).Debug("remote aot lookup failed")
		return nil, false
	}
	if len(reply.Value) == 0 {
		return nil, false
	}

	var decoded struct {
		Version uint8
		StartPC addr.GVA
		Ops     []ir.Op
		Term    ir.Term
		Level   ir.OptimizationLevel
	}
	if err := cbor.Unmarshal(reply.Value, &decoded); err != nil {
		aotLog.WithError(err).WithField("pc", pc).Warn("remote aot lookup returned undecodable form")
		return nil, false
	}
	return &ir.CompiledForm{CodeBytes: reply.Value, Level: decoded.Level}, true
}

func encodeRemoteKey(pc addr.GVA, fp Fingerprint) string {
	return hex.EncodeToString([]byte{
		byte(pc >> 56), byte(pc >> 48), byte(pc >> 40), byte(pc >> 32),
		byte(pc >> 24), byte(pc >> 16), byte(pc >> 8), byte(pc),
	}) + ":" + hex.EncodeToString(fp[:])
}
