// Copyright 2017 The go-interpreter Authors.  All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package emit

import (
	"github.com/dbt86/x86dbt/decode"
	"github.com/dbt86/x86dbt/guest"
	"github.com/dbt86/x86dbt/memsys"
	"github.com/dbt86/x86dbt/tc"
)

// Op is one already-decoded, translation-time-bound unit of work a
// compiled block performs at guest-execution time: the Go-closure
// stand-in for a run of emitted machine instructions between two
// control-transfer points. executing is the tc.Block the op is running
// inside of, threaded through so a guest store can report itself to
// tc.Cache.Invalidate as the self-hit candidate (spec.md section 4.2
// step 5); the returned tc.HostEvent lets such a store unwind the
// dispatcher the same way a control-transfer terminator would, instead
// of panicking mid-block.
type Op func(ctx *guest.Context, mem memsys.Subsystem, executing *tc.Block) tc.HostEvent

// ClosureBackend lowers a straight-line run of decode.Instr values into
// a []Op. It is the backend translate uses, so translate and dispatch
// can be exercised end to end without a native assembler on the test
// host. It lowers nop, the ALU mnemonics and the moffs stores (see
// EmitOp); the ALU ops record only the lazy-flags class and size, not a
// result, and every other mnemonic, mov included, becomes a no-op.
type ClosureBackend struct {
	mem   memsys.Subsystem
	cache *tc.Cache
}

// NewClosureBackend returns a backend whose emitted blocks read and
// write guest memory through mem, invalidating cache's page index and
// code cache (spec.md section 4.2) on a guest store that overwrites
// live translated code. cache may be nil, for callers (such as this
// package's own tests) that only exercise non-store ops.
func NewClosureBackend(mem memsys.Subsystem, cache *tc.Cache) *ClosureBackend {
	return &ClosureBackend{mem: mem, cache: cache}
}

// EmitOp lowers one decoded straight-line instruction (decode.ClassOther)
// into an Op. Unsupported mnemonics are lowered to a no-op; the
// decoder's own opcode table is the actual coverage boundary.
func (b *ClosureBackend) EmitOp(in decode.Instr) Op {
	switch in.Mnemonic {
	case "nop":
		return func(*guest.Context, memsys.Subsystem, *tc.Block) tc.HostEvent { return tc.EventNone }
	case "add", "sub", "xor", "and", "or", "cmp":
		op := aluOpClass(in.Mnemonic)
		size := guest.Size32
		if in.OpSize == 16 {
			size = guest.Size16
		}
		return func(ctx *guest.Context, _ memsys.Subsystem, _ *tc.Block) tc.HostEvent {
			ctx.Lazy.Class = op
			ctx.Lazy.Size = size
			return tc.EventNone
		}
	case "mov_store8":
		addr := in.Moffs
		return func(ctx *guest.Context, mem memsys.Subsystem, executing *tc.Block) tc.HostEvent {
			return b.store(ctx, mem, executing, addr, 1, func(phys uint32) {
				mem.MemWrite8(ctx, phys, uint8(ctx.Regs.Get(guest.EAX)))
			})
		}
	case "mov_store32":
		addr := in.Moffs
		size := uint32(4)
		return func(ctx *guest.Context, mem memsys.Subsystem, executing *tc.Block) tc.HostEvent {
			return b.store(ctx, mem, executing, addr, size, func(phys uint32) {
				mem.MemWrite32(ctx, phys, ctx.Regs.Get(guest.EAX))
			})
		}
	default:
		return func(*guest.Context, memsys.Subsystem, *tc.Block) tc.HostEvent { return tc.EventNone }
	}
}

// store performs a guest write at addr through mem, then applies the
// SMC protocol (spec.md section 4.2 step 5): a write that lands on a
// page marked CODE invalidates every overlapping translation, and if
// the currently executing block is among the victims the dispatcher
// must not return into it, so store reports EventHaltTC instead of
// letting PtrCode fall through to its normal successor.
func (b *ClosureBackend) store(ctx *guest.Context, mem memsys.Subsystem, executing *tc.Block, addr, size uint32, write func(phys uint32)) tc.HostEvent {
	phys, isCode := mem.GetWriteAddr(ctx, addr)
	write(phys)
	if !isCode || b.cache == nil {
		return tc.EventNone
	}
	if b.cache.Invalidate(phys, size, executing, &ctx.TLB) {
		return tc.EventHaltTC
	}
	return tc.EventNone
}

func aluOpClass(mnemonic string) guest.OpClass {
	switch mnemonic {
	case "add":
		return guest.OpAdd
	case "sub", "cmp":
		return guest.OpSub
	case "and":
		return guest.OpAnd
	case "xor":
		return guest.OpXor
	case "or":
		return guest.OpOr
	}
	return guest.OpNone
}

// Build assembles ops (the straight-line body) into a tc.BlockEntry
// that runs them with a nil executing block, adds advancePC to
// ctx.Regs.EIP, and returns (nil, EventNone), handing the successor
// choice back to the dispatcher. exitSlot is not consulted; no patch
// site is read.
func Build(ops []Op, mem memsys.Subsystem, advancePC uint32, exitSlot int) tc.BlockEntry {
	body := make([]Op, len(ops))
	copy(body, ops)

	return func(ctx *guest.Context) (*tc.Block, tc.HostEvent) {
		for _, op := range body {
			if ev := op(ctx, mem, nil); ev != tc.EventNone {
				return nil, ev
			}
		}
		ctx.Regs.EIP += advancePC
		return nil, tc.EventNone
	}
}
