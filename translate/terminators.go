// Copyright 2017 The go-interpreter Authors.  All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package translate

import (
	"github.com/dbt86/x86dbt/decode"
	"github.com/dbt86/x86dbt/emit"
	"github.com/dbt86/x86dbt/guest"
	"github.com/dbt86/x86dbt/tc"
)

// terminate lowers the single control-transfer instruction that ends a
// block, wiring the successor slots and link-mode flags described for
// each class in spec.md section 4.4.
func (t *Translator) terminate(csBase, virtPC, startPC, cpuFlags, size uint32, ops []emit.Op, in decode.Instr, curVirt uint32, ctx *guest.Context, opt Options) *tc.Block {
	totalSize := size + uint32(in.Len)
	b := &tc.Block{CSBase: csBase, VirtPC: virtPC, PC: startPC, CPUFlags: cpuFlags, Size: totalSize}
	body := append([]emit.Op(nil), ops...)
	nextVirt := curVirt + uint32(in.Len)

	switch in.Class {
	case decode.ClassJmpRel:
		target := uint32(int64(nextVirt) + int64(in.Rel))
		b.PtrCode = func(ctx *guest.Context) (*tc.Block, tc.HostEvent) {
			if ev := t.run(body, ctx, b); ev != tc.EventNone {
				return b, ev
			}
			ctx.Regs.EIP = target - csBase
			return b.JmpOffset[0](ctx)
		}
		b.Flags = tc.MakeFlags(tc.LinkDirectOnly, 1, tc.TakenDstPC)
		b.LinkTargets[0] = target

	case decode.ClassJccRel:
		target := uint32(int64(nextVirt) + int64(in.Rel))
		cc := in.Cond
		b.PtrCode = func(ctx *guest.Context) (*tc.Block, tc.HostEvent) {
			if ev := t.run(body, ctx, b); ev != tc.EventNone {
				return b, ev
			}
			if evalCond(ctx.Eflags(), cc) {
				ctx.Regs.EIP = target - csBase
				return b.JmpOffset[0](ctx)
			}
			ctx.Regs.EIP = nextVirt - csBase
			return b.JmpOffset[1](ctx)
		}
		b.Flags = tc.MakeFlags(tc.LinkDirectCond, 2, tc.TakenDstPC)
		b.LinkTargets[0] = target
		b.LinkTargets[1] = nextVirt

	case decode.ClassCallRel:
		target := uint32(int64(nextVirt) + int64(in.Rel))
		b.PtrCode = func(ctx *guest.Context) (*tc.Block, tc.HostEvent) {
			if ev := t.run(body, ctx, b); ev != tc.EventNone {
				return b, ev
			}
			t.pushGuest32(ctx, nextVirt)
			ctx.Regs.EIP = target - csBase
			return b.JmpOffset[0](ctx)
		}
		b.Flags = tc.MakeFlags(tc.LinkDirectOnly, 1, tc.TakenDstPC)
		b.LinkTargets[0] = target

	case decode.ClassRet:
		immSz := uint32(in.ImmSz)
		b.PtrCode = func(ctx *guest.Context) (*tc.Block, tc.HostEvent) {
			if ev := t.run(body, ctx, b); ev != tc.EventNone {
				return b, ev
			}
			retAddr := t.popGuest32(ctx)
			ctx.Regs.Set(guest.ESP, ctx.Regs.Get(guest.ESP)+immSz)
			ctx.Regs.EIP = retAddr - csBase
			return b.JmpOffset[2](ctx)
		}
		b.Flags = tc.MakeFlags(tc.LinkRet, 0, tc.TakenRetOnly)

	case decode.ClassHlt:
		// Hardware interrupts are out of scope; without one pending,
		// HLT simply re-enters the dispatcher at the same EIP forever.
		b.PtrCode = func(ctx *guest.Context) (*tc.Block, tc.HostEvent) {
			if ev := t.run(body, ctx, b); ev != tc.EventNone {
				return b, ev
			}
			return b.JmpOffset[2](ctx)
		}
		b.Flags = tc.MakeFlags(tc.LinkNone, 0, tc.TakenNextPC)

	case decode.ClassInt:
		vector := guest.Vector(in.Imm8)
		// A software interrupt pushes the address of the next instruction.
		eip := nextVirt - csBase
		b.PtrCode = func(ctx *guest.Context) (*tc.Block, tc.HostEvent) {
			if ev := t.run(body, ctx, b); ev != tc.EventNone {
				return b, ev
			}
			ctx.Regs.EIP = nextVirt - csBase
			t.Except.Raise(ctx, vector, 0, 0, eip, true)
			return b.JmpOffset[2](ctx)
		}
		b.Flags = tc.MakeFlags(tc.LinkNone, 0, tc.TakenNextPC)

	case decode.ClassIret:
		b.PtrCode = func(ctx *guest.Context) (*tc.Block, tc.HostEvent) {
			if ev := t.run(body, ctx, b); ev != tc.EventNone {
				return b, ev
			}
			t.execIret(ctx)
			return b.JmpOffset[2](ctx)
		}
		b.Flags = tc.MakeFlags(tc.LinkNone, 0, tc.TakenNextPC)

	default:
		b.PtrCode = func(ctx *guest.Context) (*tc.Block, tc.HostEvent) {
			if ev := t.run(body, ctx, b); ev != tc.EventNone {
				return b, ev
			}
			ctx.Regs.EIP = nextVirt - csBase
			return b.JmpOffset[2](ctx)
		}
		b.Flags = tc.MakeFlags(tc.LinkNone, 0, tc.TakenNextPC)
	}

	if opt.OneInstr {
		b.Flags = tc.MakeFlags(tc.LinkNone, 0, tc.TakenNextPC)
	}
	return b
}

// run executes body's ops in order against ctx, stopping at and
// returning the first non-EventNone a store op reports (spec.md section
// 4.2 step 5: a guest write that self-modifies the block it is running
// in must not fall through to that block's now-stale control-transfer
// logic).
func (t *Translator) run(body []emit.Op, ctx *guest.Context, executing *tc.Block) tc.HostEvent {
	for _, op := range body {
		if ev := op(ctx, t.Mem, executing); ev != tc.EventNone {
			return ev
		}
	}
	return tc.EventNone
}

func (t *Translator) pushGuest32(ctx *guest.Context, v uint32) {
	esp := ctx.Regs.Get(guest.ESP) - 4
	ctx.Regs.Set(guest.ESP, esp)
	t.Mem.MemWrite32(ctx, ctx.Regs.SegHid[guest.SS].Base+esp, v)
}

func (t *Translator) popGuest32(ctx *guest.Context) uint32 {
	esp := ctx.Regs.Get(guest.ESP)
	v := t.Mem.MemRead32(ctx, ctx.Regs.SegHid[guest.SS].Base+esp)
	ctx.Regs.Set(guest.ESP, esp+4)
	return v
}

// execIret pops EIP, CS, EFLAGS (the near, same-privilege, 32-bit form;
// protected-mode privilege-level transitions via IRET are not modeled,
// mirroring the original spec's "task gates unimplemented" scoping
// decision for the symmetric entry path).
func (t *Translator) execIret(ctx *guest.Context) {
	eip := t.popGuest32(ctx)
	cs := t.popGuest32(ctx)
	eflags := t.popGuest32(ctx)
	ctx.Regs.EIP = eip
	ctx.Regs.Sel[guest.CS] = uint16(cs)
	ctx.SetEflags(eflags)
}

// evalCond evaluates an x86 condition code against a canonical EFLAGS
// value, using the standard Jcc encoding (Intel SDM vol. 1, table 3-5).
func evalCond(eflags uint32, cc uint8) bool {
	cf := eflags&guest.EflagCF != 0
	zf := eflags&guest.EflagZF != 0
	sf := eflags&guest.EflagSF != 0
	of := eflags&guest.EflagOF != 0
	pf := eflags&guest.EflagPF != 0

	switch cc & 0xf {
	case 0x0:
		return of
	case 0x1:
		return !of
	case 0x2:
		return cf
	case 0x3:
		return !cf
	case 0x4:
		return zf
	case 0x5:
		return !zf
	case 0x6:
		return cf || zf
	case 0x7:
		return !cf && !zf
	case 0x8:
		return sf
	case 0x9:
		return !sf
	case 0xA:
		return pf
	case 0xB:
		return !pf
	case 0xC:
		return sf != of
	case 0xD:
		return sf == of
	case 0xE:
		return zf || sf != of
	case 0xF:
		return !zf && sf == of
	}
	return false
}
