// Copyright 2017 The go-interpreter Authors.  All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package translate implements the fetch/decode/dispatch-to-emitter
// pipeline that turns one basic block of guest bytes into a tc.Block
// (spec.md section 4.6): the collaborator between package decode (fetch
// and opcode classification), package emit (the per-opcode lowering)
// and package except (inline exception synthesis for decode-time
// faults), the same role exec.compile plays between wagon's bytecode
// scanner and its two backends.
package translate

import (
	"github.com/dbt86/x86dbt/decode"
	"github.com/dbt86/x86dbt/emit"
	"github.com/dbt86/x86dbt/except"
	"github.com/dbt86/x86dbt/guest"
	"github.com/dbt86/x86dbt/memsys"
	"github.com/dbt86/x86dbt/tc"
)

// MaxBlockInstrs is a safety bound on straight-line accumulation,
// analogous to the architectural 15-byte instruction-length cap but at
// block granularity; guards against a pathological run of single-byte
// NOPs never reaching a terminator.
const MaxBlockInstrs = 4096

// HookFunc is a host callback installed at a guest virtual PC (spec.md
// section 4.8): when present, and not suppressed by HFLG_TRAMP, it
// entirely replaces translation of that address.
type HookFunc func(ctx *guest.Context)

// Options tunes translation-time policy.
type Options struct {
	// ForceInsert resolves the CPU_FORCE_INSERT open question: when
	// true, a block that crosses a guest physical page boundary is
	// still inserted into the cache and indexed under both spanned
	// pages (tc.PageIndex.track already unions [PC, PC+Size) across
	// pages), instead of the default of translating such a block fresh
	// on every entry without caching it at all.
	ForceInsert bool
	// OneInstr forces a single-instruction block. The dispatcher sets
	// it, together with AllowCodeWrite, for the re-translation that
	// follows a self-modifying guest store.
	OneInstr bool
	// AllowCodeWrite is DISAS_ONE|ALLOW_CODE_WRITE (spec.md section 4.2
	// step 5): the dispatcher arms it for the single re-translation that
	// follows a guest store reported as a self-hit (tc.EventHaltTC), so
	// the re-entered instruction at the (possibly self-modified) current
	// IP runs once, transiently, without being indexed into the cache or
	// page index — it must not itself become a future SMC victim before
	// it has even executed once.
	AllowCodeWrite bool
}

// Translator lowers guest bytes at ctx's current virtual PC into a
// tc.Block.
type Translator struct {
	Mem     memsys.Subsystem
	Dec     decode.Decoder
	Backend *emit.ClosureBackend
	Except  *except.Engine
	Hooks   map[uint32]HookFunc
}

// New returns a translator backed by the given collaborators. cache is
// threaded into the emitted backend so a guest store op can invalidate
// the translations it overwrites (spec.md section 4.2 step 5).
func New(mem memsys.Subsystem, dec decode.Decoder, except *except.Engine, cache *tc.Cache) *Translator {
	return &Translator{
		Mem:     mem,
		Dec:     dec,
		Backend: emit.NewClosureBackend(mem, cache),
		Except:  except,
		Hooks:   make(map[uint32]HookFunc),
	}
}

// InstallHook registers a host callback at virtPC (spec.md section
// 4.8/6): subsequent translation of that address, unless HFLG_TRAMP is
// set, emits a zero-size hook block instead of decoding guest bytes.
func (t *Translator) InstallHook(virtPC uint32, fn HookFunc) { t.Hooks[virtPC] = fn }

// RemoveHook deletes the hook at virtPC from the translator, so later
// translations of that address decode guest bytes again. It does not
// touch any tc.Cache: a hook block already inserted there stays cached
// until it is evicted by other means (for example Cache.Clear).
func (t *Translator) RemoveHook(virtPC uint32) { delete(t.Hooks, virtPC) }

// Translate lowers one basic block starting at ctx's current
// cs_base+EIP (spec.md section 4.6).
func (t *Translator) Translate(ctx *guest.Context, opt Options) (b *tc.Block) {
	// Every successor slot starts at the dispatcher stub, so a block that
	// is never inserted into a cache can still be executed.
	defer func() {
		for i := range b.JmpOffset {
			if b.JmpOffset[i] == nil {
				b.JmpOffset[i] = tc.DispatcherStub
			}
		}
	}()

	virtPC := ctx.VirtPC()
	csBase := ctx.CS().Base
	cpuFlags := fingerprint(ctx)

	if hook, ok := t.Hooks[virtPC]; ok && ctx.HFlags&guest.HflgTramp == 0 {
		return t.translateHook(virtPC, csBase, cpuFlags, ctx, hook)
	}

	startPC, fault := t.Mem.GetCodeAddr(ctx, virtPC)
	if fault != nil {
		return t.translateFaultStub(virtPC, csBase, cpuFlags, ctx, fault)
	}

	var ops []emit.Op
	var size uint32
	startPage := startPC >> guest.PageShift
	crossedPage := false

	for n := 0; n < MaxBlockInstrs; n++ {
		eip := ctx.Regs.EIP + size
		curVirt := csBase + eip
		pc, fault := t.Mem.GetCodeAddr(ctx, curVirt)
		if fault != nil {
			return t.partialBlockWithFault(csBase, virtPC, startPC, cpuFlags, size, ops, fault, curVirt)
		}
		if pc>>guest.PageShift != startPage {
			crossedPage = true
			break // page-crossing: end the block before the new page (4.6 termination condition)
		}

		window := t.fetchWindow(ctx, pc)
		in, err := t.Dec.Decode(window, ctx.HFlags&guest.HflgCS32 != 0)
		if err == decode.ErrBadOpcode {
			return t.terminalExceptionBlock(csBase, virtPC, startPC, cpuFlags, size, ops, guest.VecUD, 0, curVirt)
		}
		if err != nil {
			// Short window at the tail of mapped memory: probe for a
			// fault on the next page (spec.md section 4.6).
			if _, f := t.Mem.GetCodeAddr(ctx, curVirt+uint32(len(window))); f != nil {
				return t.partialBlockWithFault(csBase, virtPC, startPC, cpuFlags, size, ops, f, curVirt)
			}
			return t.terminalExceptionBlock(csBase, virtPC, startPC, cpuFlags, size, ops, guest.VecGP, 0, curVirt)
		}

		if isTerminator(in.Class) {
			return t.terminate(csBase, virtPC, startPC, cpuFlags, size, ops, in, curVirt, ctx, opt)
		}

		ops = append(ops, t.Backend.EmitOp(in))
		size += uint32(in.Len)

		if opt.OneInstr {
			return t.straightLineBlock(csBase, virtPC, startPC, cpuFlags, size, ops, false)
		}
	}

	return t.straightLineBlock(csBase, virtPC, startPC, cpuFlags, size, ops, crossedPage)
}

func (t *Translator) fetchWindow(ctx *guest.Context, pc uint32) []byte {
	end := pc + decode.MaxInstrLen
	if int(end) > len(ctx.RAM) {
		end = uint32(len(ctx.RAM))
	}
	if int(pc) >= len(ctx.RAM) {
		return nil
	}
	return ctx.RAM[pc:end]
}

func isTerminator(c decode.Class) bool {
	switch c {
	case decode.ClassJmpRel, decode.ClassJccRel, decode.ClassCallRel,
		decode.ClassRet, decode.ClassHlt, decode.ClassInt, decode.ClassIret:
		return true
	}
	return false
}

// fingerprint is the CPU-state half of a block's cache key (spec.md
// section 4.1): the hflags bits and eflags bits that make the same guest
// bytes translate differently.
func fingerprint(ctx *guest.Context) uint32 {
	return uint32(ctx.HFlags)&uint32(guest.HFlagsConst) | (ctx.Eflags() & guest.EFlagsConst)
}

// straightLineBlock builds a block with no explicit terminator
// (page-crossing, instruction cap, or one-shot mode): it falls through
// to whatever the dispatcher finds at the new EIP, via jmp_offset[2].
func (t *Translator) straightLineBlock(csBase, virtPC, startPC, cpuFlags, size uint32, ops []emit.Op, pageCrossing bool) *tc.Block {
	b := &tc.Block{CSBase: csBase, VirtPC: virtPC, PC: startPC, CPUFlags: cpuFlags, Size: size, PageCrossing: pageCrossing}
	body := append([]emit.Op(nil), ops...)
	b.PtrCode = func(ctx *guest.Context) (*tc.Block, tc.HostEvent) {
		if ev := t.run(body, ctx, b); ev != tc.EventNone {
			return b, ev
		}
		ctx.Regs.EIP += size
		return b.JmpOffset[2](ctx)
	}
	b.Flags = tc.MakeFlags(tc.LinkNone, 0, tc.TakenNextPC)
	return b
}

// translateHook builds a zero-size block whose entire body is the
// registered HookFunc (spec.md section 4.8).
func (t *Translator) translateHook(virtPC, csBase, cpuFlags uint32, ctx *guest.Context, hook HookFunc) *tc.Block {
	b := &tc.Block{CSBase: csBase, VirtPC: virtPC, PC: virtPC, CPUFlags: cpuFlags, Size: 0}
	b.PtrCode = func(ctx *guest.Context) (*tc.Block, tc.HostEvent) {
		hook(ctx)
		return b.JmpOffset[2](ctx)
	}
	b.Flags = tc.MakeFlags(tc.LinkNone, 0, tc.TakenNextPC)
	return b
}

// translateFaultStub builds a zero-size block that only raises the
// instruction-fetch fault, ending the (empty) block immediately (spec.md
// section 4.6: "emit a raise-exception stub and end the block").
func (t *Translator) translateFaultStub(virtPC, csBase, cpuFlags uint32, ctx *guest.Context, fault *memsys.Fault) *tc.Block {
	return t.terminalExceptionBlock(csBase, virtPC, virtPC, cpuFlags, 0, nil, faultVector(fault), fault.Code, virtPC)
}

func (t *Translator) partialBlockWithFault(csBase, virtPC, startPC, cpuFlags, size uint32, ops []emit.Op, fault *memsys.Fault, eip uint32) *tc.Block {
	return t.terminalExceptionBlock(csBase, virtPC, startPC, cpuFlags, size, ops, faultVector(fault), fault.Code, eip)
}

func faultVector(f *memsys.Fault) guest.Vector {
	if f.Kind == memsys.FaultDE {
		return guest.VecDE
	}
	return guest.VecPF
}

// terminalExceptionBlock builds a block whose straight-line body runs
// normally, then inline-raises vector via the exception engine (spec.md
// section 6's raise_exp_inline_emit) instead of falling through to a
// successor.
func (t *Translator) terminalExceptionBlock(csBase, virtPC, startPC, cpuFlags, size uint32, ops []emit.Op, vector guest.Vector, code uint16, eip uint32) *tc.Block {
	b := &tc.Block{CSBase: csBase, VirtPC: virtPC, PC: startPC, CPUFlags: cpuFlags, Size: size}
	body := append([]emit.Op(nil), ops...)
	b.PtrCode = func(ctx *guest.Context) (*tc.Block, tc.HostEvent) {
		if ev := t.run(body, ctx, b); ev != tc.EventNone {
			return b, ev
		}
		faultAddr := uint32(0)
		if vector == guest.VecPF {
			faultAddr = eip
		}
		t.Except.Raise(ctx, vector, code, faultAddr, eip, false)
		return nil, tc.EventNone
	}
	b.Flags = tc.MakeFlags(tc.LinkNone, 0, tc.TakenNextPC)
	return b
}
