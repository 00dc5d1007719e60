// Copyright 2017 The go-interpreter Authors.  All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package except implements the architectural exception delivery
// algorithm (spec.md section 4.5): double-fault detection, real-mode
// vectoring through the IVT, and protected-mode vectoring through the
// IDT with gate/descriptor validation and privilege-level stack
// switching via the TSS.
package except

import (
	"github.com/dbt86/x86dbt/guest"
	"github.com/dbt86/x86dbt/memsys"
)

// Gate descriptor type field values (IDT entry byte 5, low nibble).
const (
	GateTask   = 0x5
	GateInt16  = 0x6
	GateTrap16 = 0x7
	GateInt32  = 0xE
	GateTrap32 = 0xF
)

// dr7GD is DR7 bit 13, the "general detect" breakpoint-on-debug-register-
// access bit that real and protected mode delivery both clear when the
// delivered vector is #DB.
const dr7GD = 1 << 13

// SegDesc is a parsed 8-byte segment descriptor.
type SegDesc struct {
	Base    uint32
	Limit   uint32
	Type    uint8 // low 4 bits of the access byte
	S       bool
	DPL     uint8
	Present bool
	DB      bool // the "D/B" bit: default operand size for code, stack-pointer size for SS
	Gran    bool
}

func parseSegDesc(raw uint64) SegDesc {
	limitLo := uint32(raw & 0xFFFF)
	baseLo := uint32((raw >> 16) & 0xFFFF)
	baseMid := uint32((raw >> 32) & 0xFF)
	access := uint8((raw >> 40) & 0xFF)
	flags := uint8((raw >> 48) & 0xFF)
	baseHi := uint32((raw >> 56) & 0xFF)

	limit := limitLo | uint32(flags&0xF)<<16
	gran := flags&0x80 != 0
	if gran {
		limit = (limit << 12) | 0xFFF
	}

	return SegDesc{
		Base:    baseLo | baseMid<<16 | baseHi<<24,
		Limit:   limit,
		Type:    access & 0xF,
		S:       access&0x10 != 0,
		DPL:     (access >> 5) & 0x3,
		Present: access&0x80 != 0,
		DB:      flags&0x40 != 0,
		Gran:    gran,
	}
}

// hidden converts a parsed descriptor into the hidden segment-cache
// shape guest.Regs keeps loaded.
func (d SegDesc) hidden() guest.SegHidden {
	flags := uint32(d.Type)
	if d.S {
		flags |= guest.SegFlagS
	}
	flags |= uint32(d.DPL) << guest.SegFlagDPLShift
	if d.Present {
		flags |= guest.SegFlagPresent
	}
	if d.DB {
		flags |= guest.SegFlagDB
	}
	if d.Gran {
		flags |= guest.SegFlagGranularity
	}
	return guest.SegHidden{Base: d.Base, Limit: d.Limit, Flags: flags}
}

// GateDesc is a parsed 8-byte IDT gate descriptor.
type GateDesc struct {
	Selector uint16
	Offset   uint32
	Type     uint8
	DPL      uint8
	Present  bool
}

func parseGateDesc(raw uint64) GateDesc {
	offLo := uint32(raw & 0xFFFF)
	sel := uint16((raw >> 16) & 0xFFFF)
	attr := uint8((raw >> 40) & 0xFF)
	offHi := uint32((raw >> 48) & 0xFFFF)
	return GateDesc{
		Selector: sel,
		Offset:   offLo | offHi<<16,
		Type:     attr & 0xF,
		DPL:      (attr >> 5) & 0x3,
		Present:  attr&0x80 != 0,
	}
}

func readQuad(mem memsys.Subsystem, ctx *guest.Context, addr uint32) uint64 {
	lo := mem.MemRead32(ctx, addr)
	hi := mem.MemRead32(ctx, addr+4)
	return uint64(lo) | uint64(hi)<<32
}

// readSelectorDesc reads the descriptor addressed by selector from
// whichever of GDT/LDT its TI bit names, enforcing the table limit.
func readSelectorDesc(mem memsys.Subsystem, ctx *guest.Context, selector uint16) (SegDesc, bool) {
	if selector&^0x7 == 0 {
		return SegDesc{}, false // null selector
	}
	index := uint32(selector >> 3)
	base, limit := ctx.Regs.GDTR.Base, ctx.Regs.GDTR.Limit
	if selector&0x4 != 0 {
		base, limit = ctx.Regs.LDTR.Hidden.Base, ctx.Regs.LDTR.Hidden.Limit
	}
	if index*8+7 > limit {
		return SegDesc{}, false
	}
	return parseSegDesc(readQuad(mem, ctx, base+index*8)), true
}

// readGateDesc reads IDT[vector], enforcing the IDT limit (spec.md
// section 4.5 protected-mode rule 1).
func readGateDesc(mem memsys.Subsystem, ctx *guest.Context, vector guest.Vector) (GateDesc, bool) {
	idx := uint32(vector)
	if idx*8+7 > ctx.Regs.IDTR.Limit {
		return GateDesc{}, false
	}
	return parseGateDesc(readQuad(mem, ctx, ctx.Regs.IDTR.Base+idx*8)), true
}

// ResolveHandlerEntry walks IDT->GDT/LDT for vector the same way
// deliverReal/deliverProtected would, but read-only and non-faulting:
// it reports where control would land without mutating any guest state
// (spec.md section 4.9, the breakpoint harness's need to find the
// guest's own #BP handler entry point to install a hook there).
func ResolveHandlerEntry(mem memsys.Subsystem, ctx *guest.Context, vector guest.Vector) (virtPC uint32, ok bool) {
	if ctx.HFlags&guest.HflgPEMode == 0 {
		if uint32(vector)*4+3 >= ctx.Regs.IDTR.Limit {
			return 0, false
		}
		entry := mem.MemRead32(ctx, ctx.Regs.IDTR.Base+uint32(vector)*4)
		newCS := uint32(entry>>16) << 4
		return newCS + uint32(uint16(entry)), true
	}

	gate, ok := readGateDesc(mem, ctx, vector)
	if !ok || !gate.Present || gate.Type == GateTask {
		return 0, false
	}
	cs, ok := readSelectorDesc(mem, ctx, gate.Selector)
	if !ok || !cs.Present {
		return 0, false
	}
	return cs.Base + gate.Offset, true
}

// SegmentBase resolves a selector's descriptor base, read-only and
// non-faulting, for callers (such as the breakpoint harness) that need
// to reconstruct a virtual address from a raw CS:EIP pair pulled off an
// exception stack frame rather than from the live hidden-segment cache.
func SegmentBase(mem memsys.Subsystem, ctx *guest.Context, selector uint16) (uint32, bool) {
	if ctx.HFlags&guest.HflgPEMode == 0 {
		return uint32(selector) << 4, true
	}
	d, ok := readSelectorDesc(mem, ctx, selector)
	if !ok {
		return 0, false
	}
	return d.Base, true
}

// setAccessedBit sets the A bit (access byte bit 0) on the descriptor
// addressed by selector via a guest-memory read-modify-write, as
// required before committing a privilege switch (spec.md section 4.5
// rule 6).
func setAccessedBit(mem memsys.Subsystem, ctx *guest.Context, selector uint16) {
	if selector&^0x7 == 0 {
		return
	}
	index := uint32(selector >> 3)
	base := ctx.Regs.GDTR.Base
	if selector&0x4 != 0 {
		base = ctx.Regs.LDTR.Hidden.Base
	}
	addr := base + index*8 + 5 // byte 5 of the 8-byte descriptor is the access byte
	v := mem.MemRead8(ctx, addr)
	mem.MemWrite8(ctx, addr, v|0x1)
}

// validSSDescriptor is the composite validation mask a privilege-switch
// target SS descriptor must satisfy (spec.md section 4.5 rule 6): a
// present, writable, non-conforming data segment whose DPL and the
// selector's RPL both equal the target privilege level.
func validSSDescriptor(d SegDesc, selector uint16, targetDPL uint8) bool {
	if !d.S || !d.Present {
		return false
	}
	const typeCode = 0x8     // bit 3 of the type nibble: 1 = code, 0 = data
	const typeWritable = 0x2 // bit 1 of a data-segment type nibble
	if d.Type&typeCode != 0 || d.Type&typeWritable == 0 {
		return false
	}
	rpl := uint8(selector & 0x3)
	return d.DPL == targetDPL && rpl == targetDPL
}

// readTSSStack reads the ESP/SS pair the current TSS holds for
// privilege level, per the standard 32-bit TSS layout (ESPn at
// 4+8n, SSn at 8+8n).
func readTSSStack(mem memsys.Subsystem, ctx *guest.Context, level uint8) (ss uint16, esp uint32) {
	base := ctx.Regs.TR.Hidden.Base
	off := uint32(level)*8 + 4
	esp = mem.MemRead32(ctx, base+off)
	ss = uint16(mem.MemRead32(ctx, base+off+4))
	return ss, esp
}
