// Copyright 2017 The go-interpreter Authors.  All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package except

import (
	"testing"

	"github.com/dbt86/x86dbt/guest"
	"github.com/dbt86/x86dbt/memsys"
)

func writeSegDesc(mem memsys.Subsystem, ctx *guest.Context, addr, base, limit uint32, access, flags byte) {
	limitLo := limit & 0xFFFF
	limitHi := byte((limit >> 16) & 0xF)
	low := limitLo | (base&0xFFFF)<<16
	high := (base>>16)&0xFF | uint32(access)<<8 | uint32(limitHi|flags&0xF0)<<16 | (base>>24&0xFF)<<24
	mem.MemWrite32(ctx, addr, low)
	mem.MemWrite32(ctx, addr+4, high)
}

func writeGateDesc(mem memsys.Subsystem, ctx *guest.Context, addr uint32, selector uint16, offset uint32, typeAttr byte) {
	low := offset&0xFFFF | uint32(selector)<<16
	high := uint32(typeAttr)<<8 | (offset>>16)<<16
	mem.MemWrite32(ctx, addr, low)
	mem.MemWrite32(ctx, addr+4, high)
}

func TestRealModeIDTLimitViolationRaisesGP(t *testing.T) {
	ctx := guest.NewContext(0x10000)
	ctx.Regs.IDTR = guest.DTR{Base: 0, Limit: 3}
	ctx.Regs.SegHid[guest.SS] = guest.SegHidden{Base: 0x8000, Limit: 0xFFFF}
	ctx.Regs.Set(guest.ESP, 0x1000)

	e := NewEngine(memsys.NewFlat())
	if err := e.Raise(ctx, guest.VecDE, 0, 0, 0x1234, false); err != nil {
		t.Fatalf("Raise: %v", err)
	}
	if ctx.ExpInfo.Data.Vector != guest.VecGP || ctx.ExpInfo.Data.Code != 2 {
		t.Errorf("delivered = %+v, want vector=#GP code=2", ctx.ExpInfo.Data)
	}
}

func TestDoubleFaultEscalatesPFtoPF(t *testing.T) {
	ctx := guest.NewContext(0x10000)
	ctx.Regs.IDTR = guest.DTR{Base: 0, Limit: 0x3FF}
	ctx.Regs.SegHid[guest.SS] = guest.SegHidden{Base: 0x8000, Limit: 0xFFFF}
	ctx.Regs.Set(guest.ESP, 0x1000)
	ctx.ExpInfo.PrevVector = guest.VecPF

	e := NewEngine(memsys.NewFlat())
	if err := e.Raise(ctx, guest.VecPF, 0x11, 0xdead, 0x1234, false); err != nil {
		t.Fatalf("Raise: %v", err)
	}
	if ctx.ExpInfo.Data.Vector != guest.VecDF || ctx.ExpInfo.Data.Code != 0 || ctx.ExpInfo.Data.EIP != 0 {
		t.Errorf("delivered = %+v, want #DF code=0 eip=0", ctx.ExpInfo.Data)
	}
}

func TestTripleFaultAborts(t *testing.T) {
	ctx := guest.NewContext(0x10000)
	ctx.ExpInfo.PrevVector = guest.VecDF

	e := NewEngine(memsys.NewFlat())
	if err := e.Raise(ctx, guest.VecGP, 0, 0, 0, false); err != ErrTripleFault {
		t.Errorf("err = %v, want ErrTripleFault", err)
	}
}

func TestProtectedModeInterruptGateMasksIFTrapGateDoesNot(t *testing.T) {
	mem := memsys.NewFlat()

	setup := func(gateType byte) *guest.Context {
		ctx := guest.NewContext(0x10000)
		ctx.HFlags |= guest.HflgPEMode
		ctx.Regs.GDTR = guest.DTR{Base: 0x2000, Limit: 0xFFFF}
		ctx.Regs.IDTR = guest.DTR{Base: 0x3000, Limit: 0x7FF}
		ctx.Regs.Sel[guest.SS] = 0x10
		ctx.Regs.SegHid[guest.SS] = guest.SegHidden{Base: 0x8000, Limit: 0xFFFFFFFF, Flags: guest.SegFlagDB}
		ctx.Regs.Set(guest.ESP, 0x1000)
		ctx.SetEflags(guest.EflagIF)

		// GDT[1]: flat 32-bit code segment, DPL 0, present.
		writeSegDesc(mem, ctx, 0x2000+8, 0, 0xFFFFF, 0x9A, 0xC0)
		// IDT[0x20]: gate of the given type targeting selector 0x08, offset 0x5000.
		writeGateDesc(mem, ctx, 0x3000+0x20*8, 0x08, 0x5000, 0x80|gateType)
		return ctx
	}

	e := NewEngine(mem)

	intCtx := setup(GateInt32)
	if err := e.Raise(intCtx, guest.Vector(0x20), 0, 0, 0x1234, false); err != nil {
		t.Fatalf("Raise(int gate): %v", err)
	}
	if intCtx.Eflags()&guest.EflagIF != 0 {
		t.Errorf("interrupt gate: IF still set after delivery")
	}

	trapCtx := setup(GateTrap32)
	if err := e.Raise(trapCtx, guest.Vector(0x20), 0, 0, 0x1234, false); err != nil {
		t.Fatalf("Raise(trap gate): %v", err)
	}
	if trapCtx.Eflags()&guest.EflagIF == 0 {
		t.Errorf("trap gate: IF cleared after delivery, want intact")
	}
	if trapCtx.Regs.EIP != 0x5000 || trapCtx.Regs.Sel[guest.CS] != 0x08 {
		t.Errorf("CS:EIP = %#x:%#x, want 0x08:0x5000", trapCtx.Regs.Sel[guest.CS], trapCtx.Regs.EIP)
	}
}

func TestProtectedModePrivilegeSwitchLoadsTSSStack(t *testing.T) {
	mem := memsys.NewFlat()
	ctx := guest.NewContext(0x10000)
	ctx.HFlags = ctx.HFlags.WithCPL(3) | guest.HflgPEMode
	ctx.Regs.GDTR = guest.DTR{Base: 0x2000, Limit: 0xFFFF}
	ctx.Regs.IDTR = guest.DTR{Base: 0x3000, Limit: 0x7FF}
	ctx.Regs.TR.Hidden.Base = 0x4000
	ctx.Regs.Sel[guest.SS] = 0x1B // RPL 3
	ctx.Regs.SegHid[guest.SS] = guest.SegHidden{Base: 0x9000, Limit: 0xFFFFFFFF, Flags: guest.SegFlagDB}
	ctx.Regs.Set(guest.ESP, 0x1000)

	// GDT[1]: ring-0 code segment (target DPL 0).
	writeSegDesc(mem, ctx, 0x2000+8, 0, 0xFFFFF, 0x9A, 0xC0)
	// GDT[2]: ring-0 data/stack segment, writable, present.
	writeSegDesc(mem, ctx, 0x2000+16, 0, 0xFFFFF, 0x92, 0xC0)
	// IDT[0x21]: 32-bit interrupt gate targeting selector 0x08.
	writeGateDesc(mem, ctx, 0x3000+0x21*8, 0x08, 0x6000, 0x8E)
	// TSS: ESP0/SS0 pair at offset 4/8.
	mem.MemWrite32(ctx, 0x4000+4, 0x7000) // esp0
	mem.MemWrite32(ctx, 0x4000+8, 0x10)   // ss0, RPL 0

	e := NewEngine(mem)
	if err := e.Raise(ctx, guest.Vector(0x21), 0, 0, 0x1234, false); err != nil {
		t.Fatalf("Raise: %v", err)
	}

	if ctx.HFlags.CPL() != 0 {
		t.Errorf("CPL = %d, want 0", ctx.HFlags.CPL())
	}
	if ctx.Regs.Sel[guest.SS] != 0x10 || ctx.Regs.SegHid[guest.SS].Base != 0 {
		t.Errorf("SS = %#x base=%#x, want 0x10 base=0", ctx.Regs.Sel[guest.SS], ctx.Regs.SegHid[guest.SS].Base)
	}
	if ctx.Regs.EIP != 0x6000 {
		t.Errorf("EIP = %#x, want 0x6000", ctx.Regs.EIP)
	}
}
