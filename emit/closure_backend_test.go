// Copyright 2017 The go-interpreter Authors.  All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package emit

import (
	"testing"

	"github.com/dbt86/x86dbt/decode"
	"github.com/dbt86/x86dbt/guest"
	"github.com/dbt86/x86dbt/memsys"
	"github.com/dbt86/x86dbt/tc"
)

func TestClosureBackendALUSetsLazyClass(t *testing.T) {
	b := NewClosureBackend(memsys.NewFlat(), nil)
	op := b.EmitOp(decode.Instr{Mnemonic: "add", OpSize: 32})

	ctx := guest.NewContext(0x1000)
	op(ctx, nil, nil)
	if ctx.Lazy.Class != guest.OpAdd || ctx.Lazy.Size != guest.Size32 {
		t.Errorf("Lazy = %+v, want Class=OpAdd Size=Size32", ctx.Lazy)
	}
}

func TestBuildAdvancesEIP(t *testing.T) {
	b := NewClosureBackend(memsys.NewFlat(), nil)
	ops := []Op{b.EmitOp(decode.Instr{Mnemonic: "nop"})}
	entry := Build(ops, memsys.NewFlat(), 5, 0)

	ctx := guest.NewContext(0x1000)
	ctx.Regs.EIP = 0x400000
	next, ev := entry(ctx)
	if next != nil || ev != 0 {
		t.Errorf("entry() = (%v,%v), want (nil,EventNone)", next, ev)
	}
	if ctx.Regs.EIP != 0x400005 {
		t.Errorf("EIP = %#x, want 0x400005", ctx.Regs.EIP)
	}
}

func TestMovStoreReportsHaltTCOnSelfHit(t *testing.T) {
	mem := memsys.NewFlat()
	cache := tc.NewCache()
	ctx := guest.NewContext(0x10000)

	block := &tc.Block{PC: 0x2000, Size: 16,
		PtrCode: func(ctx *guest.Context) (*tc.Block, tc.HostEvent) { return nil, tc.EventNone }}
	cache.Insert(block, &ctx.TLB)

	b := NewClosureBackend(mem, cache)
	op := b.EmitOp(decode.Instr{Mnemonic: "mov_store8", Moffs: 0x2008})

	if ev := op(ctx, mem, block); ev != tc.EventHaltTC {
		t.Fatalf("ev = %v, want EventHaltTC", ev)
	}
	if cache.Len() != 0 {
		t.Errorf("Cache.Len() = %d, want 0 after self-modifying write", cache.Len())
	}
	if ctx.TLB.HasAttr(0x2000, guest.TLBCode) {
		t.Error("CODE still set after the page's only block was evicted")
	}
}

func TestMovStoreSkipsInvalidateOutsideCodePage(t *testing.T) {
	mem := memsys.NewFlat()
	cache := tc.NewCache()
	ctx := guest.NewContext(0x10000)

	b := NewClosureBackend(mem, cache)
	op := b.EmitOp(decode.Instr{Mnemonic: "mov_store32", Moffs: 0x5000, OpSize: 32})
	ctx.Regs.Set(guest.EAX, 0xAABBCCDD)

	if ev := op(ctx, mem, nil); ev != tc.EventNone {
		t.Fatalf("ev = %v, want EventNone", ev)
	}
	if got := mem.MemRead32(ctx, 0x5000); got != 0xAABBCCDD {
		t.Errorf("RAM[0x5000] = %#x, want 0xaabbccdd", got)
	}
}

func TestNativeAMD64BackendSupportsNarrowSet(t *testing.T) {
	b := NewNativeAMD64Backend(nil)
	if !b.Supports(decode.Instr{Mnemonic: "add", OpSize: 32}) {
		t.Errorf("Supports(add/32) = false, want true")
	}
	if b.Supports(decode.Instr{Mnemonic: "add", OpSize: 16}) {
		t.Errorf("Supports(add/16) = true, want false (narrow backend)")
	}
	if b.Supports(decode.Instr{Mnemonic: "int"}) {
		t.Errorf("Supports(int) = true, want false")
	}
}
