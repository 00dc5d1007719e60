// Copyright 2017 The go-interpreter Authors.  All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package memsys

import (
	"testing"

	"github.com/dbt86/x86dbt/guest"
)

var _ Subsystem = (*Flat)(nil)

func TestFlatIdentityMapWithoutPaging(t *testing.T) {
	ctx := guest.NewContext(0x10000)
	f := NewFlat()

	phys, fault := f.GetCodeAddr(ctx, 0x1000)
	if fault != nil {
		t.Fatalf("GetCodeAddr: unexpected fault %+v", fault)
	}
	if phys != 0x1000 {
		t.Errorf("phys = %#x, want 0x1000 (identity map, paging off)", phys)
	}
}

func TestFlatMMIODispatch(t *testing.T) {
	ctx := guest.NewContext(0x1000)
	f := NewFlat()
	var lastWrite uint32
	f.AddRegion(&Region{
		Start: 0x8000, End: 0x9000, Kind: KindMMIO, Priority: 10,
		Read:  func(addr uint32, size int) uint32 { return 0xdeadbeef },
		Write: func(addr uint32, size int, v uint32) { lastWrite = v },
	})

	if got := f.MemRead32(ctx, 0x8004); got != 0xdeadbeef {
		t.Errorf("MemRead32 = %#x, want 0xdeadbeef", got)
	}
	f.MemWrite32(ctx, 0x8004, 0x1234)
	if lastWrite != 0x1234 {
		t.Errorf("lastWrite = %#x, want 0x1234", lastWrite)
	}
}

func TestFlatPagingFaultsOnMissingPDE(t *testing.T) {
	ctx := guest.NewContext(0x2000)
	ctx.Regs.CR0 |= 1 << 31 // PG
	ctx.Regs.CR3 = 0x1000   // page directory, all-zero => not present

	f := NewFlat()
	_, fault := f.GetCodeAddr(ctx, 0x400000)
	if fault == nil || fault.Kind != FaultPF {
		t.Fatalf("GetCodeAddr: fault = %+v, want FaultPF", fault)
	}
}

func TestFlatPortIO(t *testing.T) {
	f := NewFlat()
	var out uint32
	f.AddRegion(&Region{
		Start: 0x3f8, End: 0x3f9, Kind: KindPMIO, Priority: 1,
		Read:  func(addr uint32, size int) uint32 { return 0x42 },
		Write: func(addr uint32, size int, v uint32) { out = v },
	})
	if v := f.In(0x3f8, 1); v != 0x42 {
		t.Errorf("In(0x3f8) = %#x, want 0x42", v)
	}
	f.Out(0x3f8, 1, 7)
	if out != 7 {
		t.Errorf("out = %d, want 7", out)
	}
}
