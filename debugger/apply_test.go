// Copyright 2017 The go-interpreter Authors.  All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package debugger

import (
	"testing"

	"github.com/dbt86/x86dbt/decode"
	"github.com/dbt86/x86dbt/dispatch"
	"github.com/dbt86/x86dbt/guest"
	"github.com/dbt86/x86dbt/memsys"
)

func TestApplyInstallsBreakpointAndWatch(t *testing.T) {
	mem := memsys.NewFlat()
	ctx := guest.NewContext(0x10000)
	ctx.HFlags |= guest.HflgCS32
	ctx.Regs.IDTR = guest.DTR{Base: 0, Limit: 0x3FF}
	copy(ctx.RAM[0x1000:], []byte{0x90})

	sess := dispatch.NewSession(mem, decode.X86Decoder{})
	entries := []Entry{
		{Addr: 0x1000, Kind: KindBreak},
		{Addr: 0x5000, Kind: KindWatch, Size: 4},
	}

	if err := Apply(entries, sess, ctx); err != nil {
		t.Fatalf("Apply error: %v", err)
	}
	if got := mem.MemRead8(ctx, 0x1000); got != 0xCC {
		t.Errorf("byte at breakpoint = %#x, want 0xCC", got)
	}
	if !ctx.TLB.HasAttr(0x5000, guest.TLBWatch) {
		t.Error("TLBWatch not set on watchpoint page")
	}

	captured := Capture(sess)
	if len(captured) != 1 || captured[0].Addr != 0x1000 || captured[0].Kind != KindBreak {
		t.Errorf("Capture() = %v, want a single breakpoint at 0x1000", captured)
	}
}
