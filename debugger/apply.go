// Copyright 2017 The go-interpreter Authors.  All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package debugger

import (
	"github.com/dbt86/x86dbt/dispatch"
	"github.com/dbt86/x86dbt/guest"
)

// Apply installs a loaded breakpoints file against a live session and
// context, the same role debugger.cpp's restore-on-open plays against
// lib86cpu: software breakpoints go through the dispatch package's INT3
// harness (C9), and watchpoints mark their covered pages TLBWatch so the
// memory subsystem's write path can notice a hit (spec.md section 6's
// "tlb[page] ... WATCH" attribute).
func Apply(entries []Entry, sess *dispatch.Session, ctx *guest.Context) error {
	for _, e := range entries {
		switch e.Kind {
		case KindBreak:
			if err := sess.SetBreakpoint(ctx, e.Addr); err != nil {
				return err
			}
		case KindWatch:
			size := uint32(e.Size)
			if size == 0 {
				size = 1
			}
			for addr := e.Addr &^ guest.PageMask; addr < e.Addr+size; addr += guest.PageSize {
				ctx.TLB.SetAttr(addr, guest.TLBWatch)
			}
		}
	}
	return nil
}

// Capture reads back the software breakpoints currently armed on sess
// into the persisted Entry form SaveBreakpoints expects. Watchpoints are
// not recoverable from TLB state alone (the attribute carries no size or
// origin), so a caller that wants to persist watchpoints must track them
// separately and merge them in before calling SaveBreakpoints.
func Capture(sess *dispatch.Session) []Entry {
	var entries []Entry
	for _, addr := range sess.BreakpointAddrs() {
		entries = append(entries, Entry{Addr: addr, Kind: KindBreak})
	}
	return entries
}
