// Copyright 2017 The go-interpreter Authors.  All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package dispatch

import (
	"fmt"

	"github.com/dbt86/x86dbt/except"
	"github.com/dbt86/x86dbt/guest"
)

// BreakFunc is the host debug stub (spec.md section 4.9): invoked with
// the originating guest virtual PC once a software breakpoint there has
// fired and its bytes have been restored. It is expected to signal the
// debugger UI and block, per the two-primitive gate described in
// spec.md section 5, until told to resume.
type BreakFunc func(ctx *guest.Context, originVirtPC uint32)

// breakpoint records what SetBreakpoint overwrote, so ClearBreakpoint
// and the post-trap restore can put it back.
type breakpoint struct {
	phys     uint32
	original uint8
}

// SetBreakFunc sets the host callback that receives control each time a
// software breakpoint fires; with none set, the breakpoint is restored
// and re-armed without a callback.
func (s *Session) SetBreakFunc(fn BreakFunc) { s.onBreak = fn }

// SetBreakpoint patches the guest byte at virtPC with INT3 (0xCC),
// saving the original byte, invalidates any cached translation covering
// it, and lazily installs the #BP handler-entry hook the first time it
// is called (spec.md section 4.9).
func (s *Session) SetBreakpoint(ctx *guest.Context, virtPC uint32) error {
	if s.breakpoints == nil {
		s.breakpoints = make(map[uint32]*breakpoint)
	}
	if _, ok := s.breakpoints[virtPC]; ok {
		return nil
	}

	phys, _ := s.Mem.GetWriteAddr(ctx, virtPC)
	original := s.Mem.MemRead8(ctx, phys)
	s.Mem.MemWrite8(ctx, phys, 0xCC)
	s.breakpoints[virtPC] = &breakpoint{phys: phys, original: original}
	s.invalidate(ctx, phys, 1)

	return s.installBPHandlerHook(ctx)
}

// BreakpointAddrs returns the guest virtual addresses currently armed
// with a software breakpoint, for callers (such as package debugger)
// that need to persist the live set.
func (s *Session) BreakpointAddrs() []uint32 {
	addrs := make([]uint32, 0, len(s.breakpoints))
	for addr := range s.breakpoints {
		addrs = append(addrs, addr)
	}
	return addrs
}

// ClearBreakpoint restores the original byte at virtPC and invalidates
// the cache entry covering it, the inverse of SetBreakpoint.
func (s *Session) ClearBreakpoint(ctx *guest.Context, virtPC uint32) {
	bp, ok := s.breakpoints[virtPC]
	if !ok {
		return
	}
	s.Mem.MemWrite8(ctx, bp.phys, bp.original)
	s.invalidate(ctx, bp.phys, 1)
	delete(s.breakpoints, virtPC)
}

// invalidate runs the exact-hook-mode write path of the SMC protocol
// (spec.md section 4.2) for a breakpoint patch/restore: unlike a guest
// store (package emit's mov_store lowering), this never arms the
// single-instruction ALLOW_CODE_WRITE re-translation, since the patched
// byte is the dispatcher's own INT3, not guest-authored self-modifying
// code.
func (s *Session) invalidate(ctx *guest.Context, phys, size uint32) {
	if s.Cache.Invalidate(phys, size, s.prevTC, &ctx.TLB) {
		s.prevTC = nil
	}
}

// installBPHandlerHook resolves the guest's own #BP handler entry point
// by walking IDT->GDT/LDT read-only (spec.md section 4.9: "the same
// validation rules as C5, but read-only and non-faulting") and installs
// a translator hook there so delivery lands in the host debug stub
// instead of the guest handler's real first instruction.
func (s *Session) installBPHandlerHook(ctx *guest.Context) error {
	if s.bpHookInstalled {
		return nil
	}
	entry, ok := except.ResolveHandlerEntry(s.Mem, ctx, guest.VecBP)
	if !ok {
		return fmt.Errorf("dispatch: could not resolve #BP handler entry to install breakpoint stub")
	}
	s.Translator.InstallHook(entry, s.bpHandlerStub)
	s.bpHookInstalled = true
	return nil
}

// bpHandlerStub is the host debug stub itself. By the time it runs, the
// guest CPU has already had EFLAGS/CS/EIP (and SS/ESP on a privilege
// switch) pushed by except.Engine.Raise exactly as a real #BP delivery
// would; originVirtPC is the INT3 byte's address (the pushed return EIP
// minus one). It pops the return EIP, CS and EFLAGS, restores the
// patched byte, calls the host callback, re-arms the breakpoint, and
// resumes the guest at the popped return EIP, the byte after the INT3.
func (s *Session) bpHandlerStub(ctx *guest.Context) {
	retEIP := s.popGuest32(ctx)
	retCS := uint16(s.popGuest32(ctx))
	eflags := s.popGuest32(ctx)

	retCSBase, _ := except.SegmentBase(s.Mem, ctx, retCS)
	originVirtPC := retCSBase + retEIP - 1

	s.ClearBreakpoint(ctx, originVirtPC)
	if s.onBreak != nil {
		s.onBreak(ctx, originVirtPC)
	}
	s.SetBreakpoint(ctx, originVirtPC)

	ctx.Regs.EIP = retEIP
	ctx.Regs.Sel[guest.CS] = retCS
	ctx.Regs.SegHid[guest.CS].Base = retCSBase
	ctx.SetEflags(eflags)
}

func (s *Session) popGuest32(ctx *guest.Context) uint32 {
	esp := ctx.Regs.Get(guest.ESP)
	v := s.Mem.MemRead32(ctx, ctx.Regs.SegHid[guest.SS].Base+esp)
	ctx.Regs.Set(guest.ESP, esp+4)
	return v
}
