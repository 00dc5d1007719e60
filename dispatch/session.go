// Copyright 2017 The go-interpreter Authors.  All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package dispatch implements the outer dispatch loop (C7), the
// trampoline harness (C8) and the debug-breakpoint harness (C9) from
// spec.md sections 4.7-4.9: the glue that drives package translate's
// per-block output through package tc's cache and linker, the same role
// exec.VM.ExecCode plays driving wagon's compiled bytecode through its
// stack machine.
package dispatch

import (
	"errors"

	"github.com/dbt86/x86dbt/decode"
	"github.com/dbt86/x86dbt/except"
	"github.com/dbt86/x86dbt/guest"
	"github.com/dbt86/x86dbt/memsys"
	"github.com/dbt86/x86dbt/tc"
	"github.com/dbt86/x86dbt/translate"
)

// ErrAborted is returned by Run when the host-level abort signal fires
// mid-dispatch (spec.md section 5, "Cancellation").
var ErrAborted = errors.New("dispatch: aborted")

// ErrTripleFault is returned by Run when the guest triple-faults; it is
// except.ErrTripleFault itself, so callers can compare against either
// name.
var ErrTripleFault = except.ErrTripleFault

// capacityLimit bounds the number of live blocks before the dispatcher
// purges the entire cache (spec.md section 4.7 step 4: "if the cache is
// at capacity, purge first"). It tracks tc.CapacityBuckets, the bucket
// table's sizing hint, rather than a number chosen independently.
const capacityLimit = tc.CapacityBuckets

// Session holds the long-lived collaborators a guest execution needs:
// the code cache, the translator and exception engine it is built from,
// and the one piece of cross-iteration state the dispatch loop threads,
// prev_tc (spec.md section 4.7).
type Session struct {
	Mem        memsys.Subsystem
	Cache      *tc.Cache
	Translator *translate.Translator
	Except     *except.Engine

	// ForceInsert is forwarded to every translate.Options this session
	// builds (see translate.Options.ForceInsert).
	ForceInsert bool

	// Abort, when set, is polled once per dispatch iteration; a true
	// value unwinds Run with ErrAborted (spec.md section 5).
	Abort func() bool

	prevTC *tc.Block

	// oneInstrNext arms the DISAS_ONE|ALLOW_CODE_WRITE re-translation
	// spec.md section 4.2 step 5 requires after a guest store reports
	// tc.EventHaltTC: the next resolve translates exactly one
	// instruction at the (possibly self-modified) current guest IP,
	// transiently, instead of resuming the block that just destroyed
	// itself.
	oneInstrNext bool

	breakpoints     map[uint32]*breakpoint
	bpHookInstalled bool
	onBreak         BreakFunc
}

// NewSession wires a fresh cache, translator and exception engine
// together, mirroring wagon's exec.NewVM constructor pattern.
func NewSession(mem memsys.Subsystem, dec decode.Decoder) *Session {
	ex := except.NewEngine(mem)
	cache := tc.NewCache()
	return &Session{
		Mem:        mem,
		Cache:      cache,
		Translator: translate.New(mem, dec, ex, cache),
		Except:     ex,
	}
}

// Close releases the session's cache, the lifecycle counterpart to
// cpu_free in the supplemented API surface (SPEC_FULL.md section 4).
func (s *Session) Close() {
	s.Cache.Clear()
	s.prevTC = nil
}

// fingerprint computes the CPU-state half of a cache/IBTC key, the same
// bits translate.Translate stamps onto a freshly built block's
// CPUFlags, so Run's own lookups agree with what got cached.
func fingerprint(ctx *guest.Context) uint32 {
	return uint32(ctx.HFlags)&uint32(guest.HFlagsConst) | (ctx.Eflags() & guest.EFlagsConst)
}

// ExitFunc decides whether Run should stop before translating the block
// at ctx's current guest IP. A nil ExitFunc runs forever (until an abort
// or an unrecoverable fault).
type ExitFunc func(ctx *guest.Context) bool

// Run drives the dispatch loop (spec.md section 4.7) until exit returns
// true, the abort signal fires, or the guest triple-faults.
func (s *Session) Run(ctx *guest.Context, exit ExitFunc) error {
	for {
		if exit != nil && exit(ctx) {
			return nil
		}
		if s.Abort != nil && s.Abort() {
			return ErrAborted
		}

		opt := translate.Options{ForceInsert: s.ForceInsert}
		if s.oneInstrNext {
			opt.OneInstr = true
			opt.AllowCodeWrite = true
			s.oneInstrNext = false
		}
		block, err := s.resolve(ctx, opt)
		if err != nil {
			if err == except.ErrTripleFault {
				return ErrTripleFault
			}
			return err
		}
		if block == nil {
			// A fault was raised and delivered; retry from the
			// (possibly handler-redirected) guest IP.
			s.prevTC = nil
			continue
		}

		if block.PageCrossing {
			// Scenario 3: never a link target and never prev_tc for the
			// next iteration's linker invocation.
			_, ev, err := s.execChain(ctx, block)
			if err != nil {
				if err == except.ErrTripleFault {
					return ErrTripleFault
				}
				return err
			}
			switch ev {
			case tc.EventCPUModeChanged:
				s.Cache.Clear()
			case tc.EventHaltTC:
				s.oneInstrNext = true
			}
			s.prevTC = nil
			continue
		}

		s.maybeLink(ctx, block)

		leaf, ev, err := s.execChain(ctx, block)
		if err != nil {
			if err == except.ErrTripleFault {
				return ErrTripleFault
			}
			return err
		}
		s.handleEvent(ev, leaf)
	}
}

// handleEvent applies the post-execution bookkeeping spec.md section 4.7
// step 6 prescribes for each host-event kind.
func (s *Session) handleEvent(ev tc.HostEvent, leaf *tc.Block) {
	switch ev {
	case tc.EventCPUModeChanged:
		s.Cache.Clear()
		s.prevTC = nil
	case tc.EventHaltTC:
		s.prevTC = nil
		s.oneInstrNext = true
	default:
		s.prevTC = leaf
	}
}

// resolve implements spec.md section 4.7 steps 1-4: translate the
// current guest IP through the TLB, deliver any resulting fault, then
// find-or-translate the block at the resulting fingerprint. A nil,nil
// result means a fault was just delivered and the caller should retry.
func (s *Session) resolve(ctx *guest.Context, opt translate.Options) (*tc.Block, error) {
	virtPC := ctx.VirtPC()
	csBase := ctx.CS().Base
	pc, fault := s.Mem.GetCodeAddr(ctx, virtPC)
	if fault != nil {
		return nil, s.raiseMemFault(ctx, fault, ctx.Regs.EIP)
	}

	cpuFlags := fingerprint(ctx)
	if b := s.Cache.IBTCLookup(virtPC, csBase, pc, cpuFlags); b != nil {
		return b, nil
	}
	if b := s.Cache.Find(csBase, pc, cpuFlags); b != nil {
		return b, nil
	}

	if s.Cache.Len() >= capacityLimit {
		s.Cache.Clear()
		s.prevTC = nil
	}
	block := s.Translator.Translate(ctx, opt)
	if opt.AllowCodeWrite {
		// spec.md section 4.2 step 5: the DISAS_ONE|ALLOW_CODE_WRITE
		// re-translation runs once, transiently; it must not itself be
		// indexed into the page index before it has even executed.
		return block, nil
	}
	if block.PageCrossing && !opt.ForceInsert {
		// Scenario 3 (spec.md section 8): executed once and discarded,
		// never indexed under either spanned page.
		return block, nil
	}
	return s.Cache.Insert(block, &ctx.TLB), nil
}

// maybeLink invokes the linker (spec.md section 4.4) when prev_tc
// declares a link intention matching the block the dispatcher just
// resolved.
func (s *Session) maybeLink(ctx *guest.Context, block *tc.Block) {
	if s.prevTC == nil {
		return
	}
	virtPC := ctx.VirtPC()
	switch tc.LinkModeOf(s.prevTC.Flags) {
	case tc.LinkDirectOnly:
		if virtPC == s.prevTC.LinkTargets[0] {
			s.Cache.LinkDirect(s.prevTC, block)
		}
	case tc.LinkDirectCond:
		switch virtPC {
		case s.prevTC.LinkTargets[0]:
			s.Cache.Link(s.prevTC, 0, block)
		case s.prevTC.LinkTargets[1]:
			s.Cache.Link(s.prevTC, 1, block)
		}
	case tc.LinkIndirect, tc.LinkRet:
		// Keyed by the landing address itself (spec.md section 4.3:
		// "written at the conclusion of ... transfer"), matching the key
		// space resolve's own IBTCLookup probes at the top of the next
		// iteration, not the ret/indirect instruction's own site.
		s.Cache.IBTCStore(virtPC, block)
	}
}

// execChain runs block and follows any direct-linked successors in
// process (spec.md section 4.6: "the emitted block entry ... returning
// a block pointer or none"), stopping at the first host event or the
// first fall-through to the dispatcher stub.
func (s *Session) execChain(ctx *guest.Context, block *tc.Block) (*tc.Block, tc.HostEvent, error) {
	for {
		next, ev := block.PtrCode(ctx)
		switch ev {
		case tc.EventPfExp, tc.EventDeExp:
			fault := s.lastFault(ctx)
			if err := s.raiseMemFault(ctx, fault, ctx.Regs.EIP); err != nil {
				return nil, ev, err
			}
			return block, ev, nil
		case tc.EventCPUModeChanged, tc.EventHaltTC:
			return block, ev, nil
		}
		if next == nil {
			return block, tc.EventNone, nil
		}
		block = next
	}
}

// lastFault reconstructs the memsys.Fault a block reported via
// EventPfExp/EventDeExp. The closure-backend reference implementation
// does not yet emit data-dependent memory operands (see DESIGN.md), so
// in practice this path is only reached by host-authored backends; it
// reads CR2 and the page-fault error code the emitted code is expected
// to have already staged, per spec.md section 6's host-event contract.
func (s *Session) lastFault(ctx *guest.Context) *memsys.Fault {
	return &memsys.Fault{Kind: memsys.FaultPF, Addr: ctx.Regs.CR2, Code: uint16(ctx.ExpInfo.Data.Code)}
}

func (s *Session) raiseMemFault(ctx *guest.Context, fault *memsys.Fault, eip uint32) error {
	vector := guest.VecPF
	if fault.Kind == memsys.FaultDE {
		vector = guest.VecDE
	}
	return s.Except.Raise(ctx, vector, fault.Code, fault.Addr, eip, false)
}
