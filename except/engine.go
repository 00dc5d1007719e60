// Copyright 2017 The go-interpreter Authors.  All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package except

import (
	"errors"
	"fmt"

	"github.com/dbt86/x86dbt/guest"
	"github.com/dbt86/x86dbt/memsys"
)

// ErrTripleFault is returned when a fault is delivered while
// previous-vector already reads #DF: the guest has triple-faulted and
// the session must abort (spec.md section 4.5, scenario E3).
var ErrTripleFault = errors.New("except: triple fault")

// errCodeVectors is the set of vectors that push a hardware error code
// (spec.md section 4.5 rule 9).
var errCodeVectors = map[guest.Vector]bool{
	guest.VecDF: true, guest.VecTS: true, guest.VecNP: true,
	guest.VecSS: true, guest.VecGP: true, guest.VecPF: true, guest.VecAC: true,
}

// Engine raises and delivers x86 exceptions against a guest context.
type Engine struct {
	Mem memsys.Subsystem
}

// NewEngine returns an exception engine backed by mem.
func NewEngine(mem memsys.Subsystem) *Engine { return &Engine{Mem: mem} }

// Raise implements raise_exception (spec.md section 4.5): double-fault
// classification followed by real- or protected-mode delivery. software
// is true only for a delivery triggered by a guest `int n` instruction
// (rule 3 of protected-mode delivery checks the gate's DPL against CPL
// only in that case).
func (e *Engine) Raise(ctx *guest.Context, vector guest.Vector, code uint16, faultAddr, eip uint32, software bool) error {
	vector, code, eip = e.classify(ctx, vector, code, eip)

	if ctx.ExpInfo.PrevVector == guest.VecDF && vector == guest.VecDF {
		return ErrTripleFault
	}
	if guest.Contributory(vector) || vector == guest.VecPF || vector == guest.VecDF {
		ctx.ExpInfo.PrevVector = vector
	}
	ctx.ExpInfo.Data = guest.ExpData{FaultAddr: faultAddr, Code: code, Vector: vector, EIP: eip}

	if ctx.HFlags&guest.HflgPEMode == 0 {
		return e.deliverReal(ctx, vector, eip)
	}
	return e.deliverProtected(ctx, vector, code, faultAddr, eip, software)
}

// classify applies the double-fault escalation rules, returning the
// (possibly replaced) vector/code/eip to actually deliver. It reads but
// does not mutate ExpInfo; the caller commits PrevVector afterward.
func (e *Engine) classify(ctx *guest.Context, vector guest.Vector, code uint16, eip uint32) (guest.Vector, uint16, uint32) {
	prev := ctx.ExpInfo.PrevVector
	if prev == guest.VecDF {
		return guest.VecDF, 0, 0 // triple fault, caught by the caller
	}
	contributoryPair := guest.Contributory(prev) && guest.Contributory(vector)
	pfEscalation := prev == guest.VecPF && (guest.Contributory(vector) || vector == guest.VecPF)
	if contributoryPair || pfEscalation {
		return guest.VecDF, 0, 0
	}
	return vector, code, eip
}

// deliverReal implements real-mode vectoring through the IVT (spec.md
// section 4.5, "Real mode delivery").
func (e *Engine) deliverReal(ctx *guest.Context, vector guest.Vector, eip uint32) error {
	// The documented worked example (idtr.limit=3, vector=0 => #GP) only
	// holds under a >= comparison, not the inclusive-equal reading of
	// "vector*4+3 > idtr.limit" one would expect from plain IVT bounds
	// math; transcribed to match the worked example rather than the
	// prose. #GP's own entry is never bounds-checked, since that is
	// exactly the vector this check delivers and re-checking it would
	// recurse forever against a degenerate idtr.limit.
	if vector != guest.VecGP && int64(vector)*4+3 >= int64(ctx.Regs.IDTR.Limit) {
		// The IVT-limit #GP replaces the vector being delivered rather
		// than nesting on it as a double fault.
		ctx.ExpInfo.PrevVector = guest.VecInvalid
		return e.Raise(ctx, guest.VecGP, uint16(vector)*8+2, 0, eip, false)
	}
	entry := e.Mem.MemRead32(ctx, ctx.Regs.IDTR.Base+uint32(vector)*4)
	newCS := uint16(entry >> 16)
	newIP := uint16(entry)

	push16 := func(v uint16) { pushN(e.Mem, ctx, false, uint32(v)) }
	push16(uint16(ctx.Eflags()))
	push16(ctx.Regs.Sel[guest.CS])
	push16(uint16(eip))

	ctx.SetEflags(ctx.Eflags() &^ (guest.EflagAC | guest.EflagRF | guest.EflagIF | guest.EflagTF))
	ctx.Regs.Sel[guest.CS] = newCS
	ctx.Regs.SegHid[guest.CS].Base = uint32(newCS) << 4
	ctx.Regs.EIP = uint32(newIP)
	ctx.HFlags &^= guest.HflgDbgTrap
	if vector == guest.VecDB {
		ctx.Regs.DR[7] &^= dr7GD
	}
	ctx.ExpInfo.PrevVector = guest.VecInvalid
	return nil
}

// deliverProtected implements protected-mode vectoring through the IDT
// (spec.md section 4.5, "Protected mode delivery", rules 1-10).
func (e *Engine) deliverProtected(ctx *guest.Context, vector guest.Vector, code uint16, faultAddr, eip uint32, software bool) error {
	gate, ok := readGateDesc(e.Mem, ctx, vector)
	if !ok {
		return e.Raise(ctx, guest.VecGP, uint16(vector)*8+2, 0, eip, false)
	}

	var maskIF, is32 bool
	switch gate.Type {
	case GateTask:
		return fmt.Errorf("except: task gate delivery is unimplemented")
	case GateInt16:
		maskIF, is32 = true, false
	case GateInt32:
		maskIF, is32 = true, true
	case GateTrap16:
		maskIF, is32 = false, false
	case GateTrap32:
		maskIF, is32 = false, true
	default:
		return e.Raise(ctx, guest.VecGP, uint16(vector)*8+2, 0, eip, false)
	}

	cpl := uint8(ctx.HFlags.CPL())
	if software && gate.DPL < cpl {
		return e.Raise(ctx, guest.VecGP, uint16(vector)*8+2, 0, eip, false)
	}
	if !gate.Present {
		return e.Raise(ctx, guest.VecNP, uint16(vector)*8+2, 0, eip, false)
	}

	if gate.Selector&^0x7 == 0 {
		return e.Raise(ctx, guest.VecGP, uint16(vector)*8+2, 0, eip, false)
	}
	csDesc, ok := readSelectorDesc(e.Mem, ctx, gate.Selector)
	if !ok {
		return e.Raise(ctx, guest.VecGP, uint16(gate.Selector)&^0x7, 0, eip, false)
	}
	if !csDesc.Present {
		return e.Raise(ctx, guest.VecNP, uint16(gate.Selector)&^0x7, 0, eip, false)
	}

	pushCode := errCodeVectors[vector]
	if csDesc.DPL < cpl {
		// Rule 6: privilege switch.
		newSS, newESP := readTSSStack(e.Mem, ctx, csDesc.DPL)
		ssDesc, ok := readSelectorDesc(e.Mem, ctx, newSS)
		if !ok || !validSSDescriptor(ssDesc, newSS, csDesc.DPL) {
			return e.Raise(ctx, guest.VecTS, uint16(newSS)&^0x7, 0, eip, false)
		}
		setAccessedBit(e.Mem, ctx, gate.Selector)
		setAccessedBit(e.Mem, ctx, newSS)

		oldSS, oldESP := ctx.Regs.Sel[guest.SS], ctx.Regs.Get(guest.ESP)
		ctx.Regs.Sel[guest.SS] = newSS
		ctx.Regs.SegHid[guest.SS] = ssDesc.hidden()
		ctx.Regs.Set(guest.ESP, newESP)

		pushFrame(e.Mem, ctx, is32, pushCode, code, eip, &stackSwitch{oldSS, oldESP})
	} else {
		// Rule 7: same privilege.
		pushFrame(e.Mem, ctx, is32, pushCode, code, eip, nil)
	}

	newEflags := ctx.Eflags()
	if maskIF {
		newEflags &^= guest.EflagIF
	}
	ctx.SetEflags(newEflags &^ (guest.EflagVM | guest.EflagRF | guest.EflagNT | guest.EflagTF))

	ctx.Regs.Sel[guest.CS] = gate.Selector
	ctx.Regs.SegHid[guest.CS] = csDesc.hidden()
	ctx.Regs.EIP = gate.Offset
	ctx.HFlags = ctx.HFlags.WithCPL(uint32(csDesc.DPL))
	if csDesc.DB {
		ctx.HFlags |= guest.HflgCS32
	} else {
		ctx.HFlags &^= guest.HflgCS32
	}
	ctx.HFlags &^= guest.HflgDbgTrap
	if vector == guest.VecPF {
		ctx.Regs.CR2 = faultAddr
	}
	if vector == guest.VecDB {
		ctx.Regs.DR[7] &^= dr7GD
	}
	ctx.ExpInfo.PrevVector = guest.VecInvalid
	return nil
}

// stackSwitch carries the old SS:ESP a privilege-switch push frame must
// also push, beneath EFLAGS/CS/EIP.
type stackSwitch struct {
	ss  uint16
	esp uint32
}

// pushFrame pushes the exception stack frame in architectural order:
// [old SS, old ESP] (privilege switch only), EFLAGS, CS, EIP, [error
// code] (spec.md section 4.5 rules 6-9).
func pushFrame(mem memsys.Subsystem, ctx *guest.Context, is32, withCode bool, code uint16, eip uint32, sw *stackSwitch) {
	push := func(v uint32) { pushN(mem, ctx, is32, v) }
	if sw != nil {
		push(uint32(sw.ss))
		push(sw.esp)
	}
	push(ctx.Eflags())
	push(uint32(ctx.Regs.Sel[guest.CS]))
	push(eip)
	if withCode {
		push(uint32(code))
	}
}

// pushN decrements ESP by the pushed unit's width, masked to 32 or 16
// bits per the target SS's B bit (spec.md section 4.5 rule 8), and
// writes v at the resulting SS:SP.
func pushN(mem memsys.Subsystem, ctx *guest.Context, wide32 bool, v uint32) {
	ss32 := ctx.Regs.SegHid[guest.SS].Flags&guest.SegFlagDB != 0
	size := uint32(2)
	if wide32 {
		size = 4
	}

	esp := ctx.Regs.Get(guest.ESP)
	var newESP uint32
	if ss32 {
		newESP = esp - size
	} else {
		newESP = (esp &^ 0xFFFF) | uint32(uint16(esp-size))
	}
	ctx.Regs.Set(guest.ESP, newESP)

	var spMasked uint32
	if ss32 {
		spMasked = newESP
	} else {
		spMasked = uint32(uint16(newESP))
	}
	addr := ctx.Regs.SegHid[guest.SS].Base + spMasked
	if wide32 {
		mem.MemWrite32(ctx, addr, v)
	} else {
		mem.MemWrite16(ctx, addr, uint16(v))
	}
}
