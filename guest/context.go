// Copyright 2017 The go-interpreter Authors.  All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package guest

// Context is the full architectural state of one emulated CPU: the
// register file, the lazy and canonical eflags, hflags, the TLB and the
// in-flight exception record. It is passed explicitly through every
// operation (translator, exception engine, dispatcher) rather than kept
// as package-level mutable state, per the "global mutable state" design
// note in spec.md section 9 — the emitted native code binds a *Context
// as its single parameter.
type Context struct {
	Regs   Regs
	Lazy   LazyFlags
	EFlags uint32 // non-arithmetic bits; arithmetic bits live in Lazy
	HFlags HFlags

	TLB TLB

	RAM []byte // flat guest physical RAM, indexed directly by physical address

	ExpInfo ExpInfo
}

// NewContext allocates a context with ramSize bytes of backing RAM.
func NewContext(ramSize int) *Context {
	c := &Context{RAM: make([]byte, ramSize)}
	c.ExpInfo.Reset()
	c.SetEflags(EflagIF)
	return c
}

// Eflags folds Lazy into EFlags to produce the full canonical 32-bit
// EFLAGS register, the value any instruction reading eflags as a whole
// (pushf, lahf, conditional jumps) must observe.
func (c *Context) Eflags() uint32 { return c.Lazy.Canonical(c.EFlags) }

// SetEflags loads a full 32-bit EFLAGS value, collapsing the arithmetic
// bits into an OpLoaded lazy record so a subsequent Eflags() call
// reproduces exactly what was loaded (popf, iret, a segment switch)
// instead of reconstructing stale arithmetic state from some earlier
// instruction's operands.
func (c *Context) SetEflags(v uint32) {
	c.EFlags = v &^ (EflagCF | EflagPF | EflagAF | EflagZF | EflagSF | EflagOF)

	l := LazyFlags{Class: OpLoaded, Size: Size32}
	if v&EflagCF != 0 {
		l.Src2 |= loadedCFBit
	}
	if v&EflagPF != 0 {
		l.Src2 |= loadedPFBit
	}
	if v&EflagAF != 0 {
		l.Src2 |= loadedAFBit
	}
	if v&EflagZF != 0 {
		l.Src2 |= loadedZFBit
	}
	if v&EflagSF != 0 {
		l.Src2 |= loadedSFBit
	}
	if v&EflagOF != 0 {
		l.Src2 |= loadedOFBit
	}
	c.Lazy = l
}

// CS returns the hidden descriptor cache for CS, the segment whose base
// a virtual PC is computed against.
func (c *Context) CS() SegHidden { return c.Regs.SegHid[CS] }

// VirtPC returns the guest virtual program counter, CS.base + EIP.
func (c *Context) VirtPC() uint32 { return c.CS().Base + c.Regs.EIP }
