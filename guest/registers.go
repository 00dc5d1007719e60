// Copyright 2017 The go-interpreter Authors.  All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package guest holds the architectural state of the emulated 32-bit x86
// CPU: general and segment registers, control/debug registers, the lazy
// eflags record, hflags, the TLB and the in-flight exception record.
//
// None of the types here are safe for concurrent use; the dispatch loop
// guarantees a single mutator at any point in time (see package dispatch).
package guest

// Reg identifies one of the eight 32-bit general purpose registers.
type Reg int

const (
	EAX Reg = iota
	ECX
	EDX
	EBX
	ESP
	EBP
	ESI
	EDI
	numGPRegs
)

// Seg identifies one of the six segment selectors.
type Seg int

const (
	ES Seg = iota
	CS
	SS
	DS
	FS
	GS
	numSegs
)

// SegHidden is the hidden descriptor cache loaded alongside a segment
// selector: base, limit and the raw descriptor flags (type/S/DPL/P/AVL/
// L/DB/G), kept so that segment arithmetic does not need to re-walk the
// GDT/LDT on every access.
type SegHidden struct {
	Base  uint32
	Limit uint32
	Flags uint32
}

// Descriptor-cache flag bits, laid out the way the high 32 bits of a
// segment descriptor's second quadword are, shifted down by 8.
const (
	SegFlagAccessed = 1 << 0
	SegFlagWritable = 1 << 1 // data segments only
	SegFlagConforming = 1 << 2 // code segments only
	SegFlagExecutable = 1 << 3
	SegFlagS        = 1 << 4
	SegFlagDPLShift = 5
	SegFlagDPLMask  = 0x3 << SegFlagDPLShift
	SegFlagPresent  = 1 << 7
	SegFlagAVL      = 1 << 12
	SegFlagLong     = 1 << 13
	SegFlagDB       = 1 << 14 // the "B" bit on SS, the "D" bit on CS
	SegFlagGranularity = 1 << 15
)

// DTR is a descriptor table register (GDTR/IDTR): a linear base and a
// byte limit. LDTR and TR additionally carry a selector and a hidden
// descriptor cache, modeled by DescTable below.
type DTR struct {
	Base  uint32
	Limit uint32
}

// DescTable is LDTR or TR: a selector plus the loaded segment's hidden
// descriptor cache.
type DescTable struct {
	Selector uint16
	Hidden   SegHidden
}

// Regs is the full general-purpose and system register file.
type Regs struct {
	GPR [numGPRegs]uint32
	EIP uint32

	Sel    [numSegs]uint16
	SegHid [numSegs]SegHidden

	CR0, CR2, CR3, CR4 uint32
	DR [8]uint32

	GDTR, IDTR DTR
	LDTR, TR   DescTable
}

// Get reads a general purpose register.
func (r *Regs) Get(reg Reg) uint32 { return r.GPR[reg] }

// Set writes a general purpose register.
func (r *Regs) Set(reg Reg, v uint32) { r.GPR[reg] = v }
