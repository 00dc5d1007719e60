// Copyright 2017 The go-interpreter Authors.  All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package decode defines the fetch/decode collaborator boundary
// (spec.md section 1: "the instruction decoder library" and "the
// per-opcode semantic lowering tables" are explicitly out of scope) and
// ships one reference decoder covering enough of the 32-bit x86
// instruction set — control transfers plus a handful of straight-line
// opcodes — to drive the translator loop (package translate) and its
// tests end to end, the same role disasm.Disassemble plays for wagon's
// WebAssembly bytecode.
package decode

// Class buckets an instruction for the translator's block-termination
// logic (spec.md section 4.6): control-transfer opcodes end a block,
// everything else just accumulates into it.
type Class int

const (
	ClassOther Class = iota
	ClassJmpRel
	ClassJccRel
	ClassCallRel
	ClassRet
	ClassHlt
	ClassInt
	ClassIret
	ClassUD // decode failure: caller should emit #UD and end the block
)

// Instr is one decoded guest instruction.
type Instr struct {
	Class Class
	Len   int   // total encoded length, including prefixes and immediates
	Rel   int32 // sign-extended relative displacement, for Class{JmpRel,JccRel,CallRel}
	Cond  uint8 // condition code (low nibble of a Jcc opcode), for ClassJccRel
	Imm8  uint8  // interrupt vector, for ClassInt
	ImmSz uint8  // immediate popped by a near ret, for ClassRet
	Moffs uint32 // absolute guest address operand, for the mov_store8/mov_store32 mnemonics

	// Mnemonic and OpSize describe a decoded straight-line instruction
	// for ClassOther; the emitter uses them to select the operation and
	// lazy-flags class to lower to.
	Mnemonic string
	OpSize   uint8 // 16 or 32
}
