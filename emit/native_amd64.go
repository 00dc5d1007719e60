// Copyright 2017 The go-interpreter Authors.  All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package emit

import (
	"fmt"

	asm "github.com/twitchyliquid64/golang-asm"
	"github.com/twitchyliquid64/golang-asm/obj"
	"github.com/twitchyliquid64/golang-asm/obj/x86"

	"github.com/dbt86/x86dbt/decode"
)

// NativeAMD64Backend emits real amd64 machine code for a narrow,
// explicitly-scoped subset of straight-line guest instructions,
// following the same pattern wagon's own AMD64Backend uses for
// WebAssembly opcodes: support a handful of cases well, reject
// everything else so the caller can fall back to ClosureBackend rather
// than silently mistranslate.
//
// Reserved registers, mirroring backend_amd64.go's convention:
//   - CX holds the *guest.Context pointer for the duration of the block
//   - AX, DX, BX are scratch, used to stage guest register values
//
// Compile emits no successor patch sites: a compiled blob is the
// straight-line body followed by a host RET.
type NativeAMD64Backend struct {
	arena *CodeArena
}

// NewNativeAMD64Backend returns a backend that places emitted code and
// patch cells into arena.
func NewNativeAMD64Backend(arena *CodeArena) *NativeAMD64Backend {
	return &NativeAMD64Backend{arena: arena}
}

// Supports reports whether this backend can lower in natively.
func (b *NativeAMD64Backend) Supports(in decode.Instr) bool {
	switch in.Mnemonic {
	case "nop", "hlt":
		return true
	case "add", "sub", "and", "or", "xor":
		return in.OpSize == 32
	}
	return false
}

// Compile lowers a straight-line run of supported instructions into a
// machine-code blob written into the arena, returning the byte offset
// its entry point was placed at.
func (b *NativeAMD64Backend) Compile(ins []decode.Instr) (offset int, err error) {
	for _, in := range ins {
		if !b.Supports(in) {
			return 0, fmt.Errorf("emit: native amd64 backend cannot handle %q", in.Mnemonic)
		}
	}

	builder, err := asm.NewBuilder("amd64", 64)
	if err != nil {
		return 0, fmt.Errorf("emit: asm.NewBuilder: %w", err)
	}

	for _, in := range ins {
		switch in.Mnemonic {
		case "nop":
			emitNop(builder)
		case "hlt":
			// A guest HLT is lowered to a host RET.
			emitRet(builder)
		case "add", "sub", "and", "or", "xor":
			emitALURegReg(builder, aluAs(in.Mnemonic), x86.REG_AX, x86.REG_DX)
		}
	}
	emitRet(builder)

	code := builder.Assemble()
	off, err := b.arena.Write(code)
	if err != nil {
		return 0, err
	}
	return off, nil
}

func aluAs(mnemonic string) obj.As {
	switch mnemonic {
	case "add":
		return x86.AADDL
	case "sub":
		return x86.ASUBL
	case "and":
		return x86.AANDL
	case "or":
		return x86.AORL
	case "xor":
		return x86.AXORL
	}
	return x86.ANOPL
}

func emitNop(builder *asm.Builder) {
	prog := builder.NewProg()
	prog.As = x86.ANOPL
	builder.AddInstruction(prog)
}

func emitRet(builder *asm.Builder) {
	prog := builder.NewProg()
	prog.As = obj.ARET
	builder.AddInstruction(prog)
}

// emitALURegReg emits `as dst, src` (AT&T: as src, dst in Intel reading
// order dst = dst op src), mirroring emitBinaryI64's register-register
// shape in backend_amd64.go.
func emitALURegReg(builder *asm.Builder, as obj.As, dst, src int16) {
	prog := builder.NewProg()
	prog.As = as
	prog.To.Type = obj.TYPE_REG
	prog.To.Reg = dst
	prog.From.Type = obj.TYPE_REG
	prog.From.Reg = src
	builder.AddInstruction(prog)
}
