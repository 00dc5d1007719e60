// Copyright 2017 The go-interpreter Authors.  All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package emit implements the JIT backend collaborator spec.md section
// 1 places out of scope ("per-opcode semantic lowering tables ... and
// the JIT backend that emits host machine code for them"). ClosureBackend
// is the one translate.Translator uses: it lowers each decoded
// instruction to a Go closure standing in for machine code;
// NativeAMD64Backend, which translate does not call, demonstrates the real code-generation path against
// a mmap'd, W^X-toggled arena, in the same partial-coverage spirit as
// wagon's own AMD64Backend (a handful of opcodes, falling back
// otherwise).
package emit

import (
	"fmt"
	"unsafe"

	"github.com/edsrzf/mmap-go"
	"golang.org/x/sys/unix"
)

// CodeArena is a growable region of mmap'd memory used to host native
// machine code, following the same RW-while-writing,
// RX-while-executing discipline wagon's MMapAllocator uses for its
// compiled WebAssembly functions.
type CodeArena struct {
	mmap mmap.MMap
	used int
}

// NewCodeArena reserves size bytes of anonymous memory, initially
// writable but not executable.
func NewCodeArena(size int) (*CodeArena, error) {
	m, err := mmap.MapRegion(nil, size, mmap.RDWR, mmap.ANON, 0)
	if err != nil {
		return nil, fmt.Errorf("emit: mmap arena: %w", err)
	}
	return &CodeArena{mmap: m}, nil
}

// Write copies code into the arena at its current write cursor and
// returns the byte offset it was placed at. The caller must call
// Protect before the returned offset is ever jumped to.
func (a *CodeArena) Write(code []byte) (offset int, err error) {
	if a.used+len(code) > len(a.mmap) {
		return 0, fmt.Errorf("emit: code arena exhausted (%d + %d > %d)", a.used, len(code), len(a.mmap))
	}
	offset = a.used
	copy(a.mmap[offset:], code)
	a.used += len(code)
	return offset, nil
}

// Bytes returns the backing slice for offset, for patching an
// already-written block in place (spec.md section 4.4's "patch site is
// a word in the host-emitted code stream").
func (a *CodeArena) Bytes(offset, size int) []byte { return a.mmap[offset : offset+size] }

// Protect toggles the whole arena between writable (for emission and
// patching) and executable (for dispatch), never both at once: the W^X
// discipline golang.org/x/sys/unix.Mprotect exists to enforce.
func (a *CodeArena) Protect(executable bool) error {
	prot := unix.PROT_READ | unix.PROT_WRITE
	if executable {
		prot = unix.PROT_READ | unix.PROT_EXEC
	}
	return unix.Mprotect(a.mmap, prot)
}

// Addr returns the process address of byte offset within the arena,
// for constructing an absolute jump target.
func (a *CodeArena) Addr(offset int) uintptr {
	return uintptr(unsafe.Pointer(&a.mmap[0])) + uintptr(offset)
}

// Close unmaps the arena.
func (a *CodeArena) Close() error { return a.mmap.Unmap() }
