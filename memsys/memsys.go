// Copyright 2017 The go-interpreter Authors.  All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package memsys defines the contract to the guest memory subsystem
// (spec.md section 6): physical address translation, RAM/MMIO/PMIO
// dispatch and the TLB attribute bits the core core depends on but does
// not itself resolve. It is an external collaborator per spec.md section
// 1 ("out of scope"); this package only fixes its contract and ships one
// reference implementation (flat RAM plus priority-ordered regions) so
// the rest of the module has something concrete to run against and test
// with, the way wagon's own linear-memory slice backs exec.VM without
// wagon having to specify every possible host embedding.
package memsys

import "github.com/dbt86/x86dbt/guest"

// FaultKind is the host event a faulting address translation raises.
type FaultKind int

const (
	// FaultNone indicates a successful translation, not a fault.
	FaultNone FaultKind = iota
	// FaultPF is a guest page fault (#PF, vector 14).
	FaultPF
	// FaultDE is a guest divide error (#DE, vector 0); surfaced here
	// because it is raised from the same call sites (emitted code
	// calling back into the memory/ALU helpers) that page faults are.
	FaultDE
)

// Fault describes one failed translation or division.
type Fault struct {
	Kind FaultKind
	Addr uint32 // faulting linear address, for FaultPF
	Code uint16 // page-fault error code: P|W|U bits
}

// Page-fault error code bits (Intel SDM vol. 3, 4.7).
const (
	PFCodePresent  = 1 << 0
	PFCodeWrite    = 1 << 1
	PFCodeUser     = 1 << 2
)

// Subsystem is the contract to the guest memory subsystem.
type Subsystem interface {
	// GetCodeAddr translates a guest virtual instruction-fetch address
	// to its physical address, returning a non-nil *Fault on failure
	// (spec.md section 6: "may raise pf_exp, de_exp").
	GetCodeAddr(ctx *guest.Context, virt uint32) (phys uint32, fault *Fault)

	// GetWriteAddr is the non-faulting variant the SMC hook uses: the
	// caller has already validated the write address, so this may not
	// fail. It additionally reports whether the target page currently
	// carries the CODE attribute.
	GetWriteAddr(ctx *guest.Context, virt uint32) (phys uint32, isCode bool)

	MemRead8(ctx *guest.Context, phys uint32) uint8
	MemRead16(ctx *guest.Context, phys uint32) uint16
	MemRead32(ctx *guest.Context, phys uint32) uint32
	MemWrite8(ctx *guest.Context, phys uint32, v uint8)
	MemWrite16(ctx *guest.Context, phys uint32, v uint16)
	MemWrite32(ctx *guest.Context, phys uint32, v uint32)

	In(port uint16, size int) uint32
	Out(port uint16, size int, v uint32)
}
