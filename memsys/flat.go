// Copyright 2017 The go-interpreter Authors.  All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package memsys

import (
	"sort"

	"github.com/dbt86/x86dbt/guest"
)

// RegionKind is the type of a memory_region_t (original_source's
// lib86cpu.h): plain RAM, memory-mapped I/O, port-mapped I/O, or an
// alias of another region at a different base.
type RegionKind int

const (
	KindRAM RegionKind = iota
	KindMMIO
	KindPMIO
	KindAlias
)

// ReadFunc/WriteFunc are the MMIO/PMIO access handlers a region binds,
// mirroring lib86cpu.h's fp_read/fp_write typedefs.
type ReadFunc func(addr uint32, size int) uint32
type WriteFunc func(addr uint32, size int, v uint32)

// Region is one entry in the guest's address space, ordered by Priority
// when two regions overlap (the highest priority wins, as in the
// original's std::set<..., sort_by_priority<addr_t>>).
type Region struct {
	Start, End uint32 // [Start, End)
	Kind       RegionKind
	Priority   int
	Read       ReadFunc
	Write      WriteFunc
	AliasOf    uint32 // for KindAlias: the aliased region's start
}

func (r *Region) contains(addr uint32) bool { return addr >= r.Start && addr < r.End }

// Flat is a reference memsys.Subsystem: guest physical RAM is a flat
// byte slice (ctx.RAM) addressed directly, with a priority-ordered list
// of MMIO/PMIO regions layered on top, and an optional standard
// (non-PAE) two-level page table walk when CR0.PG is set. It exists so
// the translator, dispatcher and exception engine have something real
// to run against in tests, the same role exec.VM's plain byte slice
// plays for wagon's linear memory.
type Flat struct {
	regions []*Region
	ports   []*Region
}

// NewFlat creates an empty address space; AddRegion populates it.
func NewFlat() *Flat { return &Flat{} }

// AddRegion installs a memory-mapped region, keeping the list sorted by
// descending priority so lookup always finds the highest-priority match
// first.
func (f *Flat) AddRegion(r *Region) {
	list := &f.regions
	if r.Kind == KindPMIO {
		list = &f.ports
	}
	*list = append(*list, r)
	sort.SliceStable(*list, func(i, j int) bool { return (*list)[i].Priority > (*list)[j].Priority })
}

func (f *Flat) find(addr uint32) *Region {
	for _, r := range f.regions {
		if r.contains(addr) {
			if r.Kind == KindAlias {
				if aliased := f.find(r.AliasOf + (addr - r.Start)); aliased != nil {
					return aliased
				}
				continue
			}
			return r
		}
	}
	return nil
}

const (
	pdeShift = 22
	pteShift = 12
	ptIndexMask = 0x3ff
)

// pagingEnabled reports whether CR0.PG is set.
func pagingEnabled(ctx *guest.Context) bool { return ctx.Regs.CR0&(1<<31) != 0 }

// walk performs a standard 32-bit (non-PAE) page table walk, returning
// the physical address and, on failure, a page-fault error code.
func (f *Flat) walk(ctx *guest.Context, virt uint32, write, user bool) (phys uint32, fault *Fault) {
	if !pagingEnabled(ctx) {
		return virt, nil
	}

	pdIndex := virt >> pdeShift
	ptIndex := (virt >> pteShift) & ptIndexMask

	pdeAddr := (ctx.Regs.CR3 &^ 0xfff) + pdIndex*4
	pde := f.readPhys32(ctx, pdeAddr)
	if pde&1 == 0 {
		return 0, pfFault(virt, write, user, false)
	}

	pteAddr := (pde &^ 0xfff) + ptIndex*4
	pte := f.readPhys32(ctx, pteAddr)
	if pte&1 == 0 {
		return 0, pfFault(virt, write, user, false)
	}
	if write && pte&(1<<1) == 0 {
		return 0, pfFault(virt, write, user, true)
	}
	if user && pte&(1<<2) == 0 {
		return 0, pfFault(virt, write, user, true)
	}

	return (pte &^ 0xfff) | (virt & 0xfff), nil
}

func pfFault(addr uint32, write, user, present bool) *Fault {
	code := uint16(0)
	if present {
		code |= PFCodePresent
	}
	if write {
		code |= PFCodeWrite
	}
	if user {
		code |= PFCodeUser
	}
	return &Fault{Kind: FaultPF, Addr: addr, Code: code}
}

func (f *Flat) readPhys32(ctx *guest.Context, phys uint32) uint32 {
	if int(phys)+4 > len(ctx.RAM) {
		return 0
	}
	return uint32(ctx.RAM[phys]) | uint32(ctx.RAM[phys+1])<<8 | uint32(ctx.RAM[phys+2])<<16 | uint32(ctx.RAM[phys+3])<<24
}

// GetCodeAddr implements Subsystem.
func (f *Flat) GetCodeAddr(ctx *guest.Context, virt uint32) (uint32, *Fault) {
	user := ctx.HFlags.CPL() == 3
	phys, fault := f.walk(ctx, virt, false, user)
	if fault != nil {
		return 0, fault
	}
	if phys < uint32(len(ctx.RAM)) {
		ctx.TLB.SetAttr(virt, guest.TLBRam)
	}
	return phys, nil
}

// GetWriteAddr implements Subsystem. It must not fault: callers (the
// SMC hook) have already validated the address through a prior store.
func (f *Flat) GetWriteAddr(ctx *guest.Context, virt uint32) (uint32, bool) {
	user := ctx.HFlags.CPL() == 3
	phys, fault := f.walk(ctx, virt, true, user)
	if fault != nil {
		phys = virt
	}
	isCode := ctx.TLB.HasAttr(virt, guest.TLBCode)
	return phys, isCode
}

func (f *Flat) MemRead8(ctx *guest.Context, phys uint32) uint8 {
	if r := f.find(phys); r != nil && r.Kind == KindMMIO {
		return uint8(r.Read(phys, 1))
	}
	if int(phys) < len(ctx.RAM) {
		return ctx.RAM[phys]
	}
	return 0
}

func (f *Flat) MemRead16(ctx *guest.Context, phys uint32) uint16 {
	if r := f.find(phys); r != nil && r.Kind == KindMMIO {
		return uint16(r.Read(phys, 2))
	}
	if int(phys)+2 <= len(ctx.RAM) {
		return uint16(ctx.RAM[phys]) | uint16(ctx.RAM[phys+1])<<8
	}
	return 0
}

func (f *Flat) MemRead32(ctx *guest.Context, phys uint32) uint32 {
	if r := f.find(phys); r != nil && r.Kind == KindMMIO {
		return r.Read(phys, 4)
	}
	return f.readPhys32(ctx, phys)
}

func (f *Flat) MemWrite8(ctx *guest.Context, phys uint32, v uint8) {
	if r := f.find(phys); r != nil && r.Kind == KindMMIO {
		r.Write(phys, 1, uint32(v))
		return
	}
	if int(phys) < len(ctx.RAM) {
		ctx.RAM[phys] = v
	}
}

func (f *Flat) MemWrite16(ctx *guest.Context, phys uint32, v uint16) {
	if r := f.find(phys); r != nil && r.Kind == KindMMIO {
		r.Write(phys, 2, uint32(v))
		return
	}
	if int(phys)+2 <= len(ctx.RAM) {
		ctx.RAM[phys] = byte(v)
		ctx.RAM[phys+1] = byte(v >> 8)
	}
}

func (f *Flat) MemWrite32(ctx *guest.Context, phys uint32, v uint32) {
	if r := f.find(phys); r != nil && r.Kind == KindMMIO {
		r.Write(phys, 4, v)
		return
	}
	if int(phys)+4 <= len(ctx.RAM) {
		ctx.RAM[phys] = byte(v)
		ctx.RAM[phys+1] = byte(v >> 8)
		ctx.RAM[phys+2] = byte(v >> 16)
		ctx.RAM[phys+3] = byte(v >> 24)
	}
}

func (f *Flat) In(port uint16, size int) uint32 {
	for _, r := range f.ports {
		if r.contains(uint32(port)) {
			return r.Read(uint32(port), size)
		}
	}
	return 0
}

func (f *Flat) Out(port uint16, size int, v uint32) {
	for _, r := range f.ports {
		if r.contains(uint32(port)) {
			r.Write(uint32(port), size, v)
			return
		}
	}
}
