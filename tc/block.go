// Copyright 2017 The go-interpreter Authors.  All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package tc implements the code cache (C1), the page->block index and
// its SMC invalidation protocol (C2), the indirect-branch target cache
// (C3) and the block linker (C4) from spec.md section 4.1-4.4: the
// central data structures a dynamic binary translator chains hot guest
// paths through.
package tc

import "github.com/dbt86/x86dbt/guest"

// HostEvent is what a block's entry function reports back to the
// dispatcher in lieu of the original's typed host-side throws (spec.md
// section 9, "exceptions for control flow"): an ordinary return value
// instead of an unwind.
type HostEvent int

const (
	// EventNone means the block ran to completion with no exceptional
	// condition; if the accompanying *Block is non-nil, it is the
	// direct-linked successor the epilogue already jumped to.
	EventNone HostEvent = iota
	// EventPfExp is a guest page fault raised during block execution.
	EventPfExp
	// EventDeExp is a guest divide error raised during block execution.
	EventDeExp
	// EventCPUModeChanged signals a semantic CPU-mode change (e.g. a
	// write to CR0 that flips protected mode) that invalidates the
	// entire fingerprint space and requires a full cache purge.
	EventCPUModeChanged
	// EventHaltTC signals the currently executing block destroyed
	// itself via self-modifying code; the dispatcher must re-enter from
	// the (possibly updated) current guest IP.
	EventHaltTC
)

// BlockEntry is the emitted block's entry point: a function of one
// argument (the CPU context) returning either a direct-linked successor
// block or a host event (spec.md section 6). This is the Go-idiomatic
// rendering of the "entry_t" function pointer the JIT backend produces;
// see package emit for the two collaborator implementations.
type BlockEntry func(ctx *guest.Context) (*Block, HostEvent)

// DispatcherStub is the default successor every patch site is
// initialized to and reverted to on eviction (spec.md invariant I3): it
// asks the dispatcher to do a fresh fingerprint lookup rather than
// following a since-invalidated direct link.
var DispatcherStub BlockEntry = func(*guest.Context) (*Block, HostEvent) { return nil, EventNone }

// LinkMode is the link intention a finished block declares in Flags.
type LinkMode uint8

const (
	LinkNone LinkMode = iota
	LinkDirectOnly
	LinkDirectCond
	LinkIndirect
	LinkRet
)

// TakenKind selects which patch site a two-slot conditional direct link
// patches, per spec.md section 4.4.
type TakenKind uint8

const (
	TakenDstPC TakenKind = iota
	TakenNextPC
	TakenRetOnly
)

// Flags bit layout: [0:3) link mode, [3:5) number of patch sites (0-2),
// [5:7) taken-slot kind. The exact layout is this module's own choice;
// spec.md only fixes the semantics (section 4.4: "depending on (flags >>
// 4) taken-slot kind" is honored in spirit — the taken-kind is a
// separate field read independently of link mode, not literally bit 4).
const (
	flagsLinkModeMask  = 0x7
	flagsNumSlotsShift = 3
	flagsNumSlotsMask  = 0x3 << flagsNumSlotsShift
	flagsTakenShift    = 5
	flagsTakenMask     = 0x3 << flagsTakenShift
)

// MakeFlags packs a link mode, patch-site count and taken-slot kind into
// a Block.Flags word.
func MakeFlags(mode LinkMode, numSlots int, taken TakenKind) uint32 {
	return uint32(mode) | uint32(numSlots)<<flagsNumSlotsShift | uint32(taken)<<flagsTakenShift
}

// LinkMode unpacks the link mode from Flags.
func LinkModeOf(flags uint32) LinkMode { return LinkMode(flags & flagsLinkModeMask) }

// NumSlots unpacks the patch-site count from Flags.
func NumSlotsOf(flags uint32) int { return int(flags&flagsNumSlotsMask) >> flagsNumSlotsShift }

// TakenKindOf unpacks the taken-slot kind from Flags.
func TakenKindOf(flags uint32) TakenKind { return TakenKind(flags&flagsTakenMask) >> flagsTakenShift }

// BlockID is a generational arena index: the recommended strategy from
// spec.md section 9 for breaking the Block<->LinkedTC cycle without
// risking a stale raw pointer. A patcher's back-reference in a target's
// LinkedTC is a BlockID, not a *Block; resolving it after the target may
// have been evicted and the slot reused is always safe because the
// generation is checked first (see (*Cache).resolve).
type BlockID struct {
	index uint32
	gen   uint32
}

// Block is the central entity: one cached translation.
type Block struct {
	CSBase   uint32
	VirtPC   uint32 // guest virtual PC at block entry
	PC       uint32 // guest physical address at block entry; the SMC key
	CPUFlags uint32 // fingerprint = HFlagsConst | EFlagsConst at translation time
	Size     uint32 // guest bytes translated; 0 means "hook block"

	// PageCrossing marks a block that ended because accumulation reached
	// a guest physical page boundary rather than a real terminator
	// (spec.md section 4.6 step 3). Per spec.md section 8 scenario 3,
	// such a block is executed once and discarded rather than cached,
	// unless the caller has opted into CPU_FORCE_INSERT.
	PageCrossing bool

	PtrCode   BlockEntry
	JmpOffset [5]BlockEntry
	Flags     uint32

	// LinkTargets holds the guest virtual PC each direct-link patch site
	// (slot 0 taken, slot 1 fallthrough) would resolve to, so the
	// dispatcher's linker invocation (spec.md section 4.4) can tell which
	// slot the just-executed block actually exercised without the
	// emitted code itself reporting it.
	LinkTargets [2]uint32

	id         BlockID    // this block's own slot in the owning Cache's arena
	linkedTC   []patchRef // patchers that currently hold a live patch to this block
	slotTarget [5]BlockID // what each JmpOffset slot currently targets, zero value = unlinked
}

// patchRef names one patch site: block patcher's JmpOffset[slot] was
// last patched to point at this block.
type patchRef struct {
	patcher BlockID
	slot    int
}

// ID returns this block's generational arena index, stable for as long
// as the block remains cached.
func (b *Block) ID() BlockID { return b.id }

// Contains reports whether the physical byte range [addr, addr+size)
// overlaps this block's translated guest bytes (spec.md section 4.2
// step 3's "overlap" test). Hook blocks (Size==0) never overlap.
func (b *Block) Contains(addr, size uint32) bool {
	if b.Size == 0 {
		return false
	}
	end := b.PC + b.Size
	writeEnd := addr + size
	return addr < end && writeEnd > b.PC
}

// IsHook reports whether this is a zero-guest-byte hook block.
func (b *Block) IsHook() bool { return b.Size == 0 }
