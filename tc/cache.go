// Copyright 2017 The go-interpreter Authors.  All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package tc

import "github.com/dbt86/x86dbt/guest"

// CapacityBuckets is the number of hash buckets the cache's fingerprint
// index is sized for (spec.md section 4.1); it is a capacity hint for
// the hash table, not a hard cap on the number of cached blocks.
const CapacityBuckets = 1 << 15

const bucketMask = CapacityBuckets - 1

// fingerprint is the lookup key: physical PC plus the CPU-state bits
// that make the same bytes translate differently (spec.md section 4.1:
// "cs_base, physical pc, cpu_flags").
type fingerprint struct {
	csBase   uint32
	pc       uint32
	cpuFlags uint32
}

func (f fingerprint) bucket() uint32 {
	h := f.pc*2654435761 + f.csBase*40503 + f.cpuFlags
	return h & bucketMask
}

type arenaSlot struct {
	gen   uint32
	block *Block // nil when the slot is free
}

// Cache is the code cache (C1), the page index / SMC protocol (C2), the
// indirect-branch target cache (C3) and the linker (C4) from spec.md
// section 4.1-4.4, bundled into one type because all four share the
// same underlying block arena and must stay consistent with each other
// on every insert, evict and purge.
type Cache struct {
	buckets [CapacityBuckets][]BlockID
	arena   []arenaSlot
	free    []uint32
	count   int

	pages PageIndex
	ibtc  map[uint32]BlockID // keyed by guest virtual PC, spec.md section 4.3
}

// NewCache returns an empty cache.
func NewCache() *Cache {
	c := &Cache{ibtc: make(map[uint32]BlockID)}
	c.pages.init()
	return c
}

// Len reports the number of blocks currently cached.
func (c *Cache) Len() int { return c.count }

func (c *Cache) resolve(id BlockID) *Block {
	if int(id.index) >= len(c.arena) {
		return nil
	}
	slot := &c.arena[id.index]
	if slot.gen != id.gen || slot.block == nil {
		return nil
	}
	return slot.block
}

// Find looks up a block by fingerprint (spec.md section 4.1, the
// dispatcher's and the linker's lookup path).
func (c *Cache) Find(csBase, pc, cpuFlags uint32) *Block {
	fp := fingerprint{csBase, pc, cpuFlags}
	for _, id := range c.buckets[fp.bucket()] {
		b := c.resolve(id)
		if b == nil {
			continue
		}
		if b.CSBase == csBase && b.PC == pc && b.CPUFlags == cpuFlags {
			return b
		}
	}
	return nil
}

// Insert adds a freshly translated block to the cache, wiring its
// default (unpatched) successor slots to DispatcherStub and indexing it
// by fingerprint bucket and by physical page (for SMC tracking). tlb
// receives the CODE marks spec.md section 6 requires ("the core
// sets/clears CODE"); pass nil from tests with no guest.Context.
func (c *Cache) Insert(b *Block, tlb *guest.TLB) *Block {
	for i := range b.JmpOffset {
		if b.JmpOffset[i] == nil {
			b.JmpOffset[i] = DispatcherStub
		}
	}

	var idx uint32
	if len(c.free) > 0 {
		idx = c.free[len(c.free)-1]
		c.free = c.free[:len(c.free)-1]
		c.arena[idx].block = b
		c.arena[idx].gen++
	} else {
		idx = uint32(len(c.arena))
		c.arena = append(c.arena, arenaSlot{gen: 1, block: b})
	}
	b.id = BlockID{index: idx, gen: c.arena[idx].gen}
	c.count++

	fp := fingerprint{b.CSBase, b.PC, b.CPUFlags}
	bucket := fp.bucket()
	c.buckets[bucket] = append(c.buckets[bucket], b.id)

	if !b.IsHook() {
		c.pages.track(b, tlb)
	}
	return b
}

// evict removes one block, reverting every live patch site that points
// at it to DispatcherStub (spec.md invariant I3) and bumping the arena
// generation so any stale BlockID referring to this slot resolves to
// nil from now on.
func (c *Cache) evict(id BlockID, tlb *guest.TLB) {
	b := c.resolve(id)
	if b == nil {
		return
	}

	for _, ref := range b.linkedTC {
		if patcher := c.resolve(ref.patcher); patcher != nil {
			patcher.JmpOffset[ref.slot] = DispatcherStub
		}
	}
	b.linkedTC = nil

	if !b.IsHook() {
		c.pages.untrack(b, tlb)
	}
	if v, ok := c.ibtc[b.VirtPC]; ok && v == id {
		delete(c.ibtc, b.VirtPC)
	}

	fp := fingerprint{b.CSBase, b.PC, b.CPUFlags}
	bucket := fp.bucket()
	list := c.buckets[bucket]
	for i, v := range list {
		if v == id {
			c.buckets[bucket] = append(list[:i], list[i+1:]...)
			break
		}
	}

	c.arena[id.index].block = nil
	c.arena[id.index].gen++
	c.free = append(c.free, id.index)
	c.count--
}

// Clear drops every cached block (spec.md section 4.6, a full purge
// triggered by EventCPUModeChanged or an explicit flush request).
func (c *Cache) Clear() {
	for i := range c.buckets {
		c.buckets[i] = nil
	}
	c.arena = nil
	c.free = nil
	c.count = 0
	c.ibtc = make(map[uint32]BlockID)
	c.pages.init()
}

// Purge evicts every block whose translated range overlaps the
// physical byte range [addr, addr+size) — the per-block eviction path
// of the SMC protocol (spec.md section 4.2). Hook blocks never overlap
// and are not evicted here.
func (c *Cache) Purge(addr, size uint32, tlb *guest.TLB) {
	var victims []BlockID
	for idx := range c.arena {
		b := c.arena[idx].block
		if b == nil {
			continue
		}
		if b.Contains(addr, size) {
			victims = append(victims, b.id)
		}
	}
	for _, id := range victims {
		c.evict(id, tlb)
	}
}
