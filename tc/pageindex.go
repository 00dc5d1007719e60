// Copyright 2017 The go-interpreter Authors.  All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package tc

import "github.com/dbt86/x86dbt/guest"

// PageIndex maps a guest physical page number to the set of blocks
// translated from bytes within it (spec.md section 4.2): the structure
// a guest memory write consults to decide whether it just clobbered
// live code.
type PageIndex struct {
	byPage map[uint32][]BlockID
}

func (p *PageIndex) init() { p.byPage = make(map[uint32][]BlockID) }

func pageOf(addr uint32) uint32 { return addr >> guest.PageShift }

// track indexes b into every page it spans and, per spec.md section 6
// ("the core sets/clears CODE"), marks each of those pages CODE in tlb
// so a later GetWriteAddr against them reports isCode. tlb is nil from
// pure tc-level tests that have no guest.Context to mark.
func (p *PageIndex) track(b *Block, tlb *guest.TLB) {
	first := pageOf(b.PC)
	last := pageOf(b.PC + b.Size - 1)
	for pn := first; pn <= last; pn++ {
		p.byPage[pn] = append(p.byPage[pn], b.id)
		if tlb != nil {
			tlb.SetAttr(pn<<guest.PageShift, guest.TLBCode)
		}
	}
}

// untrack removes b from every page it spans and, when a page's
// block-set becomes empty, clears CODE on that page's tlb entry
// (spec.md section 4.2 step 6) so the bit does not go stale.
func (p *PageIndex) untrack(b *Block, tlb *guest.TLB) {
	first := pageOf(b.PC)
	last := pageOf(b.PC + b.Size - 1)
	for pn := first; pn <= last; pn++ {
		list := p.byPage[pn]
		for i, id := range list {
			if id == b.id {
				p.byPage[pn] = append(list[:i], list[i+1:]...)
				break
			}
		}
		if len(p.byPage[pn]) == 0 {
			delete(p.byPage, pn)
			if tlb != nil {
				tlb.ClearAttr(pn<<guest.PageShift, guest.TLBCode)
			}
		}
	}
}

// Invalidate implements the SMC protocol of spec.md section 4.2: a
// guest write to [addr, addr+size) first consults the page index, and
// every block whose translated range overlaps the write is evicted.
// Hook blocks are not in the page index and are never evicted here. If
// the currently executing block is among the victims, Invalidate
// reports selfHit so the dispatcher can unwind to EventHaltTC instead
// of returning into code that no longer exists.
func (c *Cache) Invalidate(addr, size uint32, executing *Block, tlb *guest.TLB) (selfHit bool) {
	pn := pageOf(addr)
	ids := append([]BlockID(nil), c.pages.byPage[pn]...)
	if pageOf(addr+size-1) != pn {
		ids = append(ids, c.pages.byPage[pageOf(addr+size-1)]...)
	}

	seen := make(map[BlockID]bool)
	for _, id := range ids {
		if seen[id] {
			continue
		}
		seen[id] = true
		b := c.resolve(id)
		if b == nil || !b.Contains(addr, size) {
			continue
		}
		if executing != nil && b.id == executing.id {
			selfHit = true
		}
		c.evict(id, tlb)
	}
	return selfHit
}
