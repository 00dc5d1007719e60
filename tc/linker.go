// Copyright 2017 The go-interpreter Authors.  All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package tc

import "github.com/dbt86/x86dbt/guest"

// Link patches patcher.JmpOffset[slot] to jump straight into target
// without a dispatcher round trip, and records the back-reference in
// target so a later eviction of target reverts the patch to
// DispatcherStub (spec.md section 4.4, invariant I3).
//
// Re-linking an already-linked slot first removes the stale
// back-reference, so a block's linkedTC list never accumulates entries
// for patches that no longer exist.
func (c *Cache) Link(patcher *Block, slot int, target *Block) {
	c.unlinkSlot(patcher, slot)
	patcher.JmpOffset[slot] = func(*guest.Context) (*Block, HostEvent) { return target, EventNone }
	patcher.slotTarget[slot] = target.id
	target.linkedTC = append(target.linkedTC, patchRef{patcher: patcher.id, slot: slot})
}

// unlinkSlot drops any existing back-reference for patcher's slot from
// whatever block it used to target, then reverts the slot itself.
func (c *Cache) unlinkSlot(patcher *Block, slot int) {
	if old := c.resolve(patcher.slotTarget[slot]); old != nil {
		for i, ref := range old.linkedTC {
			if ref.patcher == patcher.id && ref.slot == slot {
				old.linkedTC = append(old.linkedTC[:i], old.linkedTC[i+1:]...)
				break
			}
		}
	}
	patcher.slotTarget[slot] = BlockID{}
	patcher.JmpOffset[slot] = DispatcherStub
}

// LinkDirect wires an unconditional direct branch: patcher has exactly
// one patch site (slot 0) and it always targets dst.
func (c *Cache) LinkDirect(patcher, dst *Block) {
	c.Link(patcher, 0, dst)
}

// LinkConditional wires a conditional direct branch's two patch sites
// per spec.md section 4.4: slot 0 is the taken edge, slot 1 is the
// fallthrough edge. Either target may be nil if not yet cached, in
// which case that slot is left at DispatcherStub.
func (c *Cache) LinkConditional(patcher *Block, taken, fallthroughBlk *Block) {
	if taken != nil {
		c.Link(patcher, 0, taken)
	}
	if fallthroughBlk != nil {
		c.Link(patcher, 1, fallthroughBlk)
	}
}
