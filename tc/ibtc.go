// Copyright 2017 The go-interpreter Authors.  All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package tc

// IBTCLookup implements the indirect-branch target cache read path
// (spec.md section 4.3): a cheap guess at an indirect jump/call/ret's
// destination, keyed only by guest virtual PC, that must still be
// verified against the live fingerprint before use (a stale guess is a
// correctness bug, not just a slow path — the page it points into may
// since have been re-translated under different cpu_flags or evicted
// entirely).
func (c *Cache) IBTCLookup(virtPC, csBase, pc, cpuFlags uint32) *Block {
	id, ok := c.ibtc[virtPC]
	if !ok {
		return nil
	}
	b := c.resolve(id)
	if b == nil {
		delete(c.ibtc, virtPC)
		return nil
	}
	if b.CSBase != csBase || b.PC != pc || b.CPUFlags != cpuFlags {
		return nil
	}
	return b
}

// IBTCStore records a fresh guess for an indirect branch's destination.
func (c *Cache) IBTCStore(virtPC uint32, target *Block) {
	c.ibtc[virtPC] = target.id
}
