// Copyright 2017 The go-interpreter Authors.  All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package dispatch

import (
	"github.com/dbt86/x86dbt/except"
	"github.com/dbt86/x86dbt/guest"
	"github.com/dbt86/x86dbt/translate"
)

// Call implements the trampoline harness (spec.md section 4.8): it lets
// host code invoke a guest routine that may itself be hooked, by
// temporarily asking the translator to ignore the hook map for exactly
// the first block it resolves. ctx must already have EIP pointing at the
// routine's entry; returnVirtPC is the guest virtual address execution
// is expected to reach when the routine returns (typically the address
// of a sentinel return frame the caller pushed).
func (s *Session) Call(ctx *guest.Context, returnVirtPC uint32) error {
	ctx.HFlags |= guest.HflgTramp
	clearedTramp := false
	defer func() { ctx.HFlags &^= guest.HflgTramp }()

	for ctx.VirtPC() != returnVirtPC {
		if s.Abort != nil && s.Abort() {
			return ErrAborted
		}

		block, err := s.resolve(ctx, translate.Options{ForceInsert: s.ForceInsert})
		if err != nil {
			if err == except.ErrTripleFault {
				return ErrTripleFault
			}
			return err
		}
		if !clearedTramp {
			// Cleared after the first cache search but before
			// execution, so a nested call from inside the routine to
			// another hooked address still triggers that hook.
			ctx.HFlags &^= guest.HflgTramp
			clearedTramp = true
		}
		if block == nil {
			s.prevTC = nil
			continue
		}

		s.maybeLink(ctx, block)
		leaf, ev, err := s.execChain(ctx, block)
		if err != nil {
			if err == except.ErrTripleFault {
				return ErrTripleFault
			}
			return err
		}
		s.handleEvent(ev, leaf)
	}
	return nil
}
