// Copyright 2017 The go-interpreter Authors.  All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package guest

import "testing"

func TestLazyFlagsAddOverflow(t *testing.T) {
	l := LazyFlags{Class: OpAdd, Size: Size32, Src1: 0x7fffffff, Src2: 1, Result: 0x80000000}
	if !l.OF() {
		t.Error("OF() = false, want true for 0x7fffffff+1")
	}
	if !l.SF() {
		t.Error("SF() = false, want true")
	}
	if l.ZF() {
		t.Error("ZF() = true, want false")
	}
	if l.CF() {
		t.Error("CF() = true, want false for 0x7fffffff+1 (no unsigned carry)")
	}
}

func TestLazyFlagsSubBorrow(t *testing.T) {
	l := LazyFlags{Class: OpSub, Size: Size8, Src1: 0, Src2: 1, Result: 0xff}
	if !l.CF() {
		t.Error("CF() = false, want true for 0-1 (borrow)")
	}
	if !l.SF() {
		t.Error("SF() = false, want true")
	}
}

func TestLazyFlagsZeroResult(t *testing.T) {
	l := LazyFlags{Class: OpXor, Size: Size32, Result: 0}
	if !l.ZF() {
		t.Error("ZF() = false, want true for zero result")
	}
	if !l.PF() {
		t.Error("PF() = false, want true (0 has even parity)")
	}
}

func TestContextSetEflagsRoundTrip(t *testing.T) {
	c := NewContext(0)
	want := uint32(EflagCF | EflagZF | EflagIF | EflagDF)
	c.SetEflags(want)
	if got := c.Eflags(); got != want {
		t.Errorf("Eflags() = %#x, want %#x", got, want)
	}
}

func TestHFlagsConstExcludesCPL(t *testing.T) {
	if HFlagsConst&HflgCPL != 0 {
		t.Error("HFlagsConst must not include CPL: CPL changes do not require retranslation")
	}
}
