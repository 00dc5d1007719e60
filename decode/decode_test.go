// Copyright 2017 The go-interpreter Authors.  All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package decode

import "testing"

func TestDecodeJmpRel8(t *testing.T) {
	var d X86Decoder
	in, err := d.Decode([]byte{0xEB, 0x05}, true)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if in.Class != ClassJmpRel || in.Len != 2 || in.Rel != 5 {
		t.Errorf("Decode = %+v, want {ClassJmpRel, Len:2, Rel:5}", in)
	}
}

func TestDecodeJmpRel32Negative(t *testing.T) {
	var d X86Decoder
	in, err := d.Decode([]byte{0xE9, 0xFB, 0xFF, 0xFF, 0xFF}, true)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if in.Rel != -5 {
		t.Errorf("Rel = %d, want -5", in.Rel)
	}
}

func TestDecodeShortWindow(t *testing.T) {
	var d X86Decoder
	if _, err := d.Decode([]byte{0xE9, 0x01}, true); err != ErrShort {
		t.Errorf("err = %v, want ErrShort", err)
	}
}

func TestDecodeBadOpcode(t *testing.T) {
	var d X86Decoder
	if _, err := d.Decode([]byte{0x0F, 0x0B}, true); err != ErrBadOpcode {
		t.Errorf("err = %v, want ErrBadOpcode", err)
	}
}

func TestDecodeHlt(t *testing.T) {
	var d X86Decoder
	in, err := d.Decode([]byte{0xF4}, true)
	if err != nil || in.Class != ClassHlt || in.Len != 1 {
		t.Errorf("Decode(hlt) = %+v, %v", in, err)
	}
}

func TestDecodeMovStoreMoffs(t *testing.T) {
	var d X86Decoder
	in, err := d.Decode([]byte{0xA2, 0x08, 0x20, 0x00, 0x00}, true) // mov [0x2008], al
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if in.Class != ClassOther || in.Len != 5 || in.Mnemonic != "mov_store8" || in.Moffs != 0x2008 {
		t.Errorf("Decode = %+v, want {ClassOther, Len:5, mov_store8, Moffs:0x2008}", in)
	}

	in, err = d.Decode([]byte{0xA3, 0x08, 0x20, 0x00, 0x00}, true) // mov [0x2008], eax
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if in.Class != ClassOther || in.Len != 5 || in.Mnemonic != "mov_store32" || in.Moffs != 0x2008 || in.OpSize != 32 {
		t.Errorf("Decode = %+v, want {ClassOther, Len:5, mov_store32, Moffs:0x2008, OpSize:32}", in)
	}
}

func TestDecodeJcc(t *testing.T) {
	var d X86Decoder
	in, err := d.Decode([]byte{0x74, 0x02}, true) // je +2
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if in.Class != ClassJccRel || in.Cond != 4 || in.Mnemonic != "je" {
		t.Errorf("Decode = %+v, want je/cc=4", in)
	}
}
