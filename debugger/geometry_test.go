// Copyright 2017 The go-interpreter Authors.  All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package debugger

import (
	"path/filepath"
	"testing"
)

func TestGeometryRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "geometry.ini")
	want := Geometry{Width: 1024, Height: 768}

	if err := SaveGeometry(path, want); err != nil {
		t.Fatalf("SaveGeometry error: %v", err)
	}
	got, err := LoadGeometry(path)
	if err != nil {
		t.Fatalf("LoadGeometry error: %v", err)
	}
	if got != want {
		t.Errorf("LoadGeometry = %+v, want %+v", got, want)
	}
}

func TestLoadGeometryMissingFileIsNotAnError(t *testing.T) {
	g, err := LoadGeometry(filepath.Join(t.TempDir(), "does-not-exist.ini"))
	if err != nil {
		t.Fatalf("LoadGeometry error: %v", err)
	}
	if g != (Geometry{}) {
		t.Errorf("LoadGeometry(missing) = %+v, want zero value", g)
	}
}

func TestLoadGeometryRejectsMalformedLine(t *testing.T) {
	path := filepath.Join(t.TempDir(), "geometry.ini")
	writeFile(t, path, "width\n")

	if _, err := LoadGeometry(path); err == nil {
		t.Error("expected an error for a line with no '='")
	}
}
