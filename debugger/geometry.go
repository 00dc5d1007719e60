// Copyright 2017 The go-interpreter Authors.  All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package debugger implements the two small persisted-state files a
// debugger front-end keeps across sessions (spec.md section 6,
// "Persisted state (debugger)"): a window-geometry file and a per-CPU
// breakpoints file. Both are line-oriented formats simple enough that
// reaching for a general-purpose INI library would buy nothing over
// bufio.Scanner, the same tool wasm's own fixture-loading tests reach
// for when they need a plain-text reader instead of the binary decoder.
package debugger

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"
)

// Geometry is the persisted window size.
type Geometry struct {
	Width, Height int
}

// LoadGeometry reads a "key=integer" file with keys "width" and
// "height" (spec.md section 6). Missing keys leave the corresponding
// field zero; an absent file is not an error, mirroring a first-run
// debugger that has never saved geometry yet.
func LoadGeometry(path string) (Geometry, error) {
	var g Geometry
	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return g, nil
	}
	if err != nil {
		return g, err
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		key, val, ok := strings.Cut(line, "=")
		if !ok {
			return Geometry{}, fmt.Errorf("debugger: malformed geometry line %q", line)
		}
		n, err := strconv.Atoi(strings.TrimSpace(val))
		if err != nil {
			return Geometry{}, fmt.Errorf("debugger: geometry value %q: %w", val, err)
		}
		switch strings.TrimSpace(key) {
		case "width":
			g.Width = n
		case "height":
			g.Height = n
		}
	}
	return g, sc.Err()
}

// SaveGeometry writes g back out in the same "key=integer" format
// LoadGeometry reads.
func SaveGeometry(path string, g Geometry) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()

	if _, err := fmt.Fprintf(f, "width=%d\nheight=%d\n", g.Width, g.Height); err != nil {
		return err
	}
	return nil
}
