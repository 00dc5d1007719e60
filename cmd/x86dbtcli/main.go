// Copyright 2017 The go-interpreter Authors.  All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Command x86dbtcli loads a flat 32-bit x86 binary image into guest RAM
// and runs it through the dynamic binary translator, the same role
// cmd/wasm-run plays driving a .wasm module through wagon's VM.
package main

import (
	"flag"
	"fmt"
	"log"
	"os"

	"github.com/dbt86/x86dbt/debugger"
	"github.com/dbt86/x86dbt/decode"
	"github.com/dbt86/x86dbt/dispatch"
	"github.com/dbt86/x86dbt/guest"
	"github.com/dbt86/x86dbt/memsys"
)

func main() {
	log.SetPrefix("x86dbtcli: ")
	log.SetFlags(0)

	cfg := config{}
	flag.IntVar(&cfg.ramSize, "ram", 16<<20, "guest RAM size in bytes")
	flag.Uint64Var(&cfg.base, "base", 0x1000, "guest physical address the image is loaded at")
	flag.Uint64Var(&cfg.entry, "entry", 0, "guest EIP to start execution at (defaults to -base)")
	flag.Uint64Var(&cfg.exitAt, "exit-at", 0, "stop the dispatch loop once EIP reaches this guest virtual address (0 disables)")
	flag.StringVar(&cfg.geometryPath, "geometry", "", "debugger window-geometry file to load")
	flag.StringVar(&cfg.bpPath, "breakpoints", "", "debugger breakpoints file to load/save")
	flag.BoolVar(&cfg.verbose, "v", false, "log every breakpoint hit")

	flag.Parse()
	if flag.NArg() < 1 {
		flag.Usage()
		os.Exit(1)
	}

	image, err := os.ReadFile(flag.Arg(0))
	if err != nil {
		log.Fatalf("could not read image: %v", err)
	}

	finalEIP, err := run(image, cfg)
	if err != nil {
		if err == dispatch.ErrTripleFault {
			log.Fatalf("guest triple-faulted at EIP=%#x", finalEIP)
		}
		log.Fatalf("run error: %v", err)
	}
	log.Printf("halted at EIP=%#x", finalEIP)
}

// config holds the flags run needs, separated from main so it can be
// exercised directly in tests without going through flag.Parse.
type config struct {
	ramSize      int
	base         uint64
	entry        uint64
	exitAt       uint64
	geometryPath string
	bpPath       string
	verbose      bool
}

// run loads image into a fresh guest context at cfg.base, applies any
// persisted debugger state, drives the dispatch loop to completion and
// persists breakpoints back out, returning the guest EIP execution
// stopped at.
func run(image []byte, cfg config) (finalEIP uint32, err error) {
	if int(cfg.base)+len(image) > cfg.ramSize {
		return 0, fmt.Errorf("image of %d bytes at base %#x does not fit in %d bytes of RAM", len(image), cfg.base, cfg.ramSize)
	}

	ctx := guest.NewContext(cfg.ramSize)
	ctx.HFlags |= guest.HflgCS32 | guest.HflgSS32
	// Real-mode IVT at physical 0, large enough for all 256 vectors.
	ctx.Regs.IDTR = guest.DTR{Base: 0, Limit: 0x3FF}
	copy(ctx.RAM[cfg.base:], image)

	startEIP := cfg.entry
	if startEIP == 0 {
		startEIP = cfg.base
	}
	ctx.Regs.EIP = uint32(startEIP)

	mem := memsys.NewFlat()
	sess := dispatch.NewSession(mem, decode.X86Decoder{})

	if cfg.geometryPath != "" {
		g, err := debugger.LoadGeometry(cfg.geometryPath)
		if err != nil {
			return 0, err
		}
		log.Printf("restored geometry %dx%d", g.Width, g.Height)
	}

	if cfg.bpPath != "" {
		entries, err := debugger.LoadBreakpoints(cfg.bpPath)
		if err != nil {
			return 0, err
		}
		sess.SetBreakFunc(func(ctx *guest.Context, originVirtPC uint32) {
			if cfg.verbose {
				log.Printf("breakpoint hit at %#x", originVirtPC)
			}
		})
		if err := debugger.Apply(entries, sess, ctx); err != nil {
			return 0, err
		}
	}

	exitVirtPC := uint32(cfg.exitAt)
	runErr := sess.Run(ctx, func(ctx *guest.Context) bool {
		return exitVirtPC != 0 && ctx.VirtPC() == exitVirtPC
	})
	sess.Close()

	if cfg.bpPath != "" {
		if err := debugger.SaveBreakpoints(cfg.bpPath, debugger.Capture(sess)); err != nil {
			return ctx.Regs.EIP, err
		}
	}

	return ctx.Regs.EIP, runErr
}

