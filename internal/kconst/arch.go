// Copyright 2014 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package kconst holds the small set of architecture facts the discovery
// pipeline needs: pointer size and byte order. It does not need anything
// about breakpoint encoding or instruction sizes, since this package never
// controls a running process.
package kconst

import (
	"encoding/binary"
	"strconv"
)

// Arch describes the pointer size and byte order of the inspected kernel.
type Arch struct {
	PointerSize int
	ByteOrder   binary.ByteOrder
}

var AMD64 = Arch{PointerSize: 8, ByteOrder: binary.LittleEndian}
var ARM64 = Arch{PointerSize: 8, ByteOrder: binary.LittleEndian}
var X86 = Arch{PointerSize: 4, ByteOrder: binary.LittleEndian}
var ARM = Arch{PointerSize: 4, ByteOrder: binary.LittleEndian}

// Host returns the Arch matching the runtime this program is compiled for.
// The discovery pipeline itself is host-architecture-independent (all
// addresses come from the inspected kernel), but fallbacks that touch
// /proc and /sys on the local machine need it.
func Host() Arch {
	return Arch{PointerSize: strconv.IntSize / 8, ByteOrder: binary.NativeEndian}
}
