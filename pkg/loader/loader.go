// Copyright 2026 The Kestrel Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package loader validates and loads ELF64 executable images into an
// address space.
//
// Validation is complete before any mapping happens, so a malformed image
// never mutates the target: execve's fail-closed contract starts here.
package loader

import (
	"bytes"
	"debug/elf"
	"encoding/binary"

	"kestrel.dev/kestrel/pkg/errors/kernelerr"
	"kestrel.dev/kestrel/pkg/memory"
	"kestrel.dev/kestrel/pkg/mmu"
	"kestrel.dev/kestrel/pkg/mmu/pagetables"
)

const (
	ehdrSize = 64
	phdrSize = 56
)

// Segment is one loadable region of an image.
type Segment struct {
	Vaddr  uint64
	Filesz uint64
	Memsz  uint64
	Offset uint64
	Access pagetables.AccessType
}

// Header is a validated image header.
type Header struct {
	Entry    uint64
	Segments []Segment
}

// Validate checks that image is a well-formed little-endian AArch64
// ELF64 executable and returns its parsed header. Every program header is
// bounds-checked here so loading cannot fail on a malformed offset later.
func Validate(image []byte) (*Header, error) {
	if len(image) < ehdrSize {
		return nil, kernelerr.BadExecutable
	}
	if !bytes.Equal(image[:4], []byte(elf.ELFMAG)) {
		return nil, kernelerr.BadExecutable
	}
	if elf.Class(image[elf.EI_CLASS]) != elf.ELFCLASS64 ||
		elf.Data(image[elf.EI_DATA]) != elf.ELFDATA2LSB ||
		elf.Version(image[elf.EI_VERSION]) != elf.EV_CURRENT {
		return nil, kernelerr.BadExecutable
	}
	le := binary.LittleEndian
	if elf.Type(le.Uint16(image[16:])) != elf.ET_EXEC {
		return nil, kernelerr.BadExecutable
	}
	if elf.Machine(le.Uint16(image[18:])) != elf.EM_AARCH64 {
		return nil, kernelerr.BadExecutable
	}

	entry := le.Uint64(image[24:])
	phoff := le.Uint64(image[32:])
	phentsize := le.Uint16(image[54:])
	phnum := le.Uint16(image[56:])
	if phentsize != phdrSize {
		return nil, kernelerr.BadExecutable
	}
	end := phoff + uint64(phnum)*phdrSize
	if phoff < ehdrSize || end < phoff || end > uint64(len(image)) {
		return nil, kernelerr.BadExecutable
	}

	h := &Header{Entry: entry}
	for i := 0; i < int(phnum); i++ {
		ph := image[phoff+uint64(i)*phdrSize:]
		if elf.ProgType(le.Uint32(ph[0:])) != elf.PT_LOAD {
			continue
		}
		flags := elf.ProgFlag(le.Uint32(ph[4:]))
		seg := Segment{
			Offset: le.Uint64(ph[8:]),
			Vaddr:  le.Uint64(ph[16:]),
			Filesz: le.Uint64(ph[32:]),
			Memsz:  le.Uint64(ph[40:]),
			Access: pagetables.AccessType{
				Read:    flags&elf.PF_R != 0,
				Write:   flags&elf.PF_W != 0,
				Execute: flags&elf.PF_X != 0,
			},
		}
		if seg.Filesz > seg.Memsz {
			return nil, kernelerr.BadExecutable
		}
		if seg.Offset+seg.Filesz < seg.Offset ||
			seg.Offset+seg.Filesz > uint64(len(image)) {
			return nil, kernelerr.BadExecutable
		}
		if seg.Vaddr%memory.PageSize != 0 {
			return nil, kernelerr.BadExecutable
		}
		if seg.Vaddr+seg.Memsz < seg.Vaddr ||
			seg.Vaddr+seg.Memsz > pagetables.LowerTop+1 {
			return nil, kernelerr.BadExecutable
		}
		h.Segments = append(h.Segments, seg)
	}
	if len(h.Segments) == 0 {
		return nil, kernelerr.BadExecutable
	}
	return h, nil
}

// Load maps every loadable segment of the validated image into as with
// the segment's requested permissions, copies the file-backed bytes and
// leaves the tail past Filesz zero-filled. It returns the entry point.
func Load(as *mmu.AddressSpace, image []byte, h *Header) (uint64, error) {
	for _, seg := range h.Segments {
		length := (seg.Memsz + memory.PageSize - 1) &^ uint64(memory.PageSize-1)
		if err := as.Map(seg.Vaddr, length, seg.Access, false); err != nil {
			return 0, err
		}
		// Frames come zeroed; only the file-backed prefix needs
		// copying.
		if seg.Filesz > 0 {
			data := image[seg.Offset : seg.Offset+seg.Filesz]
			if err := as.KernelCopyOut(seg.Vaddr, data); err != nil {
				return 0, err
			}
		}
	}
	return h.Entry, nil
}
