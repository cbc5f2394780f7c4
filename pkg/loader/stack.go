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

package loader

import (
	"encoding/binary"

	"kestrel.dev/kestrel/pkg/mmu"
)

// SetupStack lays out the initial user stack below top: the argument and
// environment strings, then the SysV-style vector
//
//	argc, argv[0..n-1], nil, envp[0..m-1], nil
//
// with the final stack pointer 16-byte aligned. It returns that pointer.
func SetupStack(as *mmu.AddressSpace, top uint64, argv, envp []string) (uint64, error) {
	sp := top

	pushString := func(s string) (uint64, error) {
		b := append([]byte(s), 0)
		sp -= uint64(len(b))
		if err := as.CopyOut(nil, sp, b); err != nil {
			return 0, err
		}
		return sp, nil
	}

	argvAddrs := make([]uint64, 0, len(argv))
	for _, s := range argv {
		addr, err := pushString(s)
		if err != nil {
			return 0, err
		}
		argvAddrs = append(argvAddrs, addr)
	}
	envpAddrs := make([]uint64, 0, len(envp))
	for _, s := range envp {
		addr, err := pushString(s)
		if err != nil {
			return 0, err
		}
		envpAddrs = append(envpAddrs, addr)
	}

	// argc + argv + nil + envp + nil, one word each.
	words := make([]uint64, 0, len(argv)+len(envp)+3)
	words = append(words, uint64(len(argv)))
	words = append(words, argvAddrs...)
	words = append(words, 0)
	words = append(words, envpAddrs...)
	words = append(words, 0)

	sp -= uint64(len(words) * 8)
	sp &^= 15

	buf := make([]byte, len(words)*8)
	for i, w := range words {
		binary.LittleEndian.PutUint64(buf[i*8:], w)
	}
	if err := as.CopyOut(nil, sp, buf); err != nil {
		return 0, err
	}
	return sp, nil
}
