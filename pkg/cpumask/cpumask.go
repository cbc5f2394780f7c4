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

// Package cpumask provides the CPU bitmask type used for task affinity and
// IPI targeting.
package cpumask

import (
	"fmt"
	"math/bits"
)

// MaxCPUs bounds the number of cores the kernel supports. The mask is a
// single word; a core index is always < MaxCPUs.
const MaxCPUs = 64

// CPUSet is a bitmask of core indices. The zero value is the empty set.
type CPUSet uint64

// FromCPU returns a set containing only the given core.
func FromCPU(cpu int) CPUSet {
	return CPUSet(1) << uint(cpu)
}

// All returns a set containing cores [0, n).
func All(n int) CPUSet {
	if n >= MaxCPUs {
		return ^CPUSet(0)
	}
	return (CPUSet(1) << uint(n)) - 1
}

// Set returns s with the given core added.
func (s CPUSet) Set(cpu int) CPUSet {
	return s | FromCPU(cpu)
}

// Clear returns s with the given core removed.
func (s CPUSet) Clear(cpu int) CPUSet {
	return s &^ FromCPU(cpu)
}

// IsSet returns true iff the given core is in the set.
func (s CPUSet) IsSet(cpu int) bool {
	return s&FromCPU(cpu) != 0
}

// Empty returns true iff no core is in the set.
func (s CPUSet) Empty() bool {
	return s == 0
}

// First returns the lowest core index in the set, or -1 if the set is
// empty. Task placement uses the lowest set affinity bit.
func (s CPUSet) First() int {
	if s == 0 {
		return -1
	}
	return bits.TrailingZeros64(uint64(s))
}

// Count returns the number of cores in the set.
func (s CPUSet) Count() int {
	return bits.OnesCount64(uint64(s))
}

// Intersect returns the cores present in both sets.
func (s CPUSet) Intersect(o CPUSet) CPUSet {
	return s & o
}

// String implements fmt.Stringer.
func (s CPUSet) String() string {
	return fmt.Sprintf("%#x", uint64(s))
}
