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

package kernel

import (
	"fmt"

	"kestrel.dev/kestrel/pkg/arch"
	"kestrel.dev/kestrel/pkg/loader"
	"kestrel.dev/kestrel/pkg/log"
)

// Execve replaces c's current task image with the executable
// registered under path.
//
// The replacement is built in a new address space while the old one
// stays intact, so a bad image, a load error or exhaustion leaves the
// caller exactly as it was and returns the error. Only once the new
// image is fully built does the task switch over: the old space is
// freed, dispositions reset to default, and the live frame restarted
// at the new entry point. Descriptors survive exec.
func (k *Kernel) Execve(c *CPU, path string, argv, envp []string) error {
	t := c.Current()
	if t == c.idle {
		panic("kernel: idle task cannot exec")
	}

	image, err := k.images.Lookup(path)
	if err != nil {
		return fmt.Errorf("exec %q: %w", path, err)
	}
	hdr, err := loader.Validate(image)
	if err != nil {
		return fmt.Errorf("exec %q: %w", path, err)
	}

	as, err := k.newAddressSpace()
	if err != nil {
		return fmt.Errorf("exec %q: %w", path, err)
	}
	entry, err := loader.Load(as, image, hdr)
	if err != nil {
		as.Free()
		return fmt.Errorf("exec %q: %w", path, err)
	}
	if err := k.mapUserStack(as); err != nil {
		as.Free()
		return fmt.Errorf("exec %q: user stack: %w", path, err)
	}
	sp, err := loader.SetupStack(as, UserStackTop, argv, envp)
	if err != nil {
		as.Free()
		return fmt.Errorf("exec %q: stack setup: %w", path, err)
	}

	old := t.as
	t.as = as
	t.name = path
	t.signal.reset()
	t.ctx = arch.NewContext(entry, sp)
	t.ctx.RestoreTo(&c.regs)
	c.tlb.InvalidateAll()
	old.Free()

	log.Infof("exec %v entry=%#x sp=%#x", t, entry, sp)
	return nil
}
