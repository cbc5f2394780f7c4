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
	"sync"

	"kestrel.dev/kestrel/pkg/errors/kernelerr"
)

// Registry resolves executable paths to images. It stands in for the
// filesystem at the kernel core's boundary; the VFS proper is a
// collaborator, not part of this core.
type Registry struct {
	mu     sync.RWMutex
	images map[string][]byte
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{images: make(map[string][]byte)}
}

// Register makes image available at path.
func (r *Registry) Register(path string, image []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.images[path] = image
}

// Lookup returns the image registered at path.
func (r *Registry) Lookup(path string) ([]byte, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	image, ok := r.images[path]
	if !ok {
		return nil, kernelerr.NotFound
	}
	return image, nil
}
