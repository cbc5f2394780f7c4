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
	"sync"

	"kestrel.dev/kestrel/pkg/errors/kernelerr"
)

// FileEvents is a readiness mask reported by File.Poll.
type FileEvents uint32

const (
	EventIn  FileEvents = 1 << 0
	EventOut FileEvents = 1 << 1
	EventErr FileEvents = 1 << 2
	EventHup FileEvents = 1 << 3
)

// File is an open file description. Implementations are shared across
// forked tasks and must be safe for concurrent use.
type File interface {
	Read(b []byte) (int, error)
	Write(b []byte) (int, error)
	Poll() FileEvents
	Close() error
}

// maxFDs bounds a task's descriptor table.
const maxFDs = 64

// FDTable maps small integers to open files.
type FDTable struct {
	mu    sync.Mutex
	files []File
}

// NewFDTable returns an empty table.
func NewFDTable() *FDTable {
	return &FDTable{files: make([]File, 0, 8)}
}

// Install places f at the lowest free descriptor and returns it.
func (ft *FDTable) Install(f File) (int, error) {
	ft.mu.Lock()
	defer ft.mu.Unlock()
	for fd, cur := range ft.files {
		if cur == nil {
			ft.files[fd] = f
			return fd, nil
		}
	}
	if len(ft.files) >= maxFDs {
		return 0, kernelerr.NoMemory
	}
	ft.files = append(ft.files, f)
	return len(ft.files) - 1, nil
}

// Get returns the file at fd.
func (ft *FDTable) Get(fd int) (File, error) {
	ft.mu.Lock()
	defer ft.mu.Unlock()
	if fd < 0 || fd >= len(ft.files) || ft.files[fd] == nil {
		return nil, kernelerr.BadFD
	}
	return ft.files[fd], nil
}

// Close removes fd and closes the file.
func (ft *FDTable) Close(fd int) error {
	ft.mu.Lock()
	if fd < 0 || fd >= len(ft.files) || ft.files[fd] == nil {
		ft.mu.Unlock()
		return kernelerr.BadFD
	}
	f := ft.files[fd]
	ft.files[fd] = nil
	ft.mu.Unlock()
	return f.Close()
}

// Fork returns a table holding the same descriptions at the same
// descriptors. Descriptions are shared, not duplicated.
func (ft *FDTable) Fork() *FDTable {
	ft.mu.Lock()
	defer ft.mu.Unlock()
	nt := &FDTable{files: make([]File, len(ft.files))}
	copy(nt.files, ft.files)
	return nt
}

// CloseAll closes every open descriptor.
func (ft *FDTable) CloseAll() {
	ft.mu.Lock()
	files := ft.files
	ft.files = nil
	ft.mu.Unlock()
	for _, f := range files {
		if f != nil {
			f.Close()
		}
	}
}
