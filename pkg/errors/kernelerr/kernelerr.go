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

// Package kernelerr contains the sentinel errors returned by the kernel
// core. Callers compare against these values directly; the concrete type
// carries the code for the syscall boundary.
package kernelerr

import (
	"kestrel.dev/kestrel/pkg/errors"
)

var (
	// NoMemory is returned when a stack, task, frame or page-table
	// allocation cannot be satisfied. The requesting operation is aborted;
	// the kernel itself carries on.
	NoMemory = errors.New(errors.CodeNoMemory, "out of physical memory")

	// InvalidArgument is returned for out-of-range priorities, affinities,
	// addresses and signal numbers. Rejected before any state mutation.
	InvalidArgument = errors.New(errors.CodeInvalidArgument, "invalid argument")

	// BadExecutable is returned by execve when the image fails validation.
	BadExecutable = errors.New(errors.CodeBadExecutable, "malformed executable image")

	// NotFound is returned when a pid or path does not resolve.
	NotFound = errors.New(errors.CodeNotFound, "no such entry")

	// NotChild is returned by waitpid when the target is not a child of
	// the caller.
	NotChild = errors.New(errors.CodeNotChild, "not a child of the calling task")

	// Restart is an internal error used to indicate that a blocking
	// operation cannot be satisfied immediately; the calling task has been
	// blocked and the operation must be re-issued when the task next runs.
	Restart = errors.New(errors.CodeRestart, "restart after block")

	// Fault is returned for an access that no mapping can satisfy (guard
	// page, missing translation, permission violation that is not
	// copy-on-write). It is routed to signal delivery.
	Fault = errors.New(errors.CodeFault, "unresolvable memory fault")

	// Exists is returned when a mapping is requested over an already
	// populated range.
	Exists = errors.New(errors.CodeExists, "mapping already exists")

	// BadFD is returned for operations on a descriptor that is not open.
	BadFD = errors.New(errors.CodeBadFD, "bad file descriptor")

	// Permission is returned for signal operations the caller may not
	// perform.
	Permission = errors.New(errors.CodePermission, "operation not permitted")
)
