// Copyright 2025 The depotfs Authors
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

package common

import "errors"

var (
	// ErrNotAllowed means the path escapes a policy boundary (outside the
	// managed root, inside the metadata-object root, or inside the trash
	// for an operation that must not touch it).
	ErrNotAllowed = errors.New("not allowed")

	// ErrConflict means the target exists where it must not, or the source
	// is missing where existence is required.
	ErrConflict = errors.New("conflict")

	// ErrNotFound means the target is absent where presence is required.
	ErrNotFound = errors.New("not found")

	// ErrLocked means the path subtree is under concurrent mutation.
	// Recoverable: clients retry.
	ErrLocked = errors.New("path locked")

	// ErrUnprocessable means content probing failed. Non-fatal: uploads
	// proceed with empty metadata instead of failing the request.
	ErrUnprocessable = errors.New("unprocessable content")
)
