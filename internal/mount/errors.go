// Copyright 2025 Prospect Futures Inc. All Rights Reserved.
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

package mount

import (
	"errors"
	"fmt"
)

// ErrMountTimeout indicates the kernel mount did not become ready within the
// configured deadline. The attempt is fully torn down before this is
// returned.
var ErrMountTimeout = errors.New("mount did not become ready in time")

// ErrAlreadyMounted indicates the local root is claimed by an active session.
var ErrAlreadyMounted = errors.New("local root already has an active session")

// MountFailedError wraps the cause of a failed mount attempt.
type MountFailedError struct {
	Err error
}

func (e *MountFailedError) Error() string {
	return fmt.Sprintf("mount failed: %v", e.Err)
}

func (e *MountFailedError) Unwrap() error {
	return e.Err
}
