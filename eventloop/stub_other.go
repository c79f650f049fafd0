// Copyright 2026 the ausb Authors.  All rights reserved.
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

//go:build !linux

package eventloop

// Loop is unavailable on this platform.
type Loop struct{}

// Open reports that no event loop implementation exists for this platform.
func Open() (*Loop, error) { return nil, ErrUnsupported }

// Register implements Registrar.
func (*Loop) Register(int, Token, Readiness) error { return ErrUnsupported }

// Deregister implements Registrar.
func (*Loop) Deregister(int) error { return ErrUnsupported }

// Wait implements the polling half of the loop.
func (*Loop) Wait(int, func(Event)) (int, error) { return 0, ErrUnsupported }

// Run implements the driving half of the loop.
func (*Loop) Run(func(Event)) error { return ErrUnsupported }

// Close releases loop resources.
func (*Loop) Close() error { return nil }
