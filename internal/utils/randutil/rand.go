// Copyright (c) 2016-2019 Uber Technologies, Inc.
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

// Package randutil provides random generators for tests and fixtures.
package randutil

import (
	"fmt"
	"math/rand"
)

// Text returns n random bytes.
func Text(n uint64) []byte {
	b := make([]byte, n)
	rand.Read(b)
	return b
}

// IP returns a random loopback-range IP string.
func IP() string {
	return fmt.Sprintf("127.0.0.%d", rand.Intn(254)+1)
}

// Port returns a random ephemeral port number.
func Port() int {
	return rand.Intn(65535-1024) + 1024
}
