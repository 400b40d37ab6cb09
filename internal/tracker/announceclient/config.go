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
package announceclient

import "time"

// Config defines announceclient configuration.
type Config struct {
	// HTTPTimeout bounds a single HTTP tracker request.
	HTTPTimeout time.Duration `yaml:"http_timeout"`

	// UDPMinTimeout is the initial per-attempt UDP timeout, per BEP 15.
	UDPMinTimeout time.Duration `yaml:"udp_min_timeout"`

	// UDPMaxAttempts bounds the number of doubling-timeout retries per
	// BEP 15 before a UDP tracker is abandoned.
	UDPMaxAttempts int `yaml:"udp_max_attempts"`
}

func (c Config) applyDefaults() Config {
	if c.HTTPTimeout == 0 {
		c.HTTPTimeout = 5 * time.Second
	}
	if c.UDPMinTimeout == 0 {
		c.UDPMinTimeout = 15 * time.Second
	}
	if c.UDPMaxAttempts == 0 {
		c.UDPMaxAttempts = 8
	}
	return c
}
