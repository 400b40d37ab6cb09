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

// Package router implements the application-level surface that owns every
// torrent engine in one process: it assigns ids, persists which torrents are
// known across restarts, runs the single listening socket that inbound
// handshakes arrive on, and staggers new engines onto the tracker through a
// shared announce queue instead of letting them announce in a single burst.
package router

import (
	"time"

	"github.com/relayd/torrentd/internal/torrent/engine"
)

// Config defines Router configuration.
type Config struct {
	Engine engine.Config `yaml:"engine"`

	// ListenAddr is the address the router accepts inbound peer connections
	// on. All engines share this one socket; inbound handshakes are routed
	// to the right engine by info hash. Empty disables inbound connections.
	ListenAddr string `yaml:"listen_addr"`

	// StorageDir is where the router persists its torrent registry and the
	// serialized metainfo of every known torrent, so both survive a restart.
	StorageDir string `yaml:"storage_dir"`

	// RegistryFilename names the registry file within StorageDir.
	RegistryFilename string `yaml:"registry_filename"`

	// CommandBufferSize bounds how many in-flight commands may queue on the
	// router's event loop before callers block.
	CommandBufferSize int `yaml:"command_buffer_size"`

	// AnnouncePacingInterval is how often the router pops one newly added,
	// externally-paced engine off its announce queue and fires its first
	// announce.
	AnnouncePacingInterval time.Duration `yaml:"announce_pacing_interval"`
}

func (c Config) applyDefaults() Config {
	c.Engine.ExternallyPaced = true
	if c.RegistryFilename == "" {
		c.RegistryFilename = "registry.txt"
	}
	if c.CommandBufferSize == 0 {
		c.CommandBufferSize = 64
	}
	if c.AnnouncePacingInterval == 0 {
		c.AnnouncePacingInterval = 200 * time.Millisecond
	}
	return c
}
