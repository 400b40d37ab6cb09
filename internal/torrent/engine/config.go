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

// Package engine implements the per-torrent event loop: it owns a torrent's
// progress bitmap, its peer connections, and any goroutines waiting on a
// piece becoming available, and drives the BEP 3 peer wire protocol and the
// tracker announce loop on the torrent's behalf.
package engine

import (
	"time"

	"github.com/relayd/torrentd/internal/torrent/scheduler/announcer"
	"github.com/relayd/torrentd/internal/torrent/scheduler/conn"
	"github.com/relayd/torrentd/internal/torrent/scheduler/connstate"
	"github.com/relayd/torrentd/internal/torrent/scheduler/dispatch"
)

// Config defines Engine configuration, composing the configuration of every
// subsystem it wires together.
type Config struct {
	Conn      conn.Config      `yaml:"conn"`
	ConnState connstate.Config `yaml:"conn_state"`
	Dispatch  dispatch.Config  `yaml:"dispatch"`
	Announcer announcer.Config `yaml:"announcer"`

	// MaxConnAttemptsPerAnnounce bounds how many of the peers returned by a
	// single tracker announce the engine will attempt to dial.
	MaxConnAttemptsPerAnnounce int `yaml:"max_conn_attempts_per_announce"`

	// SubscriberBufferSize bounds how many progress events a slow Subscribe
	// consumer may lag behind before events are dropped for it.
	SubscriberBufferSize int `yaml:"subscriber_buffer_size"`

	// CommandBufferSize bounds how many in-flight commands may queue on the
	// engine's event loop before callers block.
	CommandBufferSize int `yaml:"command_buffer_size"`

	// AnnounceStartupInterval is how soon after creation an enabled engine
	// sends its first announce.
	AnnounceStartupInterval time.Duration `yaml:"announce_startup_interval"`

	// ExternallyPaced suppresses the automatic startup announce. Set by a
	// router that stages new engines through its own announce queue instead,
	// so a burst of newly added torrents doesn't announce to the tracker in
	// the same instant. The engine's own interval-based Announcer.Ticker
	// still runs for ongoing announces once the first one has fired.
	ExternallyPaced bool `yaml:"-"`
}

func (c Config) applyDefaults() Config {
	if c.MaxConnAttemptsPerAnnounce == 0 {
		c.MaxConnAttemptsPerAnnounce = 20
	}
	if c.SubscriberBufferSize == 0 {
		c.SubscriberBufferSize = 16
	}
	if c.CommandBufferSize == 0 {
		c.CommandBufferSize = 64
	}
	if c.AnnounceStartupInterval == 0 {
		c.AnnounceStartupInterval = time.Second
	}
	return c
}
