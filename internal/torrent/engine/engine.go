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
package engine

import (
	"errors"
	"fmt"
	"sync"

	"github.com/relayd/torrentd/internal/core"
	"github.com/relayd/torrentd/internal/torrent/scheduler/announcer"
	"github.com/relayd/torrentd/internal/torrent/scheduler/conn"
	"github.com/relayd/torrentd/internal/torrent/scheduler/connstate"
	"github.com/relayd/torrentd/internal/torrent/scheduler/dispatch"
	"github.com/relayd/torrentd/internal/torrent/storage"
	"github.com/relayd/torrentd/internal/tracker/announceclient"

	"github.com/andres-erbsen/clock"
	"github.com/uber-go/tally"
	"go.uber.org/zap"
)

// Engine errors.
var (
	ErrStopped      = errors.New("engine has been stopped")
	ErrDisabled     = errors.New("engine is disabled")
	ErrFileNotFound = errors.New("file not found in torrent")
)

// Removed is implemented by the owner of an Engine (normally a router) which
// must be told when an Engine has torn itself down, so it can be dropped
// from whatever registry indexes it by info hash.
type Removed interface {
	EngineRemoved(core.InfoHash)
}

// EventKind enumerates the progress events an Engine publishes to its
// Subscribe consumers.
type EventKind int

// Event kinds.
const (
	EventPieceComplete EventKind = iota
	EventTorrentComplete
	EventPeerAdded
	EventPeerRemoved
)

// Event is a single progress notification published to Subscribe consumers.
type Event struct {
	Kind  EventKind
	Piece int
	Peer  core.PeerID
}

// Engine owns a single torrent's progress bitmap, peer connections, and
// piece-completion awaiters, and drives it to completion. All mutable state
// is confined to the command loop goroutine started by New; every exported
// method communicates with that goroutine over a channel, so an Engine
// needs no separate lock.
type Engine struct {
	infoHash core.InfoHash
	config   Config
	clk      clock.Clock
	peerCtx  core.PeerContext
	archive  storage.TorrentArchive
	stats    tally.Scope
	logger   *zap.SugaredLogger

	handshaker *conn.Handshaker
	client     announceclient.Client
	announcer  *announcer.Announcer
	owner      Removed

	mi *core.MetaInfo
	t  storage.Torrent

	cmds chan func()
	done chan struct{}
	wg   sync.WaitGroup

	stopOnce sync.Once

	dispatcher *dispatch.Dispatcher
	connState  *connstate.State

	enabled bool

	awaiters    map[int][]chan struct{}
	subscribers map[int]chan Event
	nextSubID   int
}

// New creates and starts an Engine for t, immediately enabled.
func New(
	config Config,
	peerCtx core.PeerContext,
	mi *core.MetaInfo,
	t storage.Torrent,
	archive storage.TorrentArchive,
	handshaker *conn.Handshaker,
	client announceclient.Client,
	owner Removed,
	clk clock.Clock,
	stats tally.Scope,
	logger *zap.SugaredLogger) (*Engine, error) {

	config = config.applyDefaults()

	stats = stats.Tagged(map[string]string{
		"module": "engine",
		"hash":   t.InfoHash().String(),
	})

	e := &Engine{
		infoHash:    t.InfoHash(),
		config:      config,
		clk:         clk,
		peerCtx:     peerCtx,
		archive:     archive,
		stats:       stats,
		logger:      logger,
		handshaker:  handshaker,
		client:      client,
		owner:       owner,
		mi:          mi,
		t:           t,
		cmds:        make(chan func(), config.CommandBufferSize),
		done:        make(chan struct{}),
		enabled:     true,
		awaiters:    make(map[int][]chan struct{}),
		subscribers: make(map[int]chan Event),
	}
	e.connState = connstate.New(config.ConnState, clk, peerCtx.PeerID, logger)

	d, err := dispatch.New(config.Dispatch, stats, clk, e, peerCtx.PeerID, t, logger)
	if err != nil {
		return nil, fmt.Errorf("new dispatcher: %s", err)
	}
	e.dispatcher = d

	e.announcer = announcer.New(config.Announcer, client, e, clk, logger)

	e.wg.Add(1)
	go e.loop()

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.announcer.Ticker(e.done)
	}()

	if !config.ExternallyPaced {
		e.clk.AfterFunc(config.AnnounceStartupInterval, func() {
			e.sendCmd(func() { e.announceLocked() })
		})
	}

	return e, nil
}

func (e *Engine) loop() {
	defer e.wg.Done()
	for {
		select {
		case cmd := <-e.cmds:
			cmd()
		case <-e.done:
			// Drain any remaining commands so pending callers don't leak.
			for {
				select {
				case cmd := <-e.cmds:
					cmd()
				default:
					return
				}
			}
		}
	}
}

// sendCmd schedules fn to run on the loop goroutine and blocks the caller
// until it has finished running, or the Engine is stopped.
func (e *Engine) sendCmd(fn func()) bool {
	finished := make(chan struct{})
	select {
	case e.cmds <- func() { fn(); close(finished) }:
	case <-e.done:
		return false
	}
	select {
	case <-finished:
		return true
	case <-e.done:
		return false
	}
}

// InfoHash returns the info hash of the torrent this Engine manages.
func (e *Engine) InfoHash() core.InfoHash {
	return e.infoHash
}

// Stat returns a snapshot of the torrent's on-disk progress.
func (e *Engine) Stat() *storage.TorrentInfo {
	return e.t.Stat()
}

func (e *Engine) log(args ...interface{}) *zap.SugaredLogger {
	args = append(args, "hash", e.infoHash)
	return e.logger.With(args...)
}

// publish fans out an Event to every current Subscribe consumer, dropping
// the event for any consumer whose buffer is full rather than blocking the
// loop goroutine on a slow reader.
func (e *Engine) publish(ev Event) {
	for id, ch := range e.subscribers {
		select {
		case ch <- ev:
		default:
			e.log().Warnf("Dropping event for slow subscriber %d", id)
		}
	}
}

// DispatcherComplete implements dispatch.Events.
func (e *Engine) DispatcherComplete(d *dispatch.Dispatcher) {
	e.sendCmd(func() {
		e.publish(Event{Kind: EventTorrentComplete})
	})
}

// PeerRemoved implements dispatch.Events.
func (e *Engine) PeerRemoved(peerID core.PeerID, h core.InfoHash) {
	e.sendCmd(func() {
		e.publish(Event{Kind: EventPeerRemoved, Peer: peerID})
	})
}

// PieceComplete implements dispatch.Events. It wakes every QueryPiece /
// FileDownload caller blocked waiting on piece i, and publishes a progress
// event to Subscribe consumers.
func (e *Engine) PieceComplete(h core.InfoHash, i int) {
	e.sendCmd(func() {
		for _, ch := range e.awaiters[i] {
			close(ch)
		}
		delete(e.awaiters, i)
		e.publish(Event{Kind: EventPieceComplete, Piece: i})
	})
}

// ConnClosed implements conn.Events.
func (e *Engine) ConnClosed(c *conn.Conn) {
	e.sendCmd(func() {
		e.connState.DeleteActive(c)
	})
}

// AnnounceTick implements announcer.Events, invoked by the Announcer's
// internal ticker at the current announce interval.
func (e *Engine) AnnounceTick() {
	e.sendCmd(func() { e.announceLocked() })
}
