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
package router

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"

	"github.com/relayd/torrentd/internal/core"
	"github.com/relayd/torrentd/internal/torrent/engine"
	"github.com/relayd/torrentd/internal/torrent/scheduler/announcequeue"
	"github.com/relayd/torrentd/internal/torrent/scheduler/conn"
	"github.com/relayd/torrentd/internal/torrent/storage"
	"github.com/relayd/torrentd/internal/tracker/announceclient"

	"github.com/andres-erbsen/clock"
	"github.com/uber-go/tally"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Router errors.
var (
	ErrStopped        = errors.New("router has been stopped")
	ErrNotFound       = errors.New("torrent not found")
	ErrAlreadyAdded   = errors.New("torrent already added")
)

// entry is everything the router tracks about one engine.
type entry struct {
	id       int
	engine   *engine.Engine
	filename string
	enabled  bool
}

// Router owns every torrent engine running in this process: it assigns each
// one an id, indexes it by info hash for inbound handshake routing, persists
// the set of known torrents across restarts, and paces new engines onto the
// tracker through a shared announce queue. All mutable state is confined to
// a single command-loop goroutine, the same pattern engine.Engine uses, so
// Router needs no separate lock.
type Router struct {
	config  Config
	peerCtx core.PeerContext
	archive storage.TorrentArchive
	client  announceclient.Client
	clk     clock.Clock
	stats   tally.Scope
	logger  *zap.SugaredLogger

	handshaker *conn.Handshaker
	listener   net.Listener

	aq announcequeue.Queue

	cmds chan func()
	done chan struct{}

	byID    map[int]*entry
	byHash  map[core.InfoHash]*entry
	nextID  int

	cancel   context.CancelFunc
	eg       *errgroup.Group
	stopOnce sync.Once
}

// New creates a Router, reloading any torrents recorded in its registry from
// a prior run, and starts its background loops.
func New(
	config Config,
	peerCtx core.PeerContext,
	archive storage.TorrentArchive,
	client announceclient.Client,
	clk clock.Clock,
	stats tally.Scope,
	logger *zap.SugaredLogger) (*Router, error) {

	config = config.applyDefaults()

	stats = stats.Tagged(map[string]string{"module": "router"})

	r := &Router{
		config:  config,
		peerCtx: peerCtx,
		archive: archive,
		client:  client,
		clk:     clk,
		stats:   stats,
		logger:  logger,
		aq:      announcequeue.New(),
		cmds:    make(chan func(), config.CommandBufferSize),
		done:    make(chan struct{}),
		byID:    make(map[int]*entry),
		byHash:  make(map[core.InfoHash]*entry),
	}

	handshaker, err := conn.NewHandshaker(
		config.Engine.Conn, stats, clk, peerCtx.PeerID, r, logger)
	if err != nil {
		return nil, fmt.Errorf("new handshaker: %s", err)
	}
	r.handshaker = handshaker

	ctx, cancel := context.WithCancel(context.Background())
	eg, egCtx := errgroup.WithContext(ctx)
	r.cancel = cancel
	r.eg = eg

	if err := r.restore(); err != nil {
		cancel()
		return nil, fmt.Errorf("restore registry: %s", err)
	}

	eg.Go(func() error { r.loop(); return nil })
	eg.Go(func() error { r.pacingLoop(egCtx); return nil })

	if config.ListenAddr != "" {
		l, err := net.Listen("tcp", config.ListenAddr)
		if err != nil {
			cancel()
			return nil, fmt.Errorf("listen: %s", err)
		}
		r.listener = l
		eg.Go(func() error { return r.acceptLoop(egCtx, l) })
	}

	return r, nil
}

func (r *Router) loop() {
	for {
		select {
		case cmd := <-r.cmds:
			cmd()
		case <-r.done:
			for {
				select {
				case cmd := <-r.cmds:
					cmd()
				default:
					return
				}
			}
		}
	}
}

func (r *Router) sendCmd(fn func()) bool {
	finished := make(chan struct{})
	select {
	case r.cmds <- func() { fn(); close(finished) }:
	case <-r.done:
		return false
	}
	select {
	case <-finished:
		return true
	case <-r.done:
		return false
	}
}

func (r *Router) log(args ...interface{}) *zap.SugaredLogger {
	return r.logger.With(args...)
}

// Stop tears down every engine, closes the inbound listener, and stops all
// background loops. Stop is idempotent.
func (r *Router) Stop() error {
	var err error
	r.stopOnce.Do(func() {
		var engines []*engine.Engine
		r.sendCmd(func() {
			for _, e := range r.byID {
				engines = append(engines, e.engine)
			}
		})

		close(r.done)
		r.cancel()
		if r.listener != nil {
			r.listener.Close()
		}
		for _, e := range engines {
			e.Delete(false)
		}
		err = r.eg.Wait()
	})
	return err
}

// ConnClosed implements conn.Events for the single Handshaker shared by
// every engine this router owns, routing the event to whichever engine's
// connection it belongs to.
func (r *Router) ConnClosed(c *conn.Conn) {
	var e *engine.Engine
	r.sendCmd(func() {
		if ent, ok := r.byHash[c.InfoHash()]; ok {
			e = ent.engine
		}
	})
	if e != nil {
		e.ConnClosed(c)
	}
}

// EngineRemoved implements engine.Removed, invoked by an engine once it has
// finished tearing itself down.
func (r *Router) EngineRemoved(h core.InfoHash) {
	r.sendCmd(func() {
		ent, ok := r.byHash[h]
		if !ok {
			return
		}
		delete(r.byHash, h)
		delete(r.byID, ent.id)
		r.aq.Eject(h)
		if err := removeMetaInfo(r.config.StorageDir, h); err != nil {
			r.log("hash", h).Warnf("Error removing metainfo: %s", err)
		}
		if err := r.saveRegistryLocked(); err != nil {
			r.log("hash", h).Warnf("Error rewriting registry: %s", err)
		}
	})
}

func (r *Router) saveRegistryLocked() error {
	records := make([]registryRecord, 0, len(r.byID))
	for _, e := range r.byID {
		records = append(records, registryRecord{
			id:       e.id,
			infoHash: e.engine.InfoHash(),
			filename: e.filename,
			enabled:  e.enabled,
		})
	}
	return saveRegistry(r.config.StorageDir, r.config.RegistryFilename, records)
}

func (r *Router) newEngineLocked(mi *core.MetaInfo) (*engine.Engine, error) {
	tor, err := r.archive.CreateTorrent(mi)
	if err != nil {
		return nil, fmt.Errorf("create torrent: %s", err)
	}
	return engine.New(
		r.config.Engine, r.peerCtx, mi, tor, r.archive, r.handshaker, r.client,
		r, r.clk, r.stats, r.logger)
}

// restore reconstructs every engine recorded in the registry file, skipping
// (and logging) any record whose metainfo blob is missing or corrupt rather
// than failing the whole router.
func (r *Router) restore() error {
	records, err := loadRegistry(r.config.StorageDir, r.config.RegistryFilename)
	if err != nil {
		return err
	}
	maxID := 0
	for _, rec := range records {
		mi, err := loadMetaInfo(r.config.StorageDir, rec.infoHash)
		if err != nil {
			r.log("hash", rec.infoHash).Warnf("Error loading metainfo, skipping: %s", err)
			continue
		}
		e, err := r.newEngineLocked(mi)
		if err != nil {
			r.log("hash", rec.infoHash).Warnf("Error restoring engine, skipping: %s", err)
			continue
		}
		if !rec.enabled {
			e.Disable()
		}
		ent := &entry{id: rec.id, engine: e, filename: rec.filename, enabled: rec.enabled}
		r.byID[rec.id] = ent
		r.byHash[rec.infoHash] = ent
		r.aq.Add(rec.infoHash)
		if rec.id > maxID {
			maxID = rec.id
		}
	}
	r.nextID = maxID + 1
	return nil
}
