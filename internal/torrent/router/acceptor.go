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
	"net"

	"github.com/relayd/torrentd/internal/core"
	"github.com/relayd/torrentd/internal/torrent/engine"
)

// acceptLoop accepts inbound peer connections on the shared listening
// socket, completes the 68-byte handshake, and routes the result to the
// engine tracking the requested info hash, if any and if it is enabled.
// Mirrors a classic accept loop wired straight into a handshaker, generalized
// to route by hash across many torrents instead of dispatching straight into
// a single scheduler.
func (r *Router) acceptLoop(ctx context.Context, l net.Listener) error {
	r.log().Infof("Router listening on %s", l.Addr())
	for {
		nc, err := l.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
				r.log().Infof("Error accepting new conn, exiting accept loop: %s", err)
				return err
			}
		}
		go r.handleInbound(nc)
	}
}

func (r *Router) handleInbound(nc net.Conn) {
	pc, err := r.handshaker.Accept(nc)
	if err != nil {
		r.log().Infof("Error accepting handshake, closing net conn: %s", err)
		nc.Close()
		return
	}
	e, ok := r.HandshakeLookup(pc.InfoHash())
	if !ok {
		r.log("hash", pc.InfoHash()).Infof("Rejecting handshake for unknown or disabled torrent")
		pc.Close()
		return
	}
	if err := e.PeerForwarded(pc); err != nil {
		r.log("hash", pc.InfoHash()).Infof("Error forwarding handshake to engine: %s", err)
	}
}

// pacingLoop drains the announce queue at a steady rate, so a burst of newly
// added (externally-paced) engines fires its first announce staggered
// across time instead of all at once.
func (r *Router) pacingLoop(ctx context.Context) {
	ticker := r.clk.Ticker(r.config.AnnouncePacingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			r.fireNextAnnounce()
		case <-ctx.Done():
			return
		case <-r.done:
			return
		}
	}
}

func (r *Router) fireNextAnnounce() {
	var h core.InfoHash
	var e *engine.Engine
	ok := r.sendCmd(func() {
		hash, hasNext := r.aq.Next()
		if !hasNext {
			return
		}
		h = hash
		if ent, found := r.byHash[hash]; found {
			e = ent.engine
		}
	})
	if !ok || e == nil {
		return
	}
	if err := e.Announce(); err != nil {
		r.log("hash", h).Infof("Error firing paced announce: %s", err)
	}
}
