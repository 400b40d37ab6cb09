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
	"context"
	"fmt"

	"github.com/relayd/torrentd/internal/core"
	"github.com/relayd/torrentd/internal/torrent/scheduler/conn"
	"github.com/relayd/torrentd/internal/tracker/announceclient"
)

// Announce immediately announces to the torrent's trackers, connecting to
// any newly discovered peers. Returns ErrStopped if the engine has already
// been torn down.
func (e *Engine) Announce() error {
	if !e.sendCmd(func() { e.announceLocked() }) {
		return ErrStopped
	}
	return nil
}

func (e *Engine) announceLocked() {
	if !e.enabled {
		return
	}
	go e.doAnnounce()
}

func (e *Engine) doAnnounce() {
	event := announceclient.EventNone
	if e.t.Complete() {
		event = announceclient.EventCompleted
	}
	params := &announceclient.Params{
		MetaInfo:   e.mi,
		PeerID:     e.peerCtx.PeerID,
		Port:       e.peerCtx.Port,
		Downloaded: e.t.BytesDownloaded(),
		Left:       e.t.Length() - e.t.BytesDownloaded(),
		Event:      event,
	}
	peers, err := e.announcer.Announce(context.Background(), params)
	if err != nil {
		e.log().Infof("Error announcing: %s", err)
		return
	}
	e.sendCmd(func() { e.peerAnnouncedLocked(peers) })
}

// PeerAnnounced handles the peer list returned by a tracker announce,
// dialing new connections up to MaxConnAttemptsPerAnnounce and skipping
// peers which are already connected, pending, or blacklisted.
func (e *Engine) PeerAnnounced(peers []*core.PeerInfo) error {
	if !e.sendCmd(func() { e.peerAnnouncedLocked(peers) }) {
		return ErrStopped
	}
	return nil
}

func (e *Engine) peerAnnouncedLocked(peers []*core.PeerInfo) {
	if !e.enabled {
		return
	}
	attempts := 0
	for _, p := range peers {
		if attempts >= e.config.MaxConnAttemptsPerAnnounce {
			break
		}
		if p.PeerID == e.peerCtx.PeerID {
			continue
		}
		if e.connState.Blacklisted(p.PeerID, e.infoHash) {
			continue
		}
		if err := e.connState.AddPending(p.PeerID, e.infoHash, nil); err != nil {
			continue
		}
		attempts++
		go e.initiateConn(p)
	}
}

func (e *Engine) initiateConn(p *core.PeerInfo) {
	addr := fmt.Sprintf("%s:%d", p.IP, p.Port)
	result, err := e.handshaker.Initialize(p.PeerID, addr, e.t.Stat())
	if err != nil {
		e.log("peer", p.PeerID, "addr", addr).Infof("Error dialing peer: %s", err)
		e.sendCmd(func() { e.peerConnectFailedLocked(p.PeerID) })
		return
	}
	e.sendCmd(func() { e.peerConnectedLocked(result) })
}

func (e *Engine) peerConnectedLocked(result *conn.HandshakeResult) {
	if err := e.connState.MovePendingToActive(result.Conn); err != nil {
		e.log("peer", result.Conn.PeerID()).Infof("Dropping connection: %s", err)
		result.Conn.Close()
		return
	}
	e.startConn(result)
}

func (e *Engine) startConn(result *conn.HandshakeResult) {
	result.Conn.Start()
	if err := e.dispatcher.AddPeer(result.Conn.PeerID(), result.Bitfield, result.Conn); err != nil {
		e.log("peer", result.Conn.PeerID()).Infof("Error adding peer to dispatcher: %s", err)
		result.Conn.Close()
		return
	}
	e.publish(Event{Kind: EventPeerAdded, Peer: result.Conn.PeerID()})
}

// PeerConnectFailed records that an outbound dial to peerID failed, freeing
// its reserved connection capacity and blacklisting it.
func (e *Engine) PeerConnectFailed(peerID core.PeerID) error {
	if !e.sendCmd(func() { e.peerConnectFailedLocked(peerID) }) {
		return ErrStopped
	}
	return nil
}

func (e *Engine) peerConnectFailedLocked(peerID core.PeerID) {
	e.connState.DeletePending(peerID, e.infoHash)
	e.connState.Blacklist(peerID, e.infoHash)
}

// PeerDisconnect forcibly drops any connection to peerID.
func (e *Engine) PeerDisconnect(peerID core.PeerID) error {
	if !e.sendCmd(func() {
		for _, c := range e.connState.ActiveConns() {
			if c.PeerID() == peerID {
				c.Close()
			}
		}
	}) {
		return ErrStopped
	}
	return nil
}

// PeerForwarded completes an inbound handshake forwarded by a router after
// it looked up this Engine by info hash, and wires the resulting connection
// into the dispatcher.
func (e *Engine) PeerForwarded(pc *conn.PendingConn) error {
	if !e.sendCmd(func() { e.peerForwardedLocked(pc) }) {
		pc.Close()
		return ErrStopped
	}
	return nil
}

func (e *Engine) peerForwardedLocked(pc *conn.PendingConn) {
	if !e.enabled {
		pc.Close()
		return
	}
	if err := e.connState.AddPending(pc.PeerID(), e.infoHash, nil); err != nil {
		e.log("peer", pc.PeerID()).Infof("Rejecting inbound handshake: %s", err)
		pc.Close()
		return
	}
	go e.establishInbound(pc)
}

func (e *Engine) establishInbound(pc *conn.PendingConn) {
	result, err := e.handshaker.Establish(pc, e.t.Stat())
	if err != nil {
		e.log("peer", pc.PeerID()).Infof("Error establishing inbound handshake: %s", err)
		pc.Close()
		e.sendCmd(func() { e.connState.DeletePending(pc.PeerID(), e.infoHash) })
		return
	}
	e.sendCmd(func() { e.peerConnectedLocked(result) })
}
