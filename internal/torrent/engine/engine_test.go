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
	"net"
	"testing"
	"time"

	"github.com/relayd/torrentd/internal/core"
	mockannounceclient "github.com/relayd/torrentd/internal/mocks/tracker/announceclient"
	"github.com/relayd/torrentd/internal/torrent/scheduler/conn"
	"github.com/relayd/torrentd/internal/torrent/storage"
	"github.com/relayd/torrentd/internal/torrent/storage/piecereader"

	"github.com/andres-erbsen/clock"
	"github.com/golang/mock/gomock"
	"github.com/stretchr/testify/require"
	"github.com/uber-go/tally"
	"go.uber.org/zap"
)

// connEventsProxy lets a conn.Handshaker be constructed before the Engine it
// will report ConnClosed events to exists, since Engine.New needs an
// already-constructed Handshaker. A router wires this the same way when it
// creates both together.
type connEventsProxy struct {
	target conn.Events
}

func (p *connEventsProxy) ConnClosed(c *conn.Conn) {
	if p.target != nil {
		p.target.ConnClosed(c)
	}
}

type testPeer struct {
	engine   *Engine
	cleanup  func()
	peerCtx  core.PeerContext
	client   *mockannounceclient.MockClient
	listener net.Listener
	handshake *conn.Handshaker
}

var nextFixturePort = 44000

func newTestPeer(t *testing.T, ctrl *gomock.Controller, mi *core.MetaInfo, listen bool) *testPeer {
	archive, archiveCleanup := storage.TorrentArchiveFixture()

	tor, err := archive.CreateTorrent(mi)
	require.NoError(t, err)

	var l net.Listener
	port := nextFixturePort
	nextFixturePort++
	if listen {
		l, err = net.Listen("tcp", "127.0.0.1:0")
		require.NoError(t, err)
		port = l.Addr().(*net.TCPAddr).Port
	}

	peerCtx, err := core.NewPeerContext(
		core.RandomPeerIDFactory, "zone1", "cluster1", "127.0.0.1", port, false)
	require.NoError(t, err)

	proxy := &connEventsProxy{}
	handshaker, err := conn.NewHandshaker(
		conn.Config{}, tally.NoopScope, clock.New(), peerCtx.PeerID, proxy, zap.NewNop().Sugar())
	require.NoError(t, err)

	client := mockannounceclient.NewMockClient(ctrl)

	clk := clock.NewMock()
	e, err := New(
		Config{AnnounceStartupInterval: time.Hour},
		peerCtx, mi, tor, archive, handshaker, client, nil, clk, tally.NoopScope, zap.NewNop().Sugar())
	require.NoError(t, err)

	proxy.target = e

	cleanup := func() {
		e.Delete(true)
		if l != nil {
			l.Close()
		}
		archiveCleanup()
	}

	return &testPeer{
		engine:    e,
		cleanup:   cleanup,
		peerCtx:   peerCtx,
		client:    client,
		listener:  l,
		handshake: handshaker,
	}
}

func seedAllPieces(t *testing.T, tor storage.Torrent, content []byte) {
	for i := 0; i < tor.NumPieces(); i++ {
		start := 0
		for j := 0; j < i; j++ {
			start += int(tor.PieceLength(j))
		}
		end := start + int(tor.PieceLength(i))
		require.NoError(t, tor.WritePiece(piecereader.NewBuffer(content[start:end]), i))
	}
	require.True(t, tor.Complete())
}

func TestEngineQueryPieceUnblocksOnPieceComplete(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	blob := core.SizedBlobFixture(48, 4)
	p := newTestPeer(t, ctrl, blob.MetaInfo, false)
	defer p.cleanup()

	done := make(chan bool, 1)
	go func() {
		ok, err := p.engine.QueryPiece(context.Background(), 0)
		require.NoError(t, err)
		done <- ok
	}()

	select {
	case <-done:
		t.Fatal("QueryPiece returned before piece was complete")
	case <-time.After(50 * time.Millisecond):
	}

	p.engine.PieceComplete(p.engine.InfoHash(), 0)

	select {
	case ok := <-done:
		require.True(t, ok)
	case <-time.After(time.Second):
		t.Fatal("QueryPiece did not unblock after PieceComplete")
	}
}

func TestEngineQueryPieceReturnsImmediatelyWhenAlreadyHeld(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	blob := core.SizedBlobFixture(16, 4)
	p := newTestPeer(t, ctrl, blob.MetaInfo, false)
	defer p.cleanup()

	seedAllPieces(t, p.engine.t, blob.Content)

	ok, err := p.engine.QueryPiece(context.Background(), 0)
	require.NoError(t, err)
	require.True(t, ok)
}

func TestEngineQueryPieceCancelledByContext(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	blob := core.SizedBlobFixture(16, 4)
	p := newTestPeer(t, ctrl, blob.MetaInfo, false)
	defer p.cleanup()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := p.engine.QueryPiece(ctx, 0)
	require.Equal(t, context.Canceled, err)
}

func TestEngineSubscribeReceivesPieceEvents(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	blob := core.SizedBlobFixture(16, 4)
	p := newTestPeer(t, ctrl, blob.MetaInfo, false)
	defer p.cleanup()

	events, unsubscribe, err := p.engine.Subscribe()
	require.NoError(t, err)
	defer unsubscribe()

	p.engine.PieceComplete(p.engine.InfoHash(), 0)

	select {
	case ev := <-events:
		require.Equal(t, EventPieceComplete, ev.Kind)
		require.Equal(t, 0, ev.Piece)
	case <-time.After(time.Second):
		t.Fatal("subscriber did not receive event")
	}
}

func TestEngineDeleteIsIdempotent(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	blob := core.SizedBlobFixture(16, 4)
	p := newTestPeer(t, ctrl, blob.MetaInfo, false)

	var removed []core.InfoHash
	p.engine.owner = removedFunc(func(h core.InfoHash) { removed = append(removed, h) })

	require.NoError(t, p.engine.Delete(true))
	require.NoError(t, p.engine.Delete(true))
	require.Equal(t, []core.InfoHash{blob.MetaInfo.InfoHash()}, removed)
}

type removedFunc func(core.InfoHash)

func (f removedFunc) EngineRemoved(h core.InfoHash) { f(h) }

// TestEngineSingleFileEndToEnd drives two real Engines, each wired up with
// its own dispatcher, handshaker, and connection state, over a live TCP
// socket: a fully-seeded peer and an empty one. It exercises PeerAnnounced's
// outbound dial path, the inbound handshake-forwarding path, and the
// dispatcher's piece request/response cycle end to end.
func TestEngineSingleFileEndToEnd(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	blob := core.SizedBlobFixture(1000, 333)

	seeder := newTestPeer(t, ctrl, blob.MetaInfo, true)
	defer seeder.cleanup()
	leecher := newTestPeer(t, ctrl, blob.MetaInfo, false)
	defer leecher.cleanup()

	seedAllPieces(t, seeder.engine.t, blob.Content)

	go func() {
		nc, err := seeder.listener.Accept()
		if err != nil {
			return
		}
		pc, err := seeder.handshake.Accept(nc)
		if err != nil {
			nc.Close()
			return
		}
		seeder.engine.PeerForwarded(pc)
	}()

	seederAddr := seeder.listener.Addr().(*net.TCPAddr)
	seederInfo := core.NewPeerInfo(seeder.peerCtx.PeerID, "127.0.0.1", seederAddr.Port, false, true)

	require.NoError(t, leecher.engine.PeerAnnounced([]*core.PeerInfo{seederInfo}))

	require.Eventually(t, func() bool {
		return leecher.engine.t.Complete()
	}, 5*time.Second, 10*time.Millisecond)
}
