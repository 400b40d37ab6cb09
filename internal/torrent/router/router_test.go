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
	"io/ioutil"
	"net"
	"os"
	"testing"
	"time"

	"github.com/relayd/torrentd/internal/core"
	mockannounceclient "github.com/relayd/torrentd/internal/mocks/tracker/announceclient"
	"github.com/relayd/torrentd/internal/torrent/storage"
	"github.com/relayd/torrentd/internal/torrent/storage/piecereader"

	"github.com/andres-erbsen/clock"
	"github.com/golang/mock/gomock"
	"github.com/stretchr/testify/require"
	"github.com/uber-go/tally"
	"go.uber.org/zap"
)

var nextRouterPort = 45000

func newTestRouter(t *testing.T, storageDir string, archive storage.TorrentArchive) *Router {
	port := nextRouterPort
	nextRouterPort++

	peerCtx, err := core.NewPeerContext(
		core.RandomPeerIDFactory, "zone1", "cluster1", "127.0.0.1", port, false)
	require.NoError(t, err)

	ctrl := gomock.NewController(t)
	client := mockannounceclient.NewMockClient(ctrl)

	r, err := New(
		Config{StorageDir: storageDir, AnnouncePacingInterval: time.Hour},
		peerCtx, archive, client, clock.NewMock(), tally.NoopScope, zap.NewNop().Sugar())
	require.NoError(t, err)
	return r
}

func seedTorrent(t *testing.T, archive storage.TorrentArchive, content []byte, pieceLength uint64) *core.MetaInfo {
	blob := core.SizedBlobFixture(uint64(len(content)), pieceLength)
	tor, err := archive.CreateTorrent(blob.MetaInfo)
	require.NoError(t, err)
	for i := 0; i < tor.NumPieces(); i++ {
		start := int64(0)
		for j := 0; j < i; j++ {
			start += tor.PieceLength(j)
		}
		end := start + tor.PieceLength(i)
		require.NoError(t, tor.WritePiece(piecereader.NewBuffer(blob.Content[start:end]), i))
	}
	return blob.MetaInfo
}

func TestRouterAddListToggleDelete(t *testing.T) {
	archive, archiveCleanup := storage.TorrentArchiveFixture()
	defer archiveCleanup()

	storageDir, err := ioutil.TempDir("", "router-")
	require.NoError(t, err)
	defer os.RemoveAll(storageDir)

	r := newTestRouter(t, storageDir, archive)
	defer r.Stop()

	mi := core.SizedBlobFixture(100, 10).MetaInfo
	data, err := mi.Serialize()
	require.NoError(t, err)

	id, err := r.Add(data, "movie.mp4", true)
	require.NoError(t, err)

	list, err := r.List()
	require.NoError(t, err)
	require.Len(t, list, 1)
	require.Equal(t, id, list[0].ID)
	require.Equal(t, "movie.mp4", list[0].Filename)
	require.True(t, list[0].Enabled)

	_, err = r.Add(data, "movie.mp4", true)
	require.Equal(t, ErrAlreadyAdded, err)

	require.NoError(t, r.Toggle(id, false))
	enabled, err := r.Announces(id)
	require.NoError(t, err)
	require.False(t, enabled)

	require.NoError(t, r.Delete(id, false))

	list, err = r.List()
	require.NoError(t, err)
	require.Empty(t, list)

	_, err = r.Peers(id)
	require.Equal(t, ErrNotFound, err)
}

func TestRouterRegistryPersistsAcrossRestart(t *testing.T) {
	archiveDir, err := ioutil.TempDir("", "router-archive-")
	require.NoError(t, err)
	defer os.RemoveAll(archiveDir)
	archive := storage.NewLocalTorrentArchive(archiveDir)

	storageDir, err := ioutil.TempDir("", "router-state-")
	require.NoError(t, err)
	defer os.RemoveAll(storageDir)

	content := []byte("0123456789")
	mi := seedTorrent(t, archive, content, 4)
	data, err := mi.Serialize()
	require.NoError(t, err)

	r1 := newTestRouter(t, storageDir, archive)
	id, err := r1.Add(data, "clip.mov", false)
	require.NoError(t, err)
	require.NoError(t, r1.Stop())

	r2 := newTestRouter(t, storageDir, archive)
	defer r2.Stop()

	list, err := r2.List()
	require.NoError(t, err)
	require.Len(t, list, 1)
	require.Equal(t, id, list[0].ID)
	require.Equal(t, "clip.mov", list[0].Filename)
	require.False(t, list[0].Enabled)
	require.Equal(t, mi.InfoHash(), list[0].InfoHash)
}

func TestRouterAcceptRoutesHandshakeByInfoHash(t *testing.T) {
	seederArchive, seederCleanup := storage.TorrentArchiveFixture()
	defer seederCleanup()
	leecherArchive, leecherCleanup := storage.TorrentArchiveFixture()
	defer leecherCleanup()

	content := []byte("hello world, this is a torrent")
	mi := seedTorrent(t, seederArchive, content, 8)
	data, err := mi.Serialize()
	require.NoError(t, err)

	seederStorageDir, err := ioutil.TempDir("", "router-seeder-")
	require.NoError(t, err)
	defer os.RemoveAll(seederStorageDir)
	leecherStorageDir, err := ioutil.TempDir("", "router-leecher-")
	require.NoError(t, err)
	defer os.RemoveAll(leecherStorageDir)

	seederPort := nextRouterPort
	nextRouterPort++
	seederPeerCtx, err := core.NewPeerContext(
		core.RandomPeerIDFactory, "zone1", "cluster1", "127.0.0.1", seederPort, false)
	require.NoError(t, err)

	ctrl := gomock.NewController(t)
	seederClient := mockannounceclient.NewMockClient(ctrl)

	seeder, err := New(
		Config{StorageDir: seederStorageDir, ListenAddr: "127.0.0.1:0", AnnouncePacingInterval: time.Hour},
		seederPeerCtx, seederArchive, seederClient, clock.NewMock(), tally.NoopScope, zap.NewNop().Sugar())
	require.NoError(t, err)
	defer seeder.Stop()

	_, err = seeder.Add(data, "file.bin", true)
	require.NoError(t, err)

	leecher := newTestRouter(t, leecherStorageDir, leecherArchive)
	defer leecher.Stop()

	lmi, lerr := core.DeserializeMetaInfo(data)
	require.NoError(t, lerr)
	leecherID, err := leecher.Add(data, "file.bin", true)
	require.NoError(t, err)

	seederAddr := seeder.listener.Addr().(*net.TCPAddr)
	leecherEngine, ok := leecher.HandshakeLookup(lmi.InfoHash())
	require.True(t, ok)

	seederInfo := core.NewPeerInfo(seederPeerCtx.PeerID, "127.0.0.1", seederAddr.Port, false, true)
	require.NoError(t, leecherEngine.PeerAnnounced([]*core.PeerInfo{seederInfo}))

	require.Eventually(t, func() bool {
		views, err := leecher.Files(leecherID)
		if err != nil {
			return false
		}
		for _, v := range views {
			if v.Saved != v.Length {
				return false
			}
		}
		return true
	}, 5*time.Second, 10*time.Millisecond)
}
