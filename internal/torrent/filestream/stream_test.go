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
package filestream

import (
	"bytes"
	"context"
	"io/ioutil"
	"testing"
	"time"

	"github.com/relayd/torrentd/internal/core"
	"github.com/relayd/torrentd/internal/torrent/storage"
	"github.com/relayd/torrentd/internal/torrent/storage/piecereader"

	"github.com/stretchr/testify/require"
)

// alwaysReady is a PieceWaiter backed by a real storage.Torrent: it blocks
// only if the piece has not yet been written.
type alwaysReady struct {
	t storage.Torrent
}

func (w alwaysReady) QueryPiece(ctx context.Context, i int) (bool, error) {
	if w.t.HasPiece(i) {
		return true, nil
	}
	select {
	case <-ctx.Done():
		return false, ctx.Err()
	case <-time.After(time.Second):
		return false, context.DeadlineExceeded
	}
}

func seededTorrent(t *testing.T, content []byte, pieceLength uint64) (storage.Torrent, func()) {
	archive, cleanup := storage.TorrentArchiveFixture()

	d, err := core.NewDigester().FromBytes(content)
	require.NoError(t, err)
	metaInfo, err := core.NewMetaInfo(d, bytes.NewReader(content), int64(pieceLength))
	require.NoError(t, err)

	tor, err := archive.CreateTorrent(metaInfo)
	require.NoError(t, err)

	for i := 0; i < tor.NumPieces(); i++ {
		start := int64(0)
		for j := 0; j < i; j++ {
			start += tor.PieceLength(j)
		}
		end := start + tor.PieceLength(i)
		require.NoError(t, tor.WritePiece(piecereader.NewBuffer(content[start:end]), i))
	}
	return tor, cleanup
}

func TestStreamReadsAcrossPieceBoundary(t *testing.T) {
	content := []byte("0123456789")
	tor, cleanup := seededTorrent(t, content, 4)
	defer cleanup()

	s, err := New(context.Background(), tor, alwaysReady{tor}, 4, 0, int64(len(content)))
	require.NoError(t, err)
	defer s.Close()

	got, err := ioutil.ReadAll(s)
	require.NoError(t, err)
	require.Equal(t, content, got)
}

func TestStreamReadsSubRangeWithinSinglePiece(t *testing.T) {
	content := []byte("0123456789")
	tor, cleanup := seededTorrent(t, content, 4)
	defer cleanup()

	s, err := New(context.Background(), tor, alwaysReady{tor}, 4, 5, 7)
	require.NoError(t, err)
	defer s.Close()

	got, err := ioutil.ReadAll(s)
	require.NoError(t, err)
	require.Equal(t, []byte("56"), got)
}

func TestStreamReadsSubRangeAcrossMultiplePieces(t *testing.T) {
	content := []byte("0123456789")
	tor, cleanup := seededTorrent(t, content, 4)
	defer cleanup()

	s, err := New(context.Background(), tor, alwaysReady{tor}, 4, 3, 9)
	require.NoError(t, err)
	defer s.Close()

	got, err := ioutil.ReadAll(s)
	require.NoError(t, err)
	require.Equal(t, []byte("345678"), got)
}

func TestStreamBlocksOnMissingPieceThenCancels(t *testing.T) {
	content := []byte("0123456789")
	archive, cleanup := storage.TorrentArchiveFixture()
	defer cleanup()

	d, err := core.NewDigester().FromBytes(content)
	require.NoError(t, err)
	metaInfo, err := core.NewMetaInfo(d, bytes.NewReader(content), 4)
	require.NoError(t, err)

	tor, err := archive.CreateTorrent(metaInfo)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	s, err := New(ctx, tor, alwaysReady{tor}, 4, 0, int64(len(content)))
	require.NoError(t, err)
	defer s.Close()

	buf := make([]byte, 1)
	_, err = s.Read(buf)
	require.Error(t, err)
}

func TestStreamRejectsInvalidRange(t *testing.T) {
	content := []byte("0123456789")
	tor, cleanup := seededTorrent(t, content, 4)
	defer cleanup()

	_, err := New(context.Background(), tor, alwaysReady{tor}, 4, 5, 2)
	require.Error(t, err)

	_, err = New(context.Background(), tor, alwaysReady{tor}, 4, 0, int64(len(content))+1)
	require.Error(t, err)
}
