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
package storage

import (
	"io/ioutil"
	"os"

	"github.com/relayd/torrentd/internal/core"
	"github.com/willf/bitset"
)

// TorrentArchiveFixture creates a new TorrentArchive rooted at a temp
// directory, and returns the archive with a cleanup function.
func TorrentArchiveFixture() (TorrentArchive, func()) {
	dir, err := ioutil.TempDir("", "torrent-archive-")
	if err != nil {
		panic(err)
	}
	return NewLocalTorrentArchive(dir), func() { os.RemoveAll(dir) }
}

// TorrentInfoFixture returns a TorrentInfo for a randomly generated torrent
// with numPieces pieces of pieceLength bytes each, with nothing downloaded.
func TorrentInfoFixture(numPieces, pieceLength int) *TorrentInfo {
	size := uint64(numPieces * pieceLength)
	mi := core.SizedBlobFixture(size, uint64(pieceLength)).MetaInfo
	return NewTorrentInfo(mi, bitset.New(uint(mi.NumPieces())))
}
