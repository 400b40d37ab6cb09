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
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/relayd/torrentd/internal/core"
)

// LocalTorrentArchive opens and creates LocalTorrents rooted under a single
// download directory, keyed by info hash.
type LocalTorrentArchive struct {
	downloadDir string

	mu       sync.Mutex
	torrents map[core.InfoHash]*LocalTorrent
}

// NewLocalTorrentArchive creates a new LocalTorrentArchive rooted at downloadDir.
func NewLocalTorrentArchive(downloadDir string) *LocalTorrentArchive {
	return &LocalTorrentArchive{
		downloadDir: downloadDir,
		torrents:    make(map[core.InfoHash]*LocalTorrent),
	}
}

func (a *LocalTorrentArchive) torrentDir(h core.InfoHash) string {
	return filepath.Join(a.downloadDir, h.Hex())
}

// Stat returns the read-only info for the torrent identified by h.
func (a *LocalTorrentArchive) Stat(h core.InfoHash) (*TorrentInfo, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	t, ok := a.torrents[h]
	if !ok {
		return nil, ErrNotFound
	}
	return t.Stat(), nil
}

// CreateTorrent creates (or reopens, if already present) the LocalTorrent
// described by mi.
func (a *LocalTorrentArchive) CreateTorrent(mi *core.MetaInfo) (Torrent, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if t, ok := a.torrents[mi.InfoHash()]; ok {
		return t, nil
	}
	t, err := NewLocalTorrent(a.torrentDir(mi.InfoHash()), mi)
	if err != nil {
		return nil, fmt.Errorf("new local torrent: %s", err)
	}
	a.torrents[mi.InfoHash()] = t
	return t, nil
}

// GetTorrent returns the already-created torrent identified by h.
func (a *LocalTorrentArchive) GetTorrent(h core.InfoHash) (Torrent, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	t, ok := a.torrents[h]
	if !ok {
		return nil, ErrNotFound
	}
	return t, nil
}

// DeleteTorrent deletes the torrent identified by h, including its files.
func (a *LocalTorrentArchive) DeleteTorrent(h core.InfoHash) error {
	a.mu.Lock()
	t, ok := a.torrents[h]
	delete(a.torrents, h)
	a.mu.Unlock()

	if !ok {
		return os.RemoveAll(filepath.Join(a.downloadDir, h.Hex()))
	}
	t.Close()
	return t.DeleteFiles()
}
