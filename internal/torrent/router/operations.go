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
	"path"

	"github.com/relayd/torrentd/internal/core"
	"github.com/relayd/torrentd/internal/torrent/engine"
	"github.com/relayd/torrentd/internal/torrent/filestream"
)

// TorrentInfo summarizes one torrent tracked by the router, for TorrentList.
type TorrentInfo struct {
	ID       int
	InfoHash core.InfoHash
	Filename string
	Enabled  bool
}

// Add registers a new torrent described by the serialized metainfo in data,
// under the given filename, starting enabled or disabled per initialEnabled.
// Returns the id the router assigned it. Re-adding an already-known info
// hash returns ErrAlreadyAdded.
func (r *Router) Add(data []byte, filename string, initialEnabled bool) (int, error) {
	mi, err := core.DeserializeMetaInfo(data)
	if err != nil {
		return 0, err
	}

	var id int
	var addErr error
	ok := r.sendCmd(func() {
		if _, exists := r.byHash[mi.InfoHash()]; exists {
			addErr = ErrAlreadyAdded
			return
		}
		if err := saveMetaInfo(r.config.StorageDir, mi); err != nil {
			addErr = err
			return
		}
		e, err := r.newEngineLocked(mi)
		if err != nil {
			addErr = err
			return
		}
		if !initialEnabled {
			e.Disable()
		}
		id = r.nextID
		r.nextID++
		ent := &entry{id: id, engine: e, filename: filename, enabled: initialEnabled}
		r.byID[id] = ent
		r.byHash[mi.InfoHash()] = ent
		r.aq.Add(mi.InfoHash())
		addErr = r.saveRegistryLocked()
	})
	if !ok {
		return 0, ErrStopped
	}
	if addErr != nil {
		return 0, addErr
	}
	return id, nil
}

// Delete tears down the torrent identified by id, optionally deleting its
// downloaded files, and drops it from the registry.
func (r *Router) Delete(id int, deleteFiles bool) error {
	e, err := r.lookup(id)
	if err != nil {
		return err
	}
	return e.Delete(deleteFiles)
}

// List returns a snapshot of every torrent the router currently tracks.
func (r *Router) List() ([]TorrentInfo, error) {
	var out []TorrentInfo
	ok := r.sendCmd(func() {
		for _, e := range r.byID {
			out = append(out, TorrentInfo{
				ID:       e.id,
				InfoHash: e.engine.InfoHash(),
				Filename: e.filename,
				Enabled:  e.enabled,
			})
		}
	})
	if !ok {
		return nil, ErrStopped
	}
	return out, nil
}

// Toggle enables or disables the torrent identified by id.
func (r *Router) Toggle(id int, enabled bool) error {
	e, enterr := r.lookup(id)
	if enterr != nil {
		return enterr
	}
	if enabled {
		if err := e.Enable(); err != nil {
			return err
		}
	} else {
		if err := e.Disable(); err != nil {
			return err
		}
	}
	ok := r.sendCmd(func() {
		if ent, found := r.byID[id]; found {
			ent.enabled = enabled
			r.saveRegistryLocked()
		}
	})
	if !ok {
		return ErrStopped
	}
	return nil
}

// lookup returns the engine tracked under id, or ErrNotFound.
func (r *Router) lookup(id int) (*engine.Engine, error) {
	var e *engine.Engine
	ok := r.sendCmd(func() {
		if ent, found := r.byID[id]; found {
			e = ent.engine
		}
	})
	if !ok {
		return nil, ErrStopped
	}
	if e == nil {
		return nil, ErrNotFound
	}
	return e, nil
}

// Peers returns the peers currently connected to the torrent identified by
// id.
func (r *Router) Peers(id int) ([]core.PeerID, error) {
	e, err := r.lookup(id)
	if err != nil {
		return nil, err
	}
	return e.PeersView()
}

// Announces reports whether the torrent identified by id is currently
// enabled for announcing and accepting connections.
func (r *Router) Announces(id int) (bool, error) {
	e, err := r.lookup(id)
	if err != nil {
		return false, err
	}
	return e.AnnounceView()
}

// Files returns per-file download progress for the torrent identified by id.
func (r *Router) Files(id int) ([]engine.FileView, error) {
	e, err := r.lookup(id)
	if err != nil {
		return nil, err
	}
	return e.FilesView()
}

// Pieces reports whether piece i of the torrent identified by id is
// complete, blocking until it becomes complete or ctx is done.
func (r *Router) Pieces(ctx context.Context, id int, i int) (bool, error) {
	e, err := r.lookup(id)
	if err != nil {
		return false, err
	}
	return e.QueryPiece(ctx, i)
}

// Detail returns the router's record (id, info hash, filename, enabled state)
// for the torrent identified by id; it carries no download progress.
func (r *Router) Detail(id int) (*TorrentInfo, error) {
	e, err := r.lookup(id)
	if err != nil {
		return nil, err
	}
	var out *TorrentInfo
	r.sendCmd(func() {
		if ent, found := r.byID[id]; found {
			out = &TorrentInfo{
				ID:       ent.id,
				InfoHash: e.InfoHash(),
				Filename: ent.filename,
				Enabled:  ent.enabled,
			}
		}
	})
	if out == nil {
		return nil, ErrNotFound
	}
	return out, nil
}

// FileDownloadHeader returns the length of the named file within the
// torrent identified by id, without blocking on its content becoming
// available.
func (r *Router) FileDownloadHeader(id int, filePath string) (int64, error) {
	e, err := r.lookup(id)
	if err != nil {
		return 0, err
	}
	files, err := e.FilesView()
	if err != nil {
		return 0, err
	}
	for _, f := range files {
		if path.Join(f.Path...) == filePath {
			return f.Length, nil
		}
	}
	return 0, engine.ErrFileNotFound
}

// FileDownload returns a lazy stream over [start, end) of the named file
// within the torrent identified by id.
func (r *Router) FileDownload(
	ctx context.Context, id int, filePath string, start, end int64) (*filestream.Stream, error) {

	e, err := r.lookup(id)
	if err != nil {
		return nil, err
	}
	return e.FileDownloadRange(ctx, filePath, start, end)
}

// HandshakeLookup returns the engine tracking infoHash, if any, and whether
// it is currently enabled for accepting connections.
func (r *Router) HandshakeLookup(infoHash core.InfoHash) (*engine.Engine, bool) {
	var e *engine.Engine
	var ok bool
	r.sendCmd(func() {
		if ent, found := r.byHash[infoHash]; found && ent.enabled {
			e, ok = ent.engine, true
		}
	})
	return e, ok
}
