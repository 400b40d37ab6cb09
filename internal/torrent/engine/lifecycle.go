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

	"github.com/relayd/torrentd/internal/core"
)

// Enable (re)activates announcing and accepting new connections for this
// torrent. Engines start enabled; Enable is only needed after a prior
// Disable.
func (e *Engine) Enable() error {
	if !e.sendCmd(func() { e.enabled = true }) {
		return ErrStopped
	}
	return nil
}

// Disable stops announcing and accepting new connections for this torrent,
// without tearing down existing connections or discarding progress.
func (e *Engine) Disable() error {
	if !e.sendCmd(func() { e.enabled = false }) {
		return ErrStopped
	}
	return nil
}

// Subscribe registers a channel which receives progress events (piece
// completion, torrent completion, peers joining / leaving) until the
// returned unsubscribe function is called. The channel is buffered;
// slow consumers lose events rather than stalling the engine.
func (e *Engine) Subscribe() (<-chan Event, func(), error) {
	ch := make(chan Event, e.config.SubscriberBufferSize)
	var id int
	ok := e.sendCmd(func() {
		id = e.nextSubID
		e.nextSubID++
		e.subscribers[id] = ch
	})
	if !ok {
		return nil, nil, ErrStopped
	}
	unsubscribe := func() {
		e.sendCmd(func() { delete(e.subscribers, id) })
	}
	return ch, unsubscribe, nil
}

// Delete permanently tears down the engine: closes every peer connection,
// stops announcing, and notifies the owning router so it can drop the
// engine from its registry. If deleteFiles is true, the torrent's files are
// also removed from disk. Delete is idempotent; deleteFiles is only honored
// on the first call.
func (e *Engine) Delete(deleteFiles bool) error {
	var err error
	e.stopOnce.Do(func() {
		close(e.done)
		e.wg.Wait()

		e.dispatcher.TearDown()
		for _, c := range e.connState.ActiveConns() {
			c.Close()
		}

		if deleteFiles {
			if derr := e.archive.DeleteTorrent(e.infoHash); derr != nil {
				err = derr
			}
		}
		for _, ch := range e.subscribers {
			close(ch)
		}
		if e.owner != nil {
			e.owner.EngineRemoved(e.infoHash)
		}
	})
	return err
}

// PeersView returns a snapshot of every peer currently connected for this
// torrent.
func (e *Engine) PeersView() ([]core.PeerID, error) {
	var peers []core.PeerID
	ok := e.sendCmd(func() {
		for _, c := range e.connState.ActiveConns() {
			peers = append(peers, c.PeerID())
		}
	})
	if !ok {
		return nil, ErrStopped
	}
	return peers, nil
}

// AnnounceView reports whether this torrent is currently enabled for
// announcing and accepting connections.
func (e *Engine) AnnounceView() (bool, error) {
	var enabled bool
	ok := e.sendCmd(func() { enabled = e.enabled })
	if !ok {
		return false, ErrStopped
	}
	return enabled, nil
}

// FileView describes one file within the torrent and how much of it has
// been persisted to disk.
type FileView struct {
	Path   []string
	Length int64
	Saved  int64
}

// FilesView returns per-file download progress for every file in the
// torrent.
func (e *Engine) FilesView() ([]FileView, error) {
	saved, err := e.t.SavedPerFile()
	if err != nil {
		return nil, err
	}
	files := e.mi.Files()
	views := make([]FileView, len(files))
	for i, f := range files {
		views[i] = FileView{Path: f.Path, Length: f.Length, Saved: saved[i]}
	}
	return views, nil
}

// QueryPiece reports whether piece i is complete, blocking until it becomes
// complete or ctx is done. Returns immediately if i is already available.
func (e *Engine) QueryPiece(ctx context.Context, i int) (bool, error) {
	if e.t.HasPiece(i) {
		return true, nil
	}

	wait := make(chan struct{})
	ok := e.sendCmd(func() {
		if e.t.HasPiece(i) {
			close(wait)
			return
		}
		e.awaiters[i] = append(e.awaiters[i], wait)
	})
	if !ok {
		return false, ErrStopped
	}

	select {
	case <-wait:
		return true, nil
	case <-ctx.Done():
		e.sendCmd(func() { e.removeAwaiter(i, wait) })
		return false, ctx.Err()
	case <-e.done:
		return false, ErrStopped
	}
}

func (e *Engine) removeAwaiter(i int, wait chan struct{}) {
	waiters := e.awaiters[i]
	for idx, w := range waiters {
		if w == wait {
			e.awaiters[i] = append(waiters[:idx], waiters[idx+1:]...)
			break
		}
	}
	if len(e.awaiters[i]) == 0 {
		delete(e.awaiters, i)
	}
}
