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

// Package filestream implements a lazy, cancellation-safe byte stream over
// an arbitrary [start, end) slice of a torrent's content, reading piece by
// piece and blocking on pieces that have not arrived yet rather than
// requiring the whole torrent -- or even the whole file -- to be complete.
package filestream

import (
	"context"
	"errors"
	"io"

	"github.com/relayd/torrentd/internal/torrent/storage"
)

// ErrClosed is returned by Read after Close has been called.
var ErrClosed = errors.New("stream closed")

// PieceWaiter blocks until a piece becomes available, or ctx is done.
// Implemented by engine.Engine.
type PieceWaiter interface {
	QueryPiece(ctx context.Context, i int) (bool, error)
}

// Stream is a sequential io.ReadCloser over [start, end) of a torrent's
// content. It is not safe for concurrent use.
type Stream struct {
	ctx         context.Context
	t           storage.Torrent
	waiter      PieceWaiter
	pieceLength int64

	cur         int64
	end         int64
	curReader   storage.PieceReader
	curPieceEnd int64

	closed bool
}

// New creates a Stream over t's global byte range [start, end). pieceLength
// is the torrent's nominal piece length (the true length of the final piece
// may be shorter, which t.PieceLength reports precisely).
func New(
	ctx context.Context,
	t storage.Torrent,
	waiter PieceWaiter,
	pieceLength int64,
	start, end int64) (*Stream, error) {

	if start < 0 || end < start || end > t.Length() {
		return nil, errors.New("invalid byte range")
	}
	return &Stream{
		ctx:         ctx,
		t:           t,
		waiter:      waiter,
		pieceLength: pieceLength,
		cur:         start,
		end:         end,
	}, nil
}

// Read implements io.Reader, blocking on QueryPiece when the next byte falls
// in a piece which has not yet been downloaded.
func (s *Stream) Read(p []byte) (int, error) {
	if s.closed {
		return 0, ErrClosed
	}
	if s.cur >= s.end {
		return 0, io.EOF
	}
	if s.curReader == nil {
		if err := s.openCurrentPiece(); err != nil {
			return 0, err
		}
	}

	max := s.curPieceEnd - s.cur
	if remain := s.end - s.cur; remain < max {
		max = remain
	}
	if int64(len(p)) > max {
		p = p[:max]
	}

	n, err := s.curReader.Read(p)
	s.cur += int64(n)

	if s.cur >= s.curPieceEnd {
		s.curReader.Close()
		s.curReader = nil
	}
	if err != nil && err != io.EOF {
		return n, err
	}
	return n, nil
}

func (s *Stream) openCurrentPiece() error {
	pi := int(s.cur / s.pieceLength)
	if _, err := s.waiter.QueryPiece(s.ctx, pi); err != nil {
		return err
	}
	r, err := s.t.GetPieceReader(pi)
	if err != nil {
		return err
	}
	pieceStart := int64(pi) * s.pieceLength
	if skip := s.cur - pieceStart; skip > 0 {
		if _, err := io.CopyN(io.Discard, r, skip); err != nil {
			r.Close()
			return err
		}
	}
	s.curReader = r
	s.curPieceEnd = pieceStart + s.t.PieceLength(pi)
	return nil
}

// Close releases any open piece reader. Safe to call multiple times.
func (s *Stream) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true
	if s.curReader != nil {
		err := s.curReader.Close()
		s.curReader = nil
		return err
	}
	return nil
}
