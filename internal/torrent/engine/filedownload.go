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
	"path"

	"github.com/relayd/torrentd/internal/torrent/filestream"
)

// FileDownload returns a lazy byte stream over the named file's full
// content, blocking on pieces that have not yet arrived as they are read.
// The returned stream must be closed by the caller.
func (e *Engine) FileDownload(ctx context.Context, filePath string) (*filestream.Stream, error) {
	start, end, err := e.fileRange(filePath)
	if err != nil {
		return nil, err
	}
	return filestream.New(ctx, e.t, e, e.mi.PieceLength(), start, end)
}

// FileDownloadRange returns a lazy byte stream over [start, end) of the
// named file's content.
func (e *Engine) FileDownloadRange(ctx context.Context, filePath string, start, end int64) (*filestream.Stream, error) {
	fileStart, fileEnd, err := e.fileRange(filePath)
	if err != nil {
		return nil, err
	}
	if start < 0 || end < start || fileStart+end > fileEnd {
		return nil, ErrFileNotFound
	}
	return filestream.New(ctx, e.t, e, e.mi.PieceLength(), fileStart+start, fileStart+end)
}

func (e *Engine) fileRange(filePath string) (start, end int64, err error) {
	var offset int64
	for _, f := range e.mi.Files() {
		if path.Join(f.Path...) == filePath {
			return offset, offset + f.Length, nil
		}
		offset += f.Length
	}
	return 0, 0, ErrFileNotFound
}
