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
	"bytes"
	"crypto/sha1"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"io/ioutil"
	"os"
	"path/filepath"
	"sync"

	"go.uber.org/atomic"

	"github.com/relayd/torrentd/internal/core"
	"github.com/relayd/torrentd/internal/torrent/storage/piecereader"
	"github.com/willf/bitset"
)

// LocalTorrent errors.
var (
	ErrWritePieceConflict = errors.New("piece is already being written to")
)

const sidecarName = ".torrent-state"

const sidecarVersion byte = 1

type pieceStatus int

const (
	_empty pieceStatus = iota
	_complete
	_dirty
)

type piece struct {
	sync.RWMutex
	status pieceStatus
}

func (p *piece) complete() bool {
	p.RLock()
	defer p.RUnlock()
	return p.status == _complete
}

func (p *piece) dirty() bool {
	p.RLock()
	defer p.RUnlock()
	return p.status == _dirty
}

// tryMarkDirty transitions an empty piece to dirty, reporting whether the
// piece was already dirty or complete.
func (p *piece) tryMarkDirty() (dirty, complete bool) {
	p.Lock()
	defer p.Unlock()

	switch p.status {
	case _empty:
		p.status = _dirty
	case _dirty:
		dirty = true
	case _complete:
		complete = true
	}
	return
}

func (p *piece) markEmpty() {
	p.Lock()
	defer p.Unlock()
	p.status = _empty
}

func (p *piece) markComplete() {
	p.Lock()
	defer p.Unlock()
	p.status = _complete
}

// fileSpan is the precomputed global byte range [start, end) that a single
// file within a (possibly multi-file) torrent occupies.
type fileSpan struct {
	entry core.FileEntry
	path  string // Absolute path on disk.
	start int64
	end   int64
}

func buildSpans(rootDir string, files []core.FileEntry) []fileSpan {
	spans := make([]fileSpan, len(files))
	var offset int64
	for i, f := range files {
		parts := append([]string{rootDir}, f.Path...)
		spans[i] = fileSpan{
			entry: f,
			path:  filepath.Join(parts...),
			start: offset,
			end:   offset + f.Length,
		}
		offset += f.Length
	}
	return spans
}

// ioJob is a unit of disk work submitted to a LocalTorrent's dedicated I/O
// goroutine, which serializes all reads and writes for that torrent through
// a single channel; the submitting goroutine waits for its own job's reply.
type ioJob struct {
	run   func() ([]byte, error)
	reply chan ioResult
}

type ioResult struct {
	data []byte
	err  error
}

// sidecarState is the on-disk persisted state of a torrent's progress,
// rewritten atomically after every mutation.
type sidecarState struct {
	bytesWritten    uint64
	bytesRead       uint64
	piecesRemaining uint32
	bitmap          []byte
}

func (s *sidecarState) encode() []byte {
	var b bytes.Buffer
	b.WriteByte(sidecarVersion)
	binary.Write(&b, binary.BigEndian, s.bytesWritten)
	binary.Write(&b, binary.BigEndian, s.bytesRead)
	binary.Write(&b, binary.BigEndian, s.piecesRemaining)
	b.Write(s.bitmap)
	return b.Bytes()
}

func decodeSidecar(raw []byte) (*sidecarState, error) {
	if len(raw) < 1+8+8+4 {
		return nil, errors.New("sidecar truncated")
	}
	if raw[0] != sidecarVersion {
		return nil, fmt.Errorf("unknown sidecar version %d", raw[0])
	}
	s := &sidecarState{
		bytesWritten:    binary.BigEndian.Uint64(raw[1:9]),
		bytesRead:       binary.BigEndian.Uint64(raw[9:17]),
		piecesRemaining: binary.BigEndian.Uint32(raw[17:21]),
	}
	s.bitmap = append([]byte(nil), raw[21:]...)
	return s, nil
}

// writeSidecarAtomic rewrites the sidecar file at path by writing to a temp
// file in the same directory and renaming over the original, so a crash
// mid-write never leaves a corrupt sidecar.
func writeSidecarAtomic(path string, raw []byte) error {
	tmp := path + ".tmp"
	if err := ioutil.WriteFile(tmp, raw, 0644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

// LocalTorrent implements a Torrent over a set of files on local disk. Allows
// concurrent writes on distinct pieces, and concurrent reads on all pieces.
// All actual disk I/O for a LocalTorrent is serialized through a single
// dedicated goroutine, so calling WritePiece/GetPieceReader never blocks the
// caller on disk latency beyond waiting for its own job's reply.
type LocalTorrent struct {
	metaInfo *core.MetaInfo
	rootDir  string
	spans    []fileSpan

	pieces          []*piece
	numComplete     *atomic.Int32
	bytesWritten    *atomic.Int64
	bytesRead       *atomic.Int64
	piecesRemaining *atomic.Int32

	jobs chan ioJob
	done chan struct{}
}

// NewLocalTorrent creates a new LocalTorrent, restoring progress from the
// sidecar file if one already exists under rootDir.
func NewLocalTorrent(rootDir string, mi *core.MetaInfo) (*LocalTorrent, error) {
	if err := os.MkdirAll(rootDir, 0755); err != nil {
		return nil, fmt.Errorf("mkdir root: %s", err)
	}

	numPieces := mi.NumPieces()
	pieces := make([]*piece, numPieces)
	for i := range pieces {
		pieces[i] = &piece{}
	}

	numComplete := 0
	bytesWritten := int64(0)
	bytesRead := int64(0)

	if raw, err := ioutil.ReadFile(filepath.Join(rootDir, sidecarName)); err == nil {
		s, err := decodeSidecar(raw)
		if err != nil {
			return nil, fmt.Errorf("decode sidecar: %s", err)
		}
		bs := bitset.New(0)
		if err := bs.UnmarshalBinary(s.bitmap); err == nil {
			for i := 0; i < numPieces; i++ {
				if bs.Test(uint(i)) {
					pieces[i].status = _complete
					numComplete++
				}
			}
		}
		bytesWritten = int64(s.bytesWritten)
		bytesRead = int64(s.bytesRead)
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("read sidecar: %s", err)
	}

	t := &LocalTorrent{
		metaInfo:        mi,
		rootDir:         rootDir,
		spans:           buildSpans(rootDir, mi.Files()),
		pieces:          pieces,
		numComplete:     atomic.NewInt32(int32(numComplete)),
		bytesWritten:    atomic.NewInt64(bytesWritten),
		bytesRead:       atomic.NewInt64(bytesRead),
		piecesRemaining: atomic.NewInt32(int32(numPieces - numComplete)),
		jobs:            make(chan ioJob),
		done:            make(chan struct{}),
	}
	go t.serve()
	return t, nil
}

// serve is the dedicated blocking executor: every disk operation for this
// torrent runs here, one at a time, so mutations are never concurrent.
func (t *LocalTorrent) serve() {
	for {
		select {
		case job := <-t.jobs:
			data, err := job.run()
			job.reply <- ioResult{data, err}
		case <-t.done:
			return
		}
	}
}

// submit runs fn on the dedicated I/O goroutine and blocks for its result.
func (t *LocalTorrent) submit(fn func() ([]byte, error)) ([]byte, error) {
	reply := make(chan ioResult, 1)
	t.jobs <- ioJob{run: fn, reply: reply}
	r := <-reply
	return r.data, r.err
}

// Close stops the dedicated I/O goroutine.
func (t *LocalTorrent) Close() {
	close(t.done)
}

// Name returns the torrent's root name.
func (t *LocalTorrent) Name() string {
	return t.metaInfo.Name()
}

// Digest returns the digest of the original content.
func (t *LocalTorrent) Digest() core.Digest {
	return t.metaInfo.Digest()
}

// InfoHash returns the torrent metainfo hash.
func (t *LocalTorrent) InfoHash() core.InfoHash {
	return t.metaInfo.InfoHash()
}

// NumPieces returns the number of pieces in the torrent.
func (t *LocalTorrent) NumPieces() int {
	return len(t.pieces)
}

// Length returns the total length of the torrent's content.
func (t *LocalTorrent) Length() int64 {
	return t.metaInfo.Length()
}

// PieceLength returns the length of piece pi.
func (t *LocalTorrent) PieceLength(pi int) int64 {
	return t.metaInfo.GetPieceLength(pi)
}

// MaxPieceLength returns the longest piece length of the torrent.
func (t *LocalTorrent) MaxPieceLength() int64 {
	return t.metaInfo.PieceLength()
}

// Complete indicates whether the torrent is complete or not.
func (t *LocalTorrent) Complete() bool {
	return int(t.numComplete.Load()) == len(t.pieces)
}

// BytesDownloaded returns the number of bytes written to disk so far.
func (t *LocalTorrent) BytesDownloaded() int64 {
	return t.bytesWritten.Load()
}

// Bitfield returns the bitfield of pieces where true denotes a complete piece
// and false denotes an incomplete piece.
func (t *LocalTorrent) Bitfield() *bitset.BitSet {
	bs := bitset.New(uint(len(t.pieces)))
	for i, p := range t.pieces {
		if p.complete() {
			bs.Set(uint(i))
		}
	}
	return bs
}

func (t *LocalTorrent) String() string {
	downloaded := 0
	if t.metaInfo.Length() > 0 {
		downloaded = int(float64(t.BytesDownloaded()) / float64(t.metaInfo.Length()) * 100)
	}
	return fmt.Sprintf("torrent(hash=%s, downloaded=%d%%)", t.InfoHash().Hex(), downloaded)
}

// Stat returns a snapshot of the torrent's read-only info.
func (t *LocalTorrent) Stat() *TorrentInfo {
	return NewTorrentInfo(t.metaInfo, t.Bitfield())
}

func (t *LocalTorrent) getPiece(pi int) (*piece, error) {
	if pi < 0 || pi >= len(t.pieces) {
		return nil, fmt.Errorf("invalid piece index %d: num pieces = %d", pi, len(t.pieces))
	}
	return t.pieces[pi], nil
}

// HasPiece returns if piece pi is complete.
func (t *LocalTorrent) HasPiece(pi int) bool {
	p, err := t.getPiece(pi)
	if err != nil {
		return false
	}
	return p.complete()
}

// MissingPieces returns the indices of all missing pieces.
func (t *LocalTorrent) MissingPieces() []int {
	var missing []int
	for i, p := range t.pieces {
		if !p.complete() {
			missing = append(missing, i)
		}
	}
	return missing
}

func (t *LocalTorrent) verifyPiece(pi int, data []byte) error {
	expected := t.metaInfo.PieceSum(pi)
	h := sha1.Sum(data)
	if !bytes.Equal(h[:], expected) {
		return errors.New("unexpected piece hash")
	}
	return nil
}

// pieceOffset returns the global byte offset of piece pi.
func (t *LocalTorrent) pieceOffset(pi int) int64 {
	return t.metaInfo.PieceLength() * int64(pi)
}

type fileSpanSlice struct {
	span        fileSpan
	localStart  int64
	rangeStart  int64
	rangeLength int64
}

// spansFor returns the file spans overlapped by the global byte range
// [start, end), along with the local offset into each span where the range
// begins.
func (t *LocalTorrent) spansFor(start, end int64) []fileSpanSlice {
	var out []fileSpanSlice
	for _, s := range t.spans {
		if s.end <= start || s.start >= end {
			continue
		}
		lo := max64(start, s.start)
		hi := min64(end, s.end)
		out = append(out, fileSpanSlice{s, lo - s.start, lo - start, hi - lo})
	}
	return out
}

// ensureAllocated lazily creates f at its final size on first touch.
func ensureAllocated(f fileSpan) error {
	if err := os.MkdirAll(filepath.Dir(f.path), 0755); err != nil {
		return err
	}
	if _, err := os.Stat(f.path); err == nil {
		return nil
	} else if !os.IsNotExist(err) {
		return err
	}
	out, err := os.Create(f.path)
	if err != nil {
		return err
	}
	defer out.Close()
	return out.Truncate(f.entry.Length)
}

// writePieceToDisk writes data across every file span it overlaps, creating
// and allocating files lazily on first touch.
func (t *LocalTorrent) writePieceToDisk(pi int, data []byte) error {
	start := t.pieceOffset(pi)
	end := start + int64(len(data))
	for _, part := range t.spansFor(start, end) {
		if err := ensureAllocated(part.span); err != nil {
			return fmt.Errorf("allocate %s: %s", part.span.path, err)
		}
		f, err := os.OpenFile(part.span.path, os.O_WRONLY, 0644)
		if err != nil {
			return fmt.Errorf("open %s: %s", part.span.path, err)
		}
		chunk := data[part.rangeStart : part.rangeStart+part.rangeLength]
		_, werr := f.WriteAt(chunk, part.localStart)
		f.Close()
		if werr != nil {
			return fmt.Errorf("write %s: %s", part.span.path, werr)
		}
	}
	return nil
}

// readPieceFromDisk reads the bytes of piece pi back from its file spans.
func (t *LocalTorrent) readPieceFromDisk(pi int, length int64) ([]byte, error) {
	start := t.pieceOffset(pi)
	end := start + length
	data := make([]byte, length)
	for _, part := range t.spansFor(start, end) {
		f, err := os.Open(part.span.path)
		if err != nil {
			return nil, fmt.Errorf("open %s: %s", part.span.path, err)
		}
		_, rerr := f.ReadAt(data[part.rangeStart:part.rangeStart+part.rangeLength], part.localStart)
		f.Close()
		if rerr != nil && rerr != io.EOF {
			return nil, fmt.Errorf("read %s: %s", part.span.path, rerr)
		}
	}
	return data, nil
}

func (t *LocalTorrent) persist() error {
	bm := t.Bitfield()
	raw, err := bm.MarshalBinary()
	if err != nil {
		return err
	}
	s := &sidecarState{
		bytesWritten:    uint64(t.bytesWritten.Load()),
		bytesRead:       uint64(t.bytesRead.Load()),
		piecesRemaining: uint32(t.piecesRemaining.Load()),
		bitmap:          raw,
	}
	return writeSidecarAtomic(filepath.Join(t.rootDir, sidecarName), s.encode())
}

// WritePiece writes the bytes read from src to piece pi. Before writing, the
// caller must have checked the piece digest; WritePiece re-verifies it
// regardless, since a bad write must never be persisted.
func (t *LocalTorrent) WritePiece(src PieceReader, pi int) error {
	p, err := t.getPiece(pi)
	if err != nil {
		return err
	}
	if int64(src.Length()) != t.PieceLength(pi) {
		return fmt.Errorf("invalid piece data length: expected %d, got %d", t.PieceLength(pi), src.Length())
	}

	if p.complete() {
		return ErrPieceComplete
	}
	if p.dirty() {
		return ErrWritePieceConflict
	}

	data, err := ioutil.ReadAll(src)
	if err != nil {
		return fmt.Errorf("read piece source: %s", err)
	}
	if err := t.verifyPiece(pi, data); err != nil {
		return fmt.Errorf("invalid piece: %s", err)
	}

	dirty, complete := p.tryMarkDirty()
	if dirty {
		return ErrWritePieceConflict
	} else if complete {
		return ErrPieceComplete
	}

	// At this point we are the only goroutine writing this piece. The actual
	// disk write and bookkeeping update are serialized on the I/O goroutine.
	_, err = t.submit(func() ([]byte, error) {
		if err := t.writePieceToDisk(pi, data); err != nil {
			return nil, err
		}
		p.markComplete()
		t.numComplete.Inc()
		t.bytesWritten.Add(int64(len(data)))
		t.piecesRemaining.Dec()
		if err := t.persist(); err != nil {
			return nil, fmt.Errorf("persist: %s", err)
		}
		return nil, nil
	})
	if err != nil {
		p.markEmpty()
		return fmt.Errorf("write piece: %s", err)
	}
	return nil
}

// GetPieceReader reads the whole of piece pi from disk and returns a reader
// over those bytes.
func (t *LocalTorrent) GetPieceReader(pi int) (PieceReader, error) {
	p, err := t.getPiece(pi)
	if err != nil {
		return nil, err
	}
	if !p.complete() {
		return nil, errors.New("piece not complete")
	}
	length := t.PieceLength(pi)
	data, err := t.submit(func() ([]byte, error) {
		d, err := t.readPieceFromDisk(pi, length)
		if err != nil {
			return nil, err
		}
		t.bytesRead.Add(int64(len(d)))
		return d, nil
	})
	if err != nil {
		return nil, fmt.Errorf("read piece: %s", err)
	}
	return piecereader.NewBuffer(data), nil
}

// ReadPiece returns the raw bytes of piece pi, for callers that want a byte
// slice rather than a PieceReader (e.g. the file download stream).
func (t *LocalTorrent) ReadPiece(pi int) ([]byte, error) {
	r, err := t.GetPieceReader(pi)
	if err != nil {
		return nil, err
	}
	defer r.Close()
	return ioutil.ReadAll(r)
}

// DeleteFiles removes every backing file and the sidecar state.
func (t *LocalTorrent) DeleteFiles() error {
	_, err := t.submit(func() ([]byte, error) {
		return nil, os.RemoveAll(t.rootDir)
	})
	return err
}

// FileInfo returns fileIndex's descriptor plus the piece and the byte offset
// within that piece at which the file begins.
func (t *LocalTorrent) FileInfo(fileIndex int) (core.FileEntry, int, int64, error) {
	if fileIndex < 0 || fileIndex >= len(t.spans) {
		return core.FileEntry{}, 0, 0, fmt.Errorf("invalid file index %d", fileIndex)
	}
	s := t.spans[fileIndex]
	pieceLength := t.metaInfo.PieceLength()
	piece := int(s.start / pieceLength)
	offset := s.start - int64(piece)*pieceLength
	return s.entry, piece, offset, nil
}

// SavedPerFile returns, for each file, the number of bytes already persisted
// by intersecting the progress bitmap with the piece→file mapping.
func (t *LocalTorrent) SavedPerFile() ([]int64, error) {
	saved := make([]int64, len(t.spans))
	pieceLength := t.metaInfo.PieceLength()
	for i, s := range t.spans {
		firstPiece := int(s.start / pieceLength)
		lastPiece := int((s.end - 1) / pieceLength)
		for pi := firstPiece; pi <= lastPiece; pi++ {
			if !t.HasPiece(pi) {
				continue
			}
			pStart := t.pieceOffset(pi)
			pEnd := pStart + t.PieceLength(pi)
			lo := max64(s.start, pStart)
			hi := min64(s.end, pEnd)
			if hi > lo {
				saved[i] += hi - lo
			}
		}
	}
	return saved, nil
}

func max64(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}

func min64(a, b int64) int64 {
	if a < b {
		return a
	}
	return b
}
