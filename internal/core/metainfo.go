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
package core

import (
	"bytes"
	"crypto/sha1"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/jackpal/bencode-go"
)

// pieceSumSize is the length in bytes of a single piece checksum (SHA1).
const pieceSumSize = sha1.Size

// FileEntry describes one file within a (possibly multi-file) torrent.
type FileEntry struct {
	// Path is the file's path relative to the torrent's root directory,
	// already split into path segments.
	Path []string
	// Length is the file's length in bytes.
	Length int64
}

// info contains the "instructions" for how to download / seed a torrent:
// how a blob is broken up into pieces, how to verify those pieces, and how
// the linear piece stream maps onto the file list.
type info struct {
	// Exported for bencoding.
	PieceLength int64
	PieceSums   []byte // Concatenated 20-byte SHA1 sums, one per piece.
	Name        string
	Length      int64
	Files       []FileEntry `bencode:"files,omitempty"`
}

// Hash computes the InfoHash of info.
func (info *info) Hash() (InfoHash, error) {
	var b bytes.Buffer
	if err := bencode.Marshal(&b, *info); err != nil {
		return InfoHash{}, fmt.Errorf("bencode: %s", err)
	}
	return NewInfoHashFromBytes(b.Bytes()), nil
}

func (info *info) numPieces() int {
	return len(info.PieceSums) / pieceSumSize
}

func (info *info) pieceSum(i int) []byte {
	return info.PieceSums[i*pieceSumSize : (i+1)*pieceSumSize]
}

// files returns the file list, defaulting to a single file named Name when
// the torrent was built from a flat blob rather than a directory.
func (info *info) files() []FileEntry {
	if len(info.Files) > 0 {
		return info.Files
	}
	return []FileEntry{{Path: []string{info.Name}, Length: info.Length}}
}

// MetaInfo contains torrent metadata: the immutable torrent descriptor plus
// the tracker announce tiers used to discover peers.
type MetaInfo struct {
	info         info
	infoHash     InfoHash
	digest       Digest
	announce     string
	announceList [][]string
}

// NewMetaInfo creates a new single-file MetaInfo, computing piece checksums
// over blob in pieceLength chunks. Assumes that d is the valid digest for
// blob (re-computing it is expensive).
func NewMetaInfo(d Digest, blob io.Reader, pieceLength int64) (*MetaInfo, error) {
	length, pieceSums, err := calcPieceSums(blob, pieceLength)
	if err != nil {
		return nil, err
	}
	info := info{
		PieceLength: pieceLength,
		PieceSums:   pieceSums,
		Name:        d.Hex(),
		Length:      length,
	}
	h, err := info.Hash()
	if err != nil {
		return nil, fmt.Errorf("compute info hash: %s", err)
	}
	return &MetaInfo{
		info:     info,
		infoHash: h,
		digest:   d,
	}, nil
}

// NewMultiFileMetaInfo creates a new MetaInfo spanning the given ordered
// file list, computing piece checksums over their concatenation.
func NewMultiFileMetaInfo(
	d Digest, name string, files []FileEntry, blob io.Reader, pieceLength int64) (*MetaInfo, error) {

	length, pieceSums, err := calcPieceSums(blob, pieceLength)
	if err != nil {
		return nil, err
	}
	info := info{
		PieceLength: pieceLength,
		PieceSums:   pieceSums,
		Name:        name,
		Length:      length,
		Files:       files,
	}
	h, err := info.Hash()
	if err != nil {
		return nil, fmt.Errorf("compute info hash: %s", err)
	}
	return &MetaInfo{
		info:     info,
		infoHash: h,
		digest:   d,
	}, nil
}

// WithAnnounce returns a copy of mi carrying the given announce URL and
// backup announce tiers.
func (mi MetaInfo) WithAnnounce(announce string, announceList [][]string) *MetaInfo {
	mi.announce = announce
	mi.announceList = announceList
	return &mi
}

// Announce returns the primary tracker announce URL.
func (mi *MetaInfo) Announce() string {
	return mi.announce
}

// AnnounceList returns the backup announce tiers, outermost slice ordered by
// priority. Empty when the torrent only has a primary announce URL.
func (mi *MetaInfo) AnnounceList() [][]string {
	return mi.announceList
}

// Name returns the torrent's root name (file name for single-file torrents,
// directory name for multi-file torrents).
func (mi *MetaInfo) Name() string {
	return mi.info.Name
}

// Files returns the ordered list of files spanned by the torrent.
func (mi *MetaInfo) Files() []FileEntry {
	return mi.info.files()
}

// InfoHash returns the torrent InfoHash.
func (mi *MetaInfo) InfoHash() InfoHash {
	return mi.infoHash
}

// Digest returns the digest of the original blob.
func (mi *MetaInfo) Digest() Digest {
	return mi.digest
}

// Length returns the total length of the torrent's content.
func (mi *MetaInfo) Length() int64 {
	return mi.info.Length
}

// NumPieces returns the number of pieces in the torrent.
func (mi *MetaInfo) NumPieces() int {
	return mi.info.numPieces()
}

// PieceLength returns the piece length used to break up the original blob. Note,
// the final piece may be shorter than this. Use GetPieceLength for the true
// lengths of each piece.
func (mi *MetaInfo) PieceLength() int64 {
	return mi.info.PieceLength
}

// GetPieceLength returns the length of piece i.
func (mi *MetaInfo) GetPieceLength(i int) int64 {
	if i < 0 || i >= mi.info.numPieces() {
		return 0
	}
	if i == mi.info.numPieces()-1 {
		// Last piece.
		return mi.info.Length - mi.info.PieceLength*int64(i)
	}
	return mi.info.PieceLength
}

// PieceSum returns the 20-byte SHA1 checksum of piece i. Does not check bounds.
func (mi *MetaInfo) PieceSum(i int) []byte {
	return mi.info.pieceSum(i)
}

// metaInfoJSON is used for serializing / deserializing MetaInfo.
type metaInfoJSON struct {
	Info         info `json:"Info"`
	Announce     string
	AnnounceList [][]string
}

// Serialize converts mi to a json blob.
func (mi *MetaInfo) Serialize() ([]byte, error) {
	return json.Marshal(&metaInfoJSON{mi.info, mi.announce, mi.announceList})
}

// DeserializeMetaInfo reconstructs a MetaInfo from a json blob.
func DeserializeMetaInfo(data []byte) (*MetaInfo, error) {
	var j metaInfoJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("json: %s", err)
	}
	h, err := j.Info.Hash()
	if err != nil {
		return nil, fmt.Errorf("compute info hash: %s", err)
	}
	d, err := NewSHA256DigestFromHex(j.Info.Name)
	if err != nil {
		return nil, fmt.Errorf("parse name: %s", err)
	}
	return &MetaInfo{
		info:         j.Info,
		infoHash:     h,
		digest:       d,
		announce:     j.Announce,
		announceList: j.AnnounceList,
	}, nil
}

// calcPieceSums hashes blob content in pieceLength chunks, returning the
// concatenated 20-byte SHA1 sum of each piece.
func calcPieceSums(blob io.Reader, pieceLength int64) (length int64, pieceSums []byte, err error) {
	if pieceLength <= 0 {
		return 0, nil, errors.New("piece length must be positive")
	}
	for {
		h := sha1.New()
		n, err := io.CopyN(h, blob, pieceLength)
		if err != nil && err != io.EOF {
			return 0, nil, fmt.Errorf("read blob: %s", err)
		}
		length += n
		if n == 0 {
			break
		}
		pieceSums = append(pieceSums, h.Sum(nil)...)
		if n < pieceLength {
			break
		}
	}
	return length, pieceSums, nil
}
