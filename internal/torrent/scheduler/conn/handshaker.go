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
package conn

import (
	"errors"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/relayd/torrentd/internal/core"
	"github.com/relayd/torrentd/internal/torrent/storage"
	"github.com/relayd/torrentd/internal/utils/bandwidth"

	"github.com/andres-erbsen/clock"
	"github.com/uber-go/tally"
	"github.com/willf/bitset"
	"go.uber.org/zap"
)

// protocolMagic is the fixed protocol identifier string sent as part of
// every handshake, per BEP 3.
const protocolMagic = "BitTorrent protocol"

// handshakeLen is the fixed length of a BEP 3 handshake: 1 (pstrlen) + 19
// (pstr) + 8 (reserved) + 20 (info hash) + 20 (peer id) = 68.
const handshakeLen = 1 + len(protocolMagic) + 8 + 20 + 20

// handshake is the bit-exact BEP 3 handshake record: protocol magic, 8
// reserved bytes, info-hash, peer id.
type handshake struct {
	infoHash core.InfoHash
	peerID   core.PeerID
}

func (h *handshake) marshal() []byte {
	b := make([]byte, 0, handshakeLen)
	b = append(b, byte(len(protocolMagic)))
	b = append(b, []byte(protocolMagic)...)
	b = append(b, make([]byte, 8)...) // reserved
	b = append(b, h.infoHash.Bytes()...)
	b = append(b, h.peerID.Bytes()...)
	return b
}

func unmarshalHandshake(b []byte) (*handshake, error) {
	if len(b) != handshakeLen {
		return nil, fmt.Errorf("expected %d byte handshake, got %d", handshakeLen, len(b))
	}
	pstrlen := int(b[0])
	if pstrlen != len(protocolMagic) || string(b[1:1+pstrlen]) != protocolMagic {
		return nil, errors.New("unrecognized protocol magic")
	}
	rest := b[1+pstrlen:]
	ih, err := core.NewInfoHashFromRawBytes(rest[8:28])
	if err != nil {
		return nil, fmt.Errorf("info hash: %s", err)
	}
	peerID, err := core.NewPeerIDFromBytes(rest[28:48])
	if err != nil {
		return nil, fmt.Errorf("peer id: %s", err)
	}
	return &handshake{infoHash: ih, peerID: peerID}, nil
}

func sendHandshakeWithTimeout(nc net.Conn, h *handshake, timeout time.Duration) error {
	if err := nc.SetWriteDeadline(time.Now().Add(timeout)); err != nil {
		return fmt.Errorf("set write deadline: %s", err)
	}
	_, err := nc.Write(h.marshal())
	return err
}

func readHandshakeWithTimeout(nc net.Conn, timeout time.Duration) (*handshake, error) {
	if err := nc.SetReadDeadline(time.Now().Add(timeout)); err != nil {
		return nil, fmt.Errorf("set read deadline: %s", err)
	}
	b := make([]byte, handshakeLen)
	if _, err := io.ReadFull(nc, b); err != nil {
		return nil, fmt.Errorf("read handshake: %s", err)
	}
	return unmarshalHandshake(b)
}

// PendingConn represents a half-opened connection that has completed the
// 68-byte handshake exchange but has not yet exchanged bitfields.
type PendingConn struct {
	handshake *handshake
	nc        net.Conn
}

// PeerID returns the remote peer id.
func (pc *PendingConn) PeerID() core.PeerID {
	return pc.handshake.peerID
}

// InfoHash returns the info hash of the torrent the remote peer wants to open.
func (pc *PendingConn) InfoHash() core.InfoHash {
	return pc.handshake.infoHash
}

// Close closes the connection.
func (pc *PendingConn) Close() {
	pc.nc.Close()
}

// HandshakeResult wraps data returned from a successful handshake, including
// the remote peer's initial bitfield (BEP 3: Bitfield must be the first
// frame sent if sent at all).
type HandshakeResult struct {
	Conn     *Conn
	Bitfield *bitset.BitSet
}

// Handshaker defines the handshake protocol for establishing connections to
// other peers: BEP 3's fixed 68-byte handshake, immediately followed by an
// optional Bitfield frame.
type Handshaker struct {
	config    Config
	stats     tally.Scope
	clk       clock.Clock
	bandwidth *bandwidth.Limiter
	peerID    core.PeerID
	events    Events
	logger    *zap.SugaredLogger
}

// NewHandshaker creates a new Handshaker.
func NewHandshaker(
	config Config,
	stats tally.Scope,
	clk clock.Clock,
	peerID core.PeerID,
	events Events,
	logger *zap.SugaredLogger) (*Handshaker, error) {

	config = config.applyDefaults()

	stats = stats.Tagged(map[string]string{
		"module": "conn",
	})

	bl := bandwidth.NewLimiter(config.Bandwidth, logger)

	return &Handshaker{
		config:    config,
		stats:     stats,
		clk:       clk,
		bandwidth: bl,
		peerID:    peerID,
		events:    events,
		logger:    logger,
	}, nil
}

// Accept reads an inbound 68-byte handshake from a freshly accepted socket
// and upgrades it into a PendingConn: the caller looks up the matching
// engine by info-hash before completing the handshake.
func (h *Handshaker) Accept(nc net.Conn) (*PendingConn, error) {
	hs, err := readHandshakeWithTimeout(nc, h.config.HandshakeTimeout)
	if err != nil {
		return nil, fmt.Errorf("read handshake: %s", err)
	}
	return &PendingConn{hs, nc}, nil
}

// Establish completes the inbound side of a handshake: send our own 68-byte
// handshake reply, then our Bitfield, then read the remote's Bitfield.
func (h *Handshaker) Establish(
	pc *PendingConn,
	info *storage.TorrentInfo) (*HandshakeResult, error) {

	reply := &handshake{infoHash: info.InfoHash(), peerID: h.peerID}
	if err := sendHandshakeWithTimeout(pc.nc, reply, h.config.HandshakeTimeout); err != nil {
		return nil, fmt.Errorf("send handshake: %s", err)
	}
	if err := sendMessageWithTimeout(pc.nc, NewBitfieldMessage(bitfieldBytes(info.Bitfield())), h.config.HandshakeTimeout); err != nil {
		return nil, fmt.Errorf("send bitfield: %s", err)
	}
	remote, err := readRemoteBitfield(pc.nc, h.config.HandshakeTimeout)
	if err != nil {
		return nil, fmt.Errorf("read remote bitfield: %s", err)
	}
	c, err := h.newConn(pc.nc, pc.handshake.peerID, info, true)
	if err != nil {
		return nil, fmt.Errorf("new conn: %s", err)
	}
	return &HandshakeResult{c, remote}, nil
}

// Initialize dials addr and performs the outbound side of the handshake:
// send our handshake, read the reply, verify info-hash, exchange bitfields.
func (h *Handshaker) Initialize(
	peerID core.PeerID,
	addr string,
	info *storage.TorrentInfo) (*HandshakeResult, error) {

	nc, err := net.DialTimeout("tcp", addr, h.config.HandshakeTimeout)
	if err != nil {
		return nil, fmt.Errorf("dial: %s", err)
	}
	r, err := h.fullHandshake(nc, peerID, info)
	if err != nil {
		nc.Close()
		return nil, err
	}
	return r, nil
}

func (h *Handshaker) fullHandshake(
	nc net.Conn,
	peerID core.PeerID,
	info *storage.TorrentInfo) (*HandshakeResult, error) {

	ours := &handshake{infoHash: info.InfoHash(), peerID: h.peerID}
	if err := sendHandshakeWithTimeout(nc, ours, h.config.HandshakeTimeout); err != nil {
		return nil, fmt.Errorf("send handshake: %s", err)
	}
	hs, err := readHandshakeWithTimeout(nc, h.config.HandshakeTimeout)
	if err != nil {
		return nil, fmt.Errorf("read handshake: %s", err)
	}
	if hs.infoHash != info.InfoHash() {
		return nil, errors.New("handshake mismatch: unexpected info hash")
	}
	if hs.peerID != peerID {
		return nil, errors.New("unexpected peer id")
	}
	if err := sendMessageWithTimeout(nc, NewBitfieldMessage(bitfieldBytes(info.Bitfield())), h.config.HandshakeTimeout); err != nil {
		return nil, fmt.Errorf("send bitfield: %s", err)
	}
	remote, err := readRemoteBitfield(nc, h.config.HandshakeTimeout)
	if err != nil {
		return nil, fmt.Errorf("read remote bitfield: %s", err)
	}
	c, err := h.newConn(nc, peerID, info, false)
	if err != nil {
		return nil, fmt.Errorf("new conn: %s", err)
	}
	return &HandshakeResult{c, remote}, nil
}

// readRemoteBitfield reads the first post-handshake frame. Per BEP 3,
// Bitfield MUST be the first frame if sent at all; a peer with nothing to offer may
// omit it entirely and proceed directly to steady-state traffic, so a
// non-Bitfield first frame is treated as "peer has nothing" rather than a
// protocol violation at this stage.
func readRemoteBitfield(nc net.Conn, timeout time.Duration) (*bitset.BitSet, error) {
	m, err := readMessageWithTimeout(nc, timeout)
	if err != nil {
		return bitset.New(0), nil
	}
	if m == nil || m.Type != Bitfield {
		return bitset.New(0), nil
	}
	bf := bitset.New(0)
	if err := bf.UnmarshalBinary(m.BitfieldBytes); err != nil {
		return nil, err
	}
	return bf, nil
}

func bitfieldBytes(bf *bitset.BitSet) []byte {
	b, err := bf.MarshalBinary()
	if err != nil {
		return nil
	}
	return b
}

func (h *Handshaker) newConn(
	nc net.Conn,
	peerID core.PeerID,
	info *storage.TorrentInfo,
	openedByRemote bool) (*Conn, error) {

	return newConn(
		h.config,
		h.stats,
		h.clk,
		h.bandwidth,
		h.events,
		nc,
		h.peerID,
		peerID,
		info,
		openedByRemote,
		h.logger)
}
