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
package dispatch

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/relayd/torrentd/internal/core"
	"github.com/relayd/torrentd/internal/torrent/scheduler/conn"
	"github.com/relayd/torrentd/internal/torrent/scheduler/dispatch/piecerequest"
	"github.com/relayd/torrentd/internal/torrent/storage"
	"github.com/relayd/torrentd/internal/utils/syncutil"

	"github.com/andres-erbsen/clock"
	"github.com/uber-go/tally"
	"github.com/willf/bitset"
	"go.uber.org/zap"
	"golang.org/x/sync/syncmap"
)

// Events defines Dispatcher events.
type Events interface {
	DispatcherComplete(*Dispatcher)
	PeerRemoved(core.PeerID, core.InfoHash)
	PieceComplete(core.InfoHash, int)
}

// Messages defines a subset of conn.Conn methods which Dispatcher requires to
// communicate with remote peers.
type Messages interface {
	Send(msg *conn.Message) error
	Receiver() <-chan *conn.Message
	Close()
}

// Dispatcher coordinates torrent state with sending / receiving messages
// between multiple peers, per the BEP 3 peer wire state machine and this
// engine's piece-selection / end-game policy. Dispatcher and Torrent have a
// one-to-one relationship, while Dispatcher and Conn have a one-to-many
// relationship.
type Dispatcher struct {
	config                Config
	stats                 tally.Scope
	clk                   clock.Clock
	createdAt             time.Time
	localPeerID           core.PeerID
	torrent               *torrentAccessWatcher
	peers                 syncmap.Map // core.PeerID -> *peer
	peerStats             syncmap.Map // core.PeerID -> *peerStats, persists on peer removal.
	numPeersByPiece       syncutil.Counters
	pieceRequestTimeout   time.Duration
	pieceRequestManager   *piecerequest.Manager
	pendingPiecesDoneOnce sync.Once
	pendingPiecesDone     chan struct{}
	completeOnce          sync.Once
	events                Events
	logger                *zap.SugaredLogger
}

// New creates a new Dispatcher.
func New(
	config Config,
	stats tally.Scope,
	clk clock.Clock,
	events Events,
	peerID core.PeerID,
	t storage.Torrent,
	logger *zap.SugaredLogger) (*Dispatcher, error) {

	d, err := newDispatcher(config, stats, clk, events, peerID, t, logger)
	if err != nil {
		return nil, err
	}

	// Exits when d.pendingPiecesDone is closed.
	go d.watchPendingPieceRequests()

	if t.Complete() {
		d.complete()
	}

	return d, nil
}

// newDispatcher creates a new Dispatcher with no side-effects for testing purposes.
func newDispatcher(
	config Config,
	stats tally.Scope,
	clk clock.Clock,
	events Events,
	peerID core.PeerID,
	t storage.Torrent,
	logger *zap.SugaredLogger) (*Dispatcher, error) {

	config = config.applyDefaults()

	stats = stats.Tagged(map[string]string{
		"module": "dispatch",
	})

	pieceRequestTimeout := config.calcPieceRequestTimeout(t.MaxPieceLength())
	pieceRequestManager, err := piecerequest.NewManager(
		clk, pieceRequestTimeout, config.PieceRequestPolicy, config.PipelineLimit)
	if err != nil {
		return nil, fmt.Errorf("piece request manager: %s", err)
	}

	return &Dispatcher{
		config:              config,
		stats:               stats,
		clk:                 clk,
		createdAt:           clk.Now(),
		localPeerID:         peerID,
		torrent:             newTorrentAccessWatcher(t, clk),
		numPeersByPiece:     syncutil.NewCounters(t.NumPieces()),
		pieceRequestTimeout: pieceRequestTimeout,
		pieceRequestManager: pieceRequestManager,
		pendingPiecesDone:   make(chan struct{}),
		events:              events,
		logger:              logger,
	}, nil
}

// InfoHash returns d's torrent hash.
func (d *Dispatcher) InfoHash() core.InfoHash {
	return d.torrent.InfoHash()
}

// Length returns d's torrent length.
func (d *Dispatcher) Length() int64 {
	return d.torrent.Length()
}

// Stat returns d's TorrentInfo.
func (d *Dispatcher) Stat() *storage.TorrentInfo {
	return d.torrent.Stat()
}

// Complete returns true if d's torrent is complete.
func (d *Dispatcher) Complete() bool {
	return d.torrent.Complete()
}

// CreatedAt returns when d was created.
func (d *Dispatcher) CreatedAt() time.Time {
	return d.createdAt
}

// LastGoodPieceReceived returns when d last received a valid and needed piece
// from peerID.
func (d *Dispatcher) LastGoodPieceReceived(peerID core.PeerID) time.Time {
	v, ok := d.peers.Load(peerID)
	if !ok {
		return time.Time{}
	}
	return v.(*peer).getLastGoodPieceReceived()
}

// LastPieceSent returns when d last sent a piece to peerID.
func (d *Dispatcher) LastPieceSent(peerID core.PeerID) time.Time {
	v, ok := d.peers.Load(peerID)
	if !ok {
		return time.Time{}
	}
	return v.(*peer).getLastPieceSent()
}

// LastReadTime returns when d's torrent was last read from.
func (d *Dispatcher) LastReadTime() time.Time {
	return d.torrent.getLastReadTime()
}

// LastWriteTime returns when d's torrent was last written to.
func (d *Dispatcher) LastWriteTime() time.Time {
	return d.torrent.getLastWriteTime()
}

// Empty returns true if the Dispatcher has no peers.
func (d *Dispatcher) Empty() bool {
	empty := true
	d.peers.Range(func(k, v interface{}) bool {
		empty = false
		return false
	})
	return empty
}

// AddPeer registers a new peer with the Dispatcher. Rate limiting and a
// reciprocity-based choke algorithm are out of scope, so every connected
// peer is unchoked immediately: we never refuse a piece request from a
// peer that has told us it is interested.
func (d *Dispatcher) AddPeer(
	peerID core.PeerID, b *bitset.BitSet, messages Messages) error {

	p, err := d.addPeer(peerID, b, messages)
	if err != nil {
		return err
	}
	if err := messages.Send(conn.NewUnchokeMessage()); err != nil {
		d.removePeer(p)
		return err
	}
	go d.maybeRequestMorePieces(p)
	go d.feed(p)
	return nil
}

// addPeer creates and inserts a new peer into the Dispatcher. Split from AddPeer
// with no goroutine side-effects for testing purposes.
func (d *Dispatcher) addPeer(
	peerID core.PeerID, b *bitset.BitSet, messages Messages) (*peer, error) {

	pstats := &peerStats{}
	if s, ok := d.peerStats.LoadOrStore(peerID, pstats); ok {
		pstats = s.(*peerStats)
	}

	p := newPeer(peerID, b, messages, d.clk, pstats)
	if _, ok := d.peers.LoadOrStore(peerID, p); ok {
		return nil, errors.New("peer already exists")
	}

	for _, i := range p.bitfield.GetAllSet() {
		d.numPeersByPiece.Increment(int(i))
	}
	return p, nil
}

func (d *Dispatcher) removePeer(p *peer) error {
	d.peers.Delete(p.id)
	d.pieceRequestManager.ClearPeer(p.id)

	for _, i := range p.bitfield.GetAllSet() {
		d.numPeersByPiece.Decrement(int(i))
	}
	return nil
}

// numConnectedPeers returns the number of peers currently connected, used by
// endgame to decide when remaining pieces are scarce relative to the swarm.
func (d *Dispatcher) numConnectedPeers() int {
	n := 0
	d.peers.Range(func(k, v interface{}) bool {
		n++
		return true
	})
	return n
}

// TearDown closes all Dispatcher connections.
func (d *Dispatcher) TearDown() {
	d.pendingPiecesDoneOnce.Do(func() {
		close(d.pendingPiecesDone)
	})

	d.peers.Range(func(k, v interface{}) bool {
		p := v.(*peer)
		d.log("peer", p).Info("Dispatcher teardown closing connection")
		p.messages.Close()
		return true
	})

	d.peerStats.Range(func(k, v interface{}) bool {
		peerID := k.(core.PeerID)
		pstats := v.(*peerStats)
		d.stats.Tagged(map[string]string{"peer": peerID.String()}).Gauge("requests_received").Update(
			float64(pstats.getPieceRequestsReceived()))
		d.stats.Tagged(map[string]string{"peer": peerID.String()}).Gauge("pieces_sent").Update(
			float64(pstats.getPiecesSent()))
		return true
	})
}

func (d *Dispatcher) String() string {
	return fmt.Sprintf("Dispatcher(%s)", d.torrent)
}

func (d *Dispatcher) complete() {
	d.completeOnce.Do(func() { go d.events.DispatcherComplete(d) })
	d.pendingPiecesDoneOnce.Do(func() { close(d.pendingPiecesDone) })

	d.peers.Range(func(k, v interface{}) bool {
		p := v.(*peer)
		if p.bitfield.Complete() {
			// Close connections to other completed peers since those connections
			// are now useless.
			d.log("peer", p).Info("Closing connection to completed peer")
			p.messages.Close()
		}
		return true
	})

	var piecesRequestedTotal int
	d.peerStats.Range(func(k, v interface{}) bool {
		pstats := v.(*peerStats)
		piecesRequestedTotal += pstats.getPieceRequestsSent()
		return true
	})
	d.stats.Gauge("pieces_requested_total").Update(float64(piecesRequestedTotal))
}

// endgame reports whether d should enter end-game mode: the number of
// remaining pieces has dropped below the number of connected peers, so the
// same piece may be requested from multiple peers simultaneously.
func (d *Dispatcher) endgame() bool {
	if d.config.DisableEndgame {
		return false
	}
	remaining := d.torrent.NumPieces() - int(d.torrent.Bitfield().Count())
	return remaining < d.numConnectedPeers()
}

func (d *Dispatcher) maybeRequestMorePieces(p *peer) (bool, error) {
	if p.isChoked() {
		return false, nil
	}

	candidates := p.bitfield.Intersection(d.torrent.Bitfield().Complement())

	return d.maybeSendPieceRequests(p, candidates)
}

func (d *Dispatcher) maybeSendPieceRequests(p *peer, candidates *bitset.BitSet) (bool, error) {
	if p.isChoked() {
		return false, nil
	}

	pieces, err := d.pieceRequestManager.ReservePieces(p.id, candidates, d.numPeersByPiece, d.endgame())
	if err != nil {
		return false, err
	}
	if len(pieces) == 0 {
		return false, nil
	}
	for _, i := range pieces {
		length := int(d.torrent.PieceLength(i))
		if err := p.messages.Send(conn.NewInterestedMessage()); err != nil {
			d.pieceRequestManager.MarkUnsent(p.id, i)
			return false, err
		}
		if err := p.messages.Send(conn.NewRequestMessage(i, 0, length)); err != nil {
			// Connection closed.
			d.pieceRequestManager.MarkUnsent(p.id, i)
			return false, err
		}
		d.stats.Counter("piece_requests_sent").Inc(1)
		p.pstats.incrementPieceRequestsSent()
	}
	return true, nil
}

func (d *Dispatcher) resendFailedPieceRequests() {
	failedRequests := d.pieceRequestManager.GetFailedRequests()
	if len(failedRequests) > 0 {
		d.log().Infof("Resending %d failed piece requests", len(failedRequests))
		d.stats.Counter("piece_request_failures").Inc(int64(len(failedRequests)))
	}

	var sent int
	for _, r := range failedRequests {
		d.peers.Range(func(k, v interface{}) bool {
			p := v.(*peer)
			if (r.Status == piecerequest.StatusExpired || r.Status == piecerequest.StatusInvalid) &&
				r.PeerID == p.id {
				// Do not resend to the same peer for expired or invalid requests.
				return true
			}

			b := d.torrent.Bitfield()
			candidates := p.bitfield.Intersection(b.Complement())
			if candidates.Test(uint(r.Piece)) {
				nb := bitset.New(b.Len()).Set(uint(r.Piece))
				if ok, err := d.maybeSendPieceRequests(p, nb); ok && err == nil {
					sent++
					return false
				}
			}
			return true
		})
	}

	unsent := len(failedRequests) - sent
	if unsent > 0 {
		d.log().Infof("Nowhere to resend %d / %d failed piece requests", unsent, len(failedRequests))
	}
}

func (d *Dispatcher) watchPendingPieceRequests() {
	for {
		select {
		case <-d.clk.After(d.pieceRequestTimeout / 2):
			d.resendFailedPieceRequests()
		case <-d.pendingPiecesDone:
			return
		}
	}
}

// feed reads off of peer and handles incoming messages. When peer's messages close,
// the feed goroutine removes peer from the Dispatcher and exits.
func (d *Dispatcher) feed(p *peer) {
	for msg := range p.messages.Receiver() {
		if err := d.dispatch(p, msg); err != nil {
			d.log().Errorf("Error dispatching message: %s", err)
		}
	}
	d.removePeer(p)
	d.events.PeerRemoved(p.id, d.torrent.InfoHash())
}

// dispatch routes an incoming wire message to its handler, per the BEP 3
// peer wire state machine. A nil msg is a keep-alive and requires no action.
func (d *Dispatcher) dispatch(p *peer, msg *conn.Message) error {
	if msg == nil {
		return nil
	}
	switch msg.Type {
	case conn.Choke:
		p.setChoked(true)
	case conn.Unchoke:
		p.setChoked(false)
		d.maybeRequestMorePieces(p)
	case conn.Interested:
		p.setInterested(true)
	case conn.NotInterested:
		p.setInterested(false)
	case conn.Have:
		d.handleHave(p, msg.Index)
	case conn.Bitfield:
		d.handleBitfield(p)
	case conn.Request:
		d.handlePieceRequest(p, msg.Index, msg.Begin, msg.Length)
	case conn.Piece:
		d.handlePiecePayload(p, msg.Index, msg.Begin, newBlockReader(msg.Block))
	case conn.Cancel:
		d.handleCancelPiece(p, msg.Index)
	case conn.Port:
		// DHT not implemented; ignore.
	default:
		return fmt.Errorf("unknown message type: %d", msg.Type)
	}
	return nil
}

func (d *Dispatcher) handleHave(p *peer, i int) {
	if i >= d.torrent.NumPieces() {
		d.log().Errorf("Have out of bounds: %d >= %d", i, d.torrent.NumPieces())
		return
	}
	p.bitfield.Set(uint(i), true)
	d.numPeersByPiece.Increment(i)

	d.maybeRequestMorePieces(p)
}

func (d *Dispatcher) isFullPiece(i, offset, length int) bool {
	return offset == 0 && length == int(d.torrent.PieceLength(i))
}

func (d *Dispatcher) handlePieceRequest(p *peer, i, offset, length int) {
	p.pstats.incrementPieceRequestsReceived()

	if !p.isInterested() {
		d.log("peer", p, "piece", i).Error("Rejecting piece request: peer not marked interested")
		return
	}
	if !d.isFullPiece(i, offset, length) {
		d.log("peer", p, "piece", i).Error("Rejecting piece request: chunk not supported")
		return
	}

	payload, err := d.torrent.GetPieceReader(i)
	if err != nil {
		d.log("peer", p, "piece", i).Errorf("Error getting reader for requested piece: %s", err)
		return
	}

	if err := p.messages.Send(conn.NewPiecePayloadMessage(i, 0, payload)); err != nil {
		return
	}

	p.touchLastPieceSent()
	p.pstats.incrementPiecesSent()
}

func (d *Dispatcher) handlePiecePayload(p *peer, i, offset int, payload storage.PieceReader) {
	defer payload.Close()

	if !d.isFullPiece(i, offset, payload.Length()) {
		d.log("peer", p, "piece", i).Error("Rejecting piece payload: chunk not supported")
		d.pieceRequestManager.MarkInvalid(p.id, i)
		return
	}

	if err := d.torrent.WritePiece(payload, i); err != nil {
		if err != storage.ErrPieceComplete {
			d.log("peer", p, "piece", i).Errorf("Error writing piece payload: %s", err)
			d.pieceRequestManager.MarkInvalid(p.id, i)
		} else {
			p.pstats.incrementDuplicatePiecesReceived()
		}
		return
	}

	d.stats.Counter("pieces_received").Inc(1)
	d.events.PieceComplete(d.torrent.InfoHash(), i)

	p.pstats.incrementGoodPiecesReceived()
	p.touchLastGoodPieceReceived()
	if d.torrent.Complete() {
		d.complete()
	}

	d.pieceRequestManager.Clear(i)

	d.maybeRequestMorePieces(p)

	d.peers.Range(func(k, v interface{}) bool {
		if k.(core.PeerID) == p.id {
			return true
		}
		pp := v.(*peer)
		pp.messages.Send(conn.NewHaveMessage(i))
		return true
	})
}

func (d *Dispatcher) handleCancelPiece(p *peer, i int) {
	// No-op: cancelling not supported because all received messages are synchronized,
	// therefore if we receive a cancel it is already too late -- we've already read
	// the piece.
}

// handleBitfield handles a Bitfield frame arriving outside the handshake.
// Per BEP 3, Bitfield is only legal as the very first post-handshake frame,
// which the Handshaker consumes directly; any later Bitfield is a protocol
// violation.
func (d *Dispatcher) handleBitfield(p *peer) {
	d.log("peer", p).Error("Unexpected bitfield message from established conn, closing")
	p.messages.Close()
}

func (d *Dispatcher) log(args ...interface{}) *zap.SugaredLogger {
	args = append(args, "torrent", d.torrent)
	return d.logger.With(args...)
}
