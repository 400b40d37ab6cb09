package conn

import (
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/relayd/torrentd/internal/core"

	"github.com/willf/bitset"
	"go.uber.org/zap"
)

// FakePeer is a testing utility which reciprocates handshakes against
// arbitrary incoming connections, parroting back the requested torrent but
// with an empty bitfield (so no pieces are requested).
//
// Useful for initializing real Conns against a motionless peer.
type FakePeer struct {
	listener net.Listener

	id   core.PeerID
	ip   string
	port int

	msgTimeout time.Duration
}

// NewFakePeer creates and starts a new FakePeer.
func NewFakePeer() (*FakePeer, error) {
	l, err := net.Listen("tcp", "localhost:0")
	if err != nil {
		return nil, err
	}
	ip, portStr, err := net.SplitHostPort(l.Addr().String())
	if err != nil {
		return nil, err
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return nil, err
	}
	p := &FakePeer{
		listener:   l,
		id:         core.PeerIDFixture(),
		ip:         ip,
		port:       port,
		msgTimeout: 5 * time.Second,
	}
	go func() {
		err := p.handshakeConns()
		zap.S().Infof("Fake peer exiting: %s", err)
	}()
	return p, nil
}

// PeerID returns the peer's PeerID.
func (p *FakePeer) PeerID() core.PeerID {
	return p.id
}

// Addr returns the ip:port of the peer.
func (p *FakePeer) Addr() string {
	return fmt.Sprintf("%s:%d", p.ip, p.port)
}

// PeerInfo returns the peers' PeerInfo.
func (p *FakePeer) PeerInfo() *core.PeerInfo {
	return core.NewPeerInfo(p.id, p.ip, p.port, false, false)
}

// Close shuts down the peer.
func (p *FakePeer) Close() {
	p.listener.Close()
}

func (p *FakePeer) handshakeConns() error {
	for {
		nc, err := p.listener.Accept()
		if err != nil {
			return err
		}
		req, err := readHandshakeWithTimeout(nc, p.msgTimeout)
		if err != nil {
			return err
		}
		resp := &handshake{peerID: p.id, infoHash: req.infoHash}
		if err := sendHandshakeWithTimeout(nc, resp, p.msgTimeout); err != nil {
			return err
		}
		// Oh darn, we have no pieces! Reply with an empty bitfield of the same
		// length as the one the requester sent.
		empty := bitset.New(0)
		m, err := readMessageWithTimeout(nc, p.msgTimeout)
		if err != nil {
			return err
		}
		if m != nil && m.Type == Bitfield {
			if err := empty.UnmarshalBinary(m.BitfieldBytes); err != nil {
				return err
			}
			empty.ClearAll()
		}
		if err := sendMessageWithTimeout(nc, NewBitfieldMessage(bitfieldBytes(empty)), p.msgTimeout); err != nil {
			return err
		}
	}
}
