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
package announceclient

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"net"
	"net/url"
	"sync"
	"time"
)

// protocolID is the BEP 15 magic connect constant.
const protocolID uint64 = 0x41727101980

const (
	actionConnect  uint32 = 0
	actionAnnounce uint32 = 1
	actionError    uint32 = 3
)

// connIDTTL is how long a connection id returned by a connect exchange
// remains valid for subsequent announces, per BEP 15.
const connIDTTL = 60 * time.Second

type connIDEntry struct {
	id        uint64
	expiresAt time.Time
}

// udpTracker implements the BEP 15 connect/announce dialog. A conn_id is
// cached per tracker address for connIDTTL, avoiding a redundant connect
// round trip on every announce.
type udpTracker struct {
	config Config

	mu      sync.Mutex
	connIDs map[string]connIDEntry
}

func newUDPTracker(config Config) *udpTracker {
	return &udpTracker{
		config:  config,
		connIDs: make(map[string]connIDEntry),
	}
}

func randomTxnID() (uint32, error) {
	var b [4]byte
	if _, err := rand.Read(b[:]); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint32(b[:]), nil
}

func (t *udpTracker) announce(ctx context.Context, u *url.URL, p *Params) (*Response, error) {
	addr, err := net.ResolveUDPAddr("udp", u.Host)
	if err != nil {
		return nil, fmt.Errorf("resolve udp addr: %s", err)
	}
	nc, err := net.DialUDP("udp", nil, addr)
	if err != nil {
		return nil, fmt.Errorf("dial udp: %s", err)
	}
	defer nc.Close()

	connID, err := t.getConnID(ctx, nc, u.Host)
	if err != nil {
		return nil, fmt.Errorf("connect: %s", err)
	}

	txnID, err := randomTxnID()
	if err != nil {
		return nil, err
	}

	req := make([]byte, 98)
	binary.BigEndian.PutUint64(req[0:8], connID)
	binary.BigEndian.PutUint32(req[8:12], actionAnnounce)
	binary.BigEndian.PutUint32(req[12:16], txnID)
	copy(req[16:36], p.MetaInfo.InfoHash().Bytes())
	copy(req[36:56], p.PeerID.Bytes())
	binary.BigEndian.PutUint64(req[56:64], uint64(p.Downloaded))
	binary.BigEndian.PutUint64(req[64:72], uint64(p.Left))
	binary.BigEndian.PutUint64(req[72:80], uint64(p.Uploaded))
	binary.BigEndian.PutUint32(req[80:84], uint32(p.Event))
	binary.BigEndian.PutUint32(req[84:88], 0) // IP: 0 means "use the sender's address".
	binary.BigEndian.PutUint32(req[88:92], txnID) // Key: reuse the transaction id as a stable-enough value.
	binary.BigEndian.PutUint32(req[92:96], uint32(0xffffffff)) // num_want: no preference.
	binary.BigEndian.PutUint16(req[96:98], uint16(p.Port))

	resp, err := t.roundTrip(ctx, nc, req, actionAnnounce, txnID)
	if err != nil {
		return nil, fmt.Errorf("announce: %s", err)
	}
	if len(resp) < 20 {
		return nil, fmt.Errorf("announce response too short: %d bytes", len(resp))
	}

	interval := binary.BigEndian.Uint32(resp[8:12])
	peers, err := decodeCompactPeers(resp[20:])
	if err != nil {
		return nil, fmt.Errorf("decode peers: %s", err)
	}

	return &Response{
		Interval: time.Duration(interval) * time.Second,
		Peers:    peers,
	}, nil
}

func (t *udpTracker) getConnID(ctx context.Context, nc *net.UDPConn, addr string) (uint64, error) {
	t.mu.Lock()
	entry, ok := t.connIDs[addr]
	t.mu.Unlock()
	if ok && time.Now().Before(entry.expiresAt) {
		return entry.id, nil
	}

	txnID, err := randomTxnID()
	if err != nil {
		return 0, err
	}

	req := make([]byte, 16)
	binary.BigEndian.PutUint64(req[0:8], protocolID)
	binary.BigEndian.PutUint32(req[8:12], actionConnect)
	binary.BigEndian.PutUint32(req[12:16], txnID)

	resp, err := t.roundTrip(ctx, nc, req, actionConnect, txnID)
	if err != nil {
		return 0, err
	}
	if len(resp) < 16 {
		return 0, fmt.Errorf("connect response too short: %d bytes", len(resp))
	}
	connID := binary.BigEndian.Uint64(resp[8:16])

	t.mu.Lock()
	t.connIDs[addr] = connIDEntry{id: connID, expiresAt: time.Now().Add(connIDTTL)}
	t.mu.Unlock()

	return connID, nil
}

// roundTrip sends req and waits for a reply whose action and transaction id
// match, per BEP 15 ("Requests matches replies... by TransactionID"). The
// per-attempt timeout doubles starting at config.UDPMinTimeout, up to
// config.UDPMaxAttempts tries, after which the tracker is abandoned.
func (t *udpTracker) roundTrip(
	ctx context.Context, nc *net.UDPConn, req []byte, wantAction, wantTxnID uint32) ([]byte, error) {

	timeout := t.config.UDPMinTimeout
	buf := make([]byte, 4096)

	for attempt := 0; attempt < t.config.UDPMaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if _, err := nc.Write(req); err != nil {
			return nil, fmt.Errorf("write: %s", err)
		}
		if err := nc.SetReadDeadline(time.Now().Add(timeout)); err != nil {
			return nil, fmt.Errorf("set read deadline: %s", err)
		}

		for {
			n, err := nc.Read(buf)
			if err != nil {
				if ne, ok := err.(net.Error); ok && ne.Timeout() {
					break // Retry with a doubled timeout.
				}
				return nil, fmt.Errorf("read: %s", err)
			}
			if n < 8 {
				continue // Too short to carry action+txn_id; discard and keep reading.
			}
			action := binary.BigEndian.Uint32(buf[0:4])
			txnID := binary.BigEndian.Uint32(buf[4:8])
			if txnID != wantTxnID {
				continue // Mismatched reply; discard per BEP 15.
			}
			if action == actionError {
				return nil, fmt.Errorf("tracker error: %s", string(buf[8:n]))
			}
			if action != wantAction {
				continue
			}
			out := make([]byte, n)
			copy(out, buf[:n])
			return out, nil
		}

		timeout *= 2
	}

	return nil, fmt.Errorf("udp tracker: exceeded %d attempts", t.config.UDPMaxAttempts)
}
