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
	"encoding/binary"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/relayd/torrentd/internal/core"
	"github.com/jackpal/bencode-go"
)

type httpTracker struct {
	config Config
	client *http.Client
}

func newHTTPTracker(config Config) *httpTracker {
	return &httpTracker{
		config: config,
		client: &http.Client{Timeout: config.HTTPTimeout},
	}
}

// httpAnnounceResponse is the bencoded dictionary a BEP 3 HTTP tracker
// returns. Peers is polymorphic: either a bencoded list of dictionaries, or
// a single "compact" byte string of 6-byte (ipv4+port) records. bencode-go
// cannot decode a field into either shape directly, so Peers is first
// decoded into RawMessage-equivalent bytes and re-parsed based on shape.
type httpAnnounceResponse struct {
	FailureReason string      `bencode:"failure reason"`
	Interval      int64       `bencode:"interval"`
	Peers         interface{} `bencode:"peers"`
}

func (t *httpTracker) announce(ctx context.Context, u *url.URL, p *Params) (*Response, error) {
	q := u.Query()
	q.Set("info_hash", string(p.MetaInfo.InfoHash().Bytes()))
	q.Set("peer_id", string(p.PeerID.Bytes()))
	q.Set("port", strconv.Itoa(p.Port))
	q.Set("uploaded", strconv.FormatInt(p.Uploaded, 10))
	q.Set("downloaded", strconv.FormatInt(p.Downloaded, 10))
	q.Set("left", strconv.FormatInt(p.Left, 10))
	q.Set("compact", "1")
	if e := p.Event.String(); e != "" {
		q.Set("event", e)
	}
	reqURL := *u
	reqURL.RawQuery = q.Encode()

	req, err := http.NewRequest(http.MethodGet, reqURL.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("new request: %s", err)
	}
	req = req.WithContext(ctx)

	resp, err := t.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("http tracker request: %s", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("http tracker returned status %d", resp.StatusCode)
	}

	var b httpAnnounceResponse
	if err := bencode.Unmarshal(resp.Body, &b); err != nil {
		return nil, fmt.Errorf("decode announce response: %s", err)
	}
	if b.FailureReason != "" {
		return nil, fmt.Errorf("tracker failure: %s", b.FailureReason)
	}

	peers, err := decodeHTTPPeers(b.Peers)
	if err != nil {
		return nil, fmt.Errorf("decode peers: %s", err)
	}

	return &Response{
		Interval: time.Duration(b.Interval) * time.Second,
		Peers:    peers,
	}, nil
}

// decodeHTTPPeers normalizes either compact (single byte string of 6-byte
// records) or non-compact (list of {ip, port, peer id} dictionaries) peer
// encodings into PeerInfo values.
func decodeHTTPPeers(raw interface{}) ([]*core.PeerInfo, error) {
	switch v := raw.(type) {
	case string:
		return decodeCompactPeers([]byte(v))
	case []interface{}:
		var peers []*core.PeerInfo
		for _, item := range v {
			d, ok := item.(map[string]interface{})
			if !ok {
				return nil, fmt.Errorf("peer entry is not a dictionary: %T", item)
			}
			ip, _ := d["ip"].(string)
			port, _ := toInt64(d["port"])
			peerID, _ := d["peer id"].(string)
			id, err := core.NewPeerIDFromBytes([]byte(peerID))
			if err != nil {
				// Non-compact peer id is optional; fall back to a zero id.
				id = core.PeerID{}
			}
			peers = append(peers, core.NewPeerInfo(id, ip, int(port), false, false))
		}
		return peers, nil
	case nil:
		return nil, nil
	default:
		return nil, fmt.Errorf("unrecognized peers encoding: %T", raw)
	}
}

func toInt64(v interface{}) (int64, bool) {
	switch n := v.(type) {
	case int64:
		return n, true
	case int:
		return int64(n), true
	default:
		return 0, false
	}
}

// decodeCompactPeers parses a BEP 23 compact peer string: a flat sequence of
// 6-byte records, each a 4-byte IPv4 address followed by a 2-byte big-endian
// port.
func decodeCompactPeers(b []byte) ([]*core.PeerInfo, error) {
	const recordLen = 6
	if len(b)%recordLen != 0 {
		return nil, fmt.Errorf("compact peers: length %d not a multiple of %d", len(b), recordLen)
	}
	var peers []*core.PeerInfo
	for i := 0; i < len(b); i += recordLen {
		ip := net.IP(b[i : i+4]).String()
		port := binary.BigEndian.Uint16(b[i+4 : i+6])
		peers = append(peers, core.NewPeerInfo(core.PeerID{}, ip, int(port), false, false))
	}
	return peers, nil
}
