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

// Package announceclient implements the tracker side of the announce loop:
// given a torrent descriptor's announce tiers, it speaks whichever wire
// protocol a tier's URL scheme selects -- bencoded HTTP (BEP 3) or binary
// UDP (BEP 15) -- and returns the peer list handed back by whichever
// tracker answers first.
package announceclient

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"time"

	"github.com/relayd/torrentd/internal/core"
)

// Event mirrors the BEP 3 "event" announce parameter.
type Event int

// Announce events. EventNone is sent on ordinary interval announces.
const (
	EventNone Event = iota
	EventStarted
	EventCompleted
	EventStopped
)

func (e Event) String() string {
	switch e {
	case EventStarted:
		return "started"
	case EventCompleted:
		return "completed"
	case EventStopped:
		return "stopped"
	default:
		return ""
	}
}

// Params carries the fields of a single announce request, per BEP 3's
// tracker request parameters and the UDP analogue in BEP 15.
type Params struct {
	MetaInfo   *core.MetaInfo
	PeerID     core.PeerID
	Port       int
	Uploaded   int64
	Downloaded int64
	Left       int64
	Event      Event
}

// Response carries the fields of a single announce reply.
type Response struct {
	Interval time.Duration
	Peers    []*core.PeerInfo
}

// ErrNoAnnounceURL is returned when a torrent descriptor carries no announce
// URL at all.
var ErrNoAnnounceURL = errors.New("torrent has no announce url")

// ErrUnsupportedScheme is returned when an announce URL's scheme is neither
// http(s) nor udp.
type ErrUnsupportedScheme struct {
	Scheme string
}

func (e ErrUnsupportedScheme) Error() string {
	return fmt.Sprintf("unsupported announce url scheme: %q", e.Scheme)
}

// Client defines a client capable of announcing a torrent to its trackers.
type Client interface {
	Announce(ctx context.Context, p *Params) (*Response, error)
}

// tier is one of a torrent's fallback announce tiers, per BEP 12. Trackers
// within a tier are tried in order. Tiers are rebuilt from the MetaInfo on
// every Announce, so a tracker that succeeds is not remembered as preferred
// for later announces.
type tier struct {
	urls []string
}

type client struct {
	config Config
	http   *httpTracker
	udp    *udpTracker
}

// New creates a new Client using config.
func New(config Config) Client {
	config = config.applyDefaults()
	return &client{
		config: config,
		http:   newHTTPTracker(config),
		udp:    newUDPTracker(config),
	}
}

// Default creates a new Client with default configuration.
func Default() Client {
	return New(Config{})
}

func tiersFor(mi *core.MetaInfo) []*tier {
	var tiers []*tier
	if list := mi.AnnounceList(); len(list) > 0 {
		for _, urls := range list {
			if len(urls) == 0 {
				continue
			}
			t := &tier{urls: append([]string(nil), urls...)}
			tiers = append(tiers, t)
		}
	}
	if len(tiers) == 0 && mi.Announce() != "" {
		tiers = append(tiers, &tier{urls: []string{mi.Announce()}})
	}
	return tiers
}

// Announce walks p.MetaInfo's announce tiers in order, trying every tracker
// within a tier before falling through to the next tier. The response of the
// first tracker to answer successfully is returned. The tiers are rebuilt
// from p.MetaInfo on each call, so the next Announce starts again from the
// first URL of the first tier.
func (c *client) Announce(ctx context.Context, p *Params) (*Response, error) {
	tiers := tiersFor(p.MetaInfo)
	if len(tiers) == 0 {
		return nil, ErrNoAnnounceURL
	}

	var lastErr error
	for _, t := range tiers {
		for i, rawurl := range t.urls {
			resp, err := c.announceOne(ctx, rawurl, p)
			if err != nil {
				lastErr = err
				continue
			}
			if i != 0 {
				t.urls[0], t.urls[i] = t.urls[i], t.urls[0]
			}
			return resp, nil
		}
	}
	return nil, lastErr
}

func (c *client) announceOne(ctx context.Context, rawurl string, p *Params) (*Response, error) {
	u, err := url.Parse(rawurl)
	if err != nil {
		return nil, fmt.Errorf("parse announce url %q: %s", rawurl, err)
	}
	switch u.Scheme {
	case "http", "https":
		return c.http.announce(ctx, u, p)
	case "udp":
		return c.udp.announce(ctx, u, p)
	default:
		return nil, ErrUnsupportedScheme{Scheme: u.Scheme}
	}
}
