// Package tracker implements the HTTP/HTTPS BitTorrent tracker announce
// protocol (BEP 3) and BEP 23 compact peer list decoding.
package tracker

import (
	"context"
	"crypto/sha1"
	"fmt"
	"io"
	"net/http"
	"net/netip"
	"net/url"
	"strconv"
	"time"

	"github.com/ironseed/ironseed/pkg/bencode"
	"github.com/ironseed/ironseed/pkg/cast"
)

const maxAnnounceResponseSize = 2 * 1024 * 1024 // 2MiB

// Event is the optional "event" announce parameter.
type Event int

const (
	EventNone Event = iota
	EventStarted
	EventStopped
	EventCompleted
)

func (e Event) String() string {
	switch e {
	case EventStarted:
		return "started"
	case EventStopped:
		return "stopped"
	case EventCompleted:
		return "completed"
	default:
		return ""
	}
}

// AnnounceParams is the request sent on every tracker announce.
type AnnounceParams struct {
	InfoHash   [sha1.Size]byte
	PeerID     [sha1.Size]byte
	Port       uint16
	Uploaded   uint64
	Downloaded uint64
	Left       uint64
	Event      Event
	NumWant    int
	Compact    bool
}

// AnnounceResponse is the decoded tracker response.
type AnnounceResponse struct {
	Interval    time.Duration
	MinInterval time.Duration
	Seeders     int64
	Leechers    int64
	Peers       []netip.AddrPort
}

// Client announces to a single HTTP/HTTPS tracker. The swarm's
// announce-list fan-out and retry policy belong to the caller, which owns
// the torrent's lifecycle; Client itself performs one request per call.
type Client struct {
	baseURL *url.URL
	http    *http.Client
}

// New returns a Client for the given tracker announce URL. Only http and
// https schemes are supported.
func New(announceURL string) (*Client, error) {
	u, err := url.Parse(announceURL)
	if err != nil {
		return nil, fmt.Errorf("tracker: invalid announce url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("tracker: unsupported scheme %q", u.Scheme)
	}

	return &Client{
		baseURL: u,
		http: &http.Client{
			Timeout: 30 * time.Second,
			Transport: &http.Transport{
				MaxIdleConns:        100,
				IdleConnTimeout:     30 * time.Second,
				TLSHandshakeTimeout: 10 * time.Second,
			},
		},
	}, nil
}

// Announce performs a single GET announce request.
func (c *Client) Announce(ctx context.Context, p AnnounceParams) (*AnnounceResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.buildURL(p), nil)
	if err != nil {
		return nil, err
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return nil, fmt.Errorf("tracker: announce status %d: %s", resp.StatusCode, body)
	}

	return parseAnnounceResponse(resp.Body)
}

func (c *Client) buildURL(p AnnounceParams) string {
	u := *c.baseURL

	q := ""
	add := func(key, val string) {
		if q != "" {
			q += "&"
		}
		q += key + "=" + val
	}

	add("info_hash", percentEncode(p.InfoHash[:]))
	add("peer_id", percentEncode(p.PeerID[:]))
	add("port", strconv.Itoa(int(p.Port)))
	add("uploaded", strconv.FormatUint(p.Uploaded, 10))
	add("downloaded", strconv.FormatUint(p.Downloaded, 10))
	add("left", strconv.FormatUint(p.Left, 10))
	if p.Compact {
		add("compact", "1")
	}
	if p.NumWant > 0 {
		add("numwant", strconv.Itoa(p.NumWant))
	}
	if p.Event != EventNone {
		add("event", p.Event.String())
	}

	if u.RawQuery != "" {
		u.RawQuery += "&" + q
	} else {
		u.RawQuery = q
	}
	return u.String()
}

// percentEncode implements the byte-string escaping rule trackers expect for
// binary fields (info_hash, peer_id): unreserved characters pass through
// unescaped, a space becomes '+', and everything else is %HH with uppercase
// hex digits. net/url's Values.Encode escapes a wider character set and
// lowercases hex, so it cannot be reused here.
func percentEncode(b []byte) string {
	const upperHex = "0123456789ABCDEF"

	out := make([]byte, 0, len(b)*3)
	for _, c := range b {
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9',
			c == '-', c == '.', c == '_', c == '~':
			out = append(out, c)
		case c == ' ':
			out = append(out, '+')
		default:
			out = append(out, '%', upperHex[c>>4], upperHex[c&0x0F])
		}
	}
	return string(out)
}

func parseAnnounceResponse(r io.Reader) (*AnnounceResponse, error) {
	data, err := io.ReadAll(io.LimitReader(r, maxAnnounceResponseSize))
	if err != nil {
		return nil, err
	}

	raw, err := bencode.Unmarshal(data)
	if err != nil {
		return nil, err
	}

	dict, ok := raw.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("tracker: response is not a dict")
	}

	if reason, ok := dict["failure reason"]; ok {
		s, _ := cast.ToString(reason)
		return nil, fmt.Errorf("tracker: failure: %s", s)
	}

	interval, err := cast.ToInt(dict["interval"])
	if err != nil {
		return nil, fmt.Errorf("tracker: interval: %w", err)
	}

	peers, err := decodePeers(dict["peers"])
	if err != nil {
		return nil, fmt.Errorf("tracker: peers: %w", err)
	}

	minInterval, _ := cast.ToInt(dict["min interval"])
	seeders, _ := cast.ToInt(dict["complete"])
	leechers, _ := cast.ToInt(dict["incomplete"])

	return &AnnounceResponse{
		Interval:    time.Duration(interval) * time.Second,
		MinInterval: time.Duration(minInterval) * time.Second,
		Seeders:     seeders,
		Leechers:    leechers,
		Peers:       peers,
	}, nil
}
