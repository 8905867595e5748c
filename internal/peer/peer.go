// Package peer implements the BitTorrent peer session state machine: the
// leecher side (one outstanding block request at a time, driven by a
// download worker) and the seeder side (a long-lived session answering
// requests and announcing new pieces).
package peer

import (
	"crypto/sha1"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"time"

	"github.com/ironseed/ironseed/internal/bitfield"
	"github.com/ironseed/ironseed/internal/engineerr"
	"github.com/ironseed/ironseed/internal/piece"
	"github.com/ironseed/ironseed/internal/wire"
)

// Connection is an established, handshaken peer-wire connection plus the
// four booleans that drive §4.4's cross-product state machine.
type Connection struct {
	conn   net.Conn
	addr   netip.AddrPort
	peerID [sha1.Size]byte

	amChoked       bool
	amInterested   bool
	peerChoked     bool
	peerInterested bool

	remoteBitfield bitfield.Bitfield
	totalPieces    int

	outstanding   *piece.Request
	lastBlockSent time.Time
}

// maxBitfieldLen returns the number of bytes a Bitfield message for a torrent
// of totalPieces pieces may legally carry: ceil(totalPieces/8).
func maxBitfieldLen(totalPieces int) int {
	return (totalPieces + 7) / 8
}

// Dial opens a TCP connection to addr and performs the outbound handshake.
// totalPieces bounds the remote Bitfield message this connection will accept
// once Download starts reading from it.
func Dial(addr netip.AddrPort, infoHash, localPeerID [sha1.Size]byte, totalPieces int, dialTimeout time.Duration) (*Connection, error) {
	conn, err := net.DialTimeout("tcp", addr.String(), dialTimeout)
	if err != nil {
		return nil, engineerr.NewPeerErr(addr.String(), err)
	}

	h := wire.NewHandshake(infoHash, localPeerID)
	remote, err := h.Exchange(conn, true)
	if err != nil {
		conn.Close()
		return nil, engineerr.NewPeerErr(addr.String(), err)
	}

	return &Connection{
		conn:        conn,
		addr:        addr,
		peerID:      remote.PeerID,
		amChoked:    true,
		peerChoked:  true,
		totalPieces: totalPieces,
	}, nil
}

// AcceptInbound performs the inbound handshake side on an already-accepted
// connection: receive first, then reply once the caller confirms the
// info-hash is served.
func AcceptInbound(conn net.Conn, isServed func(infoHash [sha1.Size]byte) bool, localPeerID [sha1.Size]byte) (*Connection, [sha1.Size]byte, error) {
	remote, err := wire.Receive(conn)
	if err != nil {
		return nil, [sha1.Size]byte{}, engineerr.NewPeerErr(conn.RemoteAddr().String(), err)
	}
	if remote.Pstr != "BitTorrent protocol" {
		return nil, [sha1.Size]byte{}, engineerr.NewPeerErr(conn.RemoteAddr().String(), wire.ErrProtocolMismatch)
	}
	if !isServed(remote.InfoHash) {
		return nil, [sha1.Size]byte{}, engineerr.NewPeerErr(conn.RemoteAddr().String(), errors.New("peer: info hash not served"))
	}

	reply := wire.NewHandshake(remote.InfoHash, localPeerID)
	if err := wire.Reply(conn, *reply); err != nil {
		return nil, [sha1.Size]byte{}, engineerr.NewPeerErr(conn.RemoteAddr().String(), err)
	}

	addr, _ := netip.ParseAddrPort(conn.RemoteAddr().String())

	return &Connection{
		conn:       conn,
		addr:       addr,
		peerID:     remote.PeerID,
		amChoked:   true,
		peerChoked: true,
	}, remote.InfoHash, nil
}

// Close releases the underlying socket.
func (c *Connection) Close() error { return c.conn.Close() }

// Conn returns the underlying handshaken socket, for callers (e.g. an
// upload session) that drive the wire protocol themselves instead of
// through Download.
func (c *Connection) Conn() net.Conn { return c.conn }

// Addr returns the remote peer's address.
func (c *Connection) Addr() netip.AddrPort { return c.addr }

// PeerID returns the remote peer's id as recorded during the handshake.
func (c *Connection) PeerID() [sha1.Size]byte { return c.peerID }

// Download drives the leecher side of §4.4 for one piece end to end: wait
// for Bitfield/Have to confirm the peer has the piece, become interested,
// wait for Unchoke, then request and accumulate blocks one at a time until
// the assembler is full and hash-verified.
func (c *Connection) Download(a *piece.Assembler, readTimeout time.Duration) error {
	targetIndex := a.Index()

	for {
		if err := c.conn.SetReadDeadline(time.Now().Add(readTimeout)); err != nil {
			return engineerr.NewPeerErr(c.addr.String(), err)
		}

		msg, err := wire.ReadMessage(c.conn)
		if err != nil {
			return engineerr.NewPeerErr(c.addr.String(), err)
		}
		if wire.IsKeepAlive(msg) {
			continue
		}

		switch msg.ID {
		case wire.Bitfield:
			if c.totalPieces > 0 && len(msg.Payload) > maxBitfieldLen(c.totalPieces) {
				return engineerr.NewPeerErr(c.addr.String(), fmt.Errorf("peer: oversized bitfield: %d bytes for %d pieces", len(msg.Payload), c.totalPieces))
			}
			c.remoteBitfield = bitfield.FromBytes(msg.Payload)
			if !c.remoteBitfield.Has(targetIndex) {
				return engineerr.NewPieceErr(targetIndex, errors.New("peer: bitfield lacks target piece"))
			}
			if err := c.sendInterested(); err != nil {
				return err
			}

		case wire.Have:
			idx32, ok := msg.ParseHave()
			if !ok {
				return engineerr.NewPeerErr(c.addr.String(), wire.ErrBadPayloadSize)
			}
			idx := int(idx32)
			if c.remoteBitfield == nil {
				c.remoteBitfield = bitfield.New(idx + 1)
			}
			c.remoteBitfield.AddPiece(idx)
			if idx == targetIndex && !c.amInterested {
				if err := c.sendInterested(); err != nil {
					return err
				}
			}

		case wire.Unchoke:
			c.amChoked = false
			if c.amInterested {
				if err := c.sendNextRequest(a); err != nil {
					return err
				}
			}

		case wire.Choke:
			c.amChoked = true
			// outstanding request is retransmitted on the next Unchoke.

		case wire.Piece:
			idx32, begin32, block, ok := msg.ParsePiece()
			if !ok {
				return engineerr.NewPeerErr(c.addr.String(), wire.ErrBadPayloadSize)
			}
			idx, begin := int(idx32), int(begin32)
			if c.amChoked {
				continue // stale, drop silently
			}
			if c.outstanding == nil || idx != c.outstanding.Index || begin != c.outstanding.Begin || len(block) != c.outstanding.Length {
				if err := c.resendOutstanding(); err != nil {
					return err
				}
				continue
			}

			if err := a.Append(piece.Block{Index: idx, Begin: begin, Data: block}); err != nil {
				return engineerr.NewPieceErr(targetIndex, err)
			}
			c.outstanding = nil

			if a.IsFull() {
				if !a.HashesMatch() {
					return engineerr.NewPieceErr(targetIndex, errors.New("piece: hash mismatch"))
				}
				return nil
			}
			if err := c.sendNextRequest(a); err != nil {
				return err
			}

		case wire.Cancel:
			return engineerr.NewPieceErr(targetIndex, errors.New("peer: cancel received"))

		default:
			// Choke/Unchoke/Interested/NotInterested/Request handled above
			// or irrelevant to the leecher side; ignore anything else.
		}
	}
}

func (c *Connection) sendInterested() error {
	c.amInterested = true
	if err := wire.WriteMessage(c.conn, wire.MessageInterested()); err != nil {
		return engineerr.NewPeerErr(c.addr.String(), err)
	}
	return nil
}

func (c *Connection) sendNextRequest(a *piece.Assembler) error {
	req, ok := a.RequestNextBlock()
	if !ok {
		return nil
	}
	c.outstanding = &req

	msg := wire.MessageRequest(uint32(req.Index), uint32(req.Begin), uint32(req.Length))
	if err := wire.WriteMessage(c.conn, msg); err != nil {
		return engineerr.NewPeerErr(c.addr.String(), err)
	}
	c.lastBlockSent = time.Now()
	return nil
}

func (c *Connection) resendOutstanding() error {
	if c.outstanding == nil {
		return nil
	}
	msg := wire.MessageRequest(uint32(c.outstanding.Index), uint32(c.outstanding.Begin), uint32(c.outstanding.Length))
	if err := wire.WriteMessage(c.conn, msg); err != nil {
		return engineerr.NewPeerErr(c.addr.String(), err)
	}
	return nil
}

// String renders a short diagnostic identity for logging.
func (c *Connection) String() string {
	return fmt.Sprintf("%s(%x)", c.addr, c.peerID[:8])
}
