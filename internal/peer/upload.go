package peer

import (
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/ironseed/ironseed/internal/bitfield"
	"github.com/ironseed/ironseed/internal/engineerr"
	"github.com/ironseed/ironseed/internal/wire"
)

// readTimeoutTick is how often an upload session wakes from its blocking
// read to check whether new pieces have arrived.
const readTimeoutTick = 1 * time.Second

// UploadInfo is a served torrent's upload-side state: the pieces available
// to announce and the on-disk root its blobs live under.
type UploadInfo struct {
	Bitfield  bitfield.Bitfield
	PieceRoot string // <download_root>/<torrent_name>
	PieceLen  int32
}

// UploadSession is the long-lived seeder-side session for one accepted
// connection: send bitfield once, then loop answering requests and
// announcing newly-completed pieces.
type UploadSession struct {
	id   uint64
	conn net.Conn
	log  *slog.Logger

	peerChoked     bool
	peerInterested bool

	localSnapshot bitfield.Bitfield
}

// NewUploadSession wraps an already-handshaken connection.
func NewUploadSession(id uint64, conn net.Conn, log *slog.Logger) *UploadSession {
	return &UploadSession{
		id:         id,
		conn:       conn,
		log:        log,
		peerChoked: true,
	}
}

// Run drives the session until a stream error, orderly disconnect, or done
// is closed. info is read fresh on every idle wakeup, since the
// notification consumer mutates it as new pieces arrive; getInfo must
// return an independent clone safe to read without further locking.
func (s *UploadSession) Run(done <-chan struct{}, getInfo func() UploadInfo) error {
	info := getInfo()
	s.localSnapshot = info.Bitfield.Clone()

	if err := wire.WriteMessage(s.conn, wire.MessageBitfield(info.Bitfield.Bytes())); err != nil {
		return engineerr.NewPeerErr(s.conn.RemoteAddr().String(), err)
	}

	for {
		select {
		case <-done:
			return nil
		default:
		}

		if err := s.conn.SetReadDeadline(time.Now().Add(readTimeoutTick)); err != nil {
			return engineerr.NewPeerErr(s.conn.RemoteAddr().String(), err)
		}

		msg, err := wire.ReadMessage(s.conn)
		if err != nil {
			if isTimeout(err) {
				if err := s.announceNewPieces(getInfo); err != nil {
					return err
				}
				continue
			}
			return engineerr.NewPeerErr(s.conn.RemoteAddr().String(), err)
		}
		if wire.IsKeepAlive(msg) {
			continue
		}

		switch msg.ID {
		case wire.Interested:
			s.peerInterested = true
			if s.peerChoked {
				if err := wire.WriteMessage(s.conn, wire.MessageUnchoke()); err != nil {
					return engineerr.NewPeerErr(s.conn.RemoteAddr().String(), err)
				}
				s.peerChoked = false
			}

		case wire.NotInterested:
			s.peerInterested = false

		case wire.Request:
			index, begin, length, ok := msg.ParseRequest()
			if !ok {
				return engineerr.NewPeerErr(s.conn.RemoteAddr().String(), wire.ErrBadPayloadSize)
			}
			if err := s.handleRequest(getInfo(), int(index), int(begin), int(length)); err != nil {
				return err
			}

		default:
			// Choke/Have/Bitfield/Piece/Cancel from the peer carry no
			// seeder-side obligation beyond being read off the wire.
		}
	}
}

func (s *UploadSession) announceNewPieces(getInfo func() UploadInfo) error {
	info := getInfo()

	newly := info.Bitfield.Diff(s.localSnapshot, info.Bitfield.Len())
	for _, idx := range newly {
		if err := wire.WriteMessage(s.conn, wire.MessageHave(uint32(idx))); err != nil {
			return engineerr.NewPeerErr(s.conn.RemoteAddr().String(), err)
		}
	}
	s.localSnapshot = info.Bitfield.Clone()

	return nil
}

func (s *UploadSession) handleRequest(info UploadInfo, index, begin, length int) error {
	if s.peerChoked {
		return nil
	}
	if length > BlockSizeLimit {
		return engineerr.NewPeerErr(s.conn.RemoteAddr().String(), wire.ErrBadPayloadSize)
	}
	if !info.Bitfield.Has(index) {
		msg := wire.MessageCancel(uint32(index), uint32(begin), uint32(length))
		if err := wire.WriteMessage(s.conn, msg); err != nil {
			return engineerr.NewPeerErr(s.conn.RemoteAddr().String(), err)
		}
		return nil
	}

	blob := filepath.Join(info.PieceRoot, ".tmp", strconv.Itoa(index))
	f, err := os.Open(blob)
	if err != nil {
		return engineerr.NewPeerErr(s.conn.RemoteAddr().String(), err)
	}
	defer f.Close()

	buf := make([]byte, length)
	if _, err := f.ReadAt(buf, int64(begin)); err != nil {
		return engineerr.NewPeerErr(s.conn.RemoteAddr().String(), err)
	}

	if err := wire.WriteMessage(s.conn, wire.MessagePiece(uint32(index), uint32(begin), buf)); err != nil {
		return engineerr.NewPeerErr(s.conn.RemoteAddr().String(), err)
	}

	return nil
}

// BlockSizeLimit is the largest request length an upload session will
// service; larger requests are refused by policy (§4.6).
const BlockSizeLimit = 16 * 1024

func isTimeout(err error) bool {
	type timeouter interface{ Timeout() bool }
	te, ok := err.(timeouter)
	return ok && te.Timeout()
}
