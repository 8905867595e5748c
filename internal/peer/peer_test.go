package peer

import (
	"bytes"
	"crypto/sha1"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/ironseed/ironseed/internal/engineerr"
	"github.com/ironseed/ironseed/internal/piece"
	"github.com/ironseed/ironseed/internal/wire"
)

func TestConnection_Download_SinglePieceSingleBlock(t *testing.T) {
	clientConn, serverConn := net.Pipe()
	defer clientConn.Close()
	defer serverConn.Close()

	data := bytes.Repeat([]byte{0x7A}, 16384)
	hash := sha1.Sum(data)
	asm := piece.NewAssembler(0, len(data), hash)

	c := &Connection{conn: clientConn, amChoked: true, peerChoked: true, totalPieces: 8}

	done := make(chan error, 1)
	go func() { done <- c.Download(asm, 2*time.Second) }()

	// Drive the remote side of the scripted trace from spec S1.
	if err := wire.WriteMessage(serverConn, wire.MessageBitfield([]byte{0x80})); err != nil {
		t.Fatalf("write bitfield: %v", err)
	}

	msg, err := wire.ReadMessage(serverConn)
	if err != nil || wire.IsKeepAlive(msg) || msg.ID != wire.Interested {
		t.Fatalf("expected Interested, got %+v err=%v", msg, err)
	}

	if err := wire.WriteMessage(serverConn, wire.MessageUnchoke()); err != nil {
		t.Fatalf("write unchoke: %v", err)
	}

	msg, err = wire.ReadMessage(serverConn)
	if err != nil || msg.ID != wire.Request {
		t.Fatalf("expected Request, got %+v err=%v", msg, err)
	}
	index, begin, length, ok := msg.ParseRequest()
	if !ok || index != 0 || begin != 0 || length != 16384 {
		t.Fatalf("unexpected request fields: %d %d %d %v", index, begin, length, ok)
	}

	if err := wire.WriteMessage(serverConn, wire.MessagePiece(0, 0, data)); err != nil {
		t.Fatalf("write piece: %v", err)
	}

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Download returned error: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("Download did not complete")
	}

	if !asm.IsFull() || !asm.HashesMatch() {
		t.Fatalf("assembler incomplete or hash mismatch")
	}
}

func TestConnection_Download_BitfieldLacksPieceIsPieceError(t *testing.T) {
	clientConn, serverConn := net.Pipe()
	defer clientConn.Close()
	defer serverConn.Close()

	asm := piece.NewAssembler(7, 16384, [sha1.Size]byte{})
	c := &Connection{conn: clientConn, amChoked: true, peerChoked: true, totalPieces: 8}

	done := make(chan error, 1)
	go func() { done <- c.Download(asm, 2*time.Second) }()

	if err := wire.WriteMessage(serverConn, wire.MessageBitfield([]byte{0x00})); err != nil {
		t.Fatalf("write bitfield: %v", err)
	}

	select {
	case err := <-done:
		var pieceErr *engineerr.PieceErr
		if !errors.As(err, &pieceErr) {
			t.Fatalf("expected PieceErr, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("Download did not return")
	}
}

func TestConnection_Download_OversizedBitfieldIsPeerError(t *testing.T) {
	clientConn, serverConn := net.Pipe()
	defer clientConn.Close()
	defer serverConn.Close()

	// 8 pieces need at most 1 byte of bitfield; send 2.
	asm := piece.NewAssembler(0, 16384, [sha1.Size]byte{})
	c := &Connection{conn: clientConn, amChoked: true, peerChoked: true, totalPieces: 8}

	done := make(chan error, 1)
	go func() { done <- c.Download(asm, 2*time.Second) }()

	if err := wire.WriteMessage(serverConn, wire.MessageBitfield([]byte{0xFF, 0xFF})); err != nil {
		t.Fatalf("write bitfield: %v", err)
	}

	select {
	case err := <-done:
		var peerErr *engineerr.PeerErr
		if !errors.As(err, &peerErr) {
			t.Fatalf("expected PeerErr, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("Download did not return")
	}
}
