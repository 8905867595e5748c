package engineerr

import (
	"errors"
	"testing"
)

func TestPeerErr_UnwrapAndAs(t *testing.T) {
	base := errors.New("connection reset")
	err := NewPeerErr("1.2.3.4:6881", base)

	var pe *PeerErr
	if !errors.As(err, &pe) {
		t.Fatalf("errors.As failed to match *PeerErr")
	}
	if !errors.Is(err, base) {
		t.Fatalf("errors.Is failed to find wrapped base error")
	}
	if pe.Peer != "1.2.3.4:6881" {
		t.Fatalf("Peer = %q", pe.Peer)
	}
}

func TestPieceErr_CarriesIndex(t *testing.T) {
	err := NewPieceErr(7, errors.New("hash mismatch"))

	var pieceErr *PieceErr
	if !errors.As(err, &pieceErr) {
		t.Fatalf("errors.As failed to match *PieceErr")
	}
	if pieceErr.PieceIndex != 7 {
		t.Fatalf("PieceIndex = %d, want 7", pieceErr.PieceIndex)
	}
}

func TestTrackerErr_CarriesURL(t *testing.T) {
	err := NewTrackerErr("http://tracker.example/announce", errors.New("status 500"))

	var trackerErr *TrackerErr
	if !errors.As(err, &trackerErr) {
		t.Fatalf("errors.As failed to match *TrackerErr")
	}
	if trackerErr.URL != "http://tracker.example/announce" {
		t.Fatalf("URL = %q", trackerErr.URL)
	}
}

func TestFatalErr_NilWrappedErrStillFormats(t *testing.T) {
	err := NewFatalErr("config parse failure", nil)
	if err.Error() != "fatal: config parse failure" {
		t.Fatalf("Error() = %q", err.Error())
	}
}
