package metainfo

import (
	"bytes"
	"crypto/sha1"
	"testing"

	"github.com/ironseed/ironseed/pkg/bencode"
)

func encode(t *testing.T, v any) []byte {
	t.Helper()
	b, err := bencode.Marshal(v)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	return b
}

func singleFileDict() map[string]any {
	pieces := bytes.Repeat([]byte{0x01}, sha1.Size*2)
	return map[string]any{
		"announce": "http://tracker.example/announce",
		"info": map[string]any{
			"name":         "file.bin",
			"piece length": 16384,
			"pieces":       string(pieces),
			"length":       20000,
		},
	}
}

func TestParse_SingleFile_OK(t *testing.T) {
	data := encode(t, singleFileDict())

	m, err := Parse(data)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if m.Info.Name != "file.bin" {
		t.Fatalf("Name = %q", m.Info.Name)
	}
	if m.Info.Length != 20000 {
		t.Fatalf("Length = %d", m.Info.Length)
	}
	if m.TotalPieces() != 2 {
		t.Fatalf("TotalPieces = %d", m.TotalPieces())
	}
	if m.Size() != 20000 {
		t.Fatalf("Size = %d", m.Size())
	}
}

func TestParse_InfoHash_MatchesRawSubstring(t *testing.T) {
	data := encode(t, singleFileDict())

	m, err := Parse(data)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}

	rawInfo, err := bencode.RawValue(data, "info")
	if err != nil {
		t.Fatalf("RawValue: %v", err)
	}
	want := sha1.Sum(rawInfo)

	if m.InfoHash != want {
		t.Fatalf("InfoHash = %x, want %x (raw-substring hash)", m.InfoHash, want)
	}
}

func TestParse_InfoHash_StableAcrossKeyOrder(t *testing.T) {
	// A non-canonically-ordered info dict, built by hand so bencode.Marshal's
	// sorted-key re-encoding would NOT reproduce these exact bytes: the
	// info-hash must come from the raw substring, not a re-marshal.
	infoBytes := []byte("d4:name5:a.txt6:lengthi10e12:piece lengthi16384e6:pieces20:")
	infoBytes = append(infoBytes, bytes.Repeat([]byte{0x02}, sha1.Size)...)
	infoBytes = append(infoBytes, 'e')

	var data []byte
	data = append(data, []byte("d8:announce17:http://t.example/4:info")...)
	data = append(data, infoBytes...)
	data = append(data, 'e')

	m, err := Parse(data)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}

	if want := sha1.Sum(infoBytes); m.InfoHash != want {
		t.Fatalf("InfoHash = %x, want %x", m.InfoHash, want)
	}
}

func TestParse_MultiFile_OK(t *testing.T) {
	pieces := bytes.Repeat([]byte{0x03}, sha1.Size)
	d := map[string]any{
		"announce": "http://tracker.example/announce",
		"info": map[string]any{
			"name":         "dir",
			"piece length": 16384,
			"pieces":       string(pieces),
			"files": []any{
				map[string]any{"length": 100, "path": []any{"a.txt"}},
				map[string]any{"length": 200, "path": []any{"sub", "b.txt"}},
			},
		},
	}

	m, err := Parse(encode(t, d))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if len(m.Info.Files) != 2 {
		t.Fatalf("Files = %d, want 2", len(m.Info.Files))
	}
	if m.Size() != 300 {
		t.Fatalf("Size = %d, want 300", m.Size())
	}
}

func TestParse_Errors(t *testing.T) {
	base := singleFileDict()

	tests := []struct {
		name    string
		mutate  func(map[string]any)
		wantErr error
	}{
		{
			name:    "missing announce",
			mutate:  func(d map[string]any) { delete(d, "announce") },
			wantErr: ErrAnnounceMissing,
		},
		{
			name:    "missing info",
			mutate:  func(d map[string]any) { delete(d, "info") },
			wantErr: ErrInfoMissing,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			d := map[string]any{}
			for k, v := range base {
				d[k] = v
			}
			tc.mutate(d)

			_, err := Parse(encode(t, d))
			if err != tc.wantErr {
				t.Fatalf("err = %v, want %v", err, tc.wantErr)
			}
		})
	}
}

func TestParse_BothLengthAndFiles_Invalid(t *testing.T) {
	d := singleFileDict()
	info := d["info"].(map[string]any)
	info["files"] = []any{map[string]any{"length": 1, "path": []any{"x"}}}

	_, err := Parse(encode(t, d))
	if err != ErrLayoutInvalid {
		t.Fatalf("err = %v, want ErrLayoutInvalid", err)
	}
}

func TestParse_PiecesNotMultipleOf20_Invalid(t *testing.T) {
	d := singleFileDict()
	info := d["info"].(map[string]any)
	info["pieces"] = "short"

	_, err := Parse(encode(t, d))
	if err != ErrPiecesLenInvalid {
		t.Fatalf("err = %v, want ErrPiecesLenInvalid", err)
	}
}
