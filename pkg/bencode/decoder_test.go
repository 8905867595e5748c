package bencode

import (
	"reflect"
	"strings"
	"testing"
)

func decodeFromString(t *testing.T, s string) (any, error) {
	t.Helper()

	d := NewDecoder([]byte(s))
	return d.Decode()
}

func wantErrContains(t *testing.T, err error, substr string) {
	t.Helper()

	if err == nil {
		t.Fatalf("expected error containing %q, got nil", substr)
	}
	if !strings.Contains(err.Error(), substr) {
		t.Fatalf("error = %v, want contains %q", err, substr)
	}
}

func TestDecode_OK(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want any
	}{
		{"string", "4:spam", any("spam")},
		{"empty-string", "0:", any("")},
		{"int-neg", "i-1e", any(int64(-1))},
		{"int-zero", "i0e", any(int64(0))},
		{"int-pos", "i42e", any(int64(42))},
		{"list-simple", "l4:spami1ee", any([]any{"spam", int64(1)})},
		{
			"dict",
			"d1:ai1e1:bi2e1:cl1:xi3eee",
			any(map[string]any{
				"a": int64(1),
				"b": int64(2),
				"c": []any{"x", int64(3)},
			}),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := decodeFromString(t, tt.in)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if !reflect.DeepEqual(got, tt.want) {
				t.Fatalf("got %#v, want %#v", got, tt.want)
			}
		})
	}
}

func TestDecode_Errors(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"leading-zero", "i01e", "leading zero"},
		{"negative-zero", "i-0e", "negative zero"},
		{"negative-string-len", "-1:x", "length can't be negative"},
		{"unterminated-dict", "d1:ai1e", "EOF"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := decodeFromString(t, tt.in)
			wantErrContains(t, err, tt.want)
		})
	}
}

func TestUnmarshal_RejectsTrailingData(t *testing.T) {
	_, err := Unmarshal([]byte("i1ei2e"))
	wantErrContains(t, err, "trailing data")
}

func TestEncodeDecode_RoundTrip(t *testing.T) {
	in := map[string]any{
		"announce": "http://tracker",
		"info": map[string]any{
			"length": int64(1024),
			"name":   "ubuntu.iso",
			"pieces": "abcdefghijklmnopqrst",
		},
	}

	encoded, err := Marshal(in)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	got, err := Unmarshal(encoded)
	if err != nil {
		t.Fatalf("unmarshal: %v", err)
	}

	if !reflect.DeepEqual(got, in) {
		t.Fatalf("round trip mismatch: got %#v, want %#v", got, in)
	}
}

func TestRawValue(t *testing.T) {
	data := []byte("d8:announce14:http://tracker4:infod6:lengthi1024e4:name4:testeee")

	raw, err := RawValue(data, "info")
	if err != nil {
		t.Fatalf("RawValue: %v", err)
	}

	want := "d6:lengthi1024e4:name4:teste"
	if string(raw) != want {
		t.Fatalf("raw = %q, want %q", raw, want)
	}

	// The raw bytes must decode to the same value as a normal top-level walk.
	decoded, err := Unmarshal(raw)
	if err != nil {
		t.Fatalf("unmarshal raw: %v", err)
	}
	wantDict := map[string]any{"length": int64(1024), "name": "test"}
	if !reflect.DeepEqual(decoded, wantDict) {
		t.Fatalf("decoded raw = %#v, want %#v", decoded, wantDict)
	}
}

func TestRawValue_MissingKey(t *testing.T) {
	data := []byte("d8:announce14:http://trackere")
	_, err := RawValue(data, "info")
	wantErrContains(t, err, "not found")
}
