package bencode

import "fmt"

// RawValue scans data, which must hold a single bencoded dictionary, and
// returns the exact byte range of the value associated with key at the top
// level, as it appears in data.
//
// This exists because hashing a bencoded value correctly requires the
// original bytes, not a re-marshaled reconstruction: re-encoding is only
// guaranteed to reproduce the source bytes when the source itself used
// canonical (sorted-key, minimal-form) bencoding, which is not something a
// decoder can assume of arbitrary metainfo files.
func RawValue(data []byte, key string) ([]byte, error) {
	if len(data) == 0 || data[0] != byte(TokenDict) {
		return nil, fmt.Errorf("bencoding: RawValue: not a dict")
	}

	pos := 1
	for {
		if pos >= len(data) {
			return nil, fmt.Errorf("bencoding: RawValue: unexpected end of input")
		}
		if data[pos] == byte(TokenEnding) {
			return nil, fmt.Errorf("bencoding: RawValue: key %q not found", key)
		}

		k, next, err := rawString(data, pos)
		if err != nil {
			return nil, err
		}

		valueStart := next
		valueEnd, err := skipValue(data, valueStart)
		if err != nil {
			return nil, err
		}

		if k == key {
			return data[valueStart:valueEnd], nil
		}
		pos = valueEnd
	}
}

// rawString parses a bencoded string beginning at pos and returns its decoded
// value plus the offset immediately following it.
func rawString(data []byte, pos int) (string, int, error) {
	start := pos
	for pos < len(data) && data[pos] != byte(TokenStringSeparator) {
		pos++
	}
	if pos >= len(data) {
		return "", 0, fmt.Errorf("bencoding: malformed string length")
	}

	n, err := parseNonNegInt(data[start:pos])
	if err != nil {
		return "", 0, err
	}

	dataStart := pos + 1
	dataEnd := dataStart + n
	if dataEnd > len(data) {
		return "", 0, fmt.Errorf("bencoding: string runs past end of input")
	}

	return string(data[dataStart:dataEnd]), dataEnd, nil
}

// skipValue returns the offset immediately following the bencoded value that
// begins at pos, without allocating a decoded representation of it.
func skipValue(data []byte, pos int) (int, error) {
	if pos >= len(data) {
		return 0, fmt.Errorf("bencoding: unexpected end of input")
	}

	switch data[pos] {
	case byte(TokenDict), byte(TokenList):
		// A dict is a flat run of values (alternating key, value); a list is
		// a flat run of values. Either way, repeatedly skipping one value at
		// a time until 'e' is correct, since dict keys are themselves
		// bencoded strings and skipValue already knows how to skip those.
		pos++
		for {
			if pos >= len(data) {
				return 0, fmt.Errorf("bencoding: unexpected end of input")
			}
			if data[pos] == byte(TokenEnding) {
				return pos + 1, nil
			}

			var err error
			pos, err = skipValue(data, pos)
			if err != nil {
				return 0, err
			}
		}
	case byte(TokenInteger):
		end := pos + 1
		for end < len(data) && data[end] != byte(TokenEnding) {
			end++
		}
		if end >= len(data) {
			return 0, fmt.Errorf("bencoding: malformed integer")
		}
		return end + 1, nil
	default:
		_, end, err := rawString(data, pos)
		if err != nil {
			return 0, err
		}
		return end, nil
	}
}

func parseNonNegInt(b []byte) (int, error) {
	if len(b) == 0 {
		return 0, fmt.Errorf("bencoding: empty length")
	}
	n := 0
	for _, c := range b {
		if c < '0' || c > '9' {
			return 0, fmt.Errorf("bencoding: invalid length digit %q", c)
		}
		n = n*10 + int(c-'0')
	}
	return n, nil
}
