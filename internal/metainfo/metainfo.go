// Package metainfo decodes bencoded .torrent files into the structures the
// peer engine needs: announce URL, per-file layout, and info-hash.
package metainfo

import (
	"crypto/sha1"
	"errors"
	"fmt"
	"time"

	"github.com/ironseed/ironseed/pkg/bencode"
	"github.com/ironseed/ironseed/pkg/cast"
)

// Metainfo is the decoded contents of a .torrent file.
type Metainfo struct {
	Info         *Info
	Announce     string
	AnnounceList [][]string
	CreationDate time.Time
	CreatedBy    string
	Comment      string
	Encoding     string
	InfoHash     [sha1.Size]byte
}

// Info is the decoded "info" dictionary: the part that is hashed to produce
// the swarm-identifying info-hash.
type Info struct {
	Name        string
	PieceLength int32
	Pieces      [][sha1.Size]byte
	Private     bool
	Length      int64 // single-file layout; 0 when Files is set
	Files       []*File
}

// File is one entry of a multi-file torrent's "files" list.
type File struct {
	Length int64
	Path   []string
}

var (
	ErrTopLevelNotDict     = errors.New("metainfo: top-level is not a dict")
	ErrAnnounceMissing     = errors.New("metainfo: both announce and announce-list missing")
	ErrInfoMissing         = errors.New("metainfo: 'info' missing")
	ErrInfoNotDict         = errors.New("metainfo: 'info' is not a dict")
	ErrNameMissing         = errors.New("metainfo: 'info' name missing")
	ErrPieceLenNonPositive = errors.New("metainfo: 'info' piece length must be > 0")
	ErrPiecesMissing       = errors.New("metainfo: 'info' pieces missing")
	ErrPiecesLenInvalid    = errors.New("metainfo: 'info' pieces length not multiple of 20")
	ErrLayoutInvalid       = errors.New("metainfo: invalid single/multi-file layout")
	ErrCreationDateInvalid = errors.New("metainfo: invalid creation date")
)

// Size returns the total payload size across all declared files.
func (m *Metainfo) Size() int64 {
	if m.Info.Length > 0 {
		return m.Info.Length
	}

	var sum int64
	for _, f := range m.Info.Files {
		sum += f.Length
	}
	return sum
}

// TotalPieces returns the declared piece count.
func (m *Metainfo) TotalPieces() int { return len(m.Info.Pieces) }

// dict is a decoded bencode map, with small accessors that fold the
// "missing key" / "wrong type" checks every field lookup below needs.
type dict map[string]any

func asDict(v any) (dict, bool) {
	d, ok := v.(map[string]any)
	return dict(d), ok
}

// optionalString returns "" when key is absent, rather than erroring.
func (d dict) optionalString(key string) (string, error) {
	v, ok := d[key]
	if !ok || v == nil {
		return "", nil
	}
	return cast.ToString(v)
}

// requireString errors with errNotPresent if key is absent.
func (d dict) requireString(key string, errNotPresent error) (string, error) {
	v, ok := d[key]
	if !ok {
		return "", errNotPresent
	}
	return cast.ToString(v)
}

func (d dict) requireInt(key string, errNotPresent error) (int64, error) {
	v, ok := d[key]
	if !ok {
		return 0, errNotPresent
	}
	return cast.ToInt(v)
}

// Parse decodes a .torrent file's bytes into a Metainfo.
//
// InfoHash is computed over the raw bencoded bytes of the "info" value as it
// appears in data, not over a re-marshaled reconstruction: re-encoding only
// reproduces the source bytes when the source used canonical bencoding,
// which cannot be assumed of arbitrary metainfo files.
func Parse(data []byte) (*Metainfo, error) {
	decoded, err := bencode.Unmarshal(data)
	if err != nil {
		return nil, err
	}
	root, ok := asDict(decoded)
	if !ok {
		return nil, ErrTopLevelNotDict
	}

	m := &Metainfo{}

	if m.Announce, err = root.optionalString("announce"); err != nil {
		return nil, err
	}
	if m.AnnounceList, err = parseAnnounceList(root["announce-list"]); err != nil {
		return nil, err
	}
	if m.Announce == "" && len(m.AnnounceList) == 0 {
		return nil, ErrAnnounceMissing
	}

	if v, ok := root["creation date"]; ok {
		secs, err := cast.ToInt(v)
		if err != nil || secs < 0 {
			return nil, ErrCreationDateInvalid
		}
		m.CreationDate = time.Unix(secs, 0).UTC()
	}

	if m.CreatedBy, err = root.optionalString("created by"); err != nil {
		return nil, err
	}
	if m.Comment, err = root.optionalString("comment"); err != nil {
		return nil, err
	}
	if m.Encoding, err = root.optionalString("encoding"); err != nil {
		return nil, err
	}

	if m.Info, err = parseInfo(root["info"]); err != nil {
		return nil, err
	}

	rawInfo, err := bencode.RawValue(data, "info")
	if err != nil {
		return nil, fmt.Errorf("metainfo: locating raw info value: %w", err)
	}
	m.InfoHash = sha1.Sum(rawInfo)

	return m, nil
}

func parseInfo(infoVal any) (*Info, error) {
	if infoVal == nil {
		return nil, ErrInfoMissing
	}
	d, ok := asDict(infoVal)
	if !ok {
		return nil, ErrInfoNotDict
	}

	name, err := d.requireString("name", ErrNameMissing)
	if err != nil || name == "" {
		return nil, fmt.Errorf("metainfo: invalid 'name': %w", err)
	}

	pieceLen, err := d.requireInt("piece length", fmt.Errorf("metainfo: 'info' piece length missing"))
	if err != nil || pieceLen <= 0 {
		return nil, ErrPieceLenNonPositive
	}

	pieces, err := parsePieces(d["pieces"])
	if err != nil {
		return nil, err
	}

	info := &Info{Name: name, PieceLength: int32(pieceLen), Pieces: pieces}

	if v, ok := d["private"]; ok {
		flag, err := cast.ToInt(v)
		if err != nil || (flag != 0 && flag != 1) {
			return nil, fmt.Errorf("metainfo: invalid 'private' flag")
		}
		info.Private = flag == 1
	}

	if err := info.setLayout(d); err != nil {
		return nil, err
	}

	return info, nil
}

// setLayout fills either Length (single-file) or Files (multi-file) from d,
// the two layouts a torrent's info dict may declare.
func (info *Info) setLayout(d dict) error {
	lengthVal, hasLength := d["length"]
	filesVal, hasFiles := d["files"]

	switch {
	case hasLength && !hasFiles:
		length, err := cast.ToInt(lengthVal)
		if err != nil || length < 0 {
			return fmt.Errorf("metainfo: invalid 'length'")
		}
		info.Length = length
		return nil

	case hasFiles && !hasLength:
		files, err := parseFiles(filesVal)
		if err != nil {
			return err
		}
		info.Files = files
		return nil

	default:
		return ErrLayoutInvalid
	}
}

func parseFiles(v any) ([]*File, error) {
	arr, ok := v.([]any)
	if !ok || len(arr) == 0 {
		return nil, fmt.Errorf("metainfo: invalid or empty 'files'")
	}

	files := make([]*File, len(arr))
	for i, item := range arr {
		f, err := parseFileEntry(item)
		if err != nil {
			return nil, fmt.Errorf("metainfo: files[%d]: %w", i, err)
		}
		files[i] = f
	}
	return files, nil
}

func parseFileEntry(item any) (*File, error) {
	d, ok := asDict(item)
	if !ok {
		return nil, errors.New("not a dict")
	}

	length, err := d.requireInt("length", errors.New("length missing"))
	if err != nil || length < 0 {
		return nil, errors.New("invalid length")
	}

	rawPath, ok := d["path"]
	if !ok {
		return nil, errors.New("path missing")
	}
	segments, err := cast.ToStringSlice(rawPath)
	if err != nil || len(segments) == 0 {
		return nil, errors.New("invalid path")
	}

	return &File{Length: length, Path: segments}, nil
}

func parseAnnounceList(v any) ([][]string, error) {
	if v == nil {
		return [][]string{}, nil
	}
	raw, ok := v.([]any)
	if !ok {
		return [][]string{}, fmt.Errorf("metainfo: invalid announce-list")
	}
	tiered, err := cast.ToTieredStrings(raw)
	if err != nil {
		return [][]string{}, fmt.Errorf("metainfo: invalid announce-list: %w", err)
	}

	out := make([][]string, 0, len(tiered))
	for _, tier := range tiered {
		if len(tier) > 0 {
			out = append(out, tier)
		}
	}
	return out, nil
}

func parsePieces(v any) ([][sha1.Size]byte, error) {
	if v == nil {
		return nil, ErrPiecesMissing
	}

	raw, err := cast.ToBytes(v)
	if err != nil {
		return nil, fmt.Errorf("metainfo: 'pieces': %w", err)
	}
	if len(raw)%sha1.Size != 0 {
		return nil, ErrPiecesLenInvalid
	}

	pieces := make([][sha1.Size]byte, len(raw)/sha1.Size)
	for i := range pieces {
		copy(pieces[i][:], raw[i*sha1.Size:(i+1)*sha1.Size])
	}
	return pieces, nil
}
