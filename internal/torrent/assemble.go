package torrent

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
)

// blobPath returns the on-disk path of piece index's temporary blob.
func (t *Torrent) blobPath(index int) string {
	return filepath.Join(t.Root, ".tmp", strconv.Itoa(index))
}

// WriteBlob persists a verified piece's bytes to its temporary blob, ready
// to be drawn from by Assemble once every piece has arrived.
func (t *Torrent) WriteBlob(index int, data []byte) error {
	path := t.blobPath(index)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("torrent: create blob dir for piece %d: %w", index, err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("torrent: write blob for piece %d: %w", index, err)
	}
	return nil
}

// Assemble is called once the downloaded set is full. It iterates the file
// list in declared order and, for each file, draws bytes from the per-piece
// blobs <Root>/.tmp/0, .tmp/1, ... in sequence, crossing piece boundaries as
// file lengths demand. Any I/O error is fatal to this torrent.
func (t *Torrent) Assemble() error {
	for _, file := range t.Files {
		if err := t.assembleFile(file); err != nil {
			return fmt.Errorf("torrent: assemble %s: %w", file.Path, err)
		}
	}
	return nil
}

func (t *Torrent) assembleFile(file FileEntry) error {
	outPath := filepath.Join(t.Root, file.Path)
	if err := os.MkdirAll(filepath.Dir(outPath), 0o755); err != nil {
		return err
	}

	out, err := os.OpenFile(outPath, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	defer out.Close()

	fileAbsStart := file.Offset
	fileAbsEnd := file.Offset + file.Length

	for index := 0; index < t.TotalPieces(); index++ {
		pieceAbsStart := int64(index) * int64(t.PieceLength)
		pieceAbsEnd := pieceAbsStart + int64(t.PieceLen(index))

		overlapStart := max(pieceAbsStart, fileAbsStart)
		overlapEnd := min(pieceAbsEnd, fileAbsEnd)
		if overlapStart >= overlapEnd {
			continue
		}

		readLen := overlapEnd - overlapStart
		offsetInPiece := overlapStart - pieceAbsStart
		offsetInFile := overlapStart - fileAbsStart

		blob, err := os.ReadFile(t.blobPath(index))
		if err != nil {
			return fmt.Errorf("read blob for piece %d: %w", index, err)
		}

		n, err := out.WriteAt(blob[offsetInPiece:offsetInPiece+readLen], offsetInFile)
		if err != nil {
			return fmt.Errorf("write %s at %d: %w", file.Path, offsetInFile, err)
		}
		if int64(n) != readLen {
			return fmt.Errorf("incomplete write to %s: wrote %d, expected %d", file.Path, n, readLen)
		}
	}

	return nil
}
