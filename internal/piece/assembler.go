// Package piece implements the single-block assembler a download session
// uses to pull one piece through one connection, one block at a time.
package piece

import (
	"bytes"
	"crypto/sha1"
	"errors"
)

// BlockSize is the maximum request length: 16 KiB, the conventional
// BitTorrent block size.
const BlockSize = 16 * 1024

// Request is a block request: [Begin, Begin+Length) of piece Index.
type Request struct {
	Index  int
	Begin  int
	Length int
}

// Block is a received block of piece data.
type Block struct {
	Index int
	Begin int
	Data  []byte
}

var (
	ErrBlockMismatch = errors.New("piece: block does not match outstanding request")
	ErrAlreadyFull   = errors.New("piece: assembler already holds a full piece")
)

// Assembler accumulates blocks for exactly one piece, at most one
// outstanding request at a time.
type Assembler struct {
	index      int
	expected   [sha1.Size]byte
	length     int
	buf        []byte
	nextOffset int
}

// NewAssembler returns an Assembler for piece index, with the given total
// length and expected SHA-1 hash.
func NewAssembler(index int, length int, expected [sha1.Size]byte) *Assembler {
	return &Assembler{
		index:    index,
		expected: expected,
		length:   length,
		buf:      make([]byte, 0, length),
	}
}

// Index returns the piece index this assembler is collecting.
func (a *Assembler) Index() int { return a.index }

// RequestNextBlock returns the Request for the next unacquired byte range,
// or ok=false once the piece is full.
func (a *Assembler) RequestNextBlock() (req Request, ok bool) {
	if a.IsFull() {
		return Request{}, false
	}

	remaining := a.length - a.nextOffset
	blockLen := min(BlockSize, remaining)

	return Request{Index: a.index, Begin: a.nextOffset, Length: blockLen}, true
}

// Append validates that block lines up with the current outstanding request
// (index and begin must match exactly) and, if so, appends its bytes and
// advances the cursor.
func (a *Assembler) Append(block Block) error {
	if a.IsFull() {
		return ErrAlreadyFull
	}
	if block.Index != a.index || block.Begin != a.nextOffset {
		return ErrBlockMismatch
	}

	a.buf = append(a.buf, block.Data...)
	a.nextOffset += len(block.Data)
	return nil
}

// IsFull reports whether the accumulated length equals the expected length.
func (a *Assembler) IsFull() bool {
	return len(a.buf) == a.length
}

// HashesMatch computes SHA-1 over the accumulated buffer and compares it to
// the expected hash. Only meaningful once IsFull reports true.
func (a *Assembler) HashesMatch() bool {
	sum := sha1.Sum(a.buf)
	return bytes.Equal(sum[:], a.expected[:])
}

// Bytes returns the accumulated piece bytes. Only meaningful once IsFull
// reports true.
func (a *Assembler) Bytes() []byte {
	return a.buf
}
