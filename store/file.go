// store/file.go
// Copyright(c) 2018 Matt Pharr
// BSD licensed; see LICENSE for details.

// File objects are framed containers: a header naming the directory the
// file was uploaded into, an attribute block, a block index, and then
// the encrypted blocks themselves. The engine never decrypts blocks; it
// only moves them between envelopes. A block index entry either carries
// a block stored in this stream, or refers to a block of another file
// object -- that is how patches work. Combining a patch with the file
// it refers to reproduces a full, self-contained envelope.

package store

import (
	"fmt"
	"io"
)

const (
	fileMagicV1 = 0x66696C31 // 'fil1'
	// Version 0 files from old stores are accepted for reading only.
	fileMagicV0 = 0x66696C30 // 'fil0'
)

// Block size used when EncodeFile encodes a payload into an envelope.
// Clients
// choose their own block sizes; nothing here depends on them matching.
const fileBlockSize = 4096

// blockIndexEntry describes one block of a file. EncodedSize > 0 means
// the block's bytes are present in this stream; EncodedSize < 0 means
// the block is block number -(EncodedSize+1) of the file this patch is
// diffed against.
type blockIndexEntry struct {
	EncodedSize int64
	RawSize     uint64
	Offset      uint64
	WeakHash    uint32
	StrongHash  [strongHashSize]byte
}

func (e *blockIndexEntry) inStream() bool { return e.EncodedSize > 0 }

// otherIndex returns the block number in the diffed-against file for a
// reference entry.
func (e *blockIndexEntry) otherIndex() int64 { return -e.EncodedSize - 1 }

func refEntrySize(otherIndex int64) int64 { return -(otherIndex + 1) }

// encodedFile is the parsed form of a file object stream.
type encodedFile struct {
	magic       uint32
	containerID int64
	modTime     int64
	attrHash    int64
	attributes  []byte
	index       []blockIndexEntry
	blockData   []byte
}

const maxFileBlocks = 1 << 24

func parseEncodedFile(r io.Reader) (*encodedFile, error) {
	f := &encodedFile{}

	magic, err := readU32(r)
	if err != nil {
		return nil, fmt.Errorf("file header: %w", ErrCorrupt)
	}
	if magic != fileMagicV1 && magic != fileMagicV0 {
		return nil, fmt.Errorf("file magic %08x: %w", magic, ErrCorrupt)
	}
	f.magic = magic

	if f.containerID, err = readI64(r); err != nil {
		return nil, corruptFile(err)
	}
	if f.modTime, err = readI64(r); err != nil {
		return nil, corruptFile(err)
	}
	if f.attrHash, err = readI64(r); err != nil {
		return nil, corruptFile(err)
	}
	if f.attributes, err = readBlob32(r); err != nil {
		return nil, corruptFile(err)
	}

	n, err := readU32(r)
	if err != nil {
		return nil, corruptFile(err)
	}
	if n > maxFileBlocks {
		return nil, fmt.Errorf("%d file blocks: %w", n, ErrCorrupt)
	}

	f.index = make([]blockIndexEntry, n)
	for i := range f.index {
		e := &f.index[i]
		if e.EncodedSize, err = readI64(r); err != nil {
			return nil, corruptFile(err)
		}
		if e.RawSize, err = readU64(r); err != nil {
			return nil, corruptFile(err)
		}
		if e.Offset, err = readU64(r); err != nil {
			return nil, corruptFile(err)
		}
		if e.WeakHash, err = readU32(r); err != nil {
			return nil, corruptFile(err)
		}
		if _, err = io.ReadFull(r, e.StrongHash[:]); err != nil {
			return nil, corruptFile(err)
		}
	}

	if f.blockData, err = io.ReadAll(r); err != nil {
		return nil, corruptFile(err)
	}
	return f, nil
}

func corruptFile(err error) error {
	return fmt.Errorf("file object truncated (%v): %w", err, ErrCorrupt)
}

func (f *encodedFile) writeTo(w io.Writer) error {
	if err := writeU32(w, fileMagicV1); err != nil {
		return err
	}
	if err := writeI64(w, f.containerID); err != nil {
		return err
	}
	if err := writeI64(w, f.modTime); err != nil {
		return err
	}
	if err := writeI64(w, f.attrHash); err != nil {
		return err
	}
	if err := writeBlob32(w, f.attributes); err != nil {
		return err
	}
	if err := writeU32(w, uint32(len(f.index))); err != nil {
		return err
	}
	for i := range f.index {
		e := &f.index[i]
		if err := writeI64(w, e.EncodedSize); err != nil {
			return err
		}
		if err := writeU64(w, e.RawSize); err != nil {
			return err
		}
		if err := writeU64(w, e.Offset); err != nil {
			return err
		}
		if err := writeU32(w, e.WeakHash); err != nil {
			return err
		}
		if _, err := w.Write(e.StrongHash[:]); err != nil {
			return err
		}
	}
	_, err := w.Write(f.blockData)
	return err
}

// checkIndex validates the block index against the stream: in-stream
// block offsets must be exactly cumulative (in bounds, non-overlapping,
// ascending) and the block data section must be exactly as long as the
// index claims.
func (f *encodedFile) checkIndex() error {
	var offset uint64
	for i := range f.index {
		e := &f.index[i]
		if e.EncodedSize == 0 {
			return fmt.Errorf("block %d has zero encoded size: %w", i, ErrCorrupt)
		}
		if !e.inStream() {
			continue
		}
		if e.Offset != offset {
			return fmt.Errorf("block %d at offset %d, expected %d: %w",
				i, e.Offset, offset, ErrCorrupt)
		}
		offset += uint64(e.EncodedSize)
	}
	if offset != uint64(len(f.blockData)) {
		return fmt.Errorf("block data is %d bytes, index claims %d: %w",
			len(f.blockData), offset, ErrCorrupt)
	}
	return nil
}

// blockBytes returns the bytes of an in-stream block.
func (f *encodedFile) blockBytes(i int) []byte {
	e := &f.index[i]
	return f.blockData[e.Offset : e.Offset+uint64(e.EncodedSize)]
}

// isFull reports whether the envelope is self-contained (no references
// to another file).
func (f *encodedFile) isFull() bool {
	for i := range f.index {
		if !f.index[i].inStream() {
			return false
		}
	}
	return true
}

///////////////////////////////////////////////////////////////////////////
// Public operations

// VerifyEncodedFileFormat reads an incoming file object stream, checks
// the framing (magic word, index arithmetic, stream length), and
// returns the container ID declared in the header.
func VerifyEncodedFileFormat(r io.Reader) (int64, error) {
	f, err := parseEncodedFile(r)
	if err != nil {
		return 0, fmt.Errorf("%v: %w", err, ErrFileDoesNotVerify)
	}
	if err := f.checkIndex(); err != nil {
		return 0, fmt.Errorf("%v: %w", err, ErrFileDoesNotVerify)
	}
	return f.containerID, nil
}

// EncodeFile writes a full envelope for the given payload bytes,
// chunked into fixed-size blocks. The engine treats the payload as
// opaque. Housekeeping rewrites go through CombineFile instead and keep
// the original block sizes.
func EncodeFile(w io.Writer, containerID, modTime, attrHash int64,
	attributes, payload []byte) error {
	f := &encodedFile{
		magic:       fileMagicV1,
		containerID: containerID,
		modTime:     modTime,
		attrHash:    attrHash,
		attributes:  attributes,
	}

	var offset uint64
	for len(payload) > 0 {
		n := len(payload)
		if n > fileBlockSize {
			n = fileBlockSize
		}
		block := payload[:n]
		payload = payload[n:]

		f.index = append(f.index, blockIndexEntry{
			EncodedSize: int64(n),
			RawSize:     uint64(n),
			Offset:      offset,
			WeakHash:    weakChecksum(block),
			StrongHash:  strongHash(block),
		})
		f.blockData = append(f.blockData, block...)
		offset += uint64(n)
	}

	return f.writeTo(w)
}

// DecodePayload extracts the payload bytes from a full envelope. It is
// an error if the envelope refers to another file; combine it first.
func DecodePayload(r io.Reader) ([]byte, error) {
	f, err := parseEncodedFile(r)
	if err != nil {
		return nil, err
	}
	if err := f.checkIndex(); err != nil {
		return nil, err
	}
	if !f.isFull() {
		return nil, fmt.Errorf("envelope is a patch: %w", ErrCorrupt)
	}
	return f.blockData, nil
}

// CombineFile reassembles a full file from a patch and the file the
// patch refers to, writing the result to out. The header (container
// ID, modification time, attributes) comes from the patch; referenced
// blocks are pulled out of from, which must itself be full.
func CombineFile(diff, from io.Reader, out io.Writer) error {
	d, err := parseEncodedFile(diff)
	if err != nil {
		return err
	}
	if err := d.checkIndex(); err != nil {
		return err
	}
	f, err := parseEncodedFile(from)
	if err != nil {
		return err
	}
	if err := f.checkIndex(); err != nil {
		return err
	}
	if !f.isFull() {
		return fmt.Errorf("combine against a patch: %w", ErrCorrupt)
	}

	c := &encodedFile{
		magic:       fileMagicV1,
		containerID: d.containerID,
		modTime:     d.modTime,
		attrHash:    d.attrHash,
		attributes:  d.attributes,
	}

	var offset uint64
	for i := range d.index {
		e := &d.index[i]
		var block []byte
		if e.inStream() {
			block = d.blockBytes(i)
		} else {
			o := e.otherIndex()
			if o < 0 || o >= int64(len(f.index)) {
				return fmt.Errorf("patch references block %d of %d: %w",
					o, len(f.index), ErrCorrupt)
			}
			block = f.blockBytes(int(o))
		}
		c.index = append(c.index, blockIndexEntry{
			EncodedSize: int64(len(block)),
			RawSize:     uint64(len(block)),
			Offset:      offset,
			WeakHash:    weakChecksum(block),
			StrongHash:  strongHash(block),
		})
		c.blockData = append(c.blockData, block...)
		offset += uint64(len(block))
	}

	return c.writeTo(out)
}

// ReverseDiffFile rewrites the old version of a file as a patch
// against the new version, given the client's old-to-new patch (whose
// references identify which old blocks survive in the new file) and
// the old version's full envelope. Blocks of old that appear in new
// become references; everything else is carried inline. If no block is
// shared at all, the rewrite is pointless -- completelyDifferent is
// returned true and nothing is written.
func ReverseDiffFile(diff, from io.Reader, out io.Writer) (completelyDifferent bool, err error) {
	d, err := parseEncodedFile(diff)
	if err != nil {
		return false, err
	}
	if err := d.checkIndex(); err != nil {
		return false, err
	}
	f, err := parseEncodedFile(from)
	if err != nil {
		return false, err
	}
	if err := f.checkIndex(); err != nil {
		return false, err
	}
	if !f.isFull() {
		return false, fmt.Errorf("reverse diff of a patch: %w", ErrCorrupt)
	}

	// An old block survives in the new file if the patch references
	// it; the position of the reference is the block's index in the
	// new file. First reference wins if a block is referenced twice.
	newIndexForOldBlock := make(map[int64]int64)
	for i := range d.index {
		e := &d.index[i]
		if e.inStream() {
			continue
		}
		o := e.otherIndex()
		if o < 0 || o >= int64(len(f.index)) {
			return false, fmt.Errorf("patch references block %d of %d: %w",
				o, len(f.index), ErrCorrupt)
		}
		if _, ok := newIndexForOldBlock[o]; !ok {
			newIndexForOldBlock[o] = int64(i)
		}
	}

	if len(newIndexForOldBlock) == 0 {
		return true, nil
	}

	rev := &encodedFile{
		magic:       fileMagicV1,
		containerID: f.containerID,
		modTime:     f.modTime,
		attrHash:    f.attrHash,
		attributes:  f.attributes,
	}

	var offset uint64
	for i := range f.index {
		e := &f.index[i]
		if newIdx, ok := newIndexForOldBlock[int64(i)]; ok {
			rev.index = append(rev.index, blockIndexEntry{
				EncodedSize: refEntrySize(newIdx),
				RawSize:     e.RawSize,
				WeakHash:    e.WeakHash,
				StrongHash:  e.StrongHash,
			})
			continue
		}
		block := f.blockBytes(i)
		rev.index = append(rev.index, blockIndexEntry{
			EncodedSize: int64(len(block)),
			RawSize:     e.RawSize,
			Offset:      offset,
			WeakHash:    e.WeakHash,
			StrongHash:  e.StrongHash,
		})
		rev.blockData = append(rev.blockData, block...)
		offset += uint64(len(block))
	}

	return false, rev.writeTo(out)
}
