// store/export_test.go
// Copyright(c) 2018 Matt Pharr
// BSD licensed; see LICENSE for details.

package store

import (
	"bytes"
	"fmt"
	"io"
)

// EncodeDiff plays the client's role for tests: it builds a patch
// envelope carrying newPayload, where any block whose strong hash
// matches a block of the old envelope becomes a reference instead of
// inline data.
func EncodeDiff(w io.Writer, containerID, modTime, attrHash int64,
	attributes, newPayload []byte, oldEnvelope []byte) error {
	old, err := parseEncodedFile(bytes.NewReader(oldEnvelope))
	if err != nil {
		return err
	}
	if !old.isFull() {
		return fmt.Errorf("diff against a patch: %w", ErrCorrupt)
	}

	oldBlockByHash := make(map[[strongHashSize]byte]int64)
	for i := range old.index {
		h := old.index[i].StrongHash
		if _, ok := oldBlockByHash[h]; !ok {
			oldBlockByHash[h] = int64(i)
		}
	}

	f := &encodedFile{
		magic:       fileMagicV1,
		containerID: containerID,
		modTime:     modTime,
		attrHash:    attrHash,
		attributes:  attributes,
	}

	var offset uint64
	for len(newPayload) > 0 {
		n := len(newPayload)
		if n > fileBlockSize {
			n = fileBlockSize
		}
		block := newPayload[:n]
		newPayload = newPayload[n:]

		strong := strongHash(block)
		if oldIdx, ok := oldBlockByHash[strong]; ok &&
			bytes.Equal(old.blockBytes(int(oldIdx)), block) {
			f.index = append(f.index, blockIndexEntry{
				EncodedSize: refEntrySize(oldIdx),
				RawSize:     uint64(n),
				WeakHash:    weakChecksum(block),
				StrongHash:  strong,
			})
			continue
		}

		f.index = append(f.index, blockIndexEntry{
			EncodedSize: int64(n),
			RawSize:     uint64(n),
			Offset:      offset,
			WeakHash:    weakChecksum(block),
			StrongHash:  strong,
		})
		f.blockData = append(f.blockData, block...)
		offset += uint64(n)
	}

	return f.writeTo(w)
}

// ObjectFilenameForTest exposes the ID-to-path mapping.
func ObjectFilenameForTest(id int64) string {
	return objectFilename(id)
}
