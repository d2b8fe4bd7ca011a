// store/wire.go
// Copyright(c) 2018 Matt Pharr
// BSD licensed; see LICENSE for details.

package store

import (
	"encoding/binary"
	"fmt"
	"io"
)

// All multi-byte integers in persistent records are network order.
// These helpers keep the (de)serialization code in directory.go,
// file.go, info.go and refcount.go free of buffer fiddling.

func writeU16(w io.Writer, v uint16) error {
	var b [2]byte
	binary.BigEndian.PutUint16(b[:], v)
	_, err := w.Write(b[:])
	return err
}

func writeU32(w io.Writer, v uint32) error {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], v)
	_, err := w.Write(b[:])
	return err
}

func writeU64(w io.Writer, v uint64) error {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], v)
	_, err := w.Write(b[:])
	return err
}

func writeI64(w io.Writer, v int64) error {
	return writeU64(w, uint64(v))
}

func writeI16(w io.Writer, v int16) error {
	return writeU16(w, uint16(v))
}

func readU16(r io.Reader) (uint16, error) {
	var b [2]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint16(b[:]), nil
}

func readU32(r io.Reader) (uint32, error) {
	var b [4]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint32(b[:]), nil
}

func readU64(r io.Reader) (uint64, error) {
	var b [8]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint64(b[:]), nil
}

func readI64(r io.Reader) (int64, error) {
	v, err := readU64(r)
	return int64(v), err
}

func readI16(r io.Reader) (int16, error) {
	v, err := readU16(r)
	return int16(v), err
}

// Variable-length byte strings are stored with a 16-bit length
// (filenames) or a 32-bit length (attribute blocks).

func writeBlob16(w io.Writer, b []byte) error {
	if len(b) > 0xffff {
		return fmt.Errorf("blob of %d bytes too large", len(b))
	}
	if err := writeU16(w, uint16(len(b))); err != nil {
		return err
	}
	_, err := w.Write(b)
	return err
}

func readBlob16(r io.Reader) ([]byte, error) {
	n, err := readU16(r)
	if err != nil {
		return nil, err
	}
	if n == 0 {
		return nil, nil
	}
	b := make([]byte, n)
	_, err = io.ReadFull(r, b)
	return b, err
}

// maxBlob32 bounds attribute blocks when reading, so that a corrupt
// length field can't cause an enormous allocation.
const maxBlob32 = 1 << 26

func writeBlob32(w io.Writer, b []byte) error {
	if len(b) > maxBlob32 {
		return fmt.Errorf("blob of %d bytes too large", len(b))
	}
	if err := writeU32(w, uint32(len(b))); err != nil {
		return err
	}
	_, err := w.Write(b)
	return err
}

func readBlob32(r io.Reader) ([]byte, error) {
	n, err := readU32(r)
	if err != nil {
		return nil, err
	}
	if n > maxBlob32 {
		return nil, fmt.Errorf("%d byte blob: %w", n, ErrCorrupt)
	}
	if n == 0 {
		return nil, nil
	}
	b := make([]byte, n)
	_, err = io.ReadFull(r, b)
	return b, err
}
