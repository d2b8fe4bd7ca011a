// raidfile/raidfile.go
// Copyright(c) 2018 Matt Pharr
// BSD licensed; see LICENSE for details.

// The raidfile package stores logical files striped across the
// directories of a disc set: N data shards plus one Reed-Solomon parity
// shard, based on github.com/klauspost/reedsolomon. A file being written
// lives as a single temporary file on the first disc until it is
// committed; commit either renames it into place as a whole file or
// converts it to its striped representation immediately. Readers
// transparently reconstruct the contents when one shard is missing or
// fails its integrity hash.

package raidfile

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/klauspost/reedsolomon"
	"golang.org/x/crypto/sha3"
)

var (
	ErrNotFound       = errors.New("raidfile not found")
	ErrCorrupt        = errors.New("raidfile corrupt beyond recovery")
	ErrExists         = errors.New("raidfile already exists")
	ErrInvalidDiscSet = errors.New("invalid disc set")
)

var shardMagic = [4]byte{'R', 'F', 'S', '1'}

// Per-shard header: magic, shard index, size of the original file, and
// a SHAKE256 hash of the shard payload so that silent corruption is
// detected on read.
const shardHeaderSize = 4 + 4 + 8 + shardHashSize

const shardHashSize = 32

// Suffixes for the on-disc representations of a logical file. A whole
// (unconverted) file is stored on the first disc with the "whole"
// suffix; converted files have one shard per disc.
const (
	wholeSuffix = ".rfw"
	tempSuffix  = ".rfw.t"
)

// DiscSet describes one group of directories that files are striped
// across, and the block size used to account for their storage cost.
// With fewer than three directories there is nothing useful to stripe
// over, and files are stored whole on the first directory.
type DiscSet struct {
	Dirs      []string
	BlockSize int
}

func (ds *DiscSet) Striped() bool {
	return len(ds.Dirs) >= 3
}

func (ds *DiscSet) nDataShards() int {
	return len(ds.Dirs) - 1
}

func (ds *DiscSet) check() error {
	if len(ds.Dirs) == 0 || ds.BlockSize <= 0 {
		return ErrInvalidDiscSet
	}
	return nil
}

func (ds *DiscSet) wholePath(name string) string {
	return filepath.Join(ds.Dirs[0], name+wholeSuffix)
}

func (ds *DiscSet) shardPath(i int, name string) string {
	return filepath.Join(ds.Dirs[i], fmt.Sprintf("%s.rf%d", name, i))
}

// EnsureDirectory creates the given directory (relative to the disc set
// roots) on every disc of the set.
func (ds *DiscSet) EnsureDirectory(rel string) error {
	for _, d := range ds.Dirs {
		if err := os.MkdirAll(filepath.Join(d, rel), 0700); err != nil {
			return err
		}
	}
	return nil
}

// DirectoryExists reports whether the directory exists on any disc of
// the set.
func (ds *DiscSet) DirectoryExists(rel string) bool {
	for _, d := range ds.Dirs {
		if stat, err := os.Stat(filepath.Join(d, rel)); err == nil && stat.IsDir() {
			return true
		}
	}
	return false
}

type DirReadType int

const (
	DirReadDirsOnly DirReadType = iota
	DirReadFilesOnly
)

// ReadDirectoryContents returns the names in the given directory across
// all discs of the set: subdirectory names, or the logical names of the
// files stored there (shard and whole-file suffixes removed,
// duplicates merged). The result is sorted.
func (ds *DiscSet) ReadDirectoryContents(rel string, kind DirReadType) ([]string, error) {
	seen := make(map[string]struct{})
	found := false
	for _, d := range ds.Dirs {
		entries, err := os.ReadDir(filepath.Join(d, rel))
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return nil, err
		}
		found = true
		for _, e := range entries {
			if kind == DirReadDirsOnly {
				if e.IsDir() {
					seen[e.Name()] = struct{}{}
				}
				continue
			}
			if e.IsDir() {
				continue
			}
			seen[logicalName(e.Name())] = struct{}{}
		}
	}
	if !found {
		return nil, ErrNotFound
	}

	var names []string
	for n := range seen {
		names = append(names, n)
	}
	sort.Strings(names)
	return names, nil
}

// logicalName strips the raidfile suffixes from an on-disc filename,
// returning the logical file name. Names that carry no raidfile suffix
// are returned unchanged; the consistency checker deals with those.
func logicalName(fn string) string {
	if strings.HasSuffix(fn, tempSuffix) {
		return strings.TrimSuffix(fn, tempSuffix)
	}
	if strings.HasSuffix(fn, wholeSuffix) {
		return strings.TrimSuffix(fn, wholeSuffix)
	}
	if i := strings.LastIndex(fn, ".rf"); i >= 0 {
		digits := fn[i+3:]
		if len(digits) > 0 && strings.TrimLeft(digits, "0123456789") == "" {
			return fn[:i]
		}
	}
	return fn
}

// Exists reports whether the named file has been committed, and if so
// also returns its revision ID, a value which changes whenever the file
// is rewritten (derived from the modification time and size of the
// authoritative on-disc file).
func (ds *DiscSet) Exists(name string) (bool, int64) {
	if stat, err := os.Stat(ds.wholePath(name)); err == nil {
		return true, revisionID(stat)
	}
	for i := range ds.Dirs {
		if stat, err := os.Stat(ds.shardPath(i, name)); err == nil {
			return true, revisionID(stat)
		}
	}
	return false, 0
}

func revisionID(stat os.FileInfo) int64 {
	return stat.ModTime().UnixMicro() + stat.Size()
}

// Delete removes all on-disc representations of a committed file.
func (ds *DiscSet) Delete(name string) error {
	any := false
	for i := range ds.Dirs {
		if err := os.Remove(ds.shardPath(i, name)); err == nil {
			any = true
		} else if !os.IsNotExist(err) {
			return err
		}
	}
	if err := os.Remove(ds.wholePath(name)); err == nil {
		any = true
	} else if !os.IsNotExist(err) {
		return err
	}
	if !any {
		return ErrNotFound
	}
	return nil
}

func (ds *DiscSet) usageForSize(size int64, striped bool) int64 {
	bs := int64(ds.BlockSize)
	if striped {
		n := int64(ds.nDataShards())
		shardSize := (size + n - 1) / n
		stored := int64(len(ds.Dirs)) * (shardHeaderSize + shardSize)
		return (stored + bs - 1) / bs
	}
	return (size + bs - 1) / bs
}

///////////////////////////////////////////////////////////////////////////
// Writing

// Writer accumulates the contents of a logical file in a temporary file
// on the first disc of the set. Nothing is visible to readers until
// Commit; Abort (or a Commit failure) removes the temporary file.
type Writer struct {
	ds        *DiscSet
	name      string
	f         *os.File
	tmpPath   string
	size      int64
	committed bool
}

// Create opens a writer for the named file. Unless overwrite is given,
// it is an error (ErrExists) if a committed file with this name already
// exists.
func (ds *DiscSet) Create(name string, overwrite bool) (*Writer, error) {
	if err := ds.check(); err != nil {
		return nil, err
	}
	if !overwrite {
		if exists, _ := ds.Exists(name); exists {
			return nil, ErrExists
		}
	}

	tmp := filepath.Join(ds.Dirs[0], name+tempSuffix)
	if err := os.MkdirAll(filepath.Dir(tmp), 0700); err != nil {
		return nil, err
	}
	f, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0600)
	if err != nil {
		return nil, err
	}

	return &Writer{ds: ds, name: name, f: f, tmpPath: tmp}, nil
}

func (w *Writer) Write(b []byte) (int, error) {
	n, err := w.f.Write(b)
	w.size += int64(n)
	return n, err
}

// DiscUsageInBlocks returns the number of storage blocks the file will
// occupy once committed (in its striped representation if the disc set
// stripes). Valid before and after Commit.
func (w *Writer) DiscUsageInBlocks() int64 {
	return w.ds.usageForSize(w.size, w.ds.Striped() && w.size > 0)
}

// Abort discards an uncommitted write, removing the temporary file.
// Calling Abort after Commit is a no-op, so it is safe to defer.
func (w *Writer) Abort() {
	if w.committed {
		return
	}
	if w.f != nil {
		w.f.Close()
		w.f = nil
	}
	os.Remove(w.tmpPath)
}

// Commit makes the written contents visible under the file's name,
// either as a whole file or, if convertToRaid is set and the disc set
// stripes, in the striped representation immediately. Any previous
// committed representation is replaced. On error the temporary file is
// removed and nothing of the new version remains.
func (w *Writer) Commit(convertToRaid bool) error {
	if w.committed {
		return errors.New("raidfile already committed")
	}
	if err := w.f.Close(); err != nil {
		w.f = nil
		w.Abort()
		return err
	}
	w.f = nil

	if !convertToRaid || !w.ds.Striped() || w.size == 0 {
		if err := os.Rename(w.tmpPath, w.ds.wholePath(w.name)); err != nil {
			w.Abort()
			return err
		}
		w.committed = true
		// Remove shards from any previous converted version.
		for i := range w.ds.Dirs {
			os.Remove(w.ds.shardPath(i, w.name))
		}
		return nil
	}

	if err := w.convert(); err != nil {
		w.Abort()
		return err
	}
	w.committed = true
	return nil
}

func (w *Writer) convert() error {
	data, err := os.ReadFile(w.tmpPath)
	if err != nil {
		return err
	}

	nData := w.ds.nDataShards()
	shards := shardFile(data, nData)

	// Parity shard, same size as the data shards.
	shards = append(shards, make([]byte, len(shards[0])))
	enc, err := reedsolomon.New(nData, 1)
	if err != nil {
		return err
	}
	if err := enc.Encode(shards); err != nil {
		return err
	}

	// Write each shard to its disc through a temporary file, then
	// rename all of them into place.
	var tmps []string
	cleanup := func() {
		for _, t := range tmps {
			os.Remove(t)
		}
	}
	for i, s := range shards {
		p := w.ds.shardPath(i, w.name)
		if err := os.MkdirAll(filepath.Dir(p), 0700); err != nil {
			cleanup()
			return err
		}
		tmp := p + ".t"
		if err := os.WriteFile(tmp, encodeShard(i, w.size, s), 0600); err != nil {
			cleanup()
			return err
		}
		tmps = append(tmps, tmp)
	}
	for i := range shards {
		p := w.ds.shardPath(i, w.name)
		if err := os.Rename(tmps[i], p); err != nil {
			cleanup()
			return err
		}
	}

	os.Remove(w.tmpPath)
	os.Remove(w.ds.wholePath(w.name))
	return nil
}

// shardFile splits b into nShards equal-sized slices, zero padding the
// last one.
func shardFile(b []byte, nShards int) [][]byte {
	shardSize := (int64(len(b)) + int64(nShards) - 1) / int64(nShards)
	buf := make([]byte, shardSize*int64(nShards))
	copy(buf, b)

	var shards [][]byte
	for i := 0; i < nShards; i++ {
		shards = append(shards, buf[int64(i)*shardSize:int64(i+1)*shardSize])
	}
	return shards
}

func encodeShard(index int, origSize int64, payload []byte) []byte {
	buf := make([]byte, shardHeaderSize+len(payload))
	copy(buf, shardMagic[:])
	binary.BigEndian.PutUint32(buf[4:], uint32(index))
	binary.BigEndian.PutUint64(buf[8:], uint64(origSize))
	sha3.ShakeSum256(buf[16:16+shardHashSize], payload)
	copy(buf[shardHeaderSize:], payload)
	return buf
}

// decodeShard validates a shard file's header and hash, returning the
// payload and the original file size.
func decodeShard(b []byte, wantIndex int) (payload []byte, origSize int64, ok bool) {
	if len(b) < shardHeaderSize {
		return nil, 0, false
	}
	if !bytes.Equal(b[:4], shardMagic[:]) {
		return nil, 0, false
	}
	if binary.BigEndian.Uint32(b[4:]) != uint32(wantIndex) {
		return nil, 0, false
	}
	origSize = int64(binary.BigEndian.Uint64(b[8:]))
	payload = b[shardHeaderSize:]

	var h [shardHashSize]byte
	sha3.ShakeSum256(h[:], payload)
	if !bytes.Equal(h[:], b[16:16+shardHashSize]) {
		return nil, 0, false
	}
	return payload, origSize, true
}

///////////////////////////////////////////////////////////////////////////
// Reading

// Read provides the contents of a committed file, along with its
// storage cost. It reads from memory, so Close is a no-op; it exists so
// that callers can treat objects as streams.
type Read struct {
	*bytes.Reader
	usageBlocks int64
}

func (r *Read) Close() error { return nil }

func (r *Read) DiscUsageInBlocks() int64 { return r.usageBlocks }

// Open reads a committed file, reconstructing it from the parity shard
// if a single shard is missing or corrupt. It returns ErrNotFound if no
// representation of the file exists at all, and ErrCorrupt if what is
// there cannot be recovered.
func (ds *DiscSet) Open(name string) (*Read, error) {
	if err := ds.check(); err != nil {
		return nil, err
	}

	// Whole (unconverted) file?
	if b, err := os.ReadFile(ds.wholePath(name)); err == nil {
		return &Read{bytes.NewReader(b), ds.usageForSize(int64(len(b)), false)}, nil
	} else if !os.IsNotExist(err) {
		return nil, err
	}

	nShards := len(ds.Dirs)
	shards := make([][]byte, nShards)
	present := 0
	good := 0
	origSize := int64(-1)
	for i := 0; i < nShards; i++ {
		b, err := os.ReadFile(ds.shardPath(i, name))
		if err != nil {
			continue
		}
		present++
		payload, size, ok := decodeShard(b, i)
		if !ok {
			continue
		}
		shards[i] = payload
		good++
		origSize = size
	}

	if present == 0 {
		return nil, ErrNotFound
	}
	if good < ds.nDataShards() {
		return nil, fmt.Errorf("%s: %d of %d shards readable: %w",
			name, good, nShards, ErrCorrupt)
	}

	// Shard sizes must agree for reconstruction.
	shardSize := -1
	for _, s := range shards {
		if s == nil {
			continue
		}
		if shardSize == -1 {
			shardSize = len(s)
		} else if len(s) != shardSize {
			return nil, fmt.Errorf("%s: shard size mismatch: %w", name, ErrCorrupt)
		}
	}

	if good < nShards {
		enc, err := reedsolomon.New(ds.nDataShards(), 1)
		if err != nil {
			return nil, err
		}
		if err := enc.Reconstruct(shards); err != nil {
			return nil, fmt.Errorf("%s: %v: %w", name, err, ErrCorrupt)
		}
	}

	var data []byte
	for i := 0; i < ds.nDataShards(); i++ {
		data = append(data, shards[i]...)
	}
	if origSize > int64(len(data)) {
		return nil, fmt.Errorf("%s: stored size overruns shards: %w", name, ErrCorrupt)
	}
	data = data[:origSize]

	return &Read{bytes.NewReader(data), ds.usageForSize(origSize, true)}, nil
}
