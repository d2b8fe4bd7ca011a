// store/directory.go
// Copyright(c) 2018 Matt Pharr
// BSD licensed; see LICENSE for details.

package store

import (
	"fmt"
	"io"
)

// Magic word at the start of every serialized directory object.
const dirMagic = 0x64697231 // 'dir1'

// Directory entry flags. Kind (File xor Dir), lifecycle (OldVersion and
// Deleted, independently), and the transient Contained bit which only
// the consistency checker sets while reconciling references.
const (
	FlagFile       int16 = 1
	FlagDir        int16 = 2
	FlagDeleted    int16 = 4
	FlagOldVersion int16 = 8
	FlagContained  int16 = 16

	// Filter sentinels for Matching.
	FlagsIncludeEverything int16 = -1
	FlagsExcludeNothing    int16 = 0
)

const knownFlags = FlagFile | FlagDir | FlagDeleted | FlagOldVersion | FlagContained

// Entry is one named reference inside a directory object.
type Entry struct {
	Name             Filename
	ModificationTime int64
	ObjectID         int64
	SizeInBlocks     int64
	Flags            int16
	AttributesHash   int64
	Attributes       []byte

	// For files in a patch chain: the IDs of the adjacent chain
	// elements, zero when absent. A file with DependsNewer set is
	// stored as a reverse patch against that newer version.
	DependsOlder int64
	DependsNewer int64
}

func (e *Entry) IsFile() bool    { return e.Flags&FlagFile != 0 }
func (e *Entry) IsDir() bool     { return e.Flags&FlagDir != 0 }
func (e *Entry) IsDeleted() bool { return e.Flags&FlagDeleted != 0 }
func (e *Entry) IsOld() bool     { return e.Flags&FlagOldVersion != 0 }

func (e *Entry) AddFlags(f int16)    { e.Flags |= f }
func (e *Entry) RemoveFlags(f int16) { e.Flags &^= f }

// Matches reports whether the entry's flags contain all the include
// flags (FlagsIncludeEverything matches anything) and none of the
// exclude flags.
func (e *Entry) Matches(include, exclude int16) bool {
	if include != FlagsIncludeEverything && e.Flags&include != include {
		return false
	}
	return e.Flags&exclude == 0
}

func (e *Entry) writeTo(w io.Writer) error {
	if err := writeBlob16(w, e.Name); err != nil {
		return err
	}
	if err := writeI64(w, e.ModificationTime); err != nil {
		return err
	}
	if err := writeI64(w, e.ObjectID); err != nil {
		return err
	}
	if err := writeI64(w, e.SizeInBlocks); err != nil {
		return err
	}
	if err := writeI16(w, e.Flags); err != nil {
		return err
	}
	if err := writeI64(w, e.AttributesHash); err != nil {
		return err
	}
	if err := writeBlob32(w, e.Attributes); err != nil {
		return err
	}
	if err := writeI64(w, e.DependsOlder); err != nil {
		return err
	}
	return writeI64(w, e.DependsNewer)
}

func (e *Entry) readFrom(r io.Reader) error {
	var err error
	if e.Name, err = readBlob16(r); err != nil {
		return err
	}
	if e.ModificationTime, err = readI64(r); err != nil {
		return err
	}
	if e.ObjectID, err = readI64(r); err != nil {
		return err
	}
	if e.SizeInBlocks, err = readI64(r); err != nil {
		return err
	}
	if e.Flags, err = readI16(r); err != nil {
		return err
	}
	if e.AttributesHash, err = readI64(r); err != nil {
		return err
	}
	if e.Attributes, err = readBlob32(r); err != nil {
		return err
	}
	if e.DependsOlder, err = readI64(r); err != nil {
		return err
	}
	e.DependsNewer, err = readI64(r)
	return err
}

///////////////////////////////////////////////////////////////////////////
// Directory

// Directory is the in-memory form of a directory object: an ordered
// set of entries plus the directory's own attribute block. Entries keep
// their insertion order, so serialization is stable: directories with
// the same semantic content round-trip byte-identically.
type Directory struct {
	objectID          int64
	containerID       int64
	attributes        []byte
	attributesModTime int64
	entries           []*Entry

	// Bookkeeping for the directory cache and for size adjustment on
	// save; neither is serialized.
	revisionID   int64
	sizeInBlocks int64
}

func NewDirectory(objectID, containerID int64) *Directory {
	return &Directory{objectID: objectID, containerID: containerID}
}

func (d *Directory) ObjectID() int64        { return d.objectID }
func (d *Directory) ContainerID() int64     { return d.containerID }
func (d *Directory) SetContainerID(id int64) { d.containerID = id }

func (d *Directory) Attributes() []byte        { return d.attributes }
func (d *Directory) AttributesModTime() int64  { return d.attributesModTime }
func (d *Directory) SetAttributes(attrs []byte, modTime int64) {
	d.attributes = attrs
	d.attributesModTime = modTime
}
func (d *Directory) HasAttributes() bool { return len(d.attributes) > 0 }

func (d *Directory) RevisionID() int64      { return d.revisionID }
func (d *Directory) SetRevisionID(id int64) { d.revisionID = id }

func (d *Directory) SizeInBlocks() int64     { return d.sizeInBlocks }
func (d *Directory) SetSizeInBlocks(n int64) { d.sizeInBlocks = n }

func (d *Directory) NumEntries() int { return len(d.entries) }

// AddEntry appends a new entry. The caller guarantees that the name is
// unique among live entries; the directory does not check.
func (d *Directory) AddEntry(name Filename, modTime, objectID, sizeBlocks int64,
	flags int16, attrHash int64) *Entry {
	e := &Entry{
		Name:             append(Filename(nil), name...),
		ModificationTime: modTime,
		ObjectID:         objectID,
		SizeInBlocks:     sizeBlocks,
		Flags:            flags,
		AttributesHash:   attrHash,
	}
	d.entries = append(d.entries, e)
	return e
}

// AddEntryCopy appends a copy of an existing entry (used when moving
// entries between directories).
func (d *Directory) AddEntryCopy(e *Entry) *Entry {
	c := *e
	c.Name = append(Filename(nil), e.Name...)
	c.Attributes = append([]byte(nil), e.Attributes...)
	d.entries = append(d.entries, &c)
	return &c
}

// FindEntryByID returns the entry referencing the given object, or nil.
func (d *Directory) FindEntryByID(id int64) *Entry {
	for _, e := range d.entries {
		if e.ObjectID == id {
			return e
		}
	}
	return nil
}

// DeleteEntry removes the entry referencing the given object, returning
// whether an entry was removed.
func (d *Directory) DeleteEntry(id int64) bool {
	for i, e := range d.entries {
		if e.ObjectID == id {
			d.entries = append(d.entries[:i], d.entries[i+1:]...)
			return true
		}
	}
	return false
}

// Matching returns the entries whose flags satisfy the include/exclude
// filter, in directory order. The returned entries are the directory's
// own; callers may modify them in place before saving the directory.
func (d *Directory) Matching(include, exclude int16) []*Entry {
	var match []*Entry
	for _, e := range d.entries {
		if e.Matches(include, exclude) {
			match = append(match, e)
		}
	}
	return match
}

// Entries returns all entries in directory order.
func (d *Directory) Entries() []*Entry {
	return d.Matching(FlagsIncludeEverything, FlagsExcludeNothing)
}

// CheckAndFix repairs structural problems: entries with unknown flag
// bits, entries flagged as both file and directory (or neither), and
// leftover transient bits. Returns whether anything was modified.
func (d *Directory) CheckAndFix() bool {
	modified := false
	kept := d.entries[:0]
	for _, e := range d.entries {
		if e.Flags&^knownFlags != 0 {
			modified = true
			continue
		}
		kind := e.Flags & (FlagFile | FlagDir)
		if kind != FlagFile && kind != FlagDir {
			modified = true
			continue
		}
		if e.Flags&FlagContained != 0 {
			e.RemoveFlags(FlagContained)
			modified = true
		}
		kept = append(kept, e)
	}
	d.entries = kept
	return modified
}

///////////////////////////////////////////////////////////////////////////
// Serialization

const dirOptionHasAttributes = 1

// WriteTo serializes the directory in its on-disc format.
func (d *Directory) WriteTo(w io.Writer) error {
	if err := writeU32(w, dirMagic); err != nil {
		return err
	}
	if err := writeI64(w, d.objectID); err != nil {
		return err
	}
	if err := writeI64(w, d.containerID); err != nil {
		return err
	}

	options := uint32(0)
	if d.HasAttributes() {
		options |= dirOptionHasAttributes
	}
	if err := writeU32(w, options); err != nil {
		return err
	}
	if options&dirOptionHasAttributes != 0 {
		if err := writeBlob32(w, d.attributes); err != nil {
			return err
		}
		if err := writeI64(w, d.attributesModTime); err != nil {
			return err
		}
	}

	if err := writeU32(w, uint32(len(d.entries))); err != nil {
		return err
	}
	for _, e := range d.entries {
		if err := e.writeTo(w); err != nil {
			return err
		}
	}
	return nil
}

// Guard against a corrupt entry count causing pathological allocation;
// real directories are nowhere near this.
const maxDirectoryEntries = 1 << 24

// ReadFrom deserializes a directory object, replacing the receiver's
// contents. A bad magic word or truncated stream returns ErrCorrupt.
func (d *Directory) ReadFrom(r io.Reader) error {
	magic, err := readU32(r)
	if err != nil {
		return fmt.Errorf("directory header: %w", ErrCorrupt)
	}
	if magic != dirMagic {
		return fmt.Errorf("directory magic %08x: %w", magic, ErrCorrupt)
	}

	if d.objectID, err = readI64(r); err != nil {
		return corruptDir(err)
	}
	if d.containerID, err = readI64(r); err != nil {
		return corruptDir(err)
	}

	options, err := readU32(r)
	if err != nil {
		return corruptDir(err)
	}
	d.attributes = nil
	d.attributesModTime = 0
	if options&dirOptionHasAttributes != 0 {
		if d.attributes, err = readBlob32(r); err != nil {
			return corruptDir(err)
		}
		if d.attributesModTime, err = readI64(r); err != nil {
			return corruptDir(err)
		}
	}

	n, err := readU32(r)
	if err != nil {
		return corruptDir(err)
	}
	if n > maxDirectoryEntries {
		return fmt.Errorf("%d directory entries: %w", n, ErrCorrupt)
	}
	d.entries = nil
	for i := uint32(0); i < n; i++ {
		e := &Entry{}
		if err := e.readFrom(r); err != nil {
			return corruptDir(err)
		}
		d.entries = append(d.entries, e)
	}
	return nil
}

func corruptDir(err error) error {
	return fmt.Errorf("directory truncated (%v): %w", err, ErrCorrupt)
}
