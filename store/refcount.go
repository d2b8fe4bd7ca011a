// store/refcount.go
// Copyright(c) 2018 Matt Pharr
// BSD licensed; see LICENSE for details.

package store

import (
	"bytes"
	"fmt"
	"os"
)

const refCountMagic = 0x52454643 // 'REFC'
const refCountVersion = 1

// RefCountDatabase tracks, for every object ID an account has ever
// allocated, how many directory entries reference it. Housekeeping
// deletes objects whose count reaches zero. The database is small
// (four bytes per ID), so it is held in memory and written back whole;
// it lives as a plain file beside the info record and is rebuilt from
// scratch by the consistency checker when it is missing or corrupt.
type RefCountDatabase struct {
	account  Account
	readOnly bool
	modified bool
	counts   []uint32 // indexed by object ID - 1
}

// LoadRefCountDatabase reads the account's refcount database.
func LoadRefCountDatabase(account Account, readOnly bool) (*RefCountDatabase, error) {
	b, err := os.ReadFile(account.RefCountFilename())
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("refcount database: %w", ErrNotFound)
		}
		return nil, err
	}

	r := bytes.NewReader(b)
	magic, err := readU32(r)
	if err != nil || magic != refCountMagic {
		return nil, fmt.Errorf("refcount database magic: %w", ErrCorrupt)
	}
	version, err := readU32(r)
	if err != nil || version != refCountVersion {
		return nil, fmt.Errorf("refcount database version: %w", ErrCorrupt)
	}
	lastID, err := readI64(r)
	if err != nil || lastID < 0 || int64(r.Len()) != lastID*4 {
		return nil, fmt.Errorf("refcount database length: %w", ErrCorrupt)
	}

	db := &RefCountDatabase{
		account:  account,
		readOnly: readOnly,
		counts:   make([]uint32, lastID),
	}
	for i := range db.counts {
		if db.counts[i], err = readU32(r); err != nil {
			return nil, fmt.Errorf("refcount database truncated: %w", ErrCorrupt)
		}
	}
	return db, nil
}

// NewRefCountDatabaseForRegeneration returns an empty, writable
// database. The checker (or a fresh account) populates and saves it.
func NewRefCountDatabaseForRegeneration(account Account) *RefCountDatabase {
	return &RefCountDatabase{account: account, modified: true}
}

// LastObjectIDUsed returns the highest object ID the database covers.
func (db *RefCountDatabase) LastObjectIDUsed() int64 {
	return int64(len(db.counts))
}

func (db *RefCountDatabase) GetRefCount(id int64) uint32 {
	if id < 1 || id > int64(len(db.counts)) {
		return 0
	}
	return db.counts[id-1]
}

// SetRefCount sets the count for an ID, growing the database if the ID
// is beyond the current end.
func (db *RefCountDatabase) SetRefCount(id int64, count uint32) {
	for int64(len(db.counts)) < id {
		db.counts = append(db.counts, 0)
	}
	db.counts[id-1] = count
	db.modified = true
}

// AddReference increments the count for an ID and returns the new
// count.
func (db *RefCountDatabase) AddReference(id int64) uint32 {
	db.SetRefCount(id, db.GetRefCount(id)+1)
	return db.GetRefCount(id)
}

// RemoveReference decrements the count for an ID, clamping at zero,
// and returns the new count.
func (db *RefCountDatabase) RemoveReference(id int64) uint32 {
	c := db.GetRefCount(id)
	if c > 0 {
		db.SetRefCount(id, c-1)
	}
	return db.GetRefCount(id)
}

// Save writes the database back to disc via a temporary file, so a
// crash mid-write leaves the old version in place.
func (db *RefCountDatabase) Save() error {
	if db.readOnly {
		return ErrReadOnly
	}
	if !db.modified {
		return nil
	}

	var buf bytes.Buffer
	if err := writeU32(&buf, refCountMagic); err != nil {
		return err
	}
	if err := writeU32(&buf, refCountVersion); err != nil {
		return err
	}
	if err := writeI64(&buf, int64(len(db.counts))); err != nil {
		return err
	}
	for _, c := range db.counts {
		if err := writeU32(&buf, c); err != nil {
			return err
		}
	}

	path := db.account.RefCountFilename()
	tmp := path + ".t"
	if err := os.WriteFile(tmp, buf.Bytes(), 0600); err != nil {
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return err
	}
	db.modified = false
	return nil
}
