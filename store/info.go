// store/info.go
// Copyright(c) 2018 Matt Pharr
// BSD licensed; see LICENSE for details.

package store

import (
	"fmt"
	"io"
)

const infoMagic = 0x494e464f // 'INFO'
const infoVersion = 1

// Info is the per-account record of limits, usage counters, and the
// client store marker. The counters are advisory -- they drift when a
// session dies mid-operation and are rebuilt by housekeeping and the
// consistency checker -- but BlocksUsed is authoritative for admission
// against the hard limit.
type Info struct {
	AccountID        int32
	LastObjectIDUsed int64

	BlocksSoftLimit int64
	BlocksHardLimit int64

	BlocksUsed           int64
	BlocksInCurrentFiles int64
	BlocksInOldFiles     int64
	BlocksInDeletedFiles int64
	BlocksInDirectories  int64

	NumFiles        int64
	NumOldFiles     int64
	NumDeletedFiles int64
	NumDirectories  int64

	ClientStoreMarker int64
	AccountName       string
	AccountEnabled    bool

	account  Account
	readOnly bool
	modified bool
}

// NewInfo returns a fresh info record for a new account. The root
// directory counts as the first directory.
func NewInfo(account Account, softLimit, hardLimit int64) *Info {
	return &Info{
		AccountID:        account.ID,
		LastObjectIDUsed: RootDirectoryID,
		BlocksSoftLimit:  softLimit,
		BlocksHardLimit:  hardLimit,
		NumDirectories:   1,
		AccountEnabled:   true,
		account:          account,
		modified:         true,
	}
}

// LoadInfo reads the account's info record. Read-only sessions load
// with readOnly set; Save then refuses to run.
func LoadInfo(account Account, readOnly bool) (*Info, error) {
	r, err := account.Set.Open(account.InfoFilename())
	if err != nil {
		return nil, classifyRaidErr(err)
	}
	defer r.Close()

	i := &Info{account: account, readOnly: readOnly}
	if err := i.readFrom(r); err != nil {
		return nil, err
	}
	if i.AccountID != account.ID {
		return nil, fmt.Errorf("info names account %08x: %w", i.AccountID, ErrWrongAccount)
	}
	return i, nil
}

func (i *Info) IsReadOnly() bool { return i.readOnly }
func (i *Info) IsModified() bool { return i.modified }

// Save writes the record back through the striped layer.
func (i *Info) Save() error {
	if i.readOnly {
		return ErrReadOnly
	}
	w, err := i.account.Set.Create(i.account.InfoFilename(), true)
	if err != nil {
		return err
	}
	if err := i.writeTo(w); err != nil {
		w.Abort()
		return err
	}
	if err := w.Commit(true); err != nil {
		return err
	}
	i.modified = false
	return nil
}

// AllocateObjectID hands out the next object ID. The info record is
// saved lazily, so IDs can be lost if a session dies; allocation
// tolerates the resulting gaps.
func (i *Info) AllocateObjectID() int64 {
	i.LastObjectIDUsed++
	i.modified = true
	return i.LastObjectIDUsed
}

func (i *Info) ChangeBlocksUsed(delta int64) {
	i.BlocksUsed += delta
	i.modified = true
}

func (i *Info) ChangeBlocksInCurrentFiles(delta int64) {
	i.BlocksInCurrentFiles += delta
	i.modified = true
}

func (i *Info) ChangeBlocksInOldFiles(delta int64) {
	i.BlocksInOldFiles += delta
	i.modified = true
}

func (i *Info) ChangeBlocksInDeletedFiles(delta int64) {
	i.BlocksInDeletedFiles += delta
	i.modified = true
}

func (i *Info) ChangeBlocksInDirectories(delta int64) {
	i.BlocksInDirectories += delta
	i.modified = true
}

func (i *Info) AdjustNumFiles(delta int64) {
	i.NumFiles += delta
	i.modified = true
}

func (i *Info) AdjustNumOldFiles(delta int64) {
	i.NumOldFiles += delta
	i.modified = true
}

func (i *Info) AdjustNumDeletedFiles(delta int64) {
	i.NumDeletedFiles += delta
	i.modified = true
}

func (i *Info) AdjustNumDirectories(delta int64) {
	i.NumDirectories += delta
	i.modified = true
}

func (i *Info) SetClientStoreMarker(marker int64) {
	i.ClientStoreMarker = marker
	i.modified = true
}

func (i *Info) SetAccountName(name string) {
	i.AccountName = name
	i.modified = true
}

func (i *Info) SetAccountEnabled(enabled bool) {
	i.AccountEnabled = enabled
	i.modified = true
}

func (i *Info) SetLimits(soft, hard int64) {
	i.BlocksSoftLimit = soft
	i.BlocksHardLimit = hard
	i.modified = true
}

///////////////////////////////////////////////////////////////////////////
// Serialization: magic, version byte, then tagged values terminated by
// a zero tag. Tags are one byte; every numeric value is an i64.

const (
	infoTagEnd = iota
	infoTagAccountID
	infoTagLastObjectID
	infoTagSoftLimit
	infoTagHardLimit
	infoTagBlocksUsed
	infoTagBlocksCurrent
	infoTagBlocksOld
	infoTagBlocksDeleted
	infoTagBlocksDirectories
	infoTagNumFiles
	infoTagNumOldFiles
	infoTagNumDeletedFiles
	infoTagNumDirectories
	infoTagClientStoreMarker
	infoTagEnabled
	infoTagAccountName
)

func writeByte(w io.Writer, b byte) error {
	_, err := w.Write([]byte{b})
	return err
}

func readByte(r io.Reader) (byte, error) {
	var b [1]byte
	_, err := io.ReadFull(r, b[:])
	return b[0], err
}

func (i *Info) writeTo(w io.Writer) error {
	if err := writeU32(w, infoMagic); err != nil {
		return err
	}
	if err := writeByte(w, infoVersion); err != nil {
		return err
	}

	writeTagged := func(tag byte, v int64) error {
		if err := writeByte(w, tag); err != nil {
			return err
		}
		return writeI64(w, v)
	}

	numeric := []struct {
		tag byte
		v   int64
	}{
		{infoTagAccountID, int64(i.AccountID)},
		{infoTagLastObjectID, i.LastObjectIDUsed},
		{infoTagSoftLimit, i.BlocksSoftLimit},
		{infoTagHardLimit, i.BlocksHardLimit},
		{infoTagBlocksUsed, i.BlocksUsed},
		{infoTagBlocksCurrent, i.BlocksInCurrentFiles},
		{infoTagBlocksOld, i.BlocksInOldFiles},
		{infoTagBlocksDeleted, i.BlocksInDeletedFiles},
		{infoTagBlocksDirectories, i.BlocksInDirectories},
		{infoTagNumFiles, i.NumFiles},
		{infoTagNumOldFiles, i.NumOldFiles},
		{infoTagNumDeletedFiles, i.NumDeletedFiles},
		{infoTagNumDirectories, i.NumDirectories},
		{infoTagClientStoreMarker, i.ClientStoreMarker},
	}
	for _, t := range numeric {
		if err := writeTagged(t.tag, t.v); err != nil {
			return err
		}
	}

	enabled := int64(0)
	if i.AccountEnabled {
		enabled = 1
	}
	if err := writeTagged(infoTagEnabled, enabled); err != nil {
		return err
	}

	if err := writeByte(w, infoTagAccountName); err != nil {
		return err
	}
	if err := writeBlob16(w, []byte(i.AccountName)); err != nil {
		return err
	}

	return writeByte(w, infoTagEnd)
}

func (i *Info) readFrom(r io.Reader) error {
	magic, err := readU32(r)
	if err != nil || magic != infoMagic {
		return fmt.Errorf("info record magic: %w", ErrCorrupt)
	}
	version, err := readByte(r)
	if err != nil || version != infoVersion {
		return fmt.Errorf("info record version: %w", ErrCorrupt)
	}

	for {
		tag, err := readByte(r)
		if err != nil {
			return fmt.Errorf("info record truncated: %w", ErrCorrupt)
		}
		if tag == infoTagEnd {
			return nil
		}

		if tag == infoTagAccountName {
			name, err := readBlob16(r)
			if err != nil {
				return fmt.Errorf("info record truncated: %w", ErrCorrupt)
			}
			i.AccountName = string(name)
			continue
		}

		v, err := readI64(r)
		if err != nil {
			return fmt.Errorf("info record truncated: %w", ErrCorrupt)
		}
		switch tag {
		case infoTagAccountID:
			i.AccountID = int32(v)
		case infoTagLastObjectID:
			i.LastObjectIDUsed = v
		case infoTagSoftLimit:
			i.BlocksSoftLimit = v
		case infoTagHardLimit:
			i.BlocksHardLimit = v
		case infoTagBlocksUsed:
			i.BlocksUsed = v
		case infoTagBlocksCurrent:
			i.BlocksInCurrentFiles = v
		case infoTagBlocksOld:
			i.BlocksInOldFiles = v
		case infoTagBlocksDeleted:
			i.BlocksInDeletedFiles = v
		case infoTagBlocksDirectories:
			i.BlocksInDirectories = v
		case infoTagNumFiles:
			i.NumFiles = v
		case infoTagNumOldFiles:
			i.NumOldFiles = v
		case infoTagNumDeletedFiles:
			i.NumDeletedFiles = v
		case infoTagNumDirectories:
			i.NumDirectories = v
		case infoTagClientStoreMarker:
			i.ClientStoreMarker = v
		case infoTagEnabled:
			i.AccountEnabled = v != 0
		default:
			return fmt.Errorf("info record tag %d: %w", tag, ErrCorrupt)
		}
	}
}
