// store/check_test.go
// Copyright(c) 2018 Matt Pharr
// BSD licensed; see LICENSE for details.

package store_test

import (
	"bytes"
	"testing"

	"github.com/mmp/bbstore/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func runCheck(t *testing.T, acct store.Account, fix bool) int {
	t.Helper()
	errs, err := store.NewCheck(acct, fix, true, nil).Run()
	require.NoError(t, err)
	return errs
}

func TestCheckCleanAccount(t *testing.T) {
	acct := newTestAccount(t, 1000, 2000)
	ctx := newWriteContext(t, acct)

	_, err := ctx.AddFile(store.RootDirectoryID, store.Filename("doc"),
		100, 0, 0, true, bytes.NewReader(envelope(t, make([]byte, 100))))
	require.NoError(t, err)
	subID, _, err := ctx.AddDirectory(store.RootDirectoryID,
		store.Filename("sub"), nil, 0)
	require.NoError(t, err)
	_, err = ctx.AddFile(subID, store.Filename("inner"), 100, 0, 0, true,
		bytes.NewReader(envelope(t, make([]byte, 5000))))
	require.NoError(t, err)
	require.NoError(t, ctx.Finish())

	assert.Zero(t, runCheck(t, acct, true))
	assert.Zero(t, runCheck(t, acct, true), "second run must also be clean")
}

func TestCheckRebuildsCounters(t *testing.T) {
	acct := newTestAccount(t, 1000, 2000)
	ctx := newWriteContext(t, acct)
	_, err := ctx.AddFile(store.RootDirectoryID, store.Filename("doc"),
		100, 0, 0, true, bytes.NewReader(envelope(t, make([]byte, 100))))
	require.NoError(t, err)
	require.NoError(t, ctx.Finish())

	good, err := store.LoadInfo(acct, true)
	require.NoError(t, err)

	// Corrupt the counters.
	bad, err := store.LoadInfo(acct, false)
	require.NoError(t, err)
	bad.ChangeBlocksUsed(1000)
	bad.AdjustNumFiles(7)
	require.NoError(t, bad.Save())

	runCheck(t, acct, true)

	fixed, err := store.LoadInfo(acct, true)
	require.NoError(t, err)
	assert.Equal(t, good.BlocksUsed, fixed.BlocksUsed)
	assert.Equal(t, good.NumFiles, fixed.NumFiles)
	assert.Equal(t, good.BlocksSoftLimit, fixed.BlocksSoftLimit)
	assert.Equal(t, good.BlocksHardLimit, fixed.BlocksHardLimit)
}

func TestCheckRepairsLostDirectory(t *testing.T) {
	acct := newTestAccount(t, 1000, 2000)
	ctx := newWriteContext(t, acct)

	subID, _, err := ctx.AddDirectory(store.RootDirectoryID,
		store.Filename("sub"), nil, 0)
	require.NoError(t, err)
	fileID, err := ctx.AddFile(subID, store.Filename("f"), 100, 0, 0, true,
		bytes.NewReader(envelope(t, make([]byte, 200))))
	require.NoError(t, err)
	require.NoError(t, ctx.Finish())

	// Damage: rewrite the root directory without the subdirectory's
	// entry, leaving the directory object (and its file) orphaned.
	rd, err := acct.Set.Open(acct.ObjectFilename(store.RootDirectoryID))
	require.NoError(t, err)
	var root store.Directory
	require.NoError(t, root.ReadFrom(rd))
	rd.Close()
	require.True(t, root.DeleteEntry(subID))
	w, err := acct.Set.Create(acct.ObjectFilename(store.RootDirectoryID), true)
	require.NoError(t, err)
	require.NoError(t, root.WriteTo(w))
	require.NoError(t, w.Commit(true))

	errs := runCheck(t, acct, true)
	assert.Greater(t, errs, 0)

	// The orphaned directory is reattached under lost+found, with its
	// container ID corrected, and its file is still inside it.
	ro := store.NewContext(acct, nil)
	require.NoError(t, ro.LoadStoreInfo())
	t.Cleanup(func() { ro.Finish() })

	rootDir, err := ro.GetDirectory(store.RootDirectoryID)
	require.NoError(t, err)
	var lfID int64
	for _, e := range rootDir.Entries() {
		if e.Name.Equal(store.Filename("lost+found")) {
			lfID = e.ObjectID
		}
	}
	require.NotZero(t, lfID, "lost+found directory should exist in the root")

	lf, err := ro.GetDirectory(lfID)
	require.NoError(t, err)
	e := lf.FindEntryByID(subID)
	require.NotNil(t, e, "orphan should be attached under lost+found")
	assert.True(t, e.IsDir())

	sub, err := ro.GetDirectory(subID)
	require.NoError(t, err)
	assert.Equal(t, lfID, sub.ContainerID())
	assert.NotNil(t, sub.FindEntryByID(fileID))

	// A second fixing run reports zero errors.
	assert.Zero(t, runCheck(t, acct, true))
}

func TestCheckDropsDanglingEntries(t *testing.T) {
	acct := newTestAccount(t, 1000, 2000)
	ctx := newWriteContext(t, acct)

	fileID, err := ctx.AddFile(store.RootDirectoryID, store.Filename("doc"),
		100, 0, 0, true, bytes.NewReader(envelope(t, make([]byte, 100))))
	require.NoError(t, err)
	require.NoError(t, ctx.Finish())

	// Delete the object file behind the directory's back.
	require.NoError(t, acct.Set.Delete(acct.ObjectFilename(fileID)))

	errs := runCheck(t, acct, true)
	assert.Greater(t, errs, 0)

	ro := store.NewContext(acct, nil)
	require.NoError(t, ro.LoadStoreInfo())
	t.Cleanup(func() { ro.Finish() })
	root, err := ro.GetDirectory(store.RootDirectoryID)
	require.NoError(t, err)
	assert.Nil(t, root.FindEntryByID(fileID))

	assert.Zero(t, runCheck(t, acct, true))
}

func TestCheckDeletesCorruptObject(t *testing.T) {
	acct := newTestAccount(t, 1000, 2000)
	ctx := newWriteContext(t, acct)
	fileID, err := ctx.AddFile(store.RootDirectoryID, store.Filename("doc"),
		100, 0, 0, true, bytes.NewReader(envelope(t, make([]byte, 100))))
	require.NoError(t, err)
	require.NoError(t, ctx.Finish())

	// Overwrite the object with garbage.
	w, err := acct.Set.Create(acct.ObjectFilename(fileID), true)
	require.NoError(t, err)
	_, err = w.Write([]byte("garbage, not an object"))
	require.NoError(t, err)
	require.NoError(t, w.Commit(true))

	errs := runCheck(t, acct, true)
	assert.Greater(t, errs, 0)

	// Object and its entry are gone; a rerun is clean.
	exists, _ := acct.Set.Exists(acct.ObjectFilename(fileID))
	assert.False(t, exists)
	assert.Zero(t, runCheck(t, acct, true))
}

func TestCheckRegeneratesRefCounts(t *testing.T) {
	acct := newTestAccount(t, 1000, 2000)
	ctx := newWriteContext(t, acct)
	fileID, err := ctx.AddFile(store.RootDirectoryID, store.Filename("doc"),
		100, 0, 0, true, bytes.NewReader(envelope(t, make([]byte, 100))))
	require.NoError(t, err)
	subID, _, err := ctx.AddDirectory(store.RootDirectoryID,
		store.Filename("sub"), nil, 0)
	require.NoError(t, err)
	require.NoError(t, ctx.Finish())

	// Wreck the refcount database.
	bad := store.NewRefCountDatabaseForRegeneration(acct)
	bad.SetRefCount(fileID, 9)
	require.NoError(t, bad.Save())

	runCheck(t, acct, true)

	refs, err := store.LoadRefCountDatabase(acct, true)
	require.NoError(t, err)
	assert.Equal(t, uint32(1), refs.GetRefCount(store.RootDirectoryID))
	assert.Equal(t, uint32(1), refs.GetRefCount(fileID))
	assert.Equal(t, uint32(1), refs.GetRefCount(subID))
}

func TestCheckWithoutFixChangesNothing(t *testing.T) {
	acct := newTestAccount(t, 1000, 2000)
	ctx := newWriteContext(t, acct)
	fileID, err := ctx.AddFile(store.RootDirectoryID, store.Filename("doc"),
		100, 0, 0, true, bytes.NewReader(envelope(t, make([]byte, 100))))
	require.NoError(t, err)
	require.NoError(t, ctx.Finish())

	require.NoError(t, acct.Set.Delete(acct.ObjectFilename(fileID)))

	errs := runCheck(t, acct, false)
	assert.Greater(t, errs, 0)

	// Without fix, the dangling entry is still there.
	ro := store.NewContext(acct, nil)
	require.NoError(t, ro.LoadStoreInfo())
	t.Cleanup(func() { ro.Finish() })
	root, err := ro.GetDirectory(store.RootDirectoryID)
	require.NoError(t, err)
	assert.NotNil(t, root.FindEntryByID(fileID))
}
