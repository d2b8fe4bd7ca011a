// store/context_test.go
// Copyright(c) 2018 Matt Pharr
// BSD licensed; see LICENSE for details.

package store_test

import (
	"bytes"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/mmp/bbstore/accounts"
	"github.com/mmp/bbstore/raidfile"
	"github.com/mmp/bbstore/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testAccountID = 0xa

func newTestAccount(t *testing.T, softLimit, hardLimit int64) store.Account {
	t.Helper()

	dir := t.TempDir()
	disc := filepath.Join(dir, "disc0")
	require.NoError(t, os.MkdirAll(disc, 0700))
	set := &raidfile.DiscSet{Dirs: []string{disc}, BlockSize: 4096}

	db, err := accounts.OpenDatabase(filepath.Join(dir, "accounts.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	acct, err := accounts.Create(db, set, 0, testAccountID, softLimit, hardLimit)
	require.NoError(t, err)
	return acct
}

func newWriteContext(t *testing.T, acct store.Account) *store.Context {
	t.Helper()
	ctx := store.NewContext(acct, nil)
	require.NoError(t, ctx.GetWriteLock())
	require.NoError(t, ctx.LoadStoreInfo())
	t.Cleanup(func() { ctx.Finish() })
	return ctx
}

// envelope builds a valid file object stream around payload, as the
// client would before uploading.
func envelope(t *testing.T, payload []byte) []byte {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, store.EncodeFile(&buf, store.RootDirectoryID, 100, 0, nil, payload))
	return buf.Bytes()
}

func payloadOf(t *testing.T, ctx *store.Context, id int64) []byte {
	t.Helper()
	rd, err := ctx.OpenObject(id)
	require.NoError(t, err)
	defer rd.Close()
	env, err := io.ReadAll(rd)
	require.NoError(t, err)
	payload, err := store.DecodePayload(bytes.NewReader(env))
	require.NoError(t, err)
	return payload
}

func TestPutAndGetSingleFile(t *testing.T) {
	acct := newTestAccount(t, 1000, 2000)
	ctx := newWriteContext(t, acct)

	payload := make([]byte, 100)
	for i := range payload {
		payload[i] = byte(i)
	}

	id, err := ctx.AddFile(store.RootDirectoryID, store.Filename("doc"),
		100, 0x55, 0, true, bytes.NewReader(envelope(t, payload)))
	require.NoError(t, err)
	assert.Equal(t, int64(2), id)

	dir, err := ctx.GetDirectory(store.RootDirectoryID)
	require.NoError(t, err)
	require.Equal(t, 1, dir.NumEntries())
	e := dir.FindEntryByID(2)
	require.NotNil(t, e)
	assert.Equal(t, store.Filename("doc"), e.Name)
	assert.Equal(t, int64(100), e.ModificationTime)
	assert.Equal(t, int64(1), e.SizeInBlocks)
	assert.Equal(t, store.FlagFile, e.Flags)
	assert.Equal(t, int64(0x55), e.AttributesHash)

	assert.Equal(t, payload, payloadOf(t, ctx, 2))

	info, err := ctx.Info()
	require.NoError(t, err)
	assert.Equal(t, int64(1)+dir.SizeInBlocks(), info.BlocksUsed)
	assert.Equal(t, int64(1), info.NumFiles)
}

func TestVersionThenRestore(t *testing.T) {
	acct := newTestAccount(t, 1000, 2000)
	ctx := newWriteContext(t, acct)

	oldPayload := make([]byte, 10000)
	for i := range oldPayload {
		oldPayload[i] = byte(i * 7)
	}
	oldEnv := envelope(t, oldPayload)

	id, err := ctx.AddFile(store.RootDirectoryID, store.Filename("doc"),
		100, 0, 0, true, bytes.NewReader(oldEnv))
	require.NoError(t, err)
	require.Equal(t, int64(2), id)

	// New version: shares the head of the old payload.
	newPayload := append(append([]byte{}, oldPayload[:8192]...), []byte("fresh tail data")...)
	var diff bytes.Buffer
	require.NoError(t, store.EncodeDiff(&diff, store.RootDirectoryID, 200, 0,
		nil, newPayload, oldEnv))

	id, err = ctx.AddFile(store.RootDirectoryID, store.Filename("doc"),
		200, 0, 2, true, bytes.NewReader(diff.Bytes()))
	require.NoError(t, err)
	require.Equal(t, int64(3), id)

	dir, err := ctx.GetDirectory(store.RootDirectoryID)
	require.NoError(t, err)

	oldEntry := dir.FindEntryByID(2)
	require.NotNil(t, oldEntry)
	assert.True(t, oldEntry.IsOld())
	assert.Equal(t, int64(3), oldEntry.DependsNewer)
	assert.Equal(t, int64(0), oldEntry.DependsOlder)

	newEntry := dir.FindEntryByID(3)
	require.NotNil(t, newEntry)
	assert.False(t, newEntry.IsOld())
	assert.Equal(t, int64(2), newEntry.DependsOlder)
	assert.Equal(t, int64(0), newEntry.DependsNewer)

	// The new object is the full new content.
	assert.Equal(t, newPayload, payloadOf(t, ctx, 3))

	// The old object is now a reverse patch; combined with the new
	// object it reproduces the original old bytes.
	rdOld, err := ctx.OpenObject(2)
	require.NoError(t, err)
	oldStored, err := io.ReadAll(rdOld)
	require.NoError(t, err)
	rdOld.Close()

	rdNew, err := ctx.OpenObject(3)
	require.NoError(t, err)
	newStored, err := io.ReadAll(rdNew)
	require.NoError(t, err)
	rdNew.Close()

	var restored bytes.Buffer
	require.NoError(t, store.CombineFile(bytes.NewReader(oldStored),
		bytes.NewReader(newStored), &restored))
	got, err := store.DecodePayload(bytes.NewReader(restored.Bytes()))
	require.NoError(t, err)
	assert.Equal(t, oldPayload, got)

	// The reverse patch should be smaller than the old full file was.
	assert.Less(t, len(oldStored), len(oldEnv))
}

func TestDeleteAndUndelete(t *testing.T) {
	acct := newTestAccount(t, 1000, 2000)
	ctx := newWriteContext(t, acct)

	id, err := ctx.AddFile(store.RootDirectoryID, store.Filename("doc"),
		100, 0, 0, true, bytes.NewReader(envelope(t, make([]byte, 100))))
	require.NoError(t, err)

	info, err := ctx.Info()
	require.NoError(t, err)
	deletedBefore := info.BlocksInDeletedFiles

	gotID, err := ctx.DeleteFile(store.RootDirectoryID, store.Filename("doc"))
	require.NoError(t, err)
	assert.Equal(t, id, gotID)

	dir, err := ctx.GetDirectory(store.RootDirectoryID)
	require.NoError(t, err)
	e := dir.FindEntryByID(id)
	require.NotNil(t, e)
	assert.True(t, e.IsDeleted())
	assert.Equal(t, deletedBefore+e.SizeInBlocks, info.BlocksInDeletedFiles)

	// Deleting a file that isn't there reports ID zero.
	gotID, err = ctx.DeleteFile(store.RootDirectoryID, store.Filename("doc"))
	require.NoError(t, err)
	assert.Zero(t, gotID)

	existed, err := ctx.UndeleteFile(id, store.RootDirectoryID)
	require.NoError(t, err)
	assert.True(t, existed)

	dir, err = ctx.GetDirectory(store.RootDirectoryID)
	require.NoError(t, err)
	e = dir.FindEntryByID(id)
	require.NotNil(t, e)
	assert.False(t, e.IsDeleted())
	assert.Equal(t, deletedBefore, info.BlocksInDeletedFiles)
}

func TestAddFileHardLimit(t *testing.T) {
	// Root directory occupies one block; a hard limit of one leaves
	// no room for any file at all.
	acct := newTestAccount(t, 1, 1)
	ctx := newWriteContext(t, acct)

	info, err := ctx.Info()
	require.NoError(t, err)
	usedBefore := info.BlocksUsed

	_, err = ctx.AddFile(store.RootDirectoryID, store.Filename("doc"),
		100, 0, 0, true, bytes.NewReader(envelope(t, make([]byte, 100))))
	assert.ErrorIs(t, err, store.ErrStorageLimitExceeded)

	// No new object file, no directory change, info unchanged.
	exists, err := ctx.ObjectExists(2, store.ObjectExistsAnything)
	require.NoError(t, err)
	assert.False(t, exists)

	dir, err := ctx.GetDirectory(store.RootDirectoryID)
	require.NoError(t, err)
	assert.Zero(t, dir.NumEntries())
	assert.Equal(t, usedBefore, info.BlocksUsed)
}

func TestAddFileDiffFromMissing(t *testing.T) {
	acct := newTestAccount(t, 1000, 2000)
	ctx := newWriteContext(t, acct)

	_, err := ctx.AddFile(store.RootDirectoryID, store.Filename("doc"),
		100, 0, 99, true, bytes.NewReader(envelope(t, make([]byte, 100))))
	assert.ErrorIs(t, err, store.ErrDiffFromMissing)
}

func TestAddFileBadEnvelope(t *testing.T) {
	acct := newTestAccount(t, 1000, 2000)
	ctx := newWriteContext(t, acct)

	_, err := ctx.AddFile(store.RootDirectoryID, store.Filename("doc"),
		100, 0, 0, true, bytes.NewReader([]byte("definitely not an envelope")))
	assert.ErrorIs(t, err, store.ErrFileDoesNotVerify)

	exists, err := ctx.ObjectExists(2, store.ObjectExistsAnything)
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestAddDirectoryTwice(t *testing.T) {
	acct := newTestAccount(t, 1000, 2000)
	ctx := newWriteContext(t, acct)

	id, exists, err := ctx.AddDirectory(store.RootDirectoryID,
		store.Filename("sub"), []byte("attrs"), 123)
	require.NoError(t, err)
	assert.False(t, exists)

	id2, exists, err := ctx.AddDirectory(store.RootDirectoryID,
		store.Filename("sub"), []byte("other"), 456)
	require.NoError(t, err)
	assert.True(t, exists)
	assert.Equal(t, id, id2)

	// The directory object exists with the original attributes.
	sub, err := ctx.GetDirectory(id)
	require.NoError(t, err)
	assert.Equal(t, []byte("attrs"), sub.Attributes())
	assert.Equal(t, store.RootDirectoryID, int(sub.ContainerID()))
}

func TestDeleteDirectoryAndUndelete(t *testing.T) {
	acct := newTestAccount(t, 1000, 2000)
	ctx := newWriteContext(t, acct)

	subID, _, err := ctx.AddDirectory(store.RootDirectoryID,
		store.Filename("sub"), nil, 0)
	require.NoError(t, err)
	_, err = ctx.AddFile(subID, store.Filename("f"), 100, 0, 0, true,
		bytes.NewReader(envelope(t, make([]byte, 100))))
	require.NoError(t, err)
	innerID, _, err := ctx.AddDirectory(subID, store.Filename("inner"), nil, 0)
	require.NoError(t, err)
	_, err = ctx.AddFile(innerID, store.Filename("g"), 100, 0, 0, true,
		bytes.NewReader(envelope(t, make([]byte, 50))))
	require.NoError(t, err)

	snapshot := func() map[int64]int16 {
		flags := make(map[int64]int16)
		for _, dirID := range []int64{store.RootDirectoryID, subID, innerID} {
			dir, err := ctx.GetDirectory(dirID)
			require.NoError(t, err)
			for _, e := range dir.Entries() {
				flags[e.ObjectID] = e.Flags
			}
		}
		return flags
	}

	before := snapshot()
	require.NoError(t, ctx.DeleteDirectory(subID, false))

	during := snapshot()
	for id, f := range during {
		assert.NotZero(t, f&store.FlagDeleted, "object %x should be deleted", id)
	}

	require.NoError(t, ctx.DeleteDirectory(subID, true))
	assert.Equal(t, before, snapshot())
}

func TestMoveObject(t *testing.T) {
	acct := newTestAccount(t, 1000, 2000)
	ctx := newWriteContext(t, acct)

	fileID, err := ctx.AddFile(store.RootDirectoryID, store.Filename("a"),
		100, 0, 0, true, bytes.NewReader(envelope(t, make([]byte, 100))))
	require.NoError(t, err)
	subID, _, err := ctx.AddDirectory(store.RootDirectoryID,
		store.Filename("sub"), nil, 0)
	require.NoError(t, err)

	// Move the file into the subdirectory under a new name.
	require.NoError(t, ctx.MoveObject(fileID, store.RootDirectoryID, subID,
		store.Filename("b"), true, false))

	root, err := ctx.GetDirectory(store.RootDirectoryID)
	require.NoError(t, err)
	assert.Nil(t, root.FindEntryByID(fileID))

	sub, err := ctx.GetDirectory(subID)
	require.NoError(t, err)
	e := sub.FindEntryByID(fileID)
	require.NotNil(t, e)
	assert.Equal(t, store.Filename("b"), e.Name)

	// Moving a missing object reports EntryNotFound.
	err = ctx.MoveObject(999, store.RootDirectoryID, subID,
		store.Filename("c"), true, false)
	assert.ErrorIs(t, err, store.ErrEntryNotFound)

	// A second file with the destination name blocks the move...
	otherID, err := ctx.AddFile(store.RootDirectoryID, store.Filename("x"),
		100, 0, 0, true, bytes.NewReader(envelope(t, make([]byte, 100))))
	require.NoError(t, err)
	err = ctx.MoveObject(otherID, store.RootDirectoryID, subID,
		store.Filename("b"), true, false)
	assert.ErrorIs(t, err, store.ErrNameAlreadyExists)

	// ...unless the conflicting entry is deleted and moving over
	// deleted entries is allowed.
	_, err = ctx.DeleteFile(subID, store.Filename("b"))
	require.NoError(t, err)
	err = ctx.MoveObject(otherID, store.RootDirectoryID, subID,
		store.Filename("b"), true, false)
	assert.ErrorIs(t, err, store.ErrNameAlreadyExists)
	require.NoError(t, ctx.MoveObject(otherID, store.RootDirectoryID, subID,
		store.Filename("b"), true, true))
}

func TestMoveDirectoryFixesContainerID(t *testing.T) {
	acct := newTestAccount(t, 1000, 2000)
	ctx := newWriteContext(t, acct)

	aID, _, err := ctx.AddDirectory(store.RootDirectoryID, store.Filename("a"), nil, 0)
	require.NoError(t, err)
	bID, _, err := ctx.AddDirectory(store.RootDirectoryID, store.Filename("b"), nil, 0)
	require.NoError(t, err)

	require.NoError(t, ctx.MoveObject(aID, store.RootDirectoryID, bID,
		store.Filename("a"), true, false))

	a, err := ctx.GetDirectory(aID)
	require.NoError(t, err)
	assert.Equal(t, bID, a.ContainerID())
}

func TestRenameWithinDirectory(t *testing.T) {
	acct := newTestAccount(t, 1000, 2000)
	ctx := newWriteContext(t, acct)

	fileID, err := ctx.AddFile(store.RootDirectoryID, store.Filename("a"),
		100, 0, 0, true, bytes.NewReader(envelope(t, make([]byte, 100))))
	require.NoError(t, err)

	require.NoError(t, ctx.MoveObject(fileID, store.RootDirectoryID,
		store.RootDirectoryID, store.Filename("renamed"), true, false))

	root, err := ctx.GetDirectory(store.RootDirectoryID)
	require.NoError(t, err)
	e := root.FindEntryByID(fileID)
	require.NotNil(t, e)
	assert.Equal(t, store.Filename("renamed"), e.Name)
}

func TestChangeAttributes(t *testing.T) {
	acct := newTestAccount(t, 1000, 2000)
	ctx := newWriteContext(t, acct)

	fileID, err := ctx.AddFile(store.RootDirectoryID, store.Filename("doc"),
		100, 0, 0, true, bytes.NewReader(envelope(t, make([]byte, 100))))
	require.NoError(t, err)

	gotID, err := ctx.ChangeFileAttributes(store.RootDirectoryID,
		store.Filename("doc"), []byte("new attrs"), 0x77)
	require.NoError(t, err)
	assert.Equal(t, fileID, gotID)

	root, err := ctx.GetDirectory(store.RootDirectoryID)
	require.NoError(t, err)
	e := root.FindEntryByID(fileID)
	assert.Equal(t, []byte("new attrs"), e.Attributes)
	assert.Equal(t, int64(0x77), e.AttributesHash)

	// Unknown name: reported by a zero ID, not an error.
	gotID, err = ctx.ChangeFileAttributes(store.RootDirectoryID,
		store.Filename("nope"), nil, 0)
	require.NoError(t, err)
	assert.Zero(t, gotID)

	require.NoError(t, ctx.ChangeDirAttributes(store.RootDirectoryID,
		[]byte("root attrs"), 999))
	root, err = ctx.GetDirectory(store.RootDirectoryID)
	require.NoError(t, err)
	assert.Equal(t, []byte("root attrs"), root.Attributes())
	assert.Equal(t, int64(999), root.AttributesModTime())
}

func TestObjectExistsAndBounds(t *testing.T) {
	acct := newTestAccount(t, 1000, 2000)
	ctx := newWriteContext(t, acct)

	exists, err := ctx.ObjectExists(store.RootDirectoryID, store.ObjectExistsDir)
	require.NoError(t, err)
	assert.True(t, exists)
	exists, err = ctx.ObjectExists(store.RootDirectoryID, store.ObjectExistsFile)
	require.NoError(t, err)
	assert.False(t, exists)

	exists, err = ctx.ObjectExists(0, store.ObjectExistsAnything)
	require.NoError(t, err)
	assert.False(t, exists)

	// Far beyond the allocation window: rejected without touching
	// the disc.
	exists, err = ctx.ObjectExists(1<<40, store.ObjectExistsAnything)
	require.NoError(t, err)
	assert.False(t, exists)

	_, err = ctx.OpenObject(0)
	assert.ErrorIs(t, err, store.ErrNotFound)
	_, err = ctx.OpenObject(1 << 40)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestClientStoreMarker(t *testing.T) {
	acct := newTestAccount(t, 1000, 2000)
	ctx := newWriteContext(t, acct)

	marker, err := ctx.GetClientStoreMarker()
	require.NoError(t, err)
	assert.Zero(t, marker)

	require.NoError(t, ctx.SetClientStoreMarker(0xdeadbeef))
	marker, err = ctx.GetClientStoreMarker()
	require.NoError(t, err)
	assert.Equal(t, int64(0xdeadbeef), marker)

	// The marker is committed immediately; a fresh load sees it.
	info, err := store.LoadInfo(acct, true)
	require.NoError(t, err)
	assert.Equal(t, int64(0xdeadbeef), info.ClientStoreMarker)
}

func TestReadOnlyContextRefusesMutations(t *testing.T) {
	acct := newTestAccount(t, 1000, 2000)

	// Populate via a write context first.
	ctx := newWriteContext(t, acct)
	_, err := ctx.AddFile(store.RootDirectoryID, store.Filename("doc"),
		100, 0, 0, true, bytes.NewReader(envelope(t, make([]byte, 100))))
	require.NoError(t, err)
	require.NoError(t, ctx.Finish())

	ro := store.NewContext(acct, nil)
	require.NoError(t, ro.LoadStoreInfo())
	t.Cleanup(func() { ro.Finish() })

	_, err = ro.AddFile(store.RootDirectoryID, store.Filename("doc2"),
		100, 0, 0, true, bytes.NewReader(envelope(t, make([]byte, 100))))
	assert.ErrorIs(t, err, store.ErrReadOnly)
	_, err = ro.DeleteFile(store.RootDirectoryID, store.Filename("doc"))
	assert.ErrorIs(t, err, store.ErrReadOnly)
	assert.ErrorIs(t, ro.SetClientStoreMarker(1), store.ErrReadOnly)

	// Reading still works.
	dir, err := ro.GetDirectory(store.RootDirectoryID)
	require.NoError(t, err)
	assert.Equal(t, 1, dir.NumEntries())
}

// fakeCoordinator records release requests and frees the lock when
// nudged, standing in for the daemon's housekeeping worker.
type fakeCoordinator struct {
	release func(int32)
}

func (f *fakeCoordinator) SendReleaseAccount(accountID int32) {
	f.release(accountID)
}

func TestWriteLockNudgesHousekeeping(t *testing.T) {
	acct := newTestAccount(t, 1000, 2000)

	// The "housekeeping" holder of the account lock.
	holder := store.NewContext(acct, nil)
	require.NoError(t, holder.GetWriteLock())

	var asked []int32
	coord := &fakeCoordinator{release: func(id int32) {
		asked = append(asked, id)
		// Release the lock shortly after the nudge, as housekeeping
		// would at its next yield point.
		go func() {
			time.Sleep(100 * time.Millisecond)
			holder.Finish()
		}()
	}}

	ctx := store.NewContext(acct, coord)
	got, err := ctx.AttemptToGetWriteLock()
	require.NoError(t, err)
	assert.True(t, got, "lock should be acquired within the retry window")
	assert.Equal(t, []int32{testAccountID}, asked)
	require.NoError(t, ctx.Finish())
}
