// store/info_test.go
// Copyright(c) 2018 Matt Pharr
// BSD licensed; see LICENSE for details.

package store

import (
	"testing"

	"github.com/mmp/bbstore/raidfile"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testAccount(t *testing.T) Account {
	t.Helper()
	set := &raidfile.DiscSet{Dirs: []string{t.TempDir()}, BlockSize: 4096}
	acct := Account{ID: 0xa, Set: set, Root: RootDirectoryName(0xa)}
	require.NoError(t, set.EnsureDirectory(acct.Root))
	return acct
}

func TestInfoSaveLoad(t *testing.T) {
	acct := testAccount(t)

	info := NewInfo(acct, 1000, 2000)
	info.SetAccountName("test account")
	info.SetClientStoreMarker(0x1234567890)
	info.ChangeBlocksUsed(17)
	info.ChangeBlocksInCurrentFiles(11)
	info.AdjustNumFiles(3)
	require.NoError(t, info.Save())
	assert.False(t, info.IsModified())

	loaded, err := LoadInfo(acct, true)
	require.NoError(t, err)
	assert.Equal(t, int32(0xa), loaded.AccountID)
	assert.Equal(t, int64(RootDirectoryID), loaded.LastObjectIDUsed)
	assert.Equal(t, int64(1000), loaded.BlocksSoftLimit)
	assert.Equal(t, int64(2000), loaded.BlocksHardLimit)
	assert.Equal(t, int64(17), loaded.BlocksUsed)
	assert.Equal(t, int64(11), loaded.BlocksInCurrentFiles)
	assert.Equal(t, int64(3), loaded.NumFiles)
	assert.Equal(t, int64(1), loaded.NumDirectories)
	assert.Equal(t, "test account", loaded.AccountName)
	assert.True(t, loaded.AccountEnabled)
	assert.Equal(t, int64(0x1234567890), loaded.ClientStoreMarker)

	// A read-only info record refuses to save.
	assert.ErrorIs(t, loaded.Save(), ErrReadOnly)
}

func TestInfoMissing(t *testing.T) {
	acct := testAccount(t)
	_, err := LoadInfo(acct, true)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestInfoAllocateObjectID(t *testing.T) {
	acct := testAccount(t)
	info := NewInfo(acct, 0, 0)

	assert.Equal(t, int64(2), info.AllocateObjectID())
	assert.Equal(t, int64(3), info.AllocateObjectID())
	assert.True(t, info.IsModified())
}

func TestRefCountDatabase(t *testing.T) {
	acct := testAccount(t)

	db := NewRefCountDatabaseForRegeneration(acct)
	assert.Equal(t, uint32(0), db.GetRefCount(1))

	assert.Equal(t, uint32(1), db.AddReference(1))
	assert.Equal(t, uint32(2), db.AddReference(1))
	assert.Equal(t, uint32(1), db.AddReference(5))
	assert.Equal(t, int64(5), db.LastObjectIDUsed())
	require.NoError(t, db.Save())

	loaded, err := LoadRefCountDatabase(acct, false)
	require.NoError(t, err)
	assert.Equal(t, uint32(2), loaded.GetRefCount(1))
	assert.Equal(t, uint32(0), loaded.GetRefCount(2))
	assert.Equal(t, uint32(1), loaded.GetRefCount(5))
	assert.Equal(t, int64(5), loaded.LastObjectIDUsed())

	assert.Equal(t, uint32(1), loaded.RemoveReference(1))
	assert.Equal(t, uint32(0), loaded.RemoveReference(1))
	// Clamped at zero rather than wrapping.
	assert.Equal(t, uint32(0), loaded.RemoveReference(1))

	// Out-of-range IDs have no references.
	assert.Equal(t, uint32(0), loaded.GetRefCount(0))
	assert.Equal(t, uint32(0), loaded.GetRefCount(100))
}

func TestRefCountMissing(t *testing.T) {
	acct := testAccount(t)
	_, err := LoadRefCountDatabase(acct, false)
	assert.ErrorIs(t, err, ErrNotFound)
}
