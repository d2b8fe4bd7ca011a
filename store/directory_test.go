// store/directory_test.go
// Copyright(c) 2018 Matt Pharr
// BSD licensed; see LICENSE for details.

package store

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleDirectory() *Directory {
	d := NewDirectory(42, 7)
	d.SetAttributes([]byte("attr blob"), 12345)

	e := d.AddEntry(Filename("first"), 1000, 50, 3, FlagFile, 0x1111)
	e.Attributes = []byte("entry attrs")
	e.DependsNewer = 51

	d.AddEntry(Filename("second"), 2000, 51, 4, FlagFile|FlagOldVersion, 0x2222)
	d.AddEntry(Filename("subdir"), 0, 52, 1, FlagDir, 0)
	return d
}

func TestDirectoryRoundTrip(t *testing.T) {
	d := sampleDirectory()

	var buf bytes.Buffer
	require.NoError(t, d.WriteTo(&buf))

	var d2 Directory
	require.NoError(t, d2.ReadFrom(bytes.NewReader(buf.Bytes())))

	assert.Equal(t, int64(42), d2.ObjectID())
	assert.Equal(t, int64(7), d2.ContainerID())
	assert.Equal(t, []byte("attr blob"), d2.Attributes())
	assert.Equal(t, int64(12345), d2.AttributesModTime())
	require.Equal(t, 3, d2.NumEntries())

	e := d2.FindEntryByID(50)
	require.NotNil(t, e)
	assert.Equal(t, Filename("first"), e.Name)
	assert.Equal(t, int64(1000), e.ModificationTime)
	assert.Equal(t, int64(3), e.SizeInBlocks)
	assert.Equal(t, []byte("entry attrs"), e.Attributes)
	assert.Equal(t, int64(51), e.DependsNewer)
	assert.Equal(t, int64(0), e.DependsOlder)

	// Serialization must be stable: writing the reread directory
	// produces identical bytes.
	var buf2 bytes.Buffer
	require.NoError(t, d2.WriteTo(&buf2))
	assert.Equal(t, buf.Bytes(), buf2.Bytes())
}

func TestDirectoryBadMagic(t *testing.T) {
	var d Directory
	err := d.ReadFrom(bytes.NewReader([]byte{1, 2, 3, 4, 5, 6, 7, 8}))
	assert.ErrorIs(t, err, ErrCorrupt)
}

func TestDirectoryTruncated(t *testing.T) {
	d := sampleDirectory()
	var buf bytes.Buffer
	require.NoError(t, d.WriteTo(&buf))

	var d2 Directory
	err := d2.ReadFrom(bytes.NewReader(buf.Bytes()[:buf.Len()-10]))
	assert.ErrorIs(t, err, ErrCorrupt)
}

func TestMatching(t *testing.T) {
	d := NewDirectory(1, 1)
	d.AddEntry(Filename("live"), 0, 2, 1, FlagFile, 0)
	d.AddEntry(Filename("old"), 0, 3, 1, FlagFile|FlagOldVersion, 0)
	d.AddEntry(Filename("gone"), 0, 4, 1, FlagFile|FlagDeleted, 0)
	d.AddEntry(Filename("dir"), 0, 5, 1, FlagDir, 0)

	ids := func(entries []*Entry) []int64 {
		var out []int64
		for _, e := range entries {
			out = append(out, e.ObjectID)
		}
		return out
	}

	assert.Equal(t, []int64{2, 3, 4, 5},
		ids(d.Matching(FlagsIncludeEverything, FlagsExcludeNothing)))
	assert.Equal(t, []int64{2, 3, 4},
		ids(d.Matching(FlagFile, FlagsExcludeNothing)))
	assert.Equal(t, []int64{2, 3},
		ids(d.Matching(FlagFile, FlagDeleted)))
	assert.Equal(t, []int64{4},
		ids(d.Matching(FlagFile|FlagDeleted, FlagsExcludeNothing)))
	assert.Equal(t, []int64{2, 5},
		ids(d.Matching(FlagsIncludeEverything, FlagDeleted|FlagOldVersion)))
}

func TestDeleteEntry(t *testing.T) {
	d := NewDirectory(1, 1)
	d.AddEntry(Filename("a"), 0, 2, 1, FlagFile, 0)
	d.AddEntry(Filename("b"), 0, 3, 1, FlagFile, 0)

	assert.True(t, d.DeleteEntry(2))
	assert.False(t, d.DeleteEntry(2))
	assert.Equal(t, 1, d.NumEntries())
	assert.Nil(t, d.FindEntryByID(2))
	assert.NotNil(t, d.FindEntryByID(3))
}

func TestCheckAndFix(t *testing.T) {
	d := NewDirectory(1, 1)
	d.AddEntry(Filename("good"), 0, 2, 1, FlagFile, 0)

	// Unknown flag bits.
	d.AddEntry(Filename("unknown"), 0, 3, 1, FlagFile|0x100, 0)
	// Both file and directory.
	d.AddEntry(Filename("both"), 0, 4, 1, FlagFile|FlagDir, 0)
	// Neither file nor directory.
	d.AddEntry(Filename("neither"), 0, 5, 1, FlagDeleted, 0)
	// Leftover transient bit: kept, but cleared.
	d.AddEntry(Filename("transient"), 0, 6, 1, FlagFile|FlagContained, 0)

	assert.True(t, d.CheckAndFix())
	assert.Equal(t, 2, d.NumEntries())
	assert.NotNil(t, d.FindEntryByID(2))
	e := d.FindEntryByID(6)
	require.NotNil(t, e)
	assert.Zero(t, e.Flags&FlagContained)

	// A clean directory reports no modifications.
	assert.False(t, d.CheckAndFix())
}
