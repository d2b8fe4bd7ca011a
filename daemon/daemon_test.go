// daemon/daemon_test.go
// Copyright(c) 2018 Matt Pharr
// BSD licensed; see LICENSE for details.

package daemon

import (
	"bytes"
	"io"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/mmp/bbstore/accounts"
	"github.com/mmp/bbstore/config"
	"github.com/mmp/bbstore/raidfile"
	"github.com/mmp/bbstore/store"
	u "github.com/mmp/bbstore/util"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAccountIDFromCommonName(t *testing.T) {
	id, err := accountIDFromCommonName("BACKUP-0000000a")
	require.NoError(t, err)
	assert.Equal(t, int32(0xa), id)

	id, err = accountIDFromCommonName("BACKUP-deadbeef")
	require.NoError(t, err)
	assert.Equal(t, int32(-559038737), id)

	for _, bad := range []string{"", "something", "BACKUP-", "BACKUP-xyz",
		"BACKUP-123", "BACKUP-0000000a-extra"} {
		_, err := accountIDFromCommonName(bad)
		assert.Error(t, err, "%q should be rejected", bad)
	}
}

func testDaemon(t *testing.T) *Daemon {
	t.Helper()
	cfg := &config.Config{
		TimeBetweenHousekeeping: time.Hour,
		DiscSets: []config.DiscSet{
			{Name: "main", BlockSize: 4096, Dirs: []string{t.TempDir()}},
		},
	}
	return New(cfg, nil, NewSessionHandler(), u.NewLogger(false, false))
}

func TestControlChannelCommands(t *testing.T) {
	d := testDaemon(t)
	w := d.worker

	// A release request for the account being processed stops it.
	go d.SendReleaseAccount(0xa)
	assert.True(t, w.checkForMessage(0xa, time.Second))
	assert.False(t, w.terminate)

	// A release request for a different account is ignored.
	go d.SendReleaseAccount(0xbb)
	assert.False(t, w.checkForMessage(0xa, time.Second))

	// Reload and terminate.
	go d.ReloadConfig()
	assert.True(t, w.checkForMessage(0, time.Second))
	assert.True(t, w.reloadWanted)

	go d.SendMessageToHousekeepingProcess("t\n")
	assert.True(t, w.checkForMessage(0, time.Second))
	assert.True(t, w.terminate)

	// Once the worker has been terminated, every query reports true.
	assert.True(t, w.StopRequested(0xa), "terminated worker always stops")
}

func TestControlChannelTimeout(t *testing.T) {
	d := testDaemon(t)
	start := time.Now()
	assert.False(t, d.worker.checkForMessage(0xa, 50*time.Millisecond))
	assert.Less(t, time.Since(start), time.Second)
}

///////////////////////////////////////////////////////////////////////////
// Session protocol

func testSessionContext(t *testing.T) *store.Context {
	t.Helper()
	dir := t.TempDir()
	disc := filepath.Join(dir, "disc0")
	require.NoError(t, os.MkdirAll(disc, 0700))
	set := &raidfile.DiscSet{Dirs: []string{disc}, BlockSize: 4096}

	db, err := accounts.OpenDatabase(filepath.Join(dir, "accounts.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	acct, err := accounts.Create(db, set, 0, 0xa, 1000, 2000)
	require.NoError(t, err)

	ctx := store.NewContext(acct, nil)
	t.Cleanup(func() { ctx.Finish() })
	return ctx
}

type testClient struct {
	t    *testing.T
	conn net.Conn
}

func (c *testClient) send(b []byte) {
	_, err := c.conn.Write(b)
	require.NoError(c.t, err)
}

func (c *testClient) status() byte {
	s, err := rdU8(c.conn)
	require.NoError(c.t, err)
	return s
}

func (c *testClient) i64() int64 {
	v, err := rdI64(c.conn)
	require.NoError(c.t, err)
	return v
}

func (c *testClient) blob32() []byte {
	b, err := rdBlob32(c.conn)
	require.NoError(c.t, err)
	return b
}

func wrBlob16(b, blob []byte) []byte {
	b = append(b, byte(len(blob)>>8), byte(len(blob)))
	return append(b, blob...)
}

func TestSessionProtocol(t *testing.T) {
	ctx := testSessionContext(t)

	server, client := net.Pipe()
	done := make(chan error, 1)
	go func() {
		done <- NewSessionHandler().Serve(server, ctx)
	}()
	c := &testClient{t: t, conn: client}

	// Version.
	c.send([]byte{cmdVersion})
	require.Equal(t, byte(statusOK), c.status())
	var ver [4]byte
	_, err := io.ReadFull(c.conn, ver[:])
	require.NoError(t, err)
	assert.Equal(t, byte(protocolVersion), ver[3])

	// Login for writing; the fresh account has marker zero.
	c.send([]byte{cmdLogin, 0})
	require.Equal(t, byte(statusOK), c.status())
	assert.Zero(t, c.i64())

	// Store a file in the root.
	payload := make([]byte, 100)
	var env bytes.Buffer
	require.NoError(t, store.EncodeFile(&env, store.RootDirectoryID, 100, 0, nil, payload))

	req := []byte{cmdStoreFile}
	req = wrI64(req, store.RootDirectoryID) // directory
	req = wrI64(req, 100)                   // modification time
	req = wrI64(req, 0)                     // attributes hash
	req = wrI64(req, 0)                     // no diff-from
	req = append(req, 1)                    // mark same name as old
	req = wrBlob16(req, []byte("doc"))
	req = wrBlob32(req, env.Bytes())
	c.send(req)
	require.Equal(t, byte(statusOK), c.status())
	fileID := c.i64()
	assert.Equal(t, int64(2), fileID)

	// List the root directory.
	c.send(wrI64([]byte{cmdListDirectory}, store.RootDirectoryID))
	require.Equal(t, byte(statusOK), c.status())
	var dir store.Directory
	require.NoError(t, dir.ReadFrom(bytes.NewReader(c.blob32())))
	require.Equal(t, 1, dir.NumEntries())
	assert.NotNil(t, dir.FindEntryByID(fileID))

	// Fetch the object back.
	c.send(wrI64([]byte{cmdGetObject}, fileID))
	require.Equal(t, byte(statusOK), c.status())
	assert.Equal(t, env.Bytes(), c.blob32())

	// Fetching a bogus object is an error reply, not a dead session.
	c.send(wrI64([]byte{cmdGetObject}, 0))
	assert.Equal(t, byte(statusNotFound), c.status())

	// Account usage.
	c.send([]byte{cmdGetAccountUsage})
	require.Equal(t, byte(statusOK), c.status())
	used, soft, hard := c.i64(), c.i64(), c.i64()
	assert.Greater(t, used, int64(0))
	assert.Equal(t, int64(1000), soft)
	assert.Equal(t, int64(2000), hard)

	// Set the client store marker.
	c.send(wrI64([]byte{cmdSetClientStoreMarker}, 0x1234))
	require.Equal(t, byte(statusOK), c.status())

	// Finish the session.
	c.send([]byte{cmdFinished})
	require.Equal(t, byte(statusOK), c.status())
	require.NoError(t, <-done)
}

func TestSessionBadCommand(t *testing.T) {
	ctx := testSessionContext(t)

	server, client := net.Pipe()
	done := make(chan error, 1)
	go func() {
		done <- NewSessionHandler().Serve(server, ctx)
	}()
	c := &testClient{t: t, conn: client}

	c.send([]byte{0xff})
	assert.Equal(t, byte(statusBadCommand), c.status())
	require.NoError(t, <-done)
}
