// config/config_test.go
// Copyright(c) 2018 Matt Pharr
// BSD licensed; see LICENSE for details.

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, contents string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "bbstored.yaml")
	require.NoError(t, os.WriteFile(path, []byte(contents), 0600))
	return path
}

func TestLoad(t *testing.T) {
	path := writeConfig(t, `
listen_address: "127.0.0.1:2201"
cert_file: /etc/bbstored/server.pem
key_file: /etc/bbstored/server.key
trusted_cas_file: /etc/bbstored/ca.pem
account_database: /var/lib/bbstored/accounts.db
disc_sets:
  - name: main
    block_size: 4096
    dirs: [/srv/backup/0, /srv/backup/1, /srv/backup/2]
time_between_housekeeping: 30m
housekeep_deleted_file_weight: 5
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "127.0.0.1:2201", cfg.ListenAddress)
	assert.Equal(t, "/var/lib/bbstored/accounts.db", cfg.AccountDatabase)
	assert.Equal(t, 30*time.Minute, cfg.TimeBetweenHousekeeping)

	require.Len(t, cfg.DiscSets, 1)
	assert.Equal(t, 4096, cfg.DiscSets[0].BlockSize)
	assert.Len(t, cfg.DiscSets[0].Dirs, 3)

	set, err := cfg.RaidSet(0)
	require.NoError(t, err)
	assert.True(t, set.Striped())
	_, err = cfg.RaidSet(1)
	assert.Error(t, err)

	// Defaults apply where the file is silent, explicit values where
	// it isn't.
	hk := cfg.Housekeeping()
	assert.Equal(t, int64(1), hk.OldVersionWeight)
	assert.Equal(t, int64(5), hk.DeletedFileWeight)
	assert.Equal(t, 24*time.Hour, hk.MinimumAge)
}

func TestLoadRejectsBadConfigs(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)

	_, err = Load(writeConfig(t, "listen_address: x\n"))
	assert.Error(t, err, "no disc sets")

	_, err = Load(writeConfig(t, `
disc_sets:
  - name: broken
    block_size: 0
    dirs: [/srv/a]
`))
	assert.Error(t, err, "zero block size")

	_, err = Load(writeConfig(t, `
disc_sets:
  - name: broken
    block_size: 4096
    dirs: []
`))
	assert.Error(t, err, "no dirs")
}
