// store/account.go
// Copyright(c) 2018 Matt Pharr
// BSD licensed; see LICENSE for details.

package store

import (
	"fmt"
	"path"
	"path/filepath"

	"github.com/mmp/bbstore/raidfile"
)

// RootDirectoryID is the object ID of every account's root directory.
const RootDirectoryID = 1

// An Account binds an account ID to the disc set holding its objects
// and the account's directory within that set. It carries no open state
// and is freely copyable; Context, Housekeeping, and Check take one.
type Account struct {
	ID   int32
	Set  *raidfile.DiscSet
	Root string
}

// RootDirectoryName returns the conventional per-account directory
// name under the disc set roots.
func RootDirectoryName(accountID int32) string {
	return path.Join("backup", fmt.Sprintf("%08x", accountID))
}

// filename maps a name relative to the account root to the name used
// with the raidfile layer.
func (a Account) filename(rel string) string {
	return path.Join(a.Root, rel)
}

// InfoFilename is the raidfile name of the account's info record.
func (a Account) InfoFilename() string {
	return a.filename("info")
}

// WriteLockFilename is the filesystem path of the account's named
// lock. The lock lives on the first disc of the set; it guards the
// account as a whole, so it is not itself striped.
func (a Account) WriteLockFilename() string {
	return filepath.Join(a.Set.Dirs[0], a.Root, "write.lock")
}

// RefCountFilename is the filesystem path of the reference count
// database, a plain file on the first disc of the set.
func (a Account) RefCountFilename() string {
	return filepath.Join(a.Set.Dirs[0], a.Root, "refcount.db")
}

// ObjectFilename returns the raidfile name for an object ID.
func (a Account) ObjectFilename(id int64) string {
	return a.filename(objectFilename(id))
}

// EnsureObjectPath creates the radix directories that the object's file
// lives in, on every disc of the set. Writers call this; readers don't.
func (a Account) EnsureObjectPath(id int64) error {
	dir := path.Dir(objectFilename(id))
	if dir == "." {
		dir = ""
	}
	return a.Set.EnsureDirectory(a.filename(dir))
}
