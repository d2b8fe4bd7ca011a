// accounts/accounts.go
// Copyright(c) 2018 Matt Pharr
// BSD licensed; see LICENSE for details.

// The accounts package keeps the daemon's database of which accounts
// exist and which disc set each one lives on, stored in a bbolt
// database so concurrent daemon and admin-tool access is safe. It also
// creates and removes the on-disc structure of an account.

package accounts

import (
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/mmp/bbstore/raidfile"
	"github.com/mmp/bbstore/store"
	bolt "go.etcd.io/bbolt"
)

var (
	ErrAccountNotFound = errors.New("account not found")
	ErrAccountExists   = errors.New("account already exists")
)

var accountsBucket = []byte("accounts")

// Database is the accounts database.
type Database struct {
	db *bolt.DB
}

// OpenDatabase opens (creating if necessary) the accounts database at
// the given path.
func OpenDatabase(path string) (*Database, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(accountsBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, err
	}
	return &Database{db: db}, nil
}

func (d *Database) Close() error {
	return d.db.Close()
}

func accountKey(id int32) []byte {
	var k [4]byte
	binary.BigEndian.PutUint32(k[:], uint32(id))
	return k[:]
}

// AddAccount registers an account on a disc set.
func (d *Database) AddAccount(id int32, discSet int) error {
	return d.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(accountsBucket)
		if b.Get(accountKey(id)) != nil {
			return fmt.Errorf("account %08x: %w", id, ErrAccountExists)
		}
		var v [4]byte
		binary.BigEndian.PutUint32(v[:], uint32(discSet))
		return b.Put(accountKey(id), v[:])
	})
}

// GetAccountDiscSet returns the disc set number an account lives on.
func (d *Database) GetAccountDiscSet(id int32) (int, error) {
	var discSet int
	err := d.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(accountsBucket).Get(accountKey(id))
		if v == nil {
			return fmt.Errorf("account %08x: %w", id, ErrAccountNotFound)
		}
		discSet = int(binary.BigEndian.Uint32(v))
		return nil
	})
	return discSet, err
}

// AccountExists reports whether the account is registered.
func (d *Database) AccountExists(id int32) bool {
	_, err := d.GetAccountDiscSet(id)
	return err == nil
}

// DeleteAccount removes an account's registration.
func (d *Database) DeleteAccount(id int32) error {
	return d.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(accountsBucket)
		if b.Get(accountKey(id)) == nil {
			return fmt.Errorf("account %08x: %w", id, ErrAccountNotFound)
		}
		return b.Delete(accountKey(id))
	})
}

// AllAccountIDs returns the registered account IDs, sorted.
func (d *Database) AllAccountIDs() ([]int32, error) {
	var ids []int32
	err := d.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(accountsBucket).ForEach(func(k, v []byte) error {
			ids = append(ids, int32(binary.BigEndian.Uint32(k)))
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, nil
}

///////////////////////////////////////////////////////////////////////////
// Account creation and removal

// Create builds a new account: the root directory object, a fresh info
// record and reference count database on disc, and the registration in
// the accounts database.
func Create(db *Database, set *raidfile.DiscSet, discSet int, id int32,
	softLimit, hardLimit int64) (store.Account, error) {
	if db.AccountExists(id) {
		return store.Account{}, fmt.Errorf("account %08x: %w", id, ErrAccountExists)
	}

	acct := store.Account{ID: id, Set: set, Root: store.RootDirectoryName(id)}
	if err := set.EnsureDirectory(acct.Root); err != nil {
		return store.Account{}, err
	}

	// The empty root directory object.
	root := store.NewDirectory(store.RootDirectoryID, store.RootDirectoryID)
	w, err := set.Create(acct.ObjectFilename(store.RootDirectoryID), false)
	if err != nil {
		return store.Account{}, err
	}
	if err := root.WriteTo(w); err != nil {
		w.Abort()
		return store.Account{}, err
	}
	rootSize := w.DiscUsageInBlocks()
	if err := w.Commit(true); err != nil {
		return store.Account{}, err
	}

	info := store.NewInfo(acct, softLimit, hardLimit)
	info.BlocksUsed = rootSize
	info.BlocksInDirectories = rootSize
	if err := info.Save(); err != nil {
		return store.Account{}, err
	}

	refCount := store.NewRefCountDatabaseForRegeneration(acct)
	refCount.SetRefCount(store.RootDirectoryID, 1)
	if err := refCount.Save(); err != nil {
		return store.Account{}, err
	}

	if err := db.AddAccount(id, discSet); err != nil {
		return store.Account{}, err
	}
	return acct, nil
}

// Delete removes an account's registration and everything it stores on
// every disc of its set.
func Delete(db *Database, set *raidfile.DiscSet, id int32) error {
	if err := db.DeleteAccount(id); err != nil {
		return err
	}
	root := store.RootDirectoryName(id)
	for _, dir := range set.Dirs {
		if err := os.RemoveAll(filepath.Join(dir, root)); err != nil {
			return err
		}
	}
	return nil
}
