// store/context.go
// Copyright(c) 2018 Matt Pharr
// BSD licensed; see LICENSE for details.

package store

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/mmp/bbstore/namedlock"
	"github.com/mmp/bbstore/raidfile"
)

// Maximum number of directories to keep in the cache. When the cache
// grows bigger than this, everything gets flushed.
const maxCacheSize = 32

// Allow the housekeeping process this many seconds to release an
// account after we've asked for it.
const maxWaitForHousekeepingToReleaseAccount = 4

// Maximum number of store info updates before the record is actually
// saved to disc.
const storeInfoSaveDelay = 96

// HousekeepingCoordinator is how a session asks the housekeeping
// worker to let go of an account it wants to write to. The daemon
// implements it over the control IPC.
type HousekeepingCoordinator interface {
	SendReleaseAccount(accountID int32)
}

// Context is the state-carrying object for one session against one
// account. Operations are strictly sequential within a Context; the
// named write lock keeps concurrent writers out of the account. A
// Context starts read-only; AttemptToGetWriteLock upgrades it.
type Context struct {
	account     Account
	coordinator HousekeepingCoordinator
	readOnly    bool

	writeLock namedlock.Lock
	info      *Info
	refCount  *RefCountDatabase

	saveStoreInfoDelay int
	dirCache           map[int64]*Directory
}

func NewContext(account Account, coordinator HousekeepingCoordinator) *Context {
	return &Context{
		account:            account,
		coordinator:        coordinator,
		readOnly:           true,
		saveStoreInfoDelay: storeInfoSaveDelay,
		dirCache:           make(map[int64]*Directory),
	}
}

func (c *Context) Account() Account { return c.account }
func (c *Context) IsReadOnly() bool { return c.readOnly }

// AttemptToGetWriteLock tries to take the account's named lock. On
// contention it nudges the housekeeping worker to release the account
// and retries at one-second intervals for a few seconds before giving
// up. On success the context stops being read-only.
func (c *Context) AttemptToGetWriteLock() (bool, error) {
	lockFile := c.account.WriteLockFilename()

	gotLock, err := c.writeLock.TryAndGetLock(lockFile, 0600)
	if err != nil {
		return false, err
	}

	if !gotLock {
		// The housekeeping process might have the account open --
		// ask it to stop, then try again a few times.
		if c.coordinator != nil {
			c.coordinator.SendReleaseAccount(c.account.ID)
		}
		for tries := maxWaitForHousekeepingToReleaseAccount; !gotLock && tries > 0; tries-- {
			time.Sleep(time.Second)
			gotLock, err = c.writeLock.TryAndGetLock(lockFile, 0600)
			if err != nil {
				return false, err
			}
		}
	}

	if gotLock {
		c.readOnly = false
	}
	return gotLock, nil
}

// GetWriteLock is AttemptToGetWriteLock for callers that treat
// contention as an error (ErrAccountLocked).
func (c *Context) GetWriteLock() error {
	got, err := c.AttemptToGetWriteLock()
	if err != nil {
		return err
	}
	if !got {
		return fmt.Errorf("account %08x: %w", c.account.ID, ErrAccountLocked)
	}
	return nil
}

// LoadStoreInfo loads the account's info record and refcount database.
// A missing or corrupt refcount database is replaced with an empty one
// and a warning; the consistency checker rebuilds the counts.
func (c *Context) LoadStoreInfo() error {
	if c.info != nil {
		return errors.New("store info already loaded")
	}

	info, err := LoadInfo(c.account, c.readOnly)
	if err != nil {
		return err
	}
	c.info = info

	refCount, err := LoadRefCountDatabase(c.account, c.readOnly)
	if err != nil {
		log.Warning("account %08x: reference count database is missing or "+
			"corrupted (%v); creating a new one, run the consistency checker "+
			"to rebuild the reference counts", c.account.ID, err)
		refCount = NewRefCountDatabaseForRegeneration(c.account)
		refCount.readOnly = c.readOnly
	}
	c.refCount = refCount
	return nil
}

// SaveStoreInfo saves the info record, possibly postponing the write:
// with allowDelay, the save only happens every storeInfoSaveDelay
// calls. A postponed save costs nothing if the session dies, because
// housekeeping rebuilds the counters and ID allocation tolerates gaps.
func (c *Context) SaveStoreInfo(allowDelay bool) error {
	if c.info == nil {
		return ErrInfoNotLoaded
	}
	if c.readOnly {
		return ErrReadOnly
	}

	if allowDelay {
		c.saveStoreInfoDelay--
		if c.saveStoreInfoDelay > 0 {
			return nil
		}
	}

	if err := c.info.Save(); err != nil {
		return err
	}
	c.saveStoreInfoDelay = storeInfoSaveDelay
	return nil
}

// Finish flushes the info record and refcount database and releases
// the write lock. Call it at session end, whatever happened before.
func (c *Context) Finish() error {
	var firstErr error
	if !c.readOnly {
		if c.info != nil && c.info.IsModified() {
			if err := c.info.Save(); err != nil {
				firstErr = err
			}
		}
		if c.refCount != nil {
			if err := c.refCount.Save(); err != nil && firstErr == nil {
				firstErr = err
			}
		}
	}
	if c.writeLock.GotLock() {
		if err := c.writeLock.Release(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Info returns the loaded store info.
func (c *Context) Info() (*Info, error) {
	if c.info == nil {
		return nil, ErrInfoNotLoaded
	}
	return c.info, nil
}

///////////////////////////////////////////////////////////////////////////
// Directory cache

// getDirectoryInternal returns a directory, from the cache when the
// on-disc revision still matches, loading it otherwise. The returned
// directory is valid only until the next operation that touches
// directories.
func (c *Context) getDirectoryInternal(objectID int64) (*Directory, error) {
	fn := c.account.ObjectFilename(objectID)

	if dir, ok := c.dirCache[objectID]; ok {
		exists, revID := c.account.Set.Exists(fn)
		if !exists {
			delete(c.dirCache, objectID)
			return nil, fmt.Errorf("directory %d has been deleted: %w",
				objectID, ErrNotFound)
		}
		if revID == dir.RevisionID() {
			log.Debug("returning directory %x from cache, revision %d",
				objectID, revID)
			return dir, nil
		}
		log.Debug("refreshing directory %x, revision changed from %d to %d",
			objectID, dir.RevisionID(), revID)
		delete(c.dirCache, objectID)
	}

	// First check to see if the cache is too big: if so, just flush
	// everything.
	if len(c.dirCache) > maxCacheSize {
		c.dirCache = make(map[int64]*Directory)
	}

	// Take the revision before opening, so that a rewrite racing with
	// this load makes the cached copy look stale rather than current.
	exists, revID := c.account.Set.Exists(fn)
	if !exists {
		return nil, fmt.Errorf("directory %d: %w", objectID, ErrNotFound)
	}

	rd, err := c.account.Set.Open(fn)
	if err != nil {
		return nil, classifyRaidErr(err)
	}
	defer rd.Close()

	dir := &Directory{}
	if err := dir.ReadFrom(rd); err != nil {
		return nil, err
	}
	dir.SetRevisionID(revID)
	dir.SetSizeInBlocks(rd.DiscUsageInBlocks())

	c.dirCache[objectID] = dir
	return dir, nil
}

func (c *Context) removeDirectoryFromCache(objectID int64) {
	delete(c.dirCache, objectID)
}

// saveDirectory writes a directory back to disc, updates the size
// accounting in the info record, and refreshes the directory's cached
// revision. On failure the directory is evicted from the cache so a
// half-applied mutation can't be served later.
func (c *Context) saveDirectory(dir *Directory, objectID int64) error {
	if c.info == nil {
		return ErrInfoNotLoaded
	}
	if dir.ObjectID() != objectID {
		return fmt.Errorf("directory %d saved as %d", dir.ObjectID(), objectID)
	}

	err := func() error {
		fn := c.account.ObjectFilename(objectID)
		w, err := c.account.Set.Create(fn, true)
		if err != nil {
			return err
		}
		if err := dir.WriteTo(w); err != nil {
			w.Abort()
			return err
		}

		// Get the disc usage before committing.
		dirSize := w.DiscUsageInBlocks()

		if err := w.Commit(true); err != nil {
			return err
		}

		sizeAdjustment := dirSize - dir.SizeInBlocks()
		c.info.ChangeBlocksUsed(sizeAdjustment)
		c.info.ChangeBlocksInDirectories(sizeAdjustment)
		dir.SetSizeInBlocks(dirSize)

		// Refresh the revision ID in the cache.
		exists, revID := c.account.Set.Exists(fn)
		if !exists {
			return fmt.Errorf("directory %d vanished during save: %w",
				objectID, ErrNotFound)
		}
		dir.SetRevisionID(revID)
		return nil
	}()
	if err != nil {
		c.removeDirectoryFromCache(objectID)
	}
	return err
}

// GetDirectory returns a directory for reading. The directory belongs
// to the context's cache; callers must not modify it.
func (c *Context) GetDirectory(objectID int64) (*Directory, error) {
	return c.getDirectoryInternal(objectID)
}

///////////////////////////////////////////////////////////////////////////
// Object IDs

// AllocateObjectID allocates the next object ID, tolerant of the store
// info not having been saved after earlier allocations: if the ID is
// somehow already in use on disc, it advances and retries, forcing an
// early info save.
func (c *Context) AllocateObjectID() (int64, error) {
	if c.info == nil {
		return 0, ErrInfoNotLoaded
	}

	// Given that the store info may not be saved for storeInfoSaveDelay
	// updates, this is a reasonable number of times to try.
	for retry := 0; retry < storeInfoSaveDelay*2; retry++ {
		id := c.info.AllocateObjectID()
		if exists, _ := c.account.Set.Exists(c.account.ObjectFilename(id)); !exists {
			return id, nil
		}
		// Mark that the store info should be saved as soon as possible.
		c.saveStoreInfoDelay = 0
		log.Warning("account %08x: allocated object ID %x is already in use",
			c.account.ID, id)
	}
	return 0, errors.New("could not find unused object ID during allocation")
}

///////////////////////////////////////////////////////////////////////////
// Files

// AddFile stores a file object from the payload stream into a
// directory, returning the new object's ID. With a non-zero diffFromID
// the payload is a patch against that object: the full new file is
// reassembled from the two, and the old version is rewritten in place
// as a reverse patch against the new one (unless the diff turns out to
// share nothing, in which case both are kept whole and no dependency
// links are made). Existing live entries with the same name are marked
// as old versions when markSameNameAsOldVersions is set.
func (c *Context) AddFile(inDirectory int64, filename Filename,
	modificationTime, attributesHash int64, diffFromID int64,
	markSameNameAsOldVersions bool, payload io.Reader) (int64, error) {
	if c.info == nil {
		return 0, ErrInfoNotLoaded
	}
	if c.readOnly {
		return 0, ErrReadOnly
	}

	// This has to cope with a lot going wrong. The only things which
	// aren't unwound on error are the incremented object ID and the
	// blocks-used accounting; neither is a problem, since the next
	// housekeeping run corrects the sizes and ID allocation is
	// tolerant of gaps.

	dir, err := c.getDirectoryInternal(inDirectory)
	if err != nil {
		return 0, err
	}

	id, err := c.AllocateObjectID()
	if err != nil {
		return 0, err
	}

	if err := c.account.EnsureObjectPath(id); err != nil {
		return 0, err
	}
	fn := c.account.ObjectFilename(id)

	storeFile, err := c.account.Set.Create(fn, false)
	if err != nil {
		return 0, err
	}

	var previousVerStoreFile *raidfile.Writer
	reversedDiffIsCompletelyDifferent := false
	var oldVersionNewBlocksUsed int64
	var spaceSavedByConversionToPatch int64
	var oldUsage int64

	abortAll := func() {
		storeFile.Abort()
		if previousVerStoreFile != nil {
			previousVerStoreFile.Abort()
			previousVerStoreFile = nil
		}
	}

	if diffFromID == 0 {
		// A full file. Buffer the stream so the envelope can be
		// verified before anything is committed.
		buf, err := io.ReadAll(payload)
		if err != nil {
			abortAll()
			return 0, err
		}
		if _, err := VerifyEncodedFileFormat(bytes.NewReader(buf)); err != nil {
			abortAll()
			return 0, err
		}
		if _, err := storeFile.Write(buf); err != nil {
			abortAll()
			return 0, err
		}
	} else {
		// Check that the diffed-from ID actually exists in the
		// directory.
		if dir.FindEntryByID(diffFromID) == nil {
			abortAll()
			return 0, fmt.Errorf("object %x in directory %x: %w",
				diffFromID, inDirectory, ErrDiffFromMissing)
		}

		diffBuf, err := io.ReadAll(payload)
		if err != nil {
			abortAll()
			return 0, err
		}
		if _, err := VerifyEncodedFileFormat(bytes.NewReader(diffBuf)); err != nil {
			abortAll()
			return 0, err
		}

		oldFn := c.account.ObjectFilename(diffFromID)
		oldRead, err := c.account.Set.Open(oldFn)
		if err != nil {
			abortAll()
			return 0, classifyRaidErr(err)
		}
		oldUsage = oldRead.DiscUsageInBlocks()
		oldBuf, err := io.ReadAll(oldRead)
		oldRead.Close()
		if err != nil {
			abortAll()
			return 0, err
		}

		// Reassemble the full new file from the patch and the old
		// version.
		if err := CombineFile(bytes.NewReader(diffBuf),
			bytes.NewReader(oldBuf), storeFile); err != nil {
			abortAll()
			return 0, err
		}

		// Then reverse the patch: rewrite the old version so it
		// becomes a patch against the new file. The write is
		// prepared now but committed only after the directory
		// safely reflects the new state.
		previousVerStoreFile, err = c.account.Set.Create(oldFn, true)
		if err != nil {
			abortAll()
			return 0, err
		}
		reversedDiffIsCompletelyDifferent, err = ReverseDiffFile(
			bytes.NewReader(diffBuf), bytes.NewReader(oldBuf),
			previousVerStoreFile)
		if err != nil {
			abortAll()
			return 0, err
		}
		if reversedDiffIsCompletelyDifferent {
			// Nothing shared; keep the old version as it is.
			previousVerStoreFile.Abort()
			previousVerStoreFile = nil
		} else {
			oldVersionNewBlocksUsed = previousVerStoreFile.DiscUsageInBlocks()
			spaceSavedByConversionToPatch = oldUsage - oldVersionNewBlocksUsed
		}
	}

	newObjectBlocksUsed := storeFile.DiscUsageInBlocks()

	// Exceeds the hard limit?
	if c.info.BlocksUsed+newObjectBlocksUsed-spaceSavedByConversionToPatch >
		c.info.BlocksHardLimit {
		abortAll()
		return 0, fmt.Errorf("account %08x: %w", c.account.ID,
			ErrStorageLimitExceeded)
	}

	if err := storeFile.Commit(true); err != nil {
		abortAll()
		return 0, err
	}

	// Modify the directory: first mark all live files with the same
	// name as old versions, then add the new entry.
	var blocksInOldFiles int64
	if markSameNameAsOldVersions {
		for _, e := range dir.Matching(FlagFile, FlagOldVersion|FlagDeleted) {
			if e.Name.Equal(filename) {
				e.AddFlags(FlagOldVersion)
				blocksInOldFiles += e.SizeInBlocks
			}
		}
	}

	newEntry := dir.AddEntry(filename, modificationTime, id,
		newObjectBlocksUsed, FlagFile, attributesHash)

	if diffFromID != 0 {
		oldEntry := dir.FindEntryByID(diffFromID)

		if !reversedDiffIsCompletelyDifferent {
			oldEntry.DependsNewer = id
			newEntry.DependsOlder = diffFromID
		}

		if previousVerStoreFile != nil {
			oldSize := oldEntry.SizeInBlocks
			oldEntry.SizeInBlocks = oldVersionNewBlocksUsed
			newObjectBlocksUsed += oldVersionNewBlocksUsed - oldSize
			blocksInOldFiles += oldVersionNewBlocksUsed - oldSize
		}
	}

	if err := c.saveDirectory(dir, inDirectory); err != nil {
		// Back out of adding the file; the cache was already evicted
		// by saveDirectory.
		c.account.Set.Delete(fn)
		if previousVerStoreFile != nil {
			previousVerStoreFile.Abort()
		}
		return 0, err
	}

	// Commit the old version's patched rewrite, now that the directory
	// safely reflects the state of the files on disc. A crash before
	// this point leaves the old version whole, which combines just as
	// correctly.
	if previousVerStoreFile != nil {
		if err := previousVerStoreFile.Commit(true); err != nil {
			c.removeDirectoryFromCache(inDirectory)
			return 0, err
		}
	}

	// Modify the store info. If saving it fails, that's fine:
	// housekeeping rebuilds the counters and ID allocation recovers.
	if diffFromID == 0 {
		c.info.AdjustNumFiles(1)
	} else {
		c.info.AdjustNumOldFiles(1)
	}
	c.info.ChangeBlocksUsed(newObjectBlocksUsed)
	c.info.ChangeBlocksInCurrentFiles(newObjectBlocksUsed - blocksInOldFiles)
	c.info.ChangeBlocksInOldFiles(blocksInOldFiles)

	c.refCount.AddReference(id)

	if err := c.SaveStoreInfo(false); err != nil {
		log.Warning("account %08x: failed to save store info: %v",
			c.account.ID, err)
	}

	return id, nil
}

// DeleteFile flags all live entries with the given name as deleted,
// returning the object ID of the current version, or zero if no such
// file existed.
func (c *Context) DeleteFile(inDirectory int64, filename Filename) (int64, error) {
	if c.info == nil {
		return 0, ErrInfoNotLoaded
	}
	if c.readOnly {
		return 0, ErrReadOnly
	}

	dir, err := c.getDirectoryInternal(inDirectory)
	if err != nil {
		return 0, err
	}

	var objectID int64
	madeChanges := false
	var blocksDel int64

	// Only look at live file entries: neither deleted nor old versions.
	for _, e := range dir.Matching(FlagFile, FlagDeleted|FlagOldVersion) {
		if e.Name.Equal(filename) {
			e.AddFlags(FlagDeleted)
			madeChanges = true
			blocksDel += e.SizeInBlocks
			if !e.IsOld() {
				// The current version; report its ID.
				objectID = e.ObjectID
			}
		}
	}

	if madeChanges {
		if err := c.saveDirectory(dir, inDirectory); err != nil {
			return 0, err
		}
		c.info.AdjustNumFiles(-1)
		c.info.AdjustNumDeletedFiles(1)
		c.info.ChangeBlocksInDeletedFiles(blocksDel)
		if err := c.SaveStoreInfo(false); err != nil {
			log.Warning("account %08x: failed to save store info: %v",
				c.account.ID, err)
		}
	}

	return objectID, nil
}

// UndeleteFile clears the deleted flag on entries for the given object,
// returning whether a current version was restored.
func (c *Context) UndeleteFile(objectID, inDirectory int64) (bool, error) {
	if c.info == nil {
		return false, ErrInfoNotLoaded
	}
	if c.readOnly {
		return false, ErrReadOnly
	}

	dir, err := c.getDirectoryInternal(inDirectory)
	if err != nil {
		return false, err
	}

	fileExisted := false
	madeChanges := false
	var blocksDel int64

	for _, e := range dir.Matching(FlagFile|FlagDeleted, FlagsExcludeNothing) {
		if e.ObjectID == objectID {
			e.RemoveFlags(FlagDeleted)
			madeChanges = true
			blocksDel -= e.SizeInBlocks
			if !e.IsOld() {
				fileExisted = true
			}
		}
	}

	if madeChanges {
		if err := c.saveDirectory(dir, inDirectory); err != nil {
			return false, err
		}
		c.info.AdjustNumFiles(1)
		c.info.AdjustNumDeletedFiles(-1)
		c.info.ChangeBlocksInDeletedFiles(blocksDel)
		if err := c.SaveStoreInfo(true); err != nil {
			log.Warning("account %08x: failed to save store info: %v",
				c.account.ID, err)
		}
	}

	return fileExisted, nil
}

// ChangeFileAttributes updates the attributes on the live entry with
// the given name, returning the entry's object ID, or zero if no such
// entry exists.
func (c *Context) ChangeFileAttributes(inDirectory int64, filename Filename,
	attributes []byte, attributesHash int64) (int64, error) {
	if c.info == nil {
		return 0, ErrInfoNotLoaded
	}
	if c.readOnly {
		return 0, ErrReadOnly
	}

	dir, err := c.getDirectoryInternal(inDirectory)
	if err != nil {
		return 0, err
	}

	// Only current versions of files are eligible.
	for _, e := range dir.Matching(FlagFile, FlagDeleted|FlagOldVersion) {
		if e.Name.Equal(filename) {
			e.Attributes = append([]byte(nil), attributes...)
			e.AttributesHash = attributesHash
			if err := c.saveDirectory(dir, inDirectory); err != nil {
				return 0, err
			}
			return e.ObjectID, nil
		}
	}
	return 0, nil
}

///////////////////////////////////////////////////////////////////////////
// Directories

// AddDirectory creates a directory object with the given attributes
// and inserts an entry for it in the parent. If a live entry with the
// same name already exists, its ID is returned with alreadyExists set
// and nothing is changed.
func (c *Context) AddDirectory(inDirectory int64, filename Filename,
	attributes []byte, attributesModTime int64) (id int64, alreadyExists bool, err error) {
	if c.info == nil {
		return 0, false, ErrInfoNotLoaded
	}
	if c.readOnly {
		return 0, false, ErrReadOnly
	}

	dir, err := c.getDirectoryInternal(inDirectory)
	if err != nil {
		return 0, false, err
	}

	// Scan for a live entry with this name.
	for _, e := range dir.Matching(FlagsIncludeEverything, FlagDeleted|FlagOldVersion) {
		if e.Name.Equal(filename) {
			return e.ObjectID, true, nil
		}
	}

	id, err = c.AllocateObjectID()
	if err != nil {
		return 0, false, err
	}

	// Create the empty directory object on disc.
	if err := c.account.EnsureObjectPath(id); err != nil {
		return 0, false, err
	}
	fn := c.account.ObjectFilename(id)
	var dirSize int64
	{
		emptyDir := NewDirectory(id, inDirectory)
		emptyDir.SetAttributes(attributes, attributesModTime)

		w, err := c.account.Set.Create(fn, false)
		if err != nil {
			return 0, false, err
		}
		if err := emptyDir.WriteTo(w); err != nil {
			w.Abort()
			return 0, false, err
		}
		dirSize = w.DiscUsageInBlocks()
		if err := w.Commit(true); err != nil {
			return 0, false, err
		}

		c.info.ChangeBlocksUsed(dirSize)
		c.info.ChangeBlocksInDirectories(dirSize)
	}

	// Then add it into the parent directory.
	dir.AddEntry(filename, 0, id, dirSize, FlagDir, 0)
	if err := c.saveDirectory(dir, inDirectory); err != nil {
		// Back out of adding the directory.
		c.account.Set.Delete(fn)
		return 0, false, err
	}

	c.refCount.AddReference(id)

	c.info.AdjustNumDirectories(1)
	if err := c.SaveStoreInfo(false); err != nil {
		log.Warning("account %08x: failed to save store info: %v",
			c.account.ID, err)
	}

	return id, false, nil
}

// DeleteDirectory flags the directory's entry in its parent as
// deleted, along with -- depth first -- everything the directory
// contains. With undelete set the flags are cleared instead, on the
// entry and on every deleted entry below it; entries that were already
// deleted before the directory was deleted are restored as well.
func (c *Context) DeleteDirectory(objectID int64, undelete bool) error {
	if c.info == nil {
		return ErrInfoNotLoaded
	}
	if c.readOnly {
		return ErrReadOnly
	}
	if objectID == RootDirectoryID {
		return fmt.Errorf("root directory: %w", ErrEntryNotFound)
	}

	var inDirectory int64
	var blocksDeleted int64

	err := func() error {
		// Find the containing directory, then do the depth-first
		// flag flip of the contents.
		{
			dir, err := c.getDirectoryInternal(objectID)
			if err != nil {
				return err
			}
			inDirectory = dir.ContainerID()

			if err := c.deleteDirectoryRecurse(objectID, &blocksDeleted, undelete); err != nil {
				return err
			}
		}

		// Remove or restore the entry in the parent directory. The
		// directory must be reloaded: the recursion may have evicted
		// it from the cache.
		parentDir, err := c.getDirectoryInternal(inDirectory)
		if err != nil {
			return err
		}

		include, exclude := FlagsIncludeEverything, FlagDeleted
		if undelete {
			include, exclude = FlagDeleted, FlagsExcludeNothing
		}
		for _, e := range parentDir.Matching(include, exclude) {
			if e.ObjectID == objectID {
				if undelete {
					e.RemoveFlags(FlagDeleted)
				} else {
					e.AddFlags(FlagDeleted)
				}
				if err := c.saveDirectory(parentDir, inDirectory); err != nil {
					return err
				}
				break
			}
		}

		if undelete {
			c.info.ChangeBlocksInDeletedFiles(-blocksDeleted)
			c.info.AdjustNumDirectories(1)
		} else {
			c.info.ChangeBlocksInDeletedFiles(blocksDeleted)
			c.info.AdjustNumDirectories(-1)
		}
		if err := c.SaveStoreInfo(false); err != nil {
			log.Warning("account %08x: failed to save store info: %v",
				c.account.ID, err)
		}
		return nil
	}()
	if err != nil {
		c.removeDirectoryFromCache(inDirectory)
		return err
	}
	return nil
}

// deleteDirectoryRecurse does the depth-first deleted-flag flip for
// DeleteDirectory. It is careful not to use a cached directory across
// a recursive call, since the recursion may have flushed the cache.
func (c *Context) deleteDirectoryRecurse(objectID int64, blocksDeleted *int64, undelete bool) error {
	err := func() error {
		// First gather the subdirectories to recurse into.
		var subDirs []int64
		{
			dir, err := c.getDirectoryInternal(objectID)
			if err != nil {
				return err
			}

			include, exclude := FlagDir, FlagDeleted
			if undelete {
				// Deleted directories only.
				include, exclude = FlagDir|FlagDeleted, FlagsExcludeNothing
			}
			for _, e := range dir.Matching(include, exclude) {
				subDirs = append(subDirs, e.ObjectID)
			}
		}

		for _, sub := range subDirs {
			if err := c.deleteDirectoryRecurse(sub, blocksDeleted, undelete); err != nil {
				return err
			}
		}

		// Then flip the flags on the entries. Reload the directory;
		// it may have fallen out of the cache during the recursion.
		dir, err := c.getDirectoryInternal(objectID)
		if err != nil {
			return err
		}

		include, exclude := FlagsIncludeEverything, FlagDeleted
		if undelete {
			include, exclude = FlagDeleted, FlagsExcludeNothing
		}
		changesMade := false
		for _, e := range dir.Matching(include, exclude) {
			if undelete {
				e.RemoveFlags(FlagDeleted)
			} else {
				e.AddFlags(FlagDeleted)
			}
			if e.IsFile() {
				*blocksDeleted += e.SizeInBlocks
			}
			changesMade = true
		}

		if changesMade {
			return c.saveDirectory(dir, objectID)
		}
		return nil
	}()
	if err != nil {
		c.removeDirectoryFromCache(objectID)
	}
	return err
}

// ChangeDirAttributes rewrites the attributes on a directory object.
func (c *Context) ChangeDirAttributes(directory int64, attributes []byte,
	attributesModTime int64) error {
	if c.info == nil {
		return ErrInfoNotLoaded
	}
	if c.readOnly {
		return ErrReadOnly
	}

	dir, err := c.getDirectoryInternal(directory)
	if err != nil {
		return err
	}
	dir.SetAttributes(append([]byte(nil), attributes...), attributesModTime)
	return c.saveDirectory(dir, directory)
}

///////////////////////////////////////////////////////////////////////////
// Move

// MoveObject moves an entry (and, optionally, all entries with the
// same name) from one directory to another, renaming as it goes. The
// destination name must not already exist; with allowMoveOverDeleted,
// entries that are flagged deleted don't count as conflicts.
func (c *Context) MoveObject(objectID, moveFrom, moveTo int64,
	newFilename Filename, moveAllWithSameName, allowMoveOverDeleted bool) error {
	if c.info == nil {
		return ErrInfoNotLoaded
	}
	if c.readOnly {
		return ErrReadOnly
	}

	// Should deleted files be excluded when checking for the existence
	// of objects with the target name?
	targetExcludeFlags := FlagsExcludeNothing
	if allowMoveOverDeleted {
		targetExcludeFlags = FlagDeleted
	}

	nameExists := func(dir *Directory) bool {
		for _, e := range dir.Matching(FlagsIncludeEverything, targetExcludeFlags) {
			if e.Name.Equal(newFilename) {
				return true
			}
		}
		return false
	}

	// Special case: renaming within one directory.
	if moveFrom == moveTo {
		err := func() error {
			dir, err := c.getDirectoryInternal(moveFrom)
			if err != nil {
				return err
			}
			en := dir.FindEntryByID(objectID)
			if en == nil {
				return fmt.Errorf("object %x in directory %x: %w",
					objectID, moveFrom, ErrEntryNotFound)
			}
			if nameExists(dir) {
				return fmt.Errorf("%s: %w", newFilename, ErrNameAlreadyExists)
			}

			if moveAllWithSameName {
				oldName := append(Filename(nil), en.Name...)
				for _, e := range dir.Entries() {
					if e.Name.Equal(oldName) {
						e.Name = append(Filename(nil), newFilename...)
					}
				}
			} else {
				en.Name = append(Filename(nil), newFilename...)
			}

			return c.saveDirectory(dir, moveFrom)
		}()
		if err != nil {
			c.removeDirectoryFromCache(moveFrom)
		}
		return err
	}

	// Moving between directories. Be careful: with two directories in
	// play, loading the second may flush the first from the cache.

	// First, take copies of the entries to move.
	var moving []*Entry
	var dirsToChangeContainingID []int64

	err := func() error {
		{
			from, err := c.getDirectoryInternal(moveFrom)
			if err != nil {
				return err
			}
			en := from.FindEntryByID(objectID)
			if en == nil {
				return fmt.Errorf("object %x in directory %x: %w",
					objectID, moveFrom, ErrEntryNotFound)
			}

			if moveAllWithSameName {
				for _, e := range from.Entries() {
					if e.Name.Equal(en.Name) {
						cp := *e
						moving = append(moving, &cp)
						if e.Flags&FlagDir != 0 {
							dirsToChangeContainingID =
								append(dirsToChangeContainingID, e.ObjectID)
						}
					}
				}
			} else {
				cp := *en
				moving = append(moving, &cp)
				if en.Flags&FlagDir != 0 {
					dirsToChangeContainingID =
						append(dirsToChangeContainingID, en.ObjectID)
				}
			}
		}

		// Secondly, insert them into the destination and save it.
		{
			to, err := c.getDirectoryInternal(moveTo)
			if err != nil {
				return err
			}
			if nameExists(to) {
				return fmt.Errorf("%s: %w", newFilename, ErrNameAlreadyExists)
			}
			for _, e := range moving {
				e.Name = append(Filename(nil), newFilename...)
				to.AddEntryCopy(e)
			}
			if err := c.saveDirectory(to, moveTo); err != nil {
				return err
			}
		}

		// Thirdly, remove them from the source -- and if that fails,
		// undo the additions to the destination.
		if err := func() error {
			from, err := c.getDirectoryInternal(moveFrom)
			if err != nil {
				return err
			}
			for _, e := range moving {
				from.DeleteEntry(e.ObjectID)
			}
			return c.saveDirectory(from, moveFrom)
		}(); err != nil {
			to, terr := c.getDirectoryInternal(moveTo)
			if terr == nil {
				for _, e := range moving {
					to.DeleteEntry(e.ObjectID)
				}
				if serr := c.saveDirectory(to, moveTo); serr != nil {
					log.Warning("account %08x: failed to undo move into "+
						"directory %x: %v", c.account.ID, moveTo, serr)
				}
			}
			return err
		}

		// Finally, fix up the container IDs of any moved directories.
		for _, dirID := range dirsToChangeContainingID {
			change, err := c.getDirectoryInternal(dirID)
			if err != nil {
				return err
			}
			change.SetContainerID(moveTo)
			if err := c.saveDirectory(change, dirID); err != nil {
				return err
			}
		}
		return nil
	}()
	if err != nil {
		// The directories may be cached in a modified state.
		c.removeDirectoryFromCache(moveFrom)
		c.removeDirectoryFromCache(moveTo)
		for _, dirID := range dirsToChangeContainingID {
			c.removeDirectoryFromCache(dirID)
		}
		return err
	}
	return nil
}

///////////////////////////////////////////////////////////////////////////
// Object access

// Kinds for ObjectExists.
const (
	ObjectExistsAnything = iota
	ObjectExistsFile
	ObjectExistsDir
)

// ObjectExists tests whether an object is present, optionally checking
// that it is a file or a directory by sniffing the magic word.
func (c *Context) ObjectExists(objectID int64, mustBe int) (bool, error) {
	if c.info == nil {
		return false, ErrInfoNotLoaded
	}

	// Object IDs a little beyond the last one recorded in the info
	// must be allowed for, because the info is saved lazily. Anything
	// past that bound is obviously bad, and isn't worth disc I/O.
	if objectID <= 0 ||
		objectID > c.info.LastObjectIDUsed+storeInfoSaveDelay*2 {
		return false, nil
	}

	fn := c.account.ObjectFilename(objectID)
	if exists, _ := c.account.Set.Exists(fn); !exists {
		return false, nil
	}

	if mustBe == ObjectExistsAnything {
		return true, nil
	}

	rd, err := c.account.Set.Open(fn)
	if err != nil {
		return false, nil
	}
	defer rd.Close()
	magic, err := readU32(rd)
	if err != nil {
		return false, nil
	}

	switch mustBe {
	case ObjectExistsFile:
		return magic == fileMagicV1 || magic == fileMagicV0, nil
	case ObjectExistsDir:
		return magic == dirMagic, nil
	}
	return false, fmt.Errorf("unknown object kind %d", mustBe)
}

// OpenObject returns a stream over an object's raw bytes.
func (c *Context) OpenObject(objectID int64) (*raidfile.Read, error) {
	if c.info == nil {
		return nil, ErrInfoNotLoaded
	}
	if objectID <= 0 ||
		objectID > c.info.LastObjectIDUsed+storeInfoSaveDelay*2 {
		return nil, fmt.Errorf("object %x: %w", objectID, ErrNotFound)
	}

	rd, err := c.account.Set.Open(c.account.ObjectFilename(objectID))
	if err != nil {
		return nil, classifyRaidErr(err)
	}
	return rd, nil
}

///////////////////////////////////////////////////////////////////////////
// Info access

func (c *Context) GetClientStoreMarker() (int64, error) {
	if c.info == nil {
		return 0, ErrInfoNotLoaded
	}
	return c.info.ClientStoreMarker, nil
}

// SetClientStoreMarker sets the client store marker and commits it to
// disc immediately.
func (c *Context) SetClientStoreMarker(marker int64) error {
	if c.info == nil {
		return ErrInfoNotLoaded
	}
	if c.readOnly {
		return ErrReadOnly
	}
	c.info.SetClientStoreMarker(marker)
	return c.SaveStoreInfo(false)
}

// GetStoreDiscUsageInfo returns the account's blocks used and limits.
func (c *Context) GetStoreDiscUsageInfo() (used, softLimit, hardLimit int64, err error) {
	if c.info == nil {
		return 0, 0, 0, ErrInfoNotLoaded
	}
	return c.info.BlocksUsed, c.info.BlocksSoftLimit, c.info.BlocksHardLimit, nil
}

// HardLimitExceeded reports whether the account is over its hard
// limit.
func (c *Context) HardLimitExceeded() (bool, error) {
	if c.info == nil {
		return false, ErrInfoNotLoaded
	}
	return c.info.BlocksUsed > c.info.BlocksHardLimit, nil
}
