// store/check.go
// Copyright(c) 2018 Matt Pharr
// BSD licensed; see LICENSE for details.

// The consistency checker rebuilds an account from what is actually on
// disc: it classifies every object file, reconciles every directory
// entry against them, re-homes orphans into lost+found, corrects
// container IDs and sizes, and finally rewrites the info record and
// regenerates the reference count database. All of it is idempotent: a
// second run over a repaired account finds nothing to do.

package store

import (
	"bytes"
	"path"
	"sort"

	"github.com/mmp/bbstore/raidfile"
	"golang.org/x/crypto/sha3"
)

// checkObjectInfo is what phase 1 learns about each object file.
type checkObjectInfo struct {
	isFile       bool
	container    int64
	sizeInBlocks int64
	contained    bool
}

// Check runs the consistency check over one account. The caller must
// hold the account's write lock.
type Check struct {
	account   Account
	fixErrors bool
	quiet     bool
	sink      ProgressSink

	objects     map[int64]*checkObjectInfo
	maxObjectID int64
	errorsFound int

	blocksInCurrentFiles int64
	blocksInOldFiles     int64
	blocksInDeletedFiles int64
	blocksInDirectories  int64
	blocksUsed           int64
	numFiles             int64
	numOldFiles          int64
	numDeletedFiles      int64
	numDirectories       int64

	dirsWithWrongContainerID []int64
	dirsWhichContainLostDirs map[int64]int64
	lostAndFoundDirID        int64
}

// NewCheck prepares a consistency check. With fixErrors unset, damage
// is reported but nothing on disc is modified.
func NewCheck(account Account, fixErrors, quiet bool, sink ProgressSink) *Check {
	if sink == nil {
		sink = loggerSink{}
	}
	return &Check{
		account:                  account,
		fixErrors:                fixErrors,
		quiet:                    quiet,
		sink:                     sink,
		objects:                  make(map[int64]*checkObjectInfo),
		dirsWhichContainLostDirs: make(map[int64]int64),
	}
}

// Run performs all phases and returns the number of errors found.
func (ck *Check) Run() (int, error) {
	if !ck.quiet && ck.fixErrors {
		ck.sink.Progress("will fix errors encountered during checking")
	}

	ck.phase("phase 1, check objects")
	if err := ck.checkObjects(); err != nil {
		return ck.errorsFound, err
	}

	ck.phase("phase 2, check directories")
	if err := ck.checkDirectories(); err != nil {
		return ck.errorsFound, err
	}

	ck.phase("phase 3, check root")
	if err := ck.checkRoot(); err != nil {
		return ck.errorsFound, err
	}

	ck.phase("phase 4, fix unattached objects")
	if err := ck.checkUnattachedObjects(); err != nil {
		return ck.errorsFound, err
	}

	ck.phase("phase 5, fix unrecovered inconsistencies")
	if err := ck.fixDirsWithWrongContainerID(); err != nil {
		return ck.errorsFound, err
	}
	if err := ck.fixDirsWithLostDirs(); err != nil {
		return ck.errorsFound, err
	}

	ck.phase("phase 6, regenerate store info")
	if err := ck.writeNewStoreInfo(); err != nil {
		return ck.errorsFound, err
	}

	if ck.errorsFound > 0 {
		ck.sink.Problem("account %08x: %d errors found", ck.account.ID, ck.errorsFound)
		if !ck.fixErrors {
			ck.sink.Problem("no changes to the store account have been made; " +
				"run again with fix to repair")
		}
	} else if !ck.quiet {
		ck.sink.Progress("account %08x: no errors found", ck.account.ID)
	}
	return ck.errorsFound, nil
}

func (ck *Check) phase(msg string) {
	if !ck.quiet {
		ck.sink.Progress("%s...", msg)
	}
}

///////////////////////////////////////////////////////////////////////////
// Phase 1

// checkObjects walks the radix directory tree, classifying every file
// found and building the object index. Unreadable or unrecognizable
// files are deleted (under fix) -- they can't be restored anyway.
func (ck *Check) checkObjects() error {
	return ck.scanRadixDir("", 0)
}

// twoHexToInt parses a two-hex-digit radix segment name.
func twoHexToInt(s string) (int, bool) {
	if len(s) != 2 {
		return 0, false
	}
	n := 0
	for i := 0; i < 2; i++ {
		c := s[i]
		switch {
		case c >= '0' && c <= '9':
			n = n<<4 | int(c-'0')
		case c >= 'a' && c <= 'f':
			n = n<<4 | int(c-'a'+0xa)
		default:
			return 0, false
		}
	}
	return n, true
}

func (ck *Check) scanRadixDir(rel string, prefix int64) error {
	full := ck.account.filename(rel)

	// Subdirectories first: objects in deeper levels have higher IDs,
	// but the map doesn't care about order here.
	dirs, err := ck.account.Set.ReadDirectoryContents(full, raidfile.DirReadDirsOnly)
	if err != nil {
		return classifyRaidErr(err)
	}
	for _, d := range dirs {
		n, ok := twoHexToInt(d)
		if !ok {
			ck.foundError("spurious directory %s found%s", path.Join(rel, d),
				ck.fixNote("delete manually"))
			continue
		}
		if err := ck.scanRadixDir(path.Join(rel, d), prefix<<idSegmentBits|int64(n)); err != nil {
			return err
		}
	}

	files, err := ck.account.Set.ReadDirectoryContents(full, raidfile.DirReadFilesOnly)
	if err != nil {
		return classifyRaidErr(err)
	}
	for _, f := range files {
		if n, ok := objectLeafToInt(f); ok {
			id := prefix<<idSegmentBits | int64(n)
			if !ck.checkAndAddObject(id) {
				ck.foundError("corrupted object file %s found%s",
					path.Join(rel, f), ck.fixNote("deleting"))
				if ck.fixErrors {
					ck.account.Set.Delete(ck.account.filename(path.Join(rel, f)))
				}
			}
			continue
		}
		// The account databases live in the root directory; anything
		// else is spurious.
		if rel == "" && (f == "info" || f == "refcount.db" || f == "write.lock") {
			continue
		}
		ck.foundError("spurious file %s found%s", path.Join(rel, f),
			ck.fixNote("deleting"))
		if ck.fixErrors {
			ck.account.Set.Delete(ck.account.filename(path.Join(rel, f)))
		}
	}
	return nil
}

// objectLeafToInt parses an object leaf name ("o" plus two hex digits).
func objectLeafToInt(s string) (int, bool) {
	if len(s) != 3 || s[0] != 'o' {
		return 0, false
	}
	return twoHexToInt(s[1:])
}

// checkAndAddObject opens an object file, classifies it by its magic
// word, and adds it to the index. Returns false if the file is bad and
// should be deleted.
func (ck *Check) checkAndAddObject(id int64) bool {
	rd, err := ck.account.Set.Open(ck.account.ObjectFilename(id))
	if err != nil {
		return false
	}
	defer rd.Close()
	size := rd.DiscUsageInBlocks()

	magic, err := readU32(rd)
	if err != nil {
		return false
	}
	if _, err := rd.Seek(0, 0); err != nil {
		return false
	}

	isFile := true
	var containerID int64
	switch magic {
	case fileMagicV1, fileMagicV0:
		// A file as the root directory would be very bad.
		if id == RootDirectoryID {
			return false
		}
		containerID, err = VerifyEncodedFileFormat(rd)
		if err != nil {
			return false
		}

	case dirMagic:
		isFile = false
		dir := &Directory{}
		if err := dir.ReadFrom(rd); err != nil {
			return false
		}
		if dir.ObjectID() != id {
			return false
		}
		containerID = dir.ContainerID()

	default:
		// Unknown magic. Bad file. Very bad file.
		return false
	}

	ck.blocksUsed += size
	if !isFile {
		ck.blocksInDirectories += size
	}

	ck.objects[id] = &checkObjectInfo{
		isFile:       isFile,
		container:    containerID,
		sizeInBlocks: size,
	}
	if id > ck.maxObjectID {
		ck.maxObjectID = id
	}
	return true
}

///////////////////////////////////////////////////////////////////////////
// Phase 2

func (ck *Check) sortedObjectIDs(dirsOnly bool) []int64 {
	var ids []int64
	for id, o := range ck.objects {
		if dirsOnly && o.isFile {
			continue
		}
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// checkDirectories loads every directory found in phase 1 and
// reconciles its entries against the object index.
func (ck *Check) checkDirectories() error {
	// The root directory is not contained inside another directory,
	// so there's no entry to count it from; count it here.
	ck.numDirectories++

	for _, dirID := range ck.sortedObjectIDs(true) {
		dir, err := ck.loadDirectory(dirID)
		if err != nil {
			ck.foundError("directory %x unreadable during reconciliation: %v",
				dirID, err)
			continue
		}

		isModified := false
		if dir.CheckAndFix() {
			ck.foundError("directory %x has bad structure", dirID)
			isModified = true
		}

		var toDelete []int64
		for _, en := range dir.Entries() {
			target, ok := ck.objects[en.ObjectID]
			if !ok {
				if en.IsDir() {
					// Might be recoverable later; remember it.
					ck.dirsWhichContainLostDirs[en.ObjectID] = dirID
					continue
				}
				ck.foundError("directory %x references object %x "+
					"which does not exist", dirID, en.ObjectID)
				toDelete = append(toDelete, en.ObjectID)
				continue
			}

			if !ck.checkDirectoryEntry(en, dirID, target, &isModified) {
				toDelete = append(toDelete, en.ObjectID)
			}
		}

		for _, id := range toDelete {
			dir.DeleteEntry(id)
		}
		if len(toDelete) > 0 {
			isModified = true
			dir.CheckAndFix()
		}

		if isModified && ck.fixErrors {
			if !ck.quiet {
				ck.sink.Progress("fixing directory %x", dirID)
			}
			if err := ck.saveDirectory(dir); err != nil {
				return err
			}
		}
	}
	return nil
}

// checkDirectoryEntry reconciles one entry against the index, and
// returns whether the entry should be kept.
func (ck *Check) checkDirectoryEntry(en *Entry, dirID int64,
	target *checkObjectInfo, isModified *bool) bool {
	// Is the type the same?
	if target.isFile == en.IsDir() {
		ck.foundError("directory %x references object %x which has "+
			"a different type than expected", dirID, en.ObjectID)
		return false
	}

	// An object can only be contained once.
	if target.contained {
		ck.foundError("directory %x references object %x which is "+
			"already contained", dirID, en.ObjectID)
		return false
	}
	target.contained = true

	// Check the container ID the object itself declares.
	if target.container != dirID {
		if en.IsDir() {
			ck.foundError("directory %x has wrong container ID", en.ObjectID)
			ck.dirsWithWrongContainerID = append(ck.dirsWithWrongContainerID,
				en.ObjectID)
		} else {
			// This is OK for files: they get moved.
			ck.sink.Progress("file %x has different container ID, "+
				"probably moved", en.ObjectID)
		}
		target.container = dirID
	}

	// Check the size on the entry, for files.
	if en.IsFile() && en.SizeInBlocks != target.sizeInBlocks {
		en.SizeInBlocks = target.sizeInBlocks
		*isModified = true
		ck.foundError("directory %x has wrong size for object %x",
			dirID, en.ObjectID)
	}

	if en.IsDir() {
		ck.numDirectories++
	} else {
		ck.numFiles++
		switch {
		case en.IsDeleted():
			ck.numDeletedFiles++
			ck.blocksInDeletedFiles += en.SizeInBlocks
		case en.IsOld():
			ck.numOldFiles++
			ck.blocksInOldFiles += en.SizeInBlocks
		default:
			ck.blocksInCurrentFiles += en.SizeInBlocks
		}
	}
	return true
}

///////////////////////////////////////////////////////////////////////////
// Phase 3

// checkRoot makes sure the account root directory exists; without it
// there is no account to speak of, so under fix a fresh empty root is
// written.
func (ck *Check) checkRoot() error {
	if o, ok := ck.objects[RootDirectoryID]; ok && !o.isFile {
		o.contained = true // the root contains itself
		return nil
	}

	ck.foundError("root directory doesn't exist%s", ck.fixNote("recreating"))
	if !ck.fixErrors {
		return nil
	}

	root := NewDirectory(RootDirectoryID, RootDirectoryID)
	size, err := ck.writeDirectory(root)
	if err != nil {
		return err
	}
	ck.objects[RootDirectoryID] = &checkObjectInfo{
		container:    RootDirectoryID,
		sizeInBlocks: size,
		contained:    true,
	}
	if ck.maxObjectID < RootDirectoryID {
		ck.maxObjectID = RootDirectoryID
	}
	return nil
}

///////////////////////////////////////////////////////////////////////////
// Phase 4

// lostAndFoundName is the entry name of the checker's lost+found
// directory in the account root. Entry names are normally ciphertext;
// this one is plain so that a client can recognize it.
var lostAndFoundName = Filename("lost+found")

// checkUnattachedObjects re-homes every object that no directory entry
// claimed, attaching it under a lost+found directory in the root.
// Directories go first, so that their files are at least reachable
// through them.
func (ck *Check) checkUnattachedObjects() error {
	var lostDirs, lostFiles []int64
	for _, id := range ck.sortedObjectIDs(false) {
		o := ck.objects[id]
		if o.contained {
			continue
		}
		if o.isFile {
			lostFiles = append(lostFiles, id)
		} else {
			lostDirs = append(lostDirs, id)
		}
	}

	for _, id := range append(lostDirs, lostFiles...) {
		o := ck.objects[id]
		ck.foundError("object %x is unattached%s", id,
			ck.fixNote("moving to lost+found"))
		if !ck.fixErrors {
			continue
		}

		lfID, err := ck.getLostAndFoundDirID()
		if err != nil {
			return err
		}

		lf, err := ck.loadDirectory(lfID)
		if err != nil {
			return err
		}

		flags := FlagFile
		if !o.isFile {
			flags = FlagDir
		}
		lf.AddEntry(ck.syntheticName(id), 0, id, o.sizeInBlocks, flags, 0)
		if err := ck.saveDirectory(lf); err != nil {
			return err
		}

		o.contained = true
		if o.container != lfID {
			o.container = lfID
			if !o.isFile {
				ck.dirsWithWrongContainerID = append(ck.dirsWithWrongContainerID, id)
			}
		}

		if o.isFile {
			ck.numFiles++
			ck.blocksInCurrentFiles += o.sizeInBlocks
		} else {
			ck.numDirectories++
		}
	}
	return nil
}

// syntheticName derives a deterministic, opaque entry name for a
// re-homed object.
func (ck *Check) syntheticName(id int64) Filename {
	var seed [12]byte
	seed[0] = byte(ck.account.ID >> 24)
	seed[1] = byte(ck.account.ID >> 16)
	seed[2] = byte(ck.account.ID >> 8)
	seed[3] = byte(ck.account.ID)
	for i := 0; i < 8; i++ {
		seed[4+i] = byte(id >> (8 * (7 - i)))
	}
	name := make(Filename, 16)
	sha3.ShakeSum256(name, seed[:])
	return name
}

// getLostAndFoundDirID finds or creates the lost+found directory in
// the account root.
func (ck *Check) getLostAndFoundDirID() (int64, error) {
	if ck.lostAndFoundDirID != 0 {
		return ck.lostAndFoundDirID, nil
	}

	root, err := ck.loadDirectory(RootDirectoryID)
	if err != nil {
		return 0, err
	}
	for _, e := range root.Matching(FlagDir, FlagDeleted) {
		if e.Name.Equal(lostAndFoundName) {
			ck.lostAndFoundDirID = e.ObjectID
			return e.ObjectID, nil
		}
	}

	// Create it, with an ID beyond everything seen on disc.
	id := ck.maxObjectID + 1
	ck.maxObjectID = id

	lf := NewDirectory(id, RootDirectoryID)
	size, err := ck.writeDirectory(lf)
	if err != nil {
		return 0, err
	}
	ck.objects[id] = &checkObjectInfo{
		container:    RootDirectoryID,
		sizeInBlocks: size,
		contained:    true,
	}

	root.AddEntry(lostAndFoundName, 0, id, size, FlagDir, 0)
	if err := ck.saveDirectory(root); err != nil {
		return 0, err
	}
	ck.numDirectories++

	ck.lostAndFoundDirID = id
	return id, nil
}

///////////////////////////////////////////////////////////////////////////
// Phase 5

// fixDirsWithWrongContainerID rewrites the container ID stored inside
// directory objects whose location on disc disagrees with it.
func (ck *Check) fixDirsWithWrongContainerID() error {
	if !ck.fixErrors {
		return nil
	}
	for _, dirID := range ck.dirsWithWrongContainerID {
		o, ok := ck.objects[dirID]
		if !ok {
			continue
		}
		dir, err := ck.loadDirectory(dirID)
		if err != nil {
			return err
		}
		dir.SetContainerID(o.container)
		if err := ck.saveDirectory(dir); err != nil {
			return err
		}
	}
	return nil
}

// fixDirsWithLostDirs deletes entries referencing directories which
// never turned up.
func (ck *Check) fixDirsWithLostDirs() error {
	for lostID, containerID := range ck.dirsWhichContainLostDirs {
		if _, ok := ck.objects[lostID]; ok {
			continue
		}
		ck.foundError("directory %x references directory %x which "+
			"does not exist", containerID, lostID)
		if !ck.fixErrors {
			continue
		}
		dir, err := ck.loadDirectory(containerID)
		if err != nil {
			return err
		}
		if dir.DeleteEntry(lostID) {
			if err := ck.saveDirectory(dir); err != nil {
				return err
			}
		}
	}
	return nil
}

///////////////////////////////////////////////////////////////////////////
// Phase 6

// writeNewStoreInfo rebuilds the info record from the accumulated
// counters and regenerates the reference count database from the tree
// walk.
func (ck *Check) writeNewStoreInfo() error {
	oldInfo, err := LoadInfo(ck.account, true)
	if err != nil {
		ck.foundError("store info unreadable: %v", err)
		if !ck.fixErrors {
			return nil
		}
		// Carry on with defaults; better an info record with zero
		// limits than none.
		oldInfo = NewInfo(ck.account, 0, 0)
	}

	if !ck.fixErrors {
		return nil
	}

	info := NewInfo(ck.account, oldInfo.BlocksSoftLimit, oldInfo.BlocksHardLimit)
	info.AccountName = oldInfo.AccountName
	info.AccountEnabled = oldInfo.AccountEnabled
	info.ClientStoreMarker = oldInfo.ClientStoreMarker
	info.LastObjectIDUsed = ck.maxObjectID
	if oldInfo.LastObjectIDUsed > info.LastObjectIDUsed {
		info.LastObjectIDUsed = oldInfo.LastObjectIDUsed
	}
	info.BlocksUsed = ck.blocksUsed
	info.BlocksInCurrentFiles = ck.blocksInCurrentFiles
	info.BlocksInOldFiles = ck.blocksInOldFiles
	info.BlocksInDeletedFiles = ck.blocksInDeletedFiles
	info.BlocksInDirectories = ck.blocksInDirectories
	info.NumFiles = ck.numFiles
	info.NumOldFiles = ck.numOldFiles
	info.NumDeletedFiles = ck.numDeletedFiles
	info.NumDirectories = ck.numDirectories
	if err := info.Save(); err != nil {
		return err
	}

	refCount := NewRefCountDatabaseForRegeneration(ck.account)
	for _, id := range ck.sortedObjectIDs(false) {
		if ck.objects[id].contained {
			refCount.SetRefCount(id, 1)
		}
	}
	return refCount.Save()
}

///////////////////////////////////////////////////////////////////////////
// Helpers

func (ck *Check) foundError(format string, args ...interface{}) {
	ck.errorsFound++
	ck.sink.Problem("account %08x: "+format,
		append([]interface{}{ck.account.ID}, args...)...)
}

// fixNote returns ", <action>" under fix, and "" otherwise, for
// tacking onto problem reports.
func (ck *Check) fixNote(action string) string {
	if ck.fixErrors {
		return ", " + action
	}
	return ""
}

func (ck *Check) loadDirectory(id int64) (*Directory, error) {
	rd, err := ck.account.Set.Open(ck.account.ObjectFilename(id))
	if err != nil {
		return nil, classifyRaidErr(err)
	}
	defer rd.Close()

	dir := &Directory{}
	if err := dir.ReadFrom(rd); err != nil {
		return nil, err
	}
	dir.SetSizeInBlocks(rd.DiscUsageInBlocks())
	return dir, nil
}

// saveDirectory rewrites a directory object, keeping the usage
// accumulators in step with its change in size.
func (ck *Check) saveDirectory(dir *Directory) error {
	size, err := ck.writeDirectory(dir)
	if err != nil {
		return err
	}
	delta := size - dir.SizeInBlocks()
	ck.blocksUsed += delta
	ck.blocksInDirectories += delta
	if o, ok := ck.objects[dir.ObjectID()]; ok {
		o.sizeInBlocks = size
	}
	dir.SetSizeInBlocks(size)
	return nil
}

func (ck *Check) writeDirectory(dir *Directory) (int64, error) {
	if err := ck.account.EnsureObjectPath(dir.ObjectID()); err != nil {
		return 0, err
	}
	var buf bytes.Buffer
	if err := dir.WriteTo(&buf); err != nil {
		return 0, err
	}
	w, err := ck.account.Set.Create(ck.account.ObjectFilename(dir.ObjectID()), true)
	if err != nil {
		return 0, err
	}
	if _, err := w.Write(buf.Bytes()); err != nil {
		w.Abort()
		return 0, err
	}
	size := w.DiscUsageInBlocks()
	if err := w.Commit(true); err != nil {
		return 0, err
	}
	return size, nil
}
