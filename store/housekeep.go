// store/housekeep.go
// Copyright(c) 2018 Matt Pharr
// BSD licensed; see LICENSE for details.

// Housekeeping reclaims the space an account's old and deleted file
// versions occupy, once retention policy allows, until the account is
// back under its soft limit. While scanning it also recomputes the
// info record's counters from what is actually on disc, so counter
// drift from dead sessions heals on every run.

package store

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"sort"
	"time"

	"github.com/mmp/bbstore/namedlock"
	"github.com/mmp/bbstore/raidfile"
)

// HousekeepingConfig sets the reclaim policy knobs.
type HousekeepingConfig struct {
	// Reclaim score multipliers for old versions and deleted files.
	// Deleted files usually weigh more: the client asked for them to
	// go away.
	OldVersionWeight  int64
	DeletedFileWeight int64

	// Versions younger than this are never reclaimed.
	MinimumAge time.Duration
}

func DefaultHousekeepingConfig() HousekeepingConfig {
	return HousekeepingConfig{
		OldVersionWeight:  1,
		DeletedFileWeight: 2,
		MinimumAge:        24 * time.Hour,
	}
}

// InterruptQuery lets housekeeping ask, between candidates, whether it
// should stop -- either entirely or because a session wants the
// account it is working on. The daemon implements it over the control
// IPC; the zero implementation (nil) never interrupts.
type InterruptQuery interface {
	StopRequested(accountID int32) bool
}

// Housekeeping runs the reclamation pass over one account.
type Housekeeping struct {
	account Account
	config  HousekeepingConfig
	query   InterruptQuery
	sink    ProgressSink

	lock     namedlock.Lock
	now      int64 // µsec, snapshot at Run
	stopping bool

	// Counters recomputed during the scan.
	blocksUsed        int64
	blocksInOldFiles  int64
	blocksInDeleted   int64
	blocksInDirs      int64
	blocksInCurrent   int64
	numFiles          int64
	numOldFiles       int64
	numDeletedFiles   int64
	numDirectories    int64
	errorsFound       int
	emptyDeletedDirs  []int64
	candidates        []reclaimCandidate
}

// reclaimCandidate is one old or deleted file version eligible for
// deletion, with the score that orders the candidate set.
type reclaimCandidate struct {
	objectID     int64
	inDirectory  int64
	sizeInBlocks int64
	modTime      int64
	deleted      bool
	score        int64
}

// NewHousekeeping prepares a housekeeping run for an account. A nil
// sink reports through the package logger.
func NewHousekeeping(account Account, config HousekeepingConfig,
	query InterruptQuery, sink ProgressSink) *Housekeeping {
	if sink == nil {
		sink = loggerSink{}
	}
	return &Housekeeping{
		account: account,
		config:  config,
		query:   query,
		sink:    sink,
	}
}

// Run performs the housekeeping pass: lock the account, scan it,
// reclaim what policy allows, rewrite the info record, unlock. A
// session asking for the account through the InterruptQuery makes Run
// return early (without error) at the next yield point.
func (h *Housekeeping) Run() error {
	// Try to lock the account. Sessions have priority: on contention,
	// this account is skipped until the next run.
	got, err := h.lock.TryAndGetLock(h.account.WriteLockFilename(), 0600)
	if err != nil {
		return err
	}
	if !got {
		return fmt.Errorf("account %08x: %w", h.account.ID, ErrAccountLocked)
	}
	defer h.lock.Release()

	h.now = time.Now().UnixMicro()

	info, err := LoadInfo(h.account, false)
	if err != nil {
		return err
	}
	refCount, err := LoadRefCountDatabase(h.account, false)
	if err != nil {
		h.sink.Problem("account %08x: regenerating reference count database (%v)",
			h.account.ID, err)
		refCount = NewRefCountDatabaseForRegeneration(h.account)
	}

	// Scan the whole account depth-first, recomputing counters and
	// building the candidate set.
	h.numDirectories++ // the root has no entry anywhere; count it here
	if err := h.scanDirectory(RootDirectoryID, refCount); err != nil {
		return err
	}
	if h.stopping {
		// Interrupted mid-scan: the recomputed counters are not
		// complete, so leave the info record alone.
		return nil
	}

	// Sort candidates: largest reclaim score first; ties go oldest
	// first, then smallest ID, for determinism.
	sort.Slice(h.candidates, func(i, j int) bool {
		a, b := &h.candidates[i], &h.candidates[j]
		if a.score != b.score {
			return a.score > b.score
		}
		if a.modTime != b.modTime {
			return a.modTime < b.modTime
		}
		return a.objectID < b.objectID
	})

	for i := range h.candidates {
		if h.blocksUsed <= info.BlocksSoftLimit {
			// Under the soft limit: nothing more is urgent.
			break
		}
		if h.poll() {
			break
		}
		if err := h.reclaim(&h.candidates[i], refCount); err != nil {
			h.sink.Problem("account %08x: reclaiming object %x: %v",
				h.account.ID, h.candidates[i].objectID, err)
			h.errorsFound++
		}
	}

	// Remove empty deleted directories whether or not space is short;
	// they hold nothing anyone can restore.
	for _, dirID := range h.emptyDeletedDirs {
		if h.poll() {
			break
		}
		if err := h.removeEmptyDeletedDir(dirID, refCount); err != nil {
			h.sink.Problem("account %08x: removing empty deleted directory %x: %v",
				h.account.ID, dirID, err)
			h.errorsFound++
		}
	}

	return h.finish(info, refCount)
}

// finish writes the recomputed counters into the info record and saves
// the refcount database.
func (h *Housekeeping) finish(info *Info, refCount *RefCountDatabase) error {
	info.BlocksUsed = h.blocksUsed
	info.BlocksInCurrentFiles = h.blocksInCurrent
	info.BlocksInOldFiles = h.blocksInOldFiles
	info.BlocksInDeletedFiles = h.blocksInDeleted
	info.BlocksInDirectories = h.blocksInDirs
	info.NumFiles = h.numFiles
	info.NumOldFiles = h.numOldFiles
	info.NumDeletedFiles = h.numDeletedFiles
	info.NumDirectories = h.numDirectories
	info.modified = true

	if err := info.Save(); err != nil {
		return err
	}
	return refCount.Save()
}

// poll checks the interrupt query. It is called between candidates and
// before every directory, so checks are never more than a fraction of a
// second apart. Once it returns true it keeps returning true.
func (h *Housekeeping) poll() bool {
	if h.stopping {
		return true
	}
	if h.query == nil {
		return false
	}
	if h.query.StopRequested(h.account.ID) {
		h.sink.Progress("account %08x: housekeeping giving way", h.account.ID)
		h.stopping = true
	}
	return h.stopping
}

// loadDirectory reads a directory object directly (housekeeping holds
// the account lock, so there is no cache to go through).
func (h *Housekeeping) loadDirectory(id int64) (*Directory, error) {
	rd, err := h.account.Set.Open(h.account.ObjectFilename(id))
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

func (h *Housekeeping) saveDirectory(dir *Directory) error {
	w, err := h.account.Set.Create(h.account.ObjectFilename(dir.ObjectID()), true)
	if err != nil {
		return err
	}
	if err := dir.WriteTo(w); err != nil {
		w.Abort()
		return err
	}
	size := w.DiscUsageInBlocks()
	if err := w.Commit(true); err != nil {
		return err
	}
	h.blocksUsed += size - dir.SizeInBlocks()
	h.blocksInDirs += size - dir.SizeInBlocks()
	dir.SetSizeInBlocks(size)
	return nil
}

// scanDirectory walks one directory (and, depth-first, everything
// below it), accumulating counters and reclaim candidates.
func (h *Housekeeping) scanDirectory(id int64, refCount *RefCountDatabase) error {
	if h.poll() {
		return nil
	}

	dir, err := h.loadDirectory(id)
	if err != nil {
		return err
	}
	h.blocksUsed += dir.SizeInBlocks()
	h.blocksInDirs += dir.SizeInBlocks()

	minAge := h.config.MinimumAge.Microseconds()

	var subDirs []int64
	for _, e := range dir.Entries() {
		if e.IsDir() {
			h.numDirectories++
			subDirs = append(subDirs, e.ObjectID)
			continue
		}

		h.blocksUsed += e.SizeInBlocks
		h.numFiles++
		switch {
		case e.IsDeleted():
			h.numDeletedFiles++
			h.blocksInDeleted += e.SizeInBlocks
		case e.IsOld():
			h.numOldFiles++
			h.blocksInOldFiles += e.SizeInBlocks
		default:
			h.blocksInCurrent += e.SizeInBlocks
		}

		if !e.IsDeleted() && !e.IsOld() {
			continue
		}

		// A candidate for reclamation, if old enough.
		age := h.now - e.ModificationTime
		if age < minAge {
			continue
		}
		weight := h.config.OldVersionWeight
		if e.IsDeleted() {
			weight = h.config.DeletedFileWeight
		}
		h.candidates = append(h.candidates, reclaimCandidate{
			objectID:     e.ObjectID,
			inDirectory:  id,
			sizeInBlocks: e.SizeInBlocks,
			modTime:      e.ModificationTime,
			deleted:      e.IsDeleted(),
			score:        age / 1000000 * e.SizeInBlocks * weight,
		})
	}

	// An empty directory whose entry is deleted in its parent holds
	// nothing anyone can restore; remember it for removal.
	if dir.NumEntries() == 0 && id != RootDirectoryID {
		if deleted, err := h.entryIsDeleted(dir.ContainerID(), id); err == nil && deleted {
			h.emptyDeletedDirs = append(h.emptyDeletedDirs, id)
		}
	}

	for _, sub := range subDirs {
		if err := h.scanDirectory(sub, refCount); err != nil {
			h.sink.Problem("account %08x: scanning directory %x: %v",
				h.account.ID, sub, err)
			h.errorsFound++
		}
		if h.stopping {
			return nil
		}
	}
	return nil
}

func (h *Housekeeping) entryIsDeleted(parentID, id int64) (bool, error) {
	parent, err := h.loadDirectory(parentID)
	if err != nil {
		return false, err
	}
	e := parent.FindEntryByID(id)
	if e == nil {
		return false, nil
	}
	return e.IsDeleted(), nil
}

// reclaim deletes one candidate: bake any dependent patch first, then
// remove the object file, its directory entry, and its reference.
func (h *Housekeeping) reclaim(cand *reclaimCandidate, refCount *RefCountDatabase) error {
	dir, err := h.loadDirectory(cand.inDirectory)
	if err != nil {
		return err
	}
	en := dir.FindEntryByID(cand.objectID)
	if en == nil {
		// Entry vanished since the scan; nothing to do.
		return nil
	}

	// Patch-chain handling. If another file's data depends on this one
	// (its entry has DependsNewer pointing here, meaning it is stored
	// as a patch against this object), it must be rewritten as a full
	// file before this object can go.
	for _, other := range dir.Entries() {
		if other.DependsNewer == cand.objectID {
			if err := h.bake(dir, other); err != nil {
				return err
			}
		}
	}

	// Unhook the links on the adjacent chain elements.
	if en.DependsNewer != 0 {
		if newer := dir.FindEntryByID(en.DependsNewer); newer != nil {
			newer.DependsOlder = 0
		}
	}
	if en.DependsOlder != 0 {
		if older := dir.FindEntryByID(en.DependsOlder); older != nil {
			older.DependsNewer = 0
		}
	}

	// Remove the entry, save the directory, then delete the object
	// file and drop the reference.
	size := en.SizeInBlocks
	wasDeleted := en.IsDeleted()
	wasOld := en.IsOld()
	dir.DeleteEntry(cand.objectID)
	if err := h.saveDirectory(dir); err != nil {
		return err
	}

	if err := h.account.Set.Delete(h.account.ObjectFilename(cand.objectID)); err != nil &&
		!errors.Is(err, raidfile.ErrNotFound) {
		return err
	}
	refCount.RemoveReference(cand.objectID)

	h.blocksUsed -= size
	h.numFiles--
	if wasDeleted {
		h.numDeletedFiles--
		h.blocksInDeleted -= size
	} else if wasOld {
		h.numOldFiles--
		h.blocksInOldFiles -= size
	}

	h.sink.Progress("account %08x: deleted object %x (%d blocks)",
		h.account.ID, cand.objectID, size)
	return nil
}

// bake rewrites a patch-stored file as a full, self-contained file and
// clears its dependency link. The entry belongs to dir, which the
// caller saves afterwards.
func (h *Housekeeping) bake(dir *Directory, en *Entry) error {
	full, err := h.materializeFull(en.ObjectID)
	if err != nil {
		return err
	}

	fn := h.account.ObjectFilename(en.ObjectID)
	w, err := h.account.Set.Create(fn, true)
	if err != nil {
		return err
	}
	if _, err := w.Write(full); err != nil {
		w.Abort()
		return err
	}
	newSize := w.DiscUsageInBlocks()
	if err := w.Commit(true); err != nil {
		return err
	}

	oldSize := en.SizeInBlocks
	en.SizeInBlocks = newSize
	en.DependsNewer = 0

	h.blocksUsed += newSize - oldSize
	if en.IsDeleted() {
		h.blocksInDeleted += newSize - oldSize
	} else if en.IsOld() {
		h.blocksInOldFiles += newSize - oldSize
	} else {
		h.blocksInCurrent += newSize - oldSize
	}

	h.sink.Progress("account %08x: baked object %x into a full file",
		h.account.ID, en.ObjectID)
	return nil
}

// materializeFull returns the full envelope bytes for a file object,
// combining up the patch chain as needed.
func (h *Housekeeping) materializeFull(id int64) ([]byte, error) {
	rd, err := h.account.Set.Open(h.account.ObjectFilename(id))
	if err != nil {
		return nil, classifyRaidErr(err)
	}
	buf, err := io.ReadAll(rd)
	rd.Close()
	if err != nil {
		return nil, err
	}

	f, err := parseEncodedFile(bytes.NewReader(buf))
	if err != nil {
		return nil, err
	}
	if f.isFull() {
		return buf, nil
	}

	// A patch: find which object it depends on via its own entry, and
	// recurse up the chain.
	dir, err := h.findEntryDirectory(id)
	if err != nil {
		return nil, err
	}
	en := dir.FindEntryByID(id)
	if en == nil || en.DependsNewer == 0 {
		return nil, fmt.Errorf("object %x is a patch with no dependency: %w",
			id, ErrCorrupt)
	}

	newer, err := h.materializeFull(en.DependsNewer)
	if err != nil {
		return nil, err
	}

	var out bytes.Buffer
	if err := CombineFile(bytes.NewReader(buf), bytes.NewReader(newer), &out); err != nil {
		return nil, err
	}
	return out.Bytes(), nil
}

// findEntryDirectory locates the directory containing the entry for an
// object, using the container ID declared in the object itself.
func (h *Housekeeping) findEntryDirectory(id int64) (*Directory, error) {
	rd, err := h.account.Set.Open(h.account.ObjectFilename(id))
	if err != nil {
		return nil, classifyRaidErr(err)
	}
	f, err := parseEncodedFile(rd)
	rd.Close()
	if err != nil {
		return nil, err
	}
	return h.loadDirectory(f.containerID)
}

// removeEmptyDeletedDir deletes an empty directory whose entry in its
// parent is flagged deleted.
func (h *Housekeeping) removeEmptyDeletedDir(dirID int64, refCount *RefCountDatabase) error {
	dir, err := h.loadDirectory(dirID)
	if err != nil {
		return err
	}
	if dir.NumEntries() != 0 {
		return nil
	}
	parent, err := h.loadDirectory(dir.ContainerID())
	if err != nil {
		return err
	}
	en := parent.FindEntryByID(dirID)
	if en == nil || !en.IsDeleted() {
		return nil
	}

	size := dir.SizeInBlocks()
	parent.DeleteEntry(dirID)
	if err := h.saveDirectory(parent); err != nil {
		return err
	}
	if err := h.account.Set.Delete(h.account.ObjectFilename(dirID)); err != nil {
		return err
	}
	refCount.RemoveReference(dirID)

	h.blocksUsed -= size
	h.blocksInDirs -= size
	h.numDirectories--

	h.sink.Progress("account %08x: removed empty deleted directory %x",
		h.account.ID, dirID)
	return nil
}
