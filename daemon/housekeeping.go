// daemon/housekeeping.go
// Copyright(c) 2018 Matt Pharr
// BSD licensed; see LICENSE for details.

package daemon

import (
	"bufio"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/mmp/bbstore/store"
)

// housekeepingWorker runs the periodic housekeeping pass over all
// accounts. It reads the line-oriented control channel for three
// commands: "h" (reload configuration), "t" (terminate), and
// "r<hex account id>" (a session wants that account; give way).
type housekeepingWorker struct {
	d       *Daemon
	control net.Conn
	rd      *bufio.Reader

	terminate    bool
	reloadWanted bool
}

func newHousekeepingWorker(d *Daemon, control net.Conn) *housekeepingWorker {
	return &housekeepingWorker{
		d:       d,
		control: control,
		rd:      bufio.NewReader(control),
	}
}

func (w *housekeepingWorker) run() {
	var lastRun time.Time

	for !w.terminate {
		interval := w.d.cfg.TimeBetweenHousekeeping
		if time.Since(lastRun) >= interval {
			lastRun = time.Now()
			w.runAllAccounts()
			continue
		}

		// Wait for the next run, polling the control channel so that
		// terminate requests are honored promptly.
		wait := interval - time.Since(lastRun)
		if wait > time.Minute {
			wait = time.Minute
		}
		if wait < time.Second {
			wait = time.Second
		}
		w.checkForMessage(0, wait)
	}
}

func (w *housekeepingWorker) runAllAccounts() {
	ids, err := w.d.accounts.AllAccountIDs()
	if err != nil {
		w.d.log.Error("housekeeping: listing accounts: %v", err)
		return
	}

	w.d.log.Verbose("starting housekeeping over %d accounts", len(ids))
	for _, id := range ids {
		if w.terminate {
			break
		}

		discSet, err := w.d.accounts.GetAccountDiscSet(id)
		if err != nil {
			continue // deleted since listing
		}
		set, err := w.d.cfg.RaidSet(discSet)
		if err != nil {
			w.d.log.Error("housekeeping account %08x: %v", id, err)
			continue
		}
		account := store.Account{
			ID:   id,
			Set:  set,
			Root: store.RootDirectoryName(id),
		}

		hk := store.NewHousekeeping(account, w.d.cfg.Housekeeping(), w, nil)
		if err := hk.Run(); err != nil {
			if errors.Is(err, store.ErrAccountLocked) {
				// A session has the account; it'll be seen to next
				// time around.
				w.d.log.Verbose("housekeeping account %08x: locked by "+
					"a session, skipping", id)
			} else {
				// Abort this account only; carry on with the rest.
				w.d.log.Error("housekeeping account %08x: %v -- "+
					"aborting housekeeping for this account", id, err)
			}
		}

		// Let control messages through between accounts.
		w.checkForMessage(0, 10*time.Millisecond)
	}
	w.d.log.Verbose("finished housekeeping")
}

// StopRequested implements store.InterruptQuery: housekeeping calls it
// between reclaim candidates, giving a session the chance to take the
// account.
func (w *housekeepingWorker) StopRequested(accountID int32) bool {
	if w.terminate {
		return true
	}
	return w.checkForMessage(accountID, 10*time.Millisecond)
}

// checkForMessage reads one command line from the control channel,
// waiting at most the given time. It returns true if housekeeping
// should stop what it's doing: terminate, reload, or a release request
// matching the account being processed.
func (w *housekeepingWorker) checkForMessage(accountID int32, wait time.Duration) bool {
	w.control.SetReadDeadline(time.Now().Add(wait))
	line, err := w.rd.ReadString('\n')
	if err != nil {
		if ne, ok := err.(net.Error); ok && ne.Timeout() {
			return false
		}
		// Control channel gone: the daemon is shutting down.
		w.terminate = true
		return true
	}
	line = strings.TrimSpace(line)
	w.d.log.Debug("housekeeping received command %q", line)

	switch {
	case line == "h":
		w.reloadWanted = true
		return true
	case line == "t":
		w.terminate = true
		return true
	default:
		var id uint32
		if _, err := fmt.Sscanf(line, "r%x", &id); err == nil {
			if int32(id) == accountID {
				w.d.log.Print("housekeeping giving way to connection "+
					"for account %08x", accountID)
				return true
			}
		}
	}
	return false
}
