// cmd/bbstored/main.go
// Copyright(c) 2018 Matt Pharr
// BSD licensed; see LICENSE for details.

// bbstored is the backup store daemon: it serves client sessions over
// TLS and runs housekeeping over the accounts in the background.

package main

import (
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/mmp/bbstore/accounts"
	"github.com/mmp/bbstore/config"
	"github.com/mmp/bbstore/daemon"
	"github.com/mmp/bbstore/store"
	u "github.com/mmp/bbstore/util"
)

func main() {
	configFile := flag.String("c", "/etc/bbstored/bbstored.yaml",
		"path to the configuration file")
	verbose := flag.Bool("verbose", false, "print verbose output")
	debug := flag.Bool("debug", false, "print debugging output")
	flag.Parse()

	log := u.NewLogger(*verbose, *debug)
	store.SetLogger(log)

	cfg, err := config.Load(*configFile)
	log.CheckError(err)

	db, err := accounts.OpenDatabase(cfg.AccountDatabase)
	log.CheckError(err)
	defer db.Close()

	d := daemon.New(cfg, db, daemon.NewSessionHandler(), log)

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
	go func() {
		for s := range sig {
			if s == syscall.SIGHUP {
				d.ReloadConfig()
				continue
			}
			log.Print("shutting down on %s", s)
			d.Stop()
			return
		}
	}()

	log.CheckError(d.ListenAndServe())
}
