// cmd/bbaccounts/main.go
// Copyright(c) 2018 Matt Pharr
// BSD licensed; see LICENSE for details.

// bbaccounts is the administrative tool for backup store accounts:
// creating and deleting them, inspecting and adjusting limits, and
// running the consistency check or housekeeping by hand.
//
// Exit codes: 0 on success, 1 when the operation fails (account busy,
// check found errors without fix), 2 for usage errors.

package main

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/mmp/bbstore/accounts"
	"github.com/mmp/bbstore/config"
	"github.com/mmp/bbstore/store"
	u "github.com/mmp/bbstore/util"
	"github.com/spf13/cobra"
)

var (
	configFile      string
	machineReadable bool
	verbose         bool

	log *u.Logger
)

// opError marks a failure of the requested operation itself, which
// exits with status 1; anything else that reaches main is treated as a
// usage problem and exits with status 2.
type opError struct{ err error }

func (e opError) Error() string { return e.err.Error() }
func (e opError) Unwrap() error { return e.err }

func failed(err error) error {
	if err == nil {
		return nil
	}
	return opError{err}
}

func main() {
	root := &cobra.Command{
		Use:           "bbaccounts",
		Short:         "backup store account administration",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			log = u.NewLogger(verbose, false)
			store.SetLogger(log)
		},
	}
	root.PersistentFlags().StringVarP(&configFile, "config", "c",
		"/etc/bbstored/bbstored.yaml", "path to the configuration file")
	root.PersistentFlags().BoolVarP(&machineReadable, "machine", "m",
		false, "machine-readable output")
	root.PersistentFlags().BoolVarP(&verbose, "verbose", "v",
		false, "verbose output")

	root.AddCommand(createCmd(), infoCmd(), enabledCmd(), setLimitCmd(),
		nameCmd(), deleteCmd(), checkCmd(), housekeepCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "bbaccounts: %v\n", err)
		var op opError
		if errors.As(err, &op) {
			os.Exit(1)
		}
		os.Exit(2)
	}
}

///////////////////////////////////////////////////////////////////////////
// Shared plumbing

func loadConfig() (*config.Config, *accounts.Database, error) {
	cfg, err := config.Load(configFile)
	if err != nil {
		return nil, nil, err
	}
	db, err := accounts.OpenDatabase(cfg.AccountDatabase)
	if err != nil {
		return nil, nil, err
	}
	return cfg, db, nil
}

func parseAccountID(s string) (int32, error) {
	id, err := strconv.ParseUint(s, 16, 32)
	if err != nil {
		return 0, fmt.Errorf("%s: account IDs are hex, with no 0x prefix", s)
	}
	return int32(id), nil
}

func openAccount(cfg *config.Config, db *accounts.Database, id int32) (store.Account, error) {
	discSet, err := db.GetAccountDiscSet(id)
	if err != nil {
		return store.Account{}, err
	}
	set, err := cfg.RaidSet(discSet)
	if err != nil {
		return store.Account{}, err
	}
	return store.Account{
		ID:   id,
		Set:  set,
		Root: store.RootDirectoryName(id),
	}, nil
}

// withLockedContext runs f with a write-locked context on the account,
// with the store info loaded, and flushes everything afterwards.
func withLockedContext(acct store.Account, f func(*store.Context) error) error {
	ctx := store.NewContext(acct, nil)
	if err := ctx.GetWriteLock(); err != nil {
		return err
	}
	defer ctx.Finish()
	if err := ctx.LoadStoreInfo(); err != nil {
		return err
	}
	return f(ctx)
}

///////////////////////////////////////////////////////////////////////////
// Commands

func createCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "create <account> <discnum> <softlimit> <hardlimit>",
		Short: "create a new account",
		Args:  cobra.ExactArgs(4),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseAccountID(args[0])
			if err != nil {
				return err
			}
			discSet, err := strconv.Atoi(args[1])
			if err != nil {
				return fmt.Errorf("%s: bad disc set number", args[1])
			}

			cfg, db, err := loadConfig()
			if err != nil {
				return failed(err)
			}
			defer db.Close()

			set, err := cfg.RaidSet(discSet)
			if err != nil {
				return err
			}
			soft, err := u.ParseSizeInBlocks(args[2], set.BlockSize)
			if err != nil {
				return err
			}
			hard, err := u.ParseSizeInBlocks(args[3], set.BlockSize)
			if err != nil {
				return err
			}

			if _, err := accounts.Create(db, set, discSet, id, soft, hard); err != nil {
				return failed(err)
			}
			log.Print("account %08x created on disc set %d", id, discSet)
			return nil
		},
	}
}

func infoCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "info <account>",
		Short: "print information about an account",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseAccountID(args[0])
			if err != nil {
				return err
			}
			cfg, db, err := loadConfig()
			if err != nil {
				return failed(err)
			}
			defer db.Close()

			acct, err := openAccount(cfg, db, id)
			if err != nil {
				return failed(err)
			}
			info, err := store.LoadInfo(acct, true)
			if err != nil {
				return failed(err)
			}

			printInfo(info, acct.Set.BlockSize)
			return nil
		},
	}
}

func printInfo(info *store.Info, blockSize int) {
	if machineReadable {
		fmt.Printf("account_id: %08x\n", info.AccountID)
		fmt.Printf("name: %s\n", info.AccountName)
		fmt.Printf("enabled: %v\n", info.AccountEnabled)
		fmt.Printf("last_object_id: %d\n", info.LastObjectIDUsed)
		fmt.Printf("blocks_used: %d\n", info.BlocksUsed)
		fmt.Printf("blocks_in_current_files: %d\n", info.BlocksInCurrentFiles)
		fmt.Printf("blocks_in_old_files: %d\n", info.BlocksInOldFiles)
		fmt.Printf("blocks_in_deleted_files: %d\n", info.BlocksInDeletedFiles)
		fmt.Printf("blocks_in_directories: %d\n", info.BlocksInDirectories)
		fmt.Printf("blocks_soft_limit: %d\n", info.BlocksSoftLimit)
		fmt.Printf("blocks_hard_limit: %d\n", info.BlocksHardLimit)
		fmt.Printf("num_files: %d\n", info.NumFiles)
		fmt.Printf("num_old_files: %d\n", info.NumOldFiles)
		fmt.Printf("num_deleted_files: %d\n", info.NumDeletedFiles)
		fmt.Printf("num_directories: %d\n", info.NumDirectories)
		fmt.Printf("client_store_marker: %d\n", info.ClientStoreMarker)
		return
	}

	bytesOf := func(blocks int64) string {
		return u.FmtBytes(blocks * int64(blockSize))
	}
	fmt.Printf("Account %08x", info.AccountID)
	if info.AccountName != "" {
		fmt.Printf(" (%s)", info.AccountName)
	}
	if !info.AccountEnabled {
		fmt.Printf(" [disabled]")
	}
	fmt.Printf("\n")
	fmt.Printf("  used:          %8d blocks  %s\n", info.BlocksUsed, bytesOf(info.BlocksUsed))
	fmt.Printf("  current files: %8d blocks  %s  (%d files)\n",
		info.BlocksInCurrentFiles, bytesOf(info.BlocksInCurrentFiles), info.NumFiles)
	fmt.Printf("  old files:     %8d blocks  %s  (%d files)\n",
		info.BlocksInOldFiles, bytesOf(info.BlocksInOldFiles), info.NumOldFiles)
	fmt.Printf("  deleted files: %8d blocks  %s  (%d files)\n",
		info.BlocksInDeletedFiles, bytesOf(info.BlocksInDeletedFiles), info.NumDeletedFiles)
	fmt.Printf("  directories:   %8d blocks  %s  (%d dirs)\n",
		info.BlocksInDirectories, bytesOf(info.BlocksInDirectories), info.NumDirectories)
	fmt.Printf("  soft limit:    %8d blocks  %s\n", info.BlocksSoftLimit, bytesOf(info.BlocksSoftLimit))
	fmt.Printf("  hard limit:    %8d blocks  %s\n", info.BlocksHardLimit, bytesOf(info.BlocksHardLimit))
}

func enabledCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "enabled <account> <yes|no>",
		Short: "enable or disable logins to an account",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseAccountID(args[0])
			if err != nil {
				return err
			}
			var enabled bool
			switch args[1] {
			case "yes":
				enabled = true
			case "no":
				enabled = false
			default:
				return fmt.Errorf("%s: must be yes or no", args[1])
			}

			cfg, db, err := loadConfig()
			if err != nil {
				return failed(err)
			}
			defer db.Close()
			acct, err := openAccount(cfg, db, id)
			if err != nil {
				return failed(err)
			}

			return failed(withLockedContext(acct, func(ctx *store.Context) error {
				info, err := ctx.Info()
				if err != nil {
					return err
				}
				info.SetAccountEnabled(enabled)
				return nil
			}))
		},
	}
}

func setLimitCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "setlimit <account> <softlimit> <hardlimit>",
		Short: "change the storage limits of an account",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseAccountID(args[0])
			if err != nil {
				return err
			}
			cfg, db, err := loadConfig()
			if err != nil {
				return failed(err)
			}
			defer db.Close()
			acct, err := openAccount(cfg, db, id)
			if err != nil {
				return failed(err)
			}

			soft, err := u.ParseSizeInBlocks(args[1], acct.Set.BlockSize)
			if err != nil {
				return err
			}
			hard, err := u.ParseSizeInBlocks(args[2], acct.Set.BlockSize)
			if err != nil {
				return err
			}

			return failed(withLockedContext(acct, func(ctx *store.Context) error {
				info, err := ctx.Info()
				if err != nil {
					return err
				}
				info.SetLimits(soft, hard)
				return nil
			}))
		},
	}
}

func nameCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "name <account> <new name>",
		Short: "change the cosmetic name of an account",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseAccountID(args[0])
			if err != nil {
				return err
			}
			cfg, db, err := loadConfig()
			if err != nil {
				return failed(err)
			}
			defer db.Close()
			acct, err := openAccount(cfg, db, id)
			if err != nil {
				return failed(err)
			}

			return failed(withLockedContext(acct, func(ctx *store.Context) error {
				info, err := ctx.Info()
				if err != nil {
					return err
				}
				info.SetAccountName(args[1])
				return nil
			}))
		},
	}
}

func deleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <account> [yes]",
		Short: "delete an account and everything it stores",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseAccountID(args[0])
			if err != nil {
				return err
			}
			confirmed := len(args) == 2 && args[1] == "yes"
			if !confirmed {
				fmt.Printf("Really delete account %08x and all its data? (yes/no) ", id)
				line, _ := bufio.NewReader(os.Stdin).ReadString('\n')
				if strings.TrimSpace(line) != "yes" {
					return failed(errors.New("delete not confirmed"))
				}
			}

			cfg, db, err := loadConfig()
			if err != nil {
				return failed(err)
			}
			defer db.Close()
			acct, err := openAccount(cfg, db, id)
			if err != nil {
				return failed(err)
			}

			if err := accounts.Delete(db, acct.Set, id); err != nil {
				return failed(err)
			}
			log.Print("account %08x deleted", id)
			return nil
		},
	}
}

func checkCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "check <account> [fix] [quiet]",
		Short: "check an account for errors, optionally fixing them",
		Args:  cobra.RangeArgs(1, 3),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseAccountID(args[0])
			if err != nil {
				return err
			}
			fix, quiet := false, false
			for _, a := range args[1:] {
				switch a {
				case "fix":
					fix = true
				case "quiet":
					quiet = true
				default:
					return fmt.Errorf("%s: unknown check option", a)
				}
			}

			cfg, db, err := loadConfig()
			if err != nil {
				return failed(err)
			}
			defer db.Close()
			acct, err := openAccount(cfg, db, id)
			if err != nil {
				return failed(err)
			}

			// The checker requires the account's write lock.
			ctx := store.NewContext(acct, nil)
			if err := ctx.GetWriteLock(); err != nil {
				return failed(err)
			}
			defer ctx.Finish()

			errsFound, err := store.NewCheck(acct, fix, quiet, nil).Run()
			if err != nil {
				return failed(err)
			}
			if errsFound > 0 && !fix {
				return failed(fmt.Errorf("%d errors found (not fixed)", errsFound))
			}
			return nil
		},
	}
}

func housekeepCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "housekeep <account>",
		Short: "run housekeeping on an account immediately",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseAccountID(args[0])
			if err != nil {
				return err
			}
			cfg, db, err := loadConfig()
			if err != nil {
				return failed(err)
			}
			defer db.Close()
			acct, err := openAccount(cfg, db, id)
			if err != nil {
				return failed(err)
			}

			hk := store.NewHousekeeping(acct, cfg.Housekeeping(), nil, nil)
			return failed(hk.Run())
		},
	}
}
