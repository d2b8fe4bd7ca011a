// store/classify.go
// Copyright(c) 2018 Matt Pharr
// BSD licensed; see LICENSE for details.

package store

import (
	"errors"
	"fmt"

	"github.com/mmp/bbstore/raidfile"
)

// classifyRaidErr translates raidfile errors into the store's error
// taxonomy; anything else (plain I/O failure) passes through.
func classifyRaidErr(err error) error {
	if errors.Is(err, raidfile.ErrNotFound) {
		return fmt.Errorf("%v: %w", err, ErrNotFound)
	}
	if errors.Is(err, raidfile.ErrCorrupt) {
		return fmt.Errorf("%v: %w", err, ErrCorrupt)
	}
	return err
}
