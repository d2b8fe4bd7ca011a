// store/errors.go
// Copyright(c) 2018 Matt Pharr
// BSD licensed; see LICENSE for details.

package store

import "errors"

// Error taxonomy for the store engine. Operations wrap these with
// fmt.Errorf and %w so callers classify with errors.Is; the underlying
// raidfile errors cross over into ErrNotFound / ErrCorrupt at this
// boundary.
var (
	ErrNotFound             = errors.New("object not found")
	ErrCorrupt              = errors.New("object corrupt")
	ErrReadOnly             = errors.New("context is read only")
	ErrAccountLocked        = errors.New("account locked by another process")
	ErrStorageLimitExceeded = errors.New("would exceed storage hard limit")
	ErrNameAlreadyExists    = errors.New("name already exists in directory")
	ErrEntryNotFound        = errors.New("entry not found in directory")
	ErrDiffFromMissing      = errors.New("diff-from object not found in directory")
	ErrFileDoesNotVerify    = errors.New("added file does not verify")
	ErrInfoNotLoaded        = errors.New("store info not loaded")
	ErrWrongAccount         = errors.New("store info is for a different account")
)
