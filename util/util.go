// util/util.go
// Copyright(c) 2018 Matt Pharr
// BSD licensed; see LICENSE for details.

package util

import (
	"fmt"
	"strconv"
	"strings"
)

///////////////////////////////////////////////////////////////////////////
// Utility Functions

func FmtBytes(n int64) string {
	if n >= 1024*1024*1024*1024 {
		return fmt.Sprintf("%.2f TiB", float64(n)/(1024.*1024.*
			1024.*1024.))
	} else if n >= 1024*1024*1024 {
		return fmt.Sprintf("%.2f GiB", float64(n)/(1024.*1024.*
			1024.))
	} else if n > 1024*1024 {
		return fmt.Sprintf("%.2f MiB", float64(n)/(1024.*1024.))
	} else if n > 1024 {
		return fmt.Sprintf("%.2f kiB", float64(n)/1024.)
	} else {
		return fmt.Sprintf("%d B", n)
	}
}

// ParseSizeInBlocks converts a size string with a B, M, or G suffix
// (blocks, MiB, GiB respectively) to a number of storage blocks, given
// the block size of the disc set the value applies to.
func ParseSizeInBlocks(s string, blockSize int) (int64, error) {
	if blockSize <= 0 {
		return 0, fmt.Errorf("invalid block size %d", blockSize)
	}
	if len(s) == 0 {
		return 0, fmt.Errorf("empty size string")
	}

	suffix := s[len(s)-1]
	num := strings.TrimSpace(s[:len(s)-1])
	n, err := strconv.ParseInt(num, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%s: bad size string", s)
	}
	if n < 0 {
		return 0, fmt.Errorf("%s: size may not be negative", s)
	}

	switch suffix {
	case 'B':
		return n, nil
	case 'M':
		return (n*1024*1024 + int64(blockSize) - 1) / int64(blockSize), nil
	case 'G':
		return (n*1024*1024*1024 + int64(blockSize) - 1) / int64(blockSize), nil
	default:
		return 0, fmt.Errorf("%s: size must be suffixed with B, M, or G", s)
	}
}
