// store/naming_test.go
// Copyright(c) 2018 Matt Pharr
// BSD licensed; see LICENSE for details.

package store

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestObjectFilename(t *testing.T) {
	assert.Equal(t, "o00", objectFilename(0))
	assert.Equal(t, "o01", objectFilename(1))
	assert.Equal(t, "off", objectFilename(0xff))
	assert.Equal(t, "01/o00", objectFilename(0x100))
	assert.Equal(t, "12/o34", objectFilename(0x1234))
	assert.Equal(t, "01/23/o45", objectFilename(0x12345))
	assert.Equal(t, "12/34/56/78/9a/bc/ode", objectFilename(0x123456789abcde))
}

func TestObjectFilenameTopSegments(t *testing.T) {
	// Every level of the radix tree peels eight bits off the top.
	assert.Equal(t, "ab/cd/oef", objectFilename(0xabcdef))
}
