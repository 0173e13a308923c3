package random

import (
	"bytes"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

type brokenReader struct{}

func (brokenReader) Read([]byte) (int, error) { return 0, errors.New("entropy pool unavailable") }

func TestSource_StrongPath(t *testing.T) {
	src := NewSourceFromReader(bytes.NewReader(bytes.Repeat([]byte{0xAB}, 64)), nil)

	hexStr, assurance := src.Hex(16)
	assert.Equal(t, AssuranceStrong, assurance)
	assert.Len(t, hexStr, 32)
	assert.Equal(t, "abababababababababababababababab", hexStr)
	assert.Zero(t, src.WeakCount())
}

func TestSource_FallbackNeverFails(t *testing.T) {
	src := NewSourceFromReader(brokenReader{}, nil)
	hooked := 0
	src.OnWeak(func() { hooked++ })

	a, assurance := src.Bytes(32)
	b, _ := src.Bytes(32)

	assert.Equal(t, AssuranceWeak, assurance)
	assert.Len(t, a, 32)
	assert.NotEqual(t, a, b, "consecutive fallback draws must differ")
	assert.EqualValues(t, 2, src.WeakCount())
	assert.Equal(t, 2, hooked)
	assert.Equal(t, "weak", assurance.String())
}

func TestSource_ZeroLength(t *testing.T) {
	src := NewSourceFromReader(brokenReader{}, nil)
	b, assurance := src.Bytes(0)
	assert.Empty(t, b)
	assert.Equal(t, AssuranceStrong, assurance)
}

func TestSource_DefaultReader(t *testing.T) {
	src := NewSource(nil)
	a, _ := src.Hex(32)
	b, _ := src.Hex(32)
	assert.Len(t, a, 64)
	assert.NotEqual(t, a, b)
}
