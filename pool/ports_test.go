package pool

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRangeAllocator_AllocateRelease(t *testing.T) {
	a, err := NewRangeAllocator(9000, 9002)
	require.NoError(t, err)

	p1, err := a.Allocate()
	require.NoError(t, err)
	p2, err := a.Allocate()
	require.NoError(t, err)
	p3, err := a.Allocate()
	require.NoError(t, err)
	assert.ElementsMatch(t, []int{9000, 9001, 9002}, []int{p1, p2, p3})
	assert.Equal(t, 3, a.InUse())

	_, err = a.Allocate()
	assert.ErrorIs(t, err, ErrPortsExhausted)

	a.Release(p2)
	got, err := a.Allocate()
	require.NoError(t, err)
	assert.Equal(t, p2, got)
}

func TestRangeAllocator_InvalidRange(t *testing.T) {
	_, err := NewRangeAllocator(0, 10)
	assert.Error(t, err)
	_, err = NewRangeAllocator(9000, 8000)
	assert.Error(t, err)
}

func TestRangeAllocator_ReleaseUnallocated(t *testing.T) {
	a, err := NewRangeAllocator(9000, 9001)
	require.NoError(t, err)
	a.Release(9999) // no-op
	assert.Equal(t, 0, a.InUse())
}
