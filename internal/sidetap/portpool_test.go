package sidetap

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPortPool_AllocateReturnsConsecutivePair(t *testing.T) {
	pool := NewPortPool(60000, 60010)
	rtp, rtcp, err := pool.Allocate()
	require.NoError(t, err)
	assert.Equal(t, rtp+1, rtcp)
}

func TestPortPool_ReleaseReturnsBothPortsToPool(t *testing.T) {
	pool := NewPortPool(60000, 60002)
	before := pool.FreeCount()

	rtp, rtcp, err := pool.Allocate()
	require.NoError(t, err)
	assert.Equal(t, before-2, pool.FreeCount())

	pool.Release(rtp, rtcp)
	assert.Equal(t, before, pool.FreeCount())
}

func TestPortPool_Allocate_FailsWhenExhausted(t *testing.T) {
	pool := NewPortPool(60000, 60002)
	_, _, err := pool.Allocate()
	require.NoError(t, err)

	_, _, err = pool.Allocate()
	assert.Error(t, err, "expected NoPortPairs once the only pair is taken")
}
