package vmm

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestInitReturnsUsableAddressSpace(t *testing.T) {
	as, err := Init(newFakeAllocator())
	require.Nil(t, err)
	require.NotNil(t, as)

	require.Nil(t, as.MapZeroPage(0x1000, FlagRW))
	_, _, ok := as.Translate(0x1000)
	require.True(t, ok)
}
