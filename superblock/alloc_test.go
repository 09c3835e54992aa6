package superblock_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kotazzz/extfs/errors"
	"github.com/kotazzz/extfs/superblock"
)

func TestAllocBlockThenFreeBlockRestoresCounts(t *testing.T) {
	_, store := newFormattedDevice(t, 1024, 64, superblock.FormatOptions{
		BlockSize:      1024,
		BlocksPerGroup: 32,
		InodesPerGroup: 16,
	})

	before := store.SB.FreeBlocks
	blockNo, err := store.AllocBlock(0)
	require.Nil(t, err)
	assert.Equal(t, before-1, store.SB.FreeBlocks)

	require.Nil(t, store.FreeBlock(blockNo))
	assert.Equal(t, before, store.SB.FreeBlocks)
}

func TestAllocBlockExhaustionReturnsENOSPC(t *testing.T) {
	_, store := newFormattedDevice(t, 1024, 64, superblock.FormatOptions{
		BlockSize:      1024,
		BlocksPerGroup: 32,
		InodesPerGroup: 16,
	})

	for {
		_, err := store.AllocBlock(0)
		if err != nil {
			assert.Equal(t, errors.ENOSPC, err.Errno())
			break
		}
	}
}

func TestFreeBlockAlreadyFreeIsRejected(t *testing.T) {
	_, store := newFormattedDevice(t, 1024, 64, superblock.FormatOptions{
		BlockSize:      1024,
		BlocksPerGroup: 32,
		InodesPerGroup: 16,
	})

	blockNo, err := store.AllocBlock(0)
	require.Nil(t, err)
	require.Nil(t, store.FreeBlock(blockNo))

	rerr := store.FreeBlock(blockNo)
	require.NotNil(t, rerr)
	assert.Equal(t, errors.EINVAL, rerr.Errno())
}

func TestAllocInodeThenFreeInodeRestoresCounts(t *testing.T) {
	_, store := newFormattedDevice(t, 1024, 64, superblock.FormatOptions{
		BlockSize:      1024,
		BlocksPerGroup: 32,
		InodesPerGroup: 16,
	})

	before := store.SB.FreeInodes
	n, err := store.AllocInode(0, false)
	require.Nil(t, err)
	assert.Greater(t, n, uint64(1)) // inode #1 is reserved
	assert.Equal(t, before-1, store.SB.FreeInodes)

	require.Nil(t, store.FreeInode(n))
	assert.Equal(t, before, store.SB.FreeInodes)
}

func TestAllocInodeNeverReturnsReservedSlotOne(t *testing.T) {
	_, store := newFormattedDevice(t, 1024, 64, superblock.FormatOptions{
		BlockSize:      1024,
		BlocksPerGroup: 32,
		InodesPerGroup: 16,
	})

	for i := 0; i < 5; i++ {
		n, err := store.AllocInode(0, false)
		require.Nil(t, err)
		assert.NotEqual(t, uint64(1), n)
	}
}

func TestFreeInodeOutOfRangeIsRejected(t *testing.T) {
	_, store := newFormattedDevice(t, 1024, 64, superblock.FormatOptions{
		BlockSize:      1024,
		BlocksPerGroup: 32,
		InodesPerGroup: 16,
	})

	err := store.FreeInode(store.SB.TotalInodes * 100)
	require.NotNil(t, err)
	assert.Equal(t, errors.EINVAL, err.Errno())
}
