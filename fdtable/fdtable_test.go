package fdtable_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kotazzz/extfs/errors"
	"github.com/kotazzz/extfs/fdtable"
)

func TestOpenReturnsDescriptorsStartingAtThree(t *testing.T) {
	table := fdtable.New()
	fd1 := table.Open(10, fdtable.ORdonly)
	fd2 := table.Open(11, fdtable.ORdwr)
	assert.Equal(t, 3, fd1)
	assert.Equal(t, 4, fd2)
}

func TestGetUnknownDescriptorReturnsEBADF(t *testing.T) {
	table := fdtable.New()
	_, err := table.Get(99)
	require.NotNil(t, err)
	assert.Equal(t, errors.EBADF, err.Errno())
}

func TestCloseReleasesDescriptorAndReportsLastReference(t *testing.T) {
	table := fdtable.New()
	fd := table.Open(10, fdtable.ORdonly)

	inodeNum, last, err := table.Close(fd)
	require.Nil(t, err)
	assert.EqualValues(t, 10, inodeNum)
	assert.True(t, last)
	assert.False(t, table.IsOpen(fd))
}

func TestCloseOnSharedInodeOnlyReportsLastReferenceWhenAllClose(t *testing.T) {
	table := fdtable.New()
	fdA := table.Open(10, fdtable.ORdonly)
	fdB := table.Open(10, fdtable.ORdonly)
	assert.Equal(t, 2, table.OpenRefCount(10))

	_, last, err := table.Close(fdA)
	require.Nil(t, err)
	assert.False(t, last)
	assert.Equal(t, 1, table.OpenRefCount(10))

	_, last, err = table.Close(fdB)
	require.Nil(t, err)
	assert.True(t, last)
	assert.Equal(t, 0, table.OpenRefCount(10))
}

func TestCloseUnknownDescriptorReturnsEBADF(t *testing.T) {
	table := fdtable.New()
	_, _, err := table.Close(42)
	require.NotNil(t, err)
	assert.Equal(t, errors.EBADF, err.Errno())
}

func TestHandlePositionIsMutableByCaller(t *testing.T) {
	table := fdtable.New()
	fd := table.Open(10, fdtable.OWronly)

	h, err := table.Get(fd)
	require.Nil(t, err)
	h.Pos = 128

	h2, err := table.Get(fd)
	require.Nil(t, err)
	assert.EqualValues(t, 128, h2.Pos)
}
