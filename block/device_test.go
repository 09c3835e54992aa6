package block_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xaionaro-go/bytesextra"

	"github.com/kotazzz/extfs/block"
)

func newTestDevice(t *testing.T, blockSize uint32, totalBlocks uint64) *block.Device {
	backing := make([]byte, blockSize*uint32(totalBlocks))
	stream := bytesextra.NewReadWriteSeeker(backing)
	return block.NewDevice(stream, nil, blockSize, totalBlocks)
}

func TestWriteReadBlockRoundTrip(t *testing.T) {
	dev := newTestDevice(t, 512, 4)

	payload := make([]byte, 512)
	for i := range payload {
		payload[i] = byte(i % 251)
	}

	require.Nil(t, dev.WriteBlock(2, payload))
	got, err := dev.ReadBlock(2)
	require.Nil(t, err)
	assert.Equal(t, payload, got)
}

func TestReadBlockOutOfRange(t *testing.T) {
	dev := newTestDevice(t, 512, 4)
	_, err := dev.ReadBlock(4)
	require.NotNil(t, err)
}

func TestWriteBlockWrongSize(t *testing.T) {
	dev := newTestDevice(t, 512, 4)
	err := dev.WriteBlock(0, make([]byte, 100))
	require.NotNil(t, err)
}

func TestReadBlocksContiguous(t *testing.T) {
	dev := newTestDevice(t, 16, 4)
	for b := uint64(0); b < 4; b++ {
		buf := make([]byte, 16)
		buf[0] = byte(b)
		require.Nil(t, dev.WriteBlock(b, buf))
	}

	data, err := dev.ReadBlocks(1, 2)
	require.Nil(t, err)
	require.Len(t, data, 32)
	assert.EqualValues(t, 1, data[0])
	assert.EqualValues(t, 2, data[16])
}

func TestFlushOnNonSyncingStream(t *testing.T) {
	dev := newTestDevice(t, 512, 1)
	assert.Nil(t, dev.Flush())
}
