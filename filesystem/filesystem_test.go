package filesystem_test

import (
	"fmt"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kotazzz/extfs/directory"
	"github.com/kotazzz/extfs/errors"
	"github.com/kotazzz/extfs/filesystem"
)

func newImage(t *testing.T, totalBlocks uint64, opts filesystem.FormatOptions) *filesystem.FS {
	path := filepath.Join(t.TempDir(), "image.extfs")
	require.Nil(t, filesystem.Format(path, totalBlocks, opts))

	fs, err := filesystem.Mount(path)
	require.Nil(t, err)
	t.Cleanup(func() { fs.Unmount() })
	return fs
}

func smallOpts() filesystem.FormatOptions {
	return filesystem.FormatOptions{BlockSize: 512, BlocksPerGroup: 256, InodesPerGroup: 128}
}

func TestFormatThenMountGeometryMatches8MiBScenario(t *testing.T) {
	path := filepath.Join(t.TempDir(), "image.extfs")
	opts := filesystem.FormatOptions{BlockSize: 4096, BlocksPerGroup: 8192, InodesPerGroup: 2048}
	require.Nil(t, filesystem.Format(path, 2048, opts))

	fs, err := filesystem.Mount(path)
	require.Nil(t, err)
	defer fs.Unmount()

	df := fs.DF()
	assert.EqualValues(t, 4096, df.BlockSize)
	assert.EqualValues(t, 2048, df.TotalBlocks)
	assert.Less(t, df.FreeInodes, df.TotalInodes)
}

func TestFreshRootListingIsOnlyDotAndDotDot(t *testing.T) {
	fs := newImage(t, 2048, filesystem.FormatOptions{BlockSize: 4096, BlocksPerGroup: 8192, InodesPerGroup: 2048})

	entries, err := fs.ReadDir("/")
	require.Nil(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, ".", entries[0].Name)
	assert.Equal(t, "..", entries[1].Name)

	stat, serr := fs.Stat("/")
	require.Nil(t, serr)
	assert.EqualValues(t, 2, stat.InodeNum)
}

func TestMkdirWriteReadRoundTrip(t *testing.T) {
	fs := newImage(t, 1024, smallOpts())

	require.Nil(t, fs.Mkdir("/docs", 0755))
	fd, err := fs.OpenFile("/docs/hello.txt", 0x1|0x40, 0644) // O_WRONLY|O_CREAT
	require.Nil(t, err)

	payload := []byte("hello, filesystem")
	n, werr := fs.Write(fd, payload, nil)
	require.Nil(t, werr)
	assert.Equal(t, len(payload), n)
	require.Nil(t, fs.Close(fd))

	fd2, err := fs.OpenFile("/docs/hello.txt", 0, 0) // O_RDONLY
	require.Nil(t, err)
	buf := make([]byte, len(payload))
	n2, rerr := fs.Read(fd2, buf, nil)
	require.Nil(t, rerr)
	assert.Equal(t, payload, buf[:n2])
	require.Nil(t, fs.Close(fd2))
}

func TestLargeFileRoundTrip(t *testing.T) {
	fs := newImage(t, 8192, filesystem.FormatOptions{BlockSize: 1024, BlocksPerGroup: 2048, InodesPerGroup: 256})

	fd, err := fs.OpenFile("/big.bin", 0x1|0x40, 0644)
	require.Nil(t, err)

	payload := make([]byte, 1<<20/16) // keep the fixture fast; exercises many extent appends
	for i := range payload {
		payload[i] = byte(i)
	}
	_, werr := fs.Write(fd, payload, nil)
	require.Nil(t, werr)
	require.Nil(t, fs.Close(fd))

	fd2, err := fs.OpenFile("/big.bin", 0, 0)
	require.Nil(t, err)
	buf := make([]byte, len(payload))
	n, rerr := fs.Read(fd2, buf, nil)
	require.Nil(t, rerr)
	assert.Equal(t, len(payload), n)
	assert.Equal(t, payload, buf)
	require.Nil(t, fs.Close(fd2))
}

func TestDirectoryStressTestManyEntries(t *testing.T) {
	fs := newImage(t, 4096, filesystem.FormatOptions{BlockSize: 512, BlocksPerGroup: 4096, InodesPerGroup: 4096})

	require.Nil(t, fs.Mkdir("/many", 0755))
	const count = 200
	for i := 0; i < count; i++ {
		name := fmt.Sprintf("/many/file-%04d", i)
		fd, err := fs.OpenFile(name, 0x1|0x40, 0644)
		require.Nil(t, err)
		require.Nil(t, fs.Close(fd))
	}

	entries, err := fs.ReadDir("/many")
	require.Nil(t, err)
	assert.Len(t, entries, count+2) // plus "." and ".."
}

func TestHardLinkSharesInodeAndUnlinkDropsCount(t *testing.T) {
	fs := newImage(t, 1024, smallOpts())

	fd, err := fs.OpenFile("/a.txt", 0x1|0x40, 0644)
	require.Nil(t, err)
	_, werr := fs.Write(fd, []byte("shared"), nil)
	require.Nil(t, werr)
	require.Nil(t, fs.Close(fd))

	statA, serr := fs.Stat("/a.txt")
	require.Nil(t, serr)
	assert.EqualValues(t, 1, statA.LinksCount)

	require.Nil(t, fs.Link("/a.txt", "/b.txt"))

	statA2, _ := fs.Stat("/a.txt")
	assert.EqualValues(t, 2, statA2.LinksCount)

	statB, serr := fs.Stat("/b.txt")
	require.Nil(t, serr)
	assert.Equal(t, statA.InodeNum, statB.InodeNum)

	require.Nil(t, fs.Unlink("/a.txt"))
	statB2, serr := fs.Stat("/b.txt")
	require.Nil(t, serr)
	assert.EqualValues(t, 1, statB2.LinksCount)

	_, serr = fs.Stat("/a.txt")
	require.NotNil(t, serr)
	assert.Equal(t, errors.ENOENT, serr.Errno())
}

func TestLinkRejectsDirectories(t *testing.T) {
	fs := newImage(t, 1024, smallOpts())
	require.Nil(t, fs.Mkdir("/d", 0755))

	err := fs.Link("/d", "/d2")
	require.NotNil(t, err)
	assert.Equal(t, errors.EISDIR, err.Errno())
}

func TestHardLinkToSymlinkRecordsSymlinkFileType(t *testing.T) {
	fs := newImage(t, 1024, smallOpts())

	require.Nil(t, fs.Symlink("/target.txt", "/orig-link"))
	require.Nil(t, fs.Link("/orig-link", "/dup-link"))

	entries, err := fs.ReadDir("/")
	require.Nil(t, err)

	var sawDupLink bool
	for _, e := range entries {
		if e.Name == "dup-link" {
			sawDupLink = true
			assert.EqualValues(t, directory.FileTypeSymlink, e.FileType)
		}
	}
	assert.True(t, sawDupLink, "expected /dup-link entry in root directory listing")
}

func TestChmodUpdatesPermissionBitsAndCtime(t *testing.T) {
	fs := newImage(t, 1024, smallOpts())

	fd, err := fs.OpenFile("/f.txt", 0x1|0x40, 0644)
	require.Nil(t, err)
	require.Nil(t, fs.Close(fd))

	before, serr := fs.Stat("/f.txt")
	require.Nil(t, serr)
	assert.EqualValues(t, 0644, before.Mode&0xFFF)

	require.Nil(t, fs.Chmod("/f.txt", 0600))

	after, serr := fs.Stat("/f.txt")
	require.Nil(t, serr)
	assert.EqualValues(t, 0600, after.Mode&0xFFF)
	// The type bits (high nibble) must survive a chmod untouched.
	assert.Equal(t, before.Mode&0xF000, after.Mode&0xF000)
}

func TestChownUpdatesOwnership(t *testing.T) {
	fs := newImage(t, 1024, smallOpts())

	fd, err := fs.OpenFile("/f.txt", 0x1|0x40, 0644)
	require.Nil(t, err)
	require.Nil(t, fs.Close(fd))

	require.Nil(t, fs.Chown("/f.txt", 42, 7))

	stat, serr := fs.Stat("/f.txt")
	require.Nil(t, serr)
	assert.EqualValues(t, 42, stat.Uid)
	assert.EqualValues(t, 7, stat.Gid)
}

func TestSymlinkResolvesToTarget(t *testing.T) {
	fs := newImage(t, 1024, smallOpts())

	fd, err := fs.OpenFile("/real.txt", 0x1|0x40, 0644)
	require.Nil(t, err)
	require.Nil(t, fs.Close(fd))

	require.Nil(t, fs.Symlink("/real.txt", "/link.txt"))

	stat, serr := fs.Stat("/link.txt")
	require.Nil(t, serr)

	lstat, lerr := fs.Lstat("/link.txt")
	require.Nil(t, lerr)
	assert.NotEqual(t, stat.InodeNum, lstat.InodeNum)
}

func TestSymlinkCycleFailsWithELOOP(t *testing.T) {
	fs := newImage(t, 1024, smallOpts())
	require.Nil(t, fs.Symlink("/b", "/a"))
	require.Nil(t, fs.Symlink("/a", "/b"))

	_, err := fs.Stat("/a")
	require.NotNil(t, err)
	assert.Equal(t, errors.ELOOP, err.Errno())
}

func TestRmdirRejectsNonEmptyDirectory(t *testing.T) {
	fs := newImage(t, 1024, smallOpts())
	require.Nil(t, fs.Mkdir("/d", 0755))
	fd, err := fs.OpenFile("/d/f.txt", 0x1|0x40, 0644)
	require.Nil(t, err)
	require.Nil(t, fs.Close(fd))

	rerr := fs.Rmdir("/d")
	require.NotNil(t, rerr)
	assert.Equal(t, errors.ENOTEMPTY, rerr.Errno())
}

func TestRmdirRecursiveRemovesEverything(t *testing.T) {
	fs := newImage(t, 1024, smallOpts())
	require.Nil(t, fs.Mkdir("/d", 0755))
	require.Nil(t, fs.Mkdir("/d/sub", 0755))
	fd, err := fs.OpenFile("/d/sub/f.txt", 0x1|0x40, 0644)
	require.Nil(t, err)
	require.Nil(t, fs.Close(fd))

	require.Nil(t, fs.RmdirRecursive("/d"))

	_, serr := fs.Stat("/d")
	require.NotNil(t, serr)
	assert.Equal(t, errors.ENOENT, serr.Errno())
}

func TestChdirAndRelativeResolution(t *testing.T) {
	fs := newImage(t, 1024, smallOpts())
	require.Nil(t, fs.Mkdir("/a", 0755))
	require.Nil(t, fs.Chdir("/a"))
	assert.Equal(t, "/a", fs.Getcwd())

	fd, err := fs.OpenFile("file.txt", 0x1|0x40, 0644)
	require.Nil(t, err)
	require.Nil(t, fs.Close(fd))

	_, serr := fs.Stat("/a/file.txt")
	require.Nil(t, serr)
}

func TestWriteUntilDeviceFillsReturnsENOSPC(t *testing.T) {
	fs := newImage(t, 48, filesystem.FormatOptions{BlockSize: 128, BlocksPerGroup: 48, InodesPerGroup: 32})

	fd, err := fs.OpenFile("/fill.bin", 0x1|0x40, 0644)
	require.Nil(t, err)

	chunk := make([]byte, 128)
	var lastErr errors.DriverError
	for i := 0; i < 64; i++ {
		_, werr := fs.Write(fd, chunk, nil)
		if werr != nil {
			lastErr = werr
			break
		}
	}
	require.NotNil(t, lastErr)
	assert.Equal(t, errors.ENOSPC, lastErr.Errno())
	require.Nil(t, fs.Close(fd))
}

func TestDeferredDeletionOnUnlinkWhileOpen(t *testing.T) {
	fs := newImage(t, 1024, smallOpts())

	fd, err := fs.OpenFile("/tmp.txt", 0x1|0x40, 0644)
	require.Nil(t, err)
	_, werr := fs.Write(fd, []byte("data"), nil)
	require.Nil(t, werr)

	require.Nil(t, fs.Unlink("/tmp.txt"))

	_, serr := fs.Stat("/tmp.txt")
	require.NotNil(t, serr)
	assert.Equal(t, errors.ENOENT, serr.Errno())

	// The descriptor is still valid until Close, since the inode isn't
	// actually destroyed while a descriptor still references it.
	buf := make([]byte, 4)
	n, rerr := fs.Read(fd, buf, func() *uint64 { z := uint64(0); return &z }())
	require.Nil(t, rerr)
	assert.Equal(t, "data", string(buf[:n]))

	require.Nil(t, fs.Close(fd))
}

func TestUnmountThenReopenPersistsData(t *testing.T) {
	path := filepath.Join(t.TempDir(), "image.extfs")
	require.Nil(t, filesystem.Format(path, 1024, smallOpts()))

	fs, err := filesystem.Mount(path)
	require.Nil(t, err)
	fd, operr := fs.OpenFile("/persist.txt", 0x1|0x40, 0644)
	require.Nil(t, operr)
	_, werr := fs.Write(fd, []byte("durable"), nil)
	require.Nil(t, werr)
	require.Nil(t, fs.Close(fd))
	require.Nil(t, fs.Unmount())

	fs2, err := filesystem.Mount(path)
	require.Nil(t, err)
	defer fs2.Unmount()

	fd2, operr := fs2.OpenFile("/persist.txt", 0, 0)
	require.Nil(t, operr)
	buf := make([]byte, 7)
	n, rerr := fs2.Read(fd2, buf, nil)
	require.Nil(t, rerr)
	assert.Equal(t, "durable", string(buf[:n]))
	require.Nil(t, fs2.Close(fd2))
}

func TestStatAndLstatOnRoot(t *testing.T) {
	fs := newImage(t, 1024, smallOpts())
	stat, err := fs.Stat("/")
	require.Nil(t, err)
	assert.EqualValues(t, 2, stat.InodeNum)
	assert.EqualValues(t, 2, stat.LinksCount)

	lstat, lerr := fs.Lstat("/")
	require.Nil(t, lerr)
	assert.EqualValues(t, 2, lstat.InodeNum)
}
