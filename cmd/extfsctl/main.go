// Command extfsctl is a small diagnostic tool over a mounted extfs image:
// "df" for free-space accounting and "fsck" for the consistency checks
// spec.md's testable properties describe, mirroring disko's own
// disks/disks.go use of struct csv tags for tabular reporting.
package main

import (
	"fmt"
	"log"
	"os"

	"github.com/gocarina/gocsv"
	"github.com/hashicorp/go-multierror"
	"github.com/urfave/cli/v2"

	"github.com/kotazzz/extfs/directory"
	"github.com/kotazzz/extfs/filesystem"
	"github.com/kotazzz/extfs/inode"
)

func main() {
	app := cli.App{
		Name:  "extfsctl",
		Usage: "Inspect and check a mounted extfs image",
		Commands: []*cli.Command{
			{
				Name:      "df",
				Usage:     "Report free space accounting",
				Action:    dfCommand,
				ArgsUsage: "IMAGE_PATH",
				Flags: []cli.Flag{
					&cli.BoolFlag{Name: "csv", Usage: "emit CSV instead of a plain summary"},
				},
			},
			{
				Name:      "fsck",
				Usage:     "Check basic filesystem invariants",
				Action:    fsckCommand,
				ArgsUsage: "IMAGE_PATH",
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatalf("fatal error: %s", err.Error())
	}
}

// dfRow is the CSV-tagged record gocsv marshals, the same struct-tag
// convention disko's disks.go uses for its own geometry tables.
type dfRow struct {
	BlockSize   uint32 `csv:"block_size"`
	TotalBlocks uint64 `csv:"total_blocks"`
	FreeBlocks  uint64 `csv:"free_blocks"`
	TotalInodes uint64 `csv:"total_inodes"`
	FreeInodes  uint64 `csv:"free_inodes"`
}

func dfCommand(context *cli.Context) error {
	if context.Args().Len() != 1 {
		return fmt.Errorf("expected exactly one argument: IMAGE_PATH")
	}

	fs, err := filesystem.Mount(context.Args().First())
	if err != nil {
		return err
	}
	defer fs.Unmount()

	stat := fs.DF()
	row := dfRow{
		BlockSize:   stat.BlockSize,
		TotalBlocks: stat.TotalBlocks,
		FreeBlocks:  stat.FreeBlocks,
		TotalInodes: stat.TotalInodes,
		FreeInodes:  stat.FreeInodes,
	}

	if context.Bool("csv") {
		out, cerr := gocsv.MarshalString(&[]dfRow{row})
		if cerr != nil {
			return cerr
		}
		fmt.Print(out)
		return nil
	}

	fmt.Printf("block size:   %d\n", row.BlockSize)
	fmt.Printf("blocks:       %d free / %d total\n", row.FreeBlocks, row.TotalBlocks)
	fmt.Printf("inodes:       %d free / %d total\n", row.FreeInodes, row.TotalInodes)
	return nil
}

// fsckCommand walks the directory tree from the root inode and checks
// every entry it reaches: the entry resolves to a readable inode record,
// that inode's links_count is nonzero, and the entry's file_type agrees
// with the inode's mode. Violations are aggregated with
// go-multierror instead of stopping at the first one, so a single run
// reports everything wrong with the image.
func fsckCommand(context *cli.Context) error {
	if context.Args().Len() != 1 {
		return fmt.Errorf("expected exactly one argument: IMAGE_PATH")
	}

	fs, err := filesystem.Mount(context.Args().First())
	if err != nil {
		return err
	}
	defer fs.Unmount()

	var result *multierror.Error
	visited := map[uint64]bool{inode.RootInodeNumber: true}
	walkDir(fs, "/", &result, visited)

	if result != nil {
		return result
	}
	fmt.Println("no inconsistencies found")
	return nil
}

func walkDir(fs *filesystem.FS, path string, result **multierror.Error, visited map[uint64]bool) {
	entries, err := fs.ReadDir(path)
	if err != nil {
		*result = multierror.Append(*result, fmt.Errorf("readdir %s: %w", path, err))
		return
	}

	for _, e := range entries {
		if e.Name == "." || e.Name == ".." {
			continue
		}
		childPath := path
		if childPath != "/" {
			childPath += "/"
		}
		childPath += e.Name

		stat, serr := fs.Lstat(childPath)
		if serr != nil {
			*result = multierror.Append(*result, fmt.Errorf("stat %s: %w", childPath, serr))
			continue
		}
		visited[stat.InodeNum] = true

		if stat.LinksCount == 0 {
			*result = multierror.Append(*result, fmt.Errorf("%s: links_count is zero but entry is reachable", childPath))
		}

		if inode.IsDir(stat.Mode) {
			if e.FileType != 0 && e.FileType != directory.FileTypeDir {
				*result = multierror.Append(*result, fmt.Errorf("%s: directory entry file_type disagrees with inode mode", childPath))
			}
			walkDir(fs, childPath, result, visited)
			continue
		}
		if inode.IsSymlink(stat.Mode) {
			if e.FileType != 0 && e.FileType != directory.FileTypeSymlink {
				*result = multierror.Append(*result, fmt.Errorf("%s: directory entry file_type disagrees with inode mode", childPath))
			}
			continue
		}
		if e.FileType != 0 && e.FileType != directory.FileTypeRegular {
			*result = multierror.Append(*result, fmt.Errorf("%s: directory entry file_type disagrees with inode mode", childPath))
		}
	}
}
