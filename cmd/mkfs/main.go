// Command mkfs initializes a fresh extfs image on a host file, the
// image-formatter utility disko's own cmd/main.go plays the same thin-
// wrapper role for: parse a few flags, call into the library, report
// fatal errors the way log.Fatalf does.
package main

import (
	"fmt"
	"log"
	"os"

	"github.com/urfave/cli/v2"

	"github.com/kotazzz/extfs/filesystem"
)

func main() {
	app := cli.App{
		Name:  "mkfs.extfs",
		Usage: "Create a fresh extfs image file",
		Commands: []*cli.Command{
			{
				Name:      "format",
				Usage:     "Initialize a new image",
				Action:    formatImage,
				ArgsUsage: "IMAGE_PATH",
				Flags: []cli.Flag{
					&cli.Uint64Flag{Name: "total-blocks", Usage: "total blocks in the image", Required: true},
					&cli.UintFlag{Name: "block-size", Usage: "bytes per block", Value: uint(filesystem.DefaultFormatOptions.BlockSize)},
					&cli.UintFlag{Name: "blocks-per-group", Usage: "blocks per block group", Value: uint(filesystem.DefaultFormatOptions.BlocksPerGroup)},
					&cli.UintFlag{Name: "inodes-per-group", Usage: "inodes per block group", Value: uint(filesystem.DefaultFormatOptions.InodesPerGroup)},
				},
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatalf("fatal error: %s", err.Error())
	}
}

func formatImage(context *cli.Context) error {
	if context.Args().Len() != 1 {
		return fmt.Errorf("expected exactly one argument: IMAGE_PATH")
	}
	path := context.Args().First()

	opts := filesystem.FormatOptions{
		BlockSize:      uint32(context.Uint("block-size")),
		BlocksPerGroup: uint32(context.Uint("blocks-per-group")),
		InodesPerGroup: uint32(context.Uint("inodes-per-group")),
	}

	if err := filesystem.Format(path, context.Uint64("total-blocks"), opts); err != nil {
		return err
	}
	fmt.Printf("formatted %s\n", path)
	return nil
}
