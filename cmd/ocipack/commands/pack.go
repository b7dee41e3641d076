package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/ocipack/ocipack/pkg/archive"
	"github.com/ocipack/ocipack/pkg/name"
)

func newPackCmd() *cobra.Command {
	var (
		tag    string
		output string
		flat   bool
	)
	cmd := &cobra.Command{
		Use:   "pack PATH [PATH...]",
		Short: "Pack files into an OCI archive",
		Long: `Pack a directory tree (or, with --flat, individual files) into an
OCI-layout tar archive and register the image in the local store.

Examples:
  ocipack pack ./dist -t registry.example.com/myorg/myapp:v1 -o myapp.tar
  ocipack pack --flat a.bin b.bin -o blobs.tar`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPack(cmd, args, tag, output, flat)
		},
	}
	cmd.Flags().StringVarP(&tag, "tag", "t", "", "Image name for the archive index (default: a random local name)")
	cmd.Flags().StringVarP(&output, "output", "o", "image.tar", "Output archive path (never overwritten)")
	cmd.Flags().BoolVar(&flat, "flat", false, "Pack the given files flat instead of a directory tree")
	return cmd
}

func runPack(cmd *cobra.Command, paths []string, tag, output string, flat bool) error {
	if !flat && len(paths) != 1 {
		return fmt.Errorf("directory mode packs exactly one directory; use --flat for multiple files")
	}

	b, err := archive.NewFileBuilder(output, archive.WithLogger(log))
	if err != nil {
		return err
	}
	if tag != "" {
		n, err := name.Parse(tag)
		if err != nil {
			return err
		}
		b.SetName(n)
	}

	if flat {
		err = b.AppendFiles(paths...)
	} else {
		err = b.AppendDirAll(paths[0])
	}
	if err != nil {
		return err
	}
	if err := b.Close(); err != nil {
		return err
	}

	// Register the packed image locally so get/push see it immediately.
	if err := initStore(); err != nil {
		return err
	}
	names, err := archive.NewLoader(localStore, archive.WithLoaderLogger(log)).Load(output)
	if err != nil {
		return fmt.Errorf("registering packed archive: %w", err)
	}
	for _, n := range names {
		cmd.Printf("Packed %s into %s\n", n, output)
	}
	return nil
}
