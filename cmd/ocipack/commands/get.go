package commands

import (
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/ocipack/ocipack/pkg/name"
)

func newGetCmd() *cobra.Command {
	var noUnpack bool
	cmd := &cobra.Command{
		Use:   "get NAME",
		Short: "Pull an image from a registry",
		Long: `Pull an image into the local store, verifying every blob, and unpack
its layers into the image directory.

Examples:
  ocipack get registry.example.com/myorg/myapp:v1
  ocipack get ghcr.io/myorg/data@sha256:abc... --no-unpack`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runGet(cmd, args[0], noUnpack)
		},
	}
	cmd.Flags().BoolVar(&noUnpack, "no-unpack", false, "Keep the image as blobs, do not unpack its layers")
	return cmd
}

func runGet(cmd *cobra.Command, ref string, noUnpack bool) error {
	ctx := cmd.Context()

	n, err := name.Parse(ref)
	if err != nil {
		return err
	}
	if err := initStore(); err != nil {
		return err
	}

	client := newRegistryClient()
	desc, err := client.GetImage(ctx, localStore, n)
	if err != nil {
		return fmt.Errorf("pulling %s: %w", n, err)
	}
	cmd.Printf("Pulled %s (%s)\n", n, desc.Digest)

	if noUnpack {
		return nil
	}
	dest := filepath.Join(localStore.ImageDir(n), "rootfs")
	if err := localStore.Unpack(n, dest); err != nil {
		return fmt.Errorf("unpacking %s: %w", n, err)
	}
	cmd.Printf("Unpacked into %s\n", dest)
	return nil
}
