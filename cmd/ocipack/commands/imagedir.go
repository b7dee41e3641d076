package commands

import (
	"github.com/spf13/cobra"

	"github.com/ocipack/ocipack/pkg/name"
)

func newImageDirCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "image-directory NAME",
		Short: "Print the local directory for an image name",
		Long: `Print the deterministic local store directory used for the given
image name. The directory may not exist yet.

Example:
  ocipack image-directory registry.example.com/myorg/myapp:v1`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runImageDir(cmd, args[0])
		},
	}
	return cmd
}

func runImageDir(cmd *cobra.Command, ref string) error {
	n, err := name.Parse(ref)
	if err != nil {
		return err
	}
	if err := initStore(); err != nil {
		return err
	}
	cmd.Println(localStore.ImageDir(n))
	return nil
}
