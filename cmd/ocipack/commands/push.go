package commands

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/ocipack/ocipack/pkg/archive"
	"github.com/ocipack/ocipack/pkg/name"
)

func newPushCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "push NAME|ARCHIVE",
		Short: "Push an image to its registry",
		Long: `Push an image to the registry named in its image name. The argument
is either a name already in the local store, or the path of an OCI
archive, which is loaded first and pushed under the names it carries.
Blobs the registry already has are skipped; the manifest is uploaded
last.

Examples:
  ocipack push registry.example.com/myorg/myapp:v1
  ocipack push myapp.tar`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPush(cmd, args[0])
		},
	}
	return cmd
}

func runPush(cmd *cobra.Command, ref string) error {
	ctx := cmd.Context()

	if err := initStore(); err != nil {
		return err
	}

	var names []name.ImageName
	if fi, err := os.Stat(ref); err == nil && fi.Mode().IsRegular() {
		loaded, err := archive.NewLoader(localStore, archive.WithLoaderLogger(log)).Load(ref)
		if err != nil {
			return fmt.Errorf("loading %s: %w", ref, err)
		}
		names = loaded
	} else {
		n, err := name.Parse(ref)
		if err != nil {
			return err
		}
		names = append(names, n)
	}

	client := newRegistryClient()
	for _, n := range names {
		desc, err := client.PushImage(ctx, localStore, n)
		if err != nil {
			return fmt.Errorf("pushing %s: %w", n, err)
		}
		cmd.Printf("Pushed %s (%s)\n", n, desc.Digest)
	}
	return nil
}
