package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/ocipack/ocipack/pkg/archive"
)

func newLoadCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "load ARCHIVE",
		Short: "Load an OCI archive into the local store",
		Long: `Load an OCI-layout tar archive, verifying every blob against its
digest, and register the images it names in the local store.

Example:
  ocipack load myapp.tar`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runLoad(cmd, args[0])
		},
	}
	return cmd
}

func runLoad(cmd *cobra.Command, path string) error {
	if err := initStore(); err != nil {
		return err
	}

	names, err := archive.NewLoader(localStore, archive.WithLoaderLogger(log)).Load(path)
	if err != nil {
		return fmt.Errorf("loading archive: %w", err)
	}
	for _, n := range names {
		cmd.Printf("Loaded %s\n", n)
	}
	return nil
}
