package commands

import (
	"fmt"
	"os"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"
)

func newListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "list",
		Aliases: []string{"ls"},
		Short:   "List images in the local store",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runList(cmd)
		},
	}
	return cmd
}

func runList(cmd *cobra.Command) error {
	if err := initStore(); err != nil {
		return err
	}

	names, err := localStore.List()
	if err != nil {
		return fmt.Errorf("listing images: %w", err)
	}
	if len(names) == 0 {
		cmd.Println("No images in store")
		return nil
	}

	table := tablewriter.NewTable(os.Stdout,
		tablewriter.WithHeader([]string{"NAME", "DIGEST", "SIZE"}),
	)
	for _, n := range names {
		_, desc, err := localStore.Get(n)
		if err != nil {
			return fmt.Errorf("reading %s: %w", n, err)
		}
		table.Append([]string{
			n.String(),
			desc.Digest.String(),
			fmt.Sprintf("%d", desc.Size),
		})
	}
	table.Render()
	return nil
}
