// ocipack packs files into OCI images and moves them between local
// stores, archives and registries.
package main

import (
	"os"

	"github.com/ocipack/ocipack/cmd/ocipack/commands"
)

func main() {
	if err := commands.Execute(); err != nil {
		os.Exit(1)
	}
}
