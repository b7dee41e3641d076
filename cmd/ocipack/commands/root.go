// Package commands implements the ocipack CLI commands.
package commands

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/ocipack/ocipack/pkg/registry"
	"github.com/ocipack/ocipack/pkg/store"
)

var (
	// Global flags
	verbose   bool
	logJSON   bool
	storeRoot string
	plainHTTP bool
	username  string
	password  string

	// Shared state
	log        *logrus.Entry
	localStore *store.Store
)

var rootCmd = &cobra.Command{
	Use:   "ocipack",
	Short: "Pack, store and distribute files as OCI images",
	Long: `ocipack packs directories or files into OCI images, keeps them in a
local content-addressable store, and exchanges them with OCI registries
and OCI-layout tar archives.

Example:
  ocipack pack ./dist -t registry.example.com/myorg/myapp:v1 -o myapp.tar
  ocipack push registry.example.com/myorg/myapp:v1`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if cmd.Name() == "help" || cmd.Name() == "version" {
			return nil
		}

		logger := logrus.New()
		if verbose {
			logger.SetLevel(logrus.DebugLevel)
		} else {
			logger.SetLevel(logrus.InfoLevel)
		}
		if logJSON {
			logger.SetFormatter(&logrus.JSONFormatter{})
		}
		if level := os.Getenv("OCIPACK_LOG_LEVEL"); level != "" {
			if lvl, err := logrus.ParseLevel(level); err == nil {
				logger.SetLevel(lvl)
			}
		}
		log = logger.WithField("component", "ocipack")
		return nil
	},
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute runs the root command.
func Execute() error {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		return err
	}
	return nil
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable verbose output")
	rootCmd.PersistentFlags().BoolVar(&logJSON, "log-json", false, "Output logs in JSON format")
	rootCmd.PersistentFlags().StringVar(&storeRoot, "store", "", "Local store root (default $OCIPACK_ROOT or the user cache directory)")
	rootCmd.PersistentFlags().BoolVar(&plainHTTP, "plain-http", false, "Use plain HTTP for all registries")
	rootCmd.PersistentFlags().StringVar(&username, "username", "", "Registry username")
	rootCmd.PersistentFlags().StringVar(&password, "password", "", "Registry password")

	rootCmd.AddCommand(
		newPackCmd(),
		newLoadCmd(),
		newGetCmd(),
		newPushCmd(),
		newListCmd(),
		newImageDirCmd(),
		newVersionCmd(),
	)
}

// defaultStoreRoot resolves the store root from the flag, the
// OCIPACK_ROOT environment variable, or the user cache directory.
func defaultStoreRoot() (string, error) {
	if storeRoot != "" {
		return storeRoot, nil
	}
	if root := os.Getenv("OCIPACK_ROOT"); root != "" {
		return root, nil
	}
	cache, err := os.UserCacheDir()
	if err != nil {
		return "", fmt.Errorf("resolving user cache directory: %w", err)
	}
	return filepath.Join(cache, "ocipack"), nil
}

// initStore opens the local store.
func initStore() error {
	if localStore != nil {
		return nil
	}
	root, err := defaultStoreRoot()
	if err != nil {
		return err
	}
	localStore, err = store.New(root, store.WithLogger(log))
	if err != nil {
		return err
	}
	return nil
}

// newRegistryClient builds a registry client from the global flags.
func newRegistryClient() *registry.Client {
	opts := []registry.ClientOption{
		registry.WithLogger(log),
		registry.WithPlainHTTP(plainHTTP),
	}
	if username != "" && password != "" {
		opts = append(opts, registry.WithAuthConfig(username, password))
	}
	return registry.NewClient(opts...)
}
