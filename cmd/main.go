package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/imagingdatacommons/idc-client-go/internal/config"
	"github.com/imagingdatacommons/idc-client-go/internal/log"
)

var version = "dev"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "idc",
		Short: "A CLI client for querying and downloading imaging catalog data",
		Long: `idc is a command-line client for a versioned imaging metadata catalog.
It materializes catalog snapshot tables on demand, runs ad hoc SQL across
them, and turns selections or manifests into bulk downloads driven by the
s5cmd copy tool.`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			verbose, _ := cmd.Flags().GetBool("verbose")
			log.InitLogger(verbose)
			return config.InitConfig()
		},
	}

	rootCmd.PersistentFlags().BoolP("verbose", "v", false, "Enable verbose logging")
	rootCmd.PersistentFlags().String("bundled-data", "", "Directory holding the bundled catalog distribution")
	rootCmd.PersistentFlags().String("cache-dir", "", "Directory for downloaded snapshot tables")
	rootCmd.PersistentFlags().String("s5cmd-path", "", "Path to the s5cmd executable")

	rootCmd.AddCommand(newDownloadCmd())
	rootCmd.AddCommand(newDownloadFromSelectionCmd())
	rootCmd.AddCommand(newDownloadFromManifestCmd())
	rootCmd.AddCommand(newQueryCmd())
	rootCmd.AddCommand(newIndicesCmd())
	rootCmd.AddCommand(newShellCmd())

	return rootCmd
}
