package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"kbnet/pkg/version"
)

var (
	configFile string
	verbose    bool
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "kbnode",
		Short: "Content-addressed file sharing network node",
		Long: `kbnode runs a hub or share node of a hub/share file network, and
resolves sha1:// and kbucket:// locators to download URLs.`,
		SilenceUsage: true,
	}

	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "", "config file path (YAML)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")

	rootCmd.AddCommand(
		hubCmd(),
		shareCmd(),
		runCmd(),
		keygenCmd(),
		prvCmd(),
		tokenCmd(),
		publishCmd(),
		resolveCmd(),
		versionCmd(),
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println(version.UserAgent())
		},
	}
}
