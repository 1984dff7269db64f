package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

var Version = "dev" // is set during build process

func init() {
	rootCmd.AddCommand(versionCmd)
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version number of rollup-boost",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("rollup-boost %s\n", Version)
	},
}
