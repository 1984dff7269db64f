// Package cmd contains the cobra command line setup
package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "rollup-boost",
	Short: "rollup-boost " + Version,
	Long:  `Engine API proxy between a rollup consensus client, its execution engine and an external block builder`,
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("rollup-boost %s\n", Version)
		_ = cmd.Help()
	},
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}
