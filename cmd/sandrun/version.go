package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/coderelay/sandrun/internal/version"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Show version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("sandrun %s\n", version.String())
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
}
