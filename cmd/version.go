package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the devbot version",
	Run: func(_ *cobra.Command, _ []string) {
		fmt.Println("devbot " + version)
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
}
