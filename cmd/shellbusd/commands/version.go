package commands

import (
	"fmt"

	"github.com/spf13/cobra"
)

// Version is the version of shellbusd.
var Version = "unset"

// versionCmd represents the version command
var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version of shellbusd",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("shellbusd version %s\n", Version)
	},
}

func init() {
	RootCmd.AddCommand(versionCmd)
}
