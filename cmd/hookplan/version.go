package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/k2io/nativehook"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Println(nativehook.GetVersion())
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
}
