package cmd

import (
	"fmt"
	"os"

	"EchoFM/server"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "echofm_server",
	Short: "EchoFM is a self-hosted music streaming service.",
	Run: func(cmd *cobra.Command, args []string) {
		// 默认行为与 server 子命令一致
		server.Start()
	},
}

// Execute executes the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
