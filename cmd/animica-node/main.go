package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"animica-network/cmd/cli"
)

func main() {
	rootCmd := &cobra.Command{Use: "animica-node", Short: "Animica post-quantum P2P node"}
	cli.RegisterPeer(rootCmd)
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
