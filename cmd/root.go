// Package cmd holds the lansend CLI command tree, wiring the
// spf13/cobra dependency the teacher's go.mod declared but never used
// (its own cmd/cmd.go was a bufio.Scanner REPL over os.Stdin). Each verb
// below corresponds to one line of spec.md §6's external interface:
// `serve`, `send --to ... file...`, `peers`.
package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "lansend",
	Short: "LAN peer discovery and file transfer agent",
	Long:  "lansend discovers peers on the local network over multicast and negotiates consent-gated file transfers over HTTP.",
}

// Execute runs the command tree and exits the process non-zero on error;
// main calls this.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
