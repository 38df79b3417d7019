// Command ledgerd runs the ledger sync core as a local daemon and exposes
// one-shot commands for the same data directory.
package main

import (
	"fmt"
	"os"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
