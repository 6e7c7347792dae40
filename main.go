// Package main is the entry point for the audit center core.
package main

import (
	"fmt"
	"os"

	"bkaudit/cmd"
)

func main() {
	if err := cmd.NewRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
