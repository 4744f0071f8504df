// ./main.go
package main

import (
	"github.com/prismbot/prism/cmd"
)

// main is the entry point for the prism server binary.
func main() {
	// Execute the root command defined in the cmd package.
	// This handles all command-line parsing, configuration, and execution.
	cmd.Execute()
}
