// ./main.go
package main

import (
	"github.com/iudex-br/sei-bridge/cmd"
)

// main is the entry point for the sei-bridge server.
func main() {
	// Execute the root command defined in the cmd package.
	// This handles all command-line parsing, configuration, and execution.
	cmd.Execute()
}
