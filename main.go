// The main package for the analyzer executable.
package main

import (
	"github.com/JakeFAU/script-cpu-analyzer/cmd"
)

// main defers all execution to the Cobra CLI.
func main() {
	cmd.Execute()
}
