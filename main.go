// The main package for the jenkins-dump executable.
package main

import (
	"github.com/JakeFAU/jenkins-dump/cmd"
)

// main defers all execution to the Cobra CLI.
func main() {
	cmd.Execute()
}
