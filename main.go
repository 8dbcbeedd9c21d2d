// The main package for the jobcrawler executable.
package main

import (
	"github.com/JakeFAU/jobpost-crawler/cmd"
)

// main defers all execution to the Cobra CLI.
func main() {
	cmd.Execute()
}
