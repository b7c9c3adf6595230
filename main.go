// The main package for the indexscraper executable.
package main

import (
	"github.com/JakeFAU/market-index-scraper/cmd"
)

// main is the entry point of the application.
// It defers all execution to the Cobra CLI library.
func main() {
	cmd.Execute()
}
