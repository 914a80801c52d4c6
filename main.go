// The main package for the mdscrape executable.
package main

import (
	"os"

	"github.com/JakeFAU/mdscrape/cmd"
)

func main() {
	os.Exit(cmd.Execute())
}
