// The main package for the ingestor executable.
package main

import (
	"github.com/docstream/ingestor/cmd"
)

func main() {
	cmd.Execute()
}
