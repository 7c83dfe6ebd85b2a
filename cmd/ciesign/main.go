// Command ciesign signs and verifies documents with a CIE.
package main

import (
	"fmt"
	"os"

	"github.com/mapo80/cie-middleware-mobile/cli"
)

var version = "dev"

func main() {
	if err := cli.NewRootCommand(version).Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
