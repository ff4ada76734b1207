package main

import (
	"os"

	"github.com/beadsconsole/beadsconsole/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		os.Exit(1)
	}
}
