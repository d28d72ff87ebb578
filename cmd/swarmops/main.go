package main

import (
	"os"

	"github.com/swarmops/swarmops/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		os.Exit(1)
	}
}
