package main

import (
	"os"

	"github.com/oremus-labs/taskstream/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		os.Exit(1)
	}
}
