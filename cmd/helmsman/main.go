package main

import (
	"os"

	"github.com/hakim/helmsman/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		os.Exit(1)
	}
}
