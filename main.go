package main

import (
	"os"

	"github.com/luxfi/express/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
