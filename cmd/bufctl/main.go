package main

import (
	"os"

	"github.com/ethosengine/elohim-sub011/cmd/bufctl/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
