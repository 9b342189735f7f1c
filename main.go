package main

import (
	"os"

	"github.com/gridpilot/hems/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
