package main

import (
	"os"

	"nacre/cmd/nacre/commands"
)

func main() {
	if err := commands.Execute(); err != nil {
		os.Exit(1)
	}
}
