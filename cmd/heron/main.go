package main

import (
	"os"

	"heron/cmd/heron/commands"
)

func main() {
	if err := commands.Execute(); err != nil {
		os.Exit(1)
	}
}
