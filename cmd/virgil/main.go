package main

import (
	"os"

	"github.com/virgil-audio/virgil/cmd/virgil/commands"
)

func main() {
	if err := commands.GetRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}
