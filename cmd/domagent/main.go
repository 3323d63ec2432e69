package main

import (
	"os"

	"github.com/vaishnavucv/domagent/cmd/domagent/commands"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	if err := commands.NewRootCmd(version).Execute(); err != nil {
		os.Exit(1)
	}
}
