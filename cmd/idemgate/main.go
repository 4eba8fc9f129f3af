package main

import (
	"fmt"
	"os"

	"idemgate/internal/cli"
)

// version is set at build time via -ldflags "-X main.version=..."
var version = "dev"

func main() {
	if err := cli.NewRootCommand(version).Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "idemgate:", err)
		os.Exit(1)
	}
}
