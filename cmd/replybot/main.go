// replybot - menu-driven auto responder
package main

import (
	"os"

	"github.com/ashureev/replybot/internal/cli"
)

// Version information set via ldflags during build
// Example: go build -ldflags="-X main.version=1.0.0 -X main.commit=abc123 -X main.buildDate=2025-10-28"
var (
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

func main() {
	cli.SetVersionInfo(version, commit, buildDate)

	if err := cli.Execute(); err != nil {
		os.Exit(1)
	}
}
