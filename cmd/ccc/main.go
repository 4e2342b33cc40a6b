// ccc is the short alias for the claude-control binary.
package main

import (
	"os"

	"github.com/claudecontrol/claude-control/internal/cli"
)

const version = "0.1.0"

func main() {
	os.Exit(cli.Execute(version))
}
