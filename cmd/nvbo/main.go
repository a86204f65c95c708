// Command nvbo exercises the nouveau buffer object layer on a software or
// HAL-backed kernel.
package main

import (
	"os"

	"github.com/gogpu/nouveau/cmd/nvbo/commands"
)

func main() {
	if err := commands.Execute(); err != nil {
		os.Exit(1)
	}
}
