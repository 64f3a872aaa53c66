// Command tryond runs the virtual try-on service.
package main

import (
	"fmt"
	"os"

	"github.com/tbourn/go-tryon-backend/internal/cli"
)

func main() {
	if err := cli.NewRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}
