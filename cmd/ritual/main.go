// Command ritual is the command-line front end for calling in and burning
// intentions, and for running the bundled backend.
package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/roach88/ritual/internal/cli"
)

func main() {
	if err := cli.NewRootCommand().Execute(); err != nil {
		var exitErr *cli.ExitError
		if !errors.As(err, &exitErr) || !exitErr.Reported {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		}
		os.Exit(cli.GetExitCode(err))
	}
}
