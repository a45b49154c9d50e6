package main

import (
	"errors"
	"fmt"
	"os"

	"mog/internal/cli"
	"mog/internal/run"
)

func main() {
	if err := cli.Execute(); err != nil {
		var exitErr *run.ExitError
		if errors.As(err, &exitErr) {
			os.Exit(exitErr.Code)
		}
		fmt.Fprintln(os.Stderr, "mog:", err)
		os.Exit(1)
	}
}
