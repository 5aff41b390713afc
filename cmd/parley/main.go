package main

import (
	"fmt"
	"os"

	"github.com/soyeahso/parley/internal/cli"
	"github.com/tillberg/autorestart"
)

func main() {
	// Restart in place when the binary is rebuilt under a running serve.
	go autorestart.RestartOnChange()

	if err := cli.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "parley:", err)
		os.Exit(1)
	}
}
