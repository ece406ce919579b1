package main

import (
	"fmt"
	"os"
)

// Version info, injected via ldflags.
var (
	Version   = "0.1.0"
	GitCommit = "unknown"
)

func main() {
	if err := Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}
