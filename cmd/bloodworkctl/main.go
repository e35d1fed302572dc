// Command bloodworkctl is the operator CLI for the bloodwork analysis service.
package main

import (
	"fmt"
	"os"
)

func main() {
	if err := newRootCmd(defaultCLI()).Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}
