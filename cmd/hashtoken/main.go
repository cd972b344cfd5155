// Command hashtoken bcrypt-hashes an API token for use as
// ENTITLED_API_TOKEN, so the plain value never has to live in a unit file.
package main

import (
	"fmt"
	"io"
	"os"

	"github.com/rcourtman/entitled/internal/auth"
)

func run(args []string, out io.Writer) int {
	if len(args) < 2 {
		fmt.Fprintln(out, "Usage: hashtoken <token>")
		return 1
	}

	hash, err := auth.HashToken(args[1])
	if err != nil {
		fmt.Fprintf(out, "Error: %v\n", err)
		return 1
	}

	fmt.Fprintln(out, hash)
	return 0
}

func main() {
	os.Exit(run(os.Args, os.Stdout))
}
