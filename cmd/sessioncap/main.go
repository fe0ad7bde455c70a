package main

import (
	"os"

	"github.com/sessioncap/sessioncap/internal/cli"
)

func main() {
	os.Exit(cli.ExecuteWithErrorCode(os.Args[1:]))
}
