package main

import (
	"os"

	"github.com/adalundhe/keel/cmd"
)

func main() {
	os.Exit(cmd.ExitCode(cmd.Execute()))
}
