package main

import (
	"os"

	"github.com/azos-dev/azos/internal/cmd"
)

func main() {
	os.Exit(cmd.Execute())
}
