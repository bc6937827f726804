package main

import (
	"os"

	"github.com/hashicorp-forge/pagekeeper/internal/cmd"
)

func main() {
	os.Exit(cmd.Main(os.Args))
}
