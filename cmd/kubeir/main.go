package main

import (
	"fmt"
	"os"

	"github.com/ppiankov/kubeir/internal/cli"
	"github.com/ppiankov/kubeir/internal/util"
)

func main() {
	if err := cli.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		util.Exit(util.ExitCode(err))
	}
}
