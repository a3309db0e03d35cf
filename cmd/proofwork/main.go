package main

import (
	"os"

	"github.com/proofwork/proofwork/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		os.Exit(1)
	}
}
