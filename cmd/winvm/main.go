// Package main is the entry point for winvm.
package main

import (
	"os"

	"github.com/javanstorm/winvm/internal/cli"
)

func main() {
	if err := cli.Execute(cli.NewProvisionCommand()); err != nil {
		os.Exit(cli.Fail(os.Stderr, err))
	}
}
