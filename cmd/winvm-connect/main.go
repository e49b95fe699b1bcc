// Package main is the entry point for winvm-connect.
package main

import (
	"os"

	"github.com/javanstorm/winvm/internal/cli"
)

func main() {
	if err := cli.Execute(cli.NewConnectCommand()); err != nil {
		os.Exit(cli.Fail(os.Stderr, err))
	}
}
