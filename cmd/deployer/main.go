// Package main is the entry point for the deployer CLI.
package main

import (
	"os"

	"github.com/bchip17/co/cmd/deployer/cmd"
)

func main() {
	os.Exit(cmd.Execute())
}
