package main

import (
	"fmt"
	"os"

	"spi-rpc/cmd/spirpc/command"
)

func main() {
	if err := command.NewRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
