package main

import (
	"os"

	"github.com/techday/satbridge/cmd/satbridge/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
