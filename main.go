package main

import (
	"fmt"
	"os"

	"github.com/smazurov/crawlnode/cmd"
)

func main() {
	if err := cmd.NewRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
