package main

import (
	"fmt"
	"os"
)

func main() {
	if err := newRootCmd(openEngine).Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
