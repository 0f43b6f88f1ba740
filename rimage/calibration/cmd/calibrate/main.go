// Package main is a command line tool running calibration jobs described by JSON files.
package main

import (
	"fmt"
	"os"
)

func main() {
	if err := NewApp(os.Stdout, os.Stderr).Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
