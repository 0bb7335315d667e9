// Package main provides the livetrack server binary.
package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/pflag"

	"github.com/aydenstechdungeon/livetrack"
	"github.com/aydenstechdungeon/livetrack/cli"
)

func main() {
	printer := cli.NewColorPrinter()

	if len(os.Args) < 2 {
		printer.PrintUsage(livetrack.Version)
		os.Exit(1)
	}

	var err error
	switch cmd := os.Args[1]; cmd {
	case "serve":
		err = cli.Serve(os.Args[2:], printer)
	case "token":
		err = cli.Token(os.Args[2:], printer)
	case "version", "-v", "--version":
		fmt.Printf("livetrack v%s\n", livetrack.Version)
	case "help", "-h", "--help":
		printer.PrintUsage(livetrack.Version)
	default:
		printer.Error("Unknown command: %s", cmd)
		printer.Info("Run 'livetrack help' for usage information")
		os.Exit(1)
	}

	if errors.Is(err, pflag.ErrHelp) {
		printer.PrintUsage(livetrack.Version)
		return
	}
	if err != nil {
		printer.Error("%v", err)
		os.Exit(1)
	}
}
