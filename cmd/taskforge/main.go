// Package main is the single-binary entrypoint for taskforge.
package main

import "github.com/taskforge-net/taskforge/internal/cli"

// version is set at build time via -ldflags.
var version = "dev"

func main() {
	cli.Execute(version)
}
