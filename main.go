package main

import (
	"context"
	"fmt"
	"os"

	"github.com/tphakala/feedimages/cmd"
	"github.com/tphakala/feedimages/internal/buildinfo"
)

// Set at build time with -ldflags "-X main.version=... -X main.buildDate=...".
var (
	version   = "dev"
	buildDate = buildinfo.UnknownValue
)

func main() {
	build := buildinfo.NewContext(version, buildDate, os.Getenv("FEEDIMAGES_INSTANCE_ID"))

	if err := cmd.RootCommand(build).ExecuteContext(context.Background()); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
