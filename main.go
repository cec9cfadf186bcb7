package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/aws/jsii-runtime-go"

	"github.com/chainguard-dev/dockerhub-cache-stack/internal/commands"
)

// version is set at build time with -ldflags "-X main.version=...".
var version string = "dev"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)

	err := commands.New(version).RunContext(ctx, os.Args)

	// The jsii kernel process must be stopped before exiting.
	jsii.Close()
	stop()

	if err != nil {
		fmt.Fprintln(os.Stderr, err.Error())
		os.Exit(1)
	}
}
