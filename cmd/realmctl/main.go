// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// realmctl talks to a running realm manager over its control socket:
// it drives instance lifecycles, creates and destroys dynamic children,
// traces capability routes, streams events and replays event logs.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/bureau-foundation/realm/lib/process"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		process.Fatal(err)
	}
}

func run(args []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	return newApp(ctx, os.Stdout, os.Stderr).root().Execute(args)
}
