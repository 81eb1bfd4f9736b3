// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package launcher starts the programs of component instances.
//
// A [Launcher] takes a [Program] and the instance's namespace and
// returns a [RunningProgram]. The manager chooses the launcher by the
// name of the runner capability the program's runner routed to.
//
// Two implementations are provided. [Exec] runs a binary as a child
// process in its own process group and hands it the namespace through
// a description file named by the REALM_NAMESPACE environment variable.
// [Fake] records launches and lets tests drive program exit.
package launcher

import (
	"context"
	"fmt"
	"time"

	"github.com/bureau-foundation/realm/lib/decl"
	"github.com/bureau-foundation/realm/lib/moniker"
	"github.com/bureau-foundation/realm/lib/namespace"
	"github.com/bureau-foundation/realm/lib/routing"
)

// Program is what to launch.
type Program struct {
	Moniker moniker.Moniker
	URL     string
	Decl    decl.Program

	// Runner is the routed runner capability.
	Runner *routing.RoutedSource
}

// Exit reports how a program ended.
type Exit struct {
	Code int
	Err  error
	At   time.Time
}

// Success reports whether the program exited cleanly.
func (e Exit) Success() bool { return e.Err == nil && e.Code == 0 }

// RunningProgram controls a launched program.
type RunningProgram interface {
	// Stop asks the program to exit and waits until it has, or until
	// ctx is done.
	Stop(ctx context.Context) error

	// Exited delivers a single Exit when the program ends, however it
	// ends, and is then closed.
	Exited() <-chan Exit
}

// Launcher launches programs.
type Launcher interface {
	Launch(ctx context.Context, program Program, ns *namespace.Namespace) (RunningProgram, error)
}

// LaunchError is returned when a program could not be started.
type LaunchError struct {
	Moniker moniker.Moniker
	Binary  string
	Err     error
}

func (err *LaunchError) Error() string {
	return fmt.Sprintf("launching %s (%s): %v", err.Moniker, err.Binary, err.Err)
}

func (err *LaunchError) Unwrap() error { return err.Err }
