// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"slices"
	"strings"

	"github.com/spf13/pflag"

	"github.com/bureau-foundation/realm/cmd/realmctl/cli"
	"github.com/bureau-foundation/realm/lib/codec"
	"github.com/bureau-foundation/realm/lib/config"
	"github.com/bureau-foundation/realm/lib/control"
	"github.com/bureau-foundation/realm/lib/decl"
	"github.com/bureau-foundation/realm/lib/event"
	"github.com/bureau-foundation/realm/lib/eventlog"
	"github.com/bureau-foundation/realm/lib/moniker"
	"github.com/bureau-foundation/realm/lib/version"
)

// app holds the state shared by every command: where output goes and
// the flags common to all of them.
type app struct {
	ctx    context.Context
	stdout io.Writer
	stderr io.Writer

	socket  string
	asJSON  bool
	noColor bool
}

func newApp(ctx context.Context, stdout, stderr io.Writer) *app {
	return &app{ctx: ctx, stdout: stdout, stderr: stderr, socket: defaultSocket()}
}

// defaultSocket is REALM_SOCKET, else the socket of the config named by
// REALM_CONFIG, else the built-in default.
func defaultSocket() string {
	if socket := os.Getenv("REALM_SOCKET"); socket != "" {
		return socket
	}
	if os.Getenv("REALM_CONFIG") != "" {
		if cfg, err := config.Load(); err == nil {
			return cfg.Control.SocketPath
		}
	}
	return config.Default().Control.SocketPath
}

func (a *app) client() *control.Client { return control.NewClient(a.socket) }

func (a *app) styles() *styles { return newStyles(a.stdout, a.noColor) }

// flags returns a flag set carrying the common flags plus whatever
// extra binds.
func (a *app) flags(name string, extra func(*pflag.FlagSet)) func() *pflag.FlagSet {
	return func() *pflag.FlagSet {
		flagSet := pflag.NewFlagSet(name, pflag.ContinueOnError)
		flagSet.StringVar(&a.socket, "socket", a.socket, "control socket of the realm manager")
		flagSet.BoolVar(&a.asJSON, "json", false, "output as JSON")
		flagSet.BoolVar(&a.noColor, "no-color", false, "disable colored output")
		if extra != nil {
			extra(flagSet)
		}
		return flagSet
	}
}

// emit writes value as JSON when --json is set and reports whether it
// did.
func (a *app) emit(value any) (bool, error) {
	if !a.asJSON {
		return false, nil
	}
	return true, cli.WriteJSON(a.stdout, value)
}

func (a *app) root() *cli.Command {
	return &cli.Command{
		Name:        "realmctl",
		Description: "Inspect and drive the component instances of a running realm manager.",
		HelpOutput:  a.stderr,
		Subcommands: []*cli.Command{
			a.lifecycle("bind", "Resolve an instance without starting it", (*control.Client).Bind),
			a.lifecycle("start", "Start an instance", (*control.Client).Start),
			a.lifecycle("stop", "Stop an instance and its descendants", (*control.Client).Stop),
			a.lifecycle("destroy", "Destroy a dynamic child", (*control.Client).Destroy),
			a.childrenCommand(),
			a.treeCommand(),
			a.createCommand(),
			a.routeCommand(),
			a.exposeCommand(),
			a.usesCommand(),
			a.showCommand(),
			a.pendingCommand(),
			a.eventsCommand(),
			{
				Name:        "log",
				Summary:     "Read event logs written by the realm manager",
				Subcommands: []*cli.Command{a.replayCommand()},
			},
			{
				Name:    "version",
				Summary: "Print version information",
				Run: func([]string) error {
					fmt.Fprintf(a.stdout, "realmctl %s\n", version.Full())
					return nil
				},
			},
		},
	}
}

// parseMoniker accepts exactly one positional moniker argument.
func parseMoniker(args []string) (moniker.Moniker, error) {
	if len(args) != 1 {
		return moniker.Moniker{}, fmt.Errorf("expected one moniker argument, got %d", len(args))
	}
	return moniker.Parse(args[0])
}

func (a *app) lifecycle(name, summary string, call func(*control.Client, context.Context, moniker.Moniker) error) *cli.Command {
	return &cli.Command{
		Name:    name,
		Summary: summary,
		Usage:   "realmctl " + name + " <moniker> [flags]",
		Flags:   a.flags(name, nil),
		Run: func(args []string) error {
			target, err := parseMoniker(args)
			if err != nil {
				return err
			}
			if err := call(a.client(), a.ctx, target); err != nil {
				return err
			}
			if done, err := a.emit(map[string]string{"moniker": target.String(), "action": name}); done {
				return err
			}
			fmt.Fprintf(a.stdout, "%s %s\n", name, target)
			return nil
		},
	}
}

func (a *app) childrenCommand() *cli.Command {
	return &cli.Command{
		Name:    "children",
		Summary: "List the children of an instance",
		Usage:   "realmctl children <moniker> [flags]",
		Flags:   a.flags("children", nil),
		Run: func(args []string) error {
			target, err := parseMoniker(args)
			if err != nil {
				return err
			}
			children, err := a.client().ListChildren(a.ctx, target)
			if err != nil {
				return err
			}
			if done, err := a.emit(children); done {
				return err
			}
			s := a.styles()
			rows := make([][]string, len(children))
			for i, child := range children {
				rows[i] = []string{s.moniker.Render(child.Moniker.String()), s.state(child.State), string(child.Startup), child.URL}
			}
			s.table(a.stdout, []string{"MONIKER", "STATE", "STARTUP", "URL"}, rows)
			return nil
		},
	}
}

func (a *app) treeCommand() *cli.Command {
	var depth int
	return &cli.Command{
		Name:    "tree",
		Summary: "Show the instance tree below a moniker",
		Usage:   "realmctl tree [moniker] [flags]",
		Flags: a.flags("tree", func(flagSet *pflag.FlagSet) {
			flagSet.IntVar(&depth, "depth", 0, "stop descending after this many levels (0 for no limit)")
		}),
		Run: func(args []string) error {
			if len(args) == 0 {
				args = []string{"."}
			}
			target, err := parseMoniker(args)
			if err != nil {
				return err
			}
			tree, err := a.walk(target, depth)
			if err != nil {
				return err
			}
			if done, err := a.emit(tree); done {
				return err
			}
			fmt.Fprintln(a.stdout, a.styles().instanceTree(tree).String())
			return nil
		},
	}
}

func (a *app) createCommand() *cli.Command {
	var startup, environment string
	return &cli.Command{
		Name:    "create",
		Summary: "Create a child in a collection",
		Usage:   "realmctl create <parent> <collection> <name> <url> [flags]",
		Flags: a.flags("create", func(flagSet *pflag.FlagSet) {
			flagSet.StringVar(&startup, "startup", "lazy", "startup mode: lazy or eager")
			flagSet.StringVar(&environment, "environment", "", "environment declared by the parent")
		}),
		Examples: []cli.Example{{
			Description: "Run a one-shot job in the jobs collection",
			Command:     "realmctl create . jobs nightly file://jobs/nightly.yaml",
		}},
		Run: func(args []string) error {
			if len(args) != 4 {
				return fmt.Errorf("expected <parent> <collection> <name> <url>, got %d arguments", len(args))
			}
			parent, err := moniker.Parse(args[0])
			if err != nil {
				return err
			}
			created, err := a.client().CreateChild(a.ctx, parent, args[1], decl.ChildDecl{
				Name:        args[2],
				URL:         args[3],
				Startup:     decl.StartupMode(startup),
				Environment: environment,
			})
			if err != nil {
				return err
			}
			if done, err := a.emit(map[string]string{"moniker": created.String(), "instance": created.InstanceString()}); done {
				return err
			}
			fmt.Fprintf(a.stdout, "created %s\n", created.InstanceString())
			return nil
		},
	}
}

func (a *app) routeCommand() *cli.Command {
	return &cli.Command{
		Name:    "route",
		Summary: "Route one use of an instance to its source",
		Usage:   "realmctl route <moniker> <capability-or-path> [flags]",
		Flags:   a.flags("route", nil),
		Run: func(args []string) error {
			if len(args) != 2 {
				return fmt.Errorf("expected <moniker> <capability-or-path>, got %d arguments", len(args))
			}
			target, err := moniker.Parse(args[0])
			if err != nil {
				return err
			}
			source, err := a.client().Route(a.ctx, target, args[1])
			if err != nil {
				return err
			}
			if done, err := a.emit(source); done {
				return err
			}
			a.styles().chain(a.stdout, source)
			return nil
		},
	}
}

func (a *app) exposeCommand() *cli.Command {
	return &cli.Command{
		Name:    "expose",
		Summary: "Route a capability an instance exposes to its parent",
		Usage:   "realmctl expose <moniker> <kind> <name> [flags]",
		Flags:   a.flags("expose", nil),
		Run: func(args []string) error {
			if len(args) != 3 {
				return fmt.Errorf("expected <moniker> <kind> <name>, got %d arguments", len(args))
			}
			target, err := moniker.Parse(args[0])
			if err != nil {
				return err
			}
			source, err := a.client().RouteExpose(a.ctx, target, decl.Kind(args[1]), args[2])
			if err != nil {
				return err
			}
			if done, err := a.emit(source); done {
				return err
			}
			a.styles().chain(a.stdout, source)
			return nil
		},
	}
}

func (a *app) usesCommand() *cli.Command {
	return &cli.Command{
		Name:    "uses",
		Summary: "Route every use of an instance",
		Usage:   "realmctl uses <moniker> [flags]",
		Flags:   a.flags("uses", nil),
		Run: func(args []string) error {
			target, err := parseMoniker(args)
			if err != nil {
				return err
			}
			uses, err := a.client().RoutedUses(a.ctx, target)
			if err != nil {
				return err
			}
			if done, err := a.emit(uses); done {
				return err
			}
			s := a.styles()
			rows := make([][]string, len(uses))
			for i, use := range uses {
				source := s.faint.Render("(omitted)")
				switch {
				case use.Failure != "":
					source = s.failure.Render(use.Failure)
				case use.Message != "":
					source = s.failure.Render(use.Message)
				case use.Source != nil:
					source = s.moniker.Render(use.Source.Moniker.String())
					if note := sourceNote(use.Source); note != "" {
						source += " " + note
					}
				}
				rows[i] = []string{string(use.Use.Kind), use.Use.SourceName, use.Use.TargetPath, source}
			}
			s.table(a.stdout, []string{"KIND", "NAME", "PATH", "SOURCE"}, rows)
			return nil
		},
	}
}

func (a *app) showCommand() *cli.Command {
	return &cli.Command{
		Name:    "show",
		Summary: "Describe an instance",
		Usage:   "realmctl show <moniker> [flags]",
		Flags:   a.flags("show", nil),
		Run: func(args []string) error {
			target, err := parseMoniker(args)
			if err != nil {
				return err
			}
			info, err := a.client().Show(a.ctx, target)
			if err != nil {
				return err
			}
			if done, err := a.emit(info); done {
				return err
			}
			s := a.styles()
			field := func(name, value string) {
				if value != "" {
					fmt.Fprintf(a.stdout, "%s %s\n", s.header.Render(fmt.Sprintf("%-12s", name)), value)
				}
			}
			field("moniker", s.moniker.Render(info.Moniker.String()))
			field("instance", info.Moniker.InstanceString())
			field("url", info.URL)
			field("state", s.state(info.State))
			field("digest", info.Digest)
			field("environment", info.Environment)
			field("startup", string(info.Startup))
			field("durability", string(info.Durability))
			if info.Program != nil {
				field("runner", info.Program.Runner)
				field("binary", info.Program.Binary)
			}
			if len(info.Children) > 0 {
				names := make([]string, len(info.Children))
				for i, child := range info.Children {
					names[i] = child.String()
				}
				field("children", strings.Join(names, ", "))
			}
			if len(info.Namespace) > 0 {
				fmt.Fprintln(a.stdout)
				rows := make([][]string, len(info.Namespace))
				for i, entry := range info.Namespace {
					rows[i] = []string{entry.Path, string(entry.Kind), s.moniker.Render(entry.Source.String()), entry.ServePath}
				}
				s.table(a.stdout, []string{"PATH", "KIND", "SOURCE", "SERVED AT"}, rows)
			}
			return nil
		},
	}
}

func (a *app) pendingCommand() *cli.Command {
	return &cli.Command{
		Name:    "pending",
		Summary: "List destroyed instances whose program has not stopped",
		Flags:   a.flags("pending", nil),
		Run: func(args []string) error {
			pending, err := a.client().Pending(a.ctx)
			if err != nil {
				return err
			}
			if done, err := a.emit(pending); done {
				return err
			}
			s := a.styles()
			rows := make([][]string, len(pending))
			for i, entry := range pending {
				rows[i] = []string{s.moniker.Render(entry.Moniker.String()), entry.Since.Format("2006-01-02T15:04:05Z07:00"), s.failure.Render(entry.Error)}
			}
			s.table(a.stdout, []string{"MONIKER", "SINCE", "ERROR"}, rows)
			return nil
		},
	}
}

func (a *app) eventsCommand() *cli.Command {
	var scope string
	var types []string
	var syncMode bool
	var veto string
	var limit int
	return &cli.Command{
		Name:    "events",
		Summary: "Stream lifecycle and routing events",
		Description: "Stream lifecycle and routing events as they happen.\n\n" +
			"With --sync the stream holds each transition until realmctl\n" +
			"answers it; --veto rejects every sync event with the given reason.",
		Usage: "realmctl events [flags]",
		Flags: a.flags("events", func(flagSet *pflag.FlagSet) {
			flagSet.StringVar(&scope, "scope", ".", "only events at or below this moniker")
			flagSet.StringSliceVar(&types, "type", nil, "only these event types (repeatable)")
			flagSet.BoolVar(&syncMode, "sync", false, "subscribe synchronously")
			flagSet.StringVar(&veto, "veto", "", "veto every sync event with this reason (implies --sync)")
			flagSet.IntVar(&limit, "limit", 0, "exit after this many events (0 for no limit)")
		}),
		Run: func(args []string) error {
			scopeMoniker, err := moniker.Parse(scope)
			if err != nil {
				return fmt.Errorf("--scope: %w", err)
			}
			request := control.SubscribeRequest{Scope: scopeMoniker, Mode: event.Async}
			for _, name := range types {
				request.Types = append(request.Types, event.Type(name))
			}
			var vetoErr error
			if veto != "" {
				vetoErr = errors.New(veto)
				syncMode = true
			}
			if syncMode {
				request.Mode = event.Sync
			}

			subscription, err := a.client().Subscribe(a.ctx, request)
			if err != nil {
				return err
			}
			defer subscription.Close()

			s := a.styles()
			for received := 0; limit == 0 || received < limit; received++ {
				record, err := subscription.Next()
				if err != nil {
					if a.ctx.Err() != nil || errors.Is(err, io.EOF) {
						return nil
					}
					return fmt.Errorf("reading event: %w", err)
				}
				if a.asJSON {
					if err := cli.WriteJSON(a.stdout, record); err != nil {
						return err
					}
				} else {
					s.record(a.stdout, record)
				}
				if err := subscription.Resume(vetoErr); err != nil {
					return fmt.Errorf("resuming %s: %w", record.Type, err)
				}
			}
			return nil
		},
	}
}

func (a *app) replayCommand() *cli.Command {
	var types []string
	var scope string
	var diagnostic bool
	return &cli.Command{
		Name:    "replay",
		Summary: "Print the records of an event log",
		Usage:   "realmctl log replay <file> [flags]",
		Flags: a.flags("replay", func(flagSet *pflag.FlagSet) {
			flagSet.StringSliceVar(&types, "type", nil, "only these event types (repeatable)")
			flagSet.StringVar(&scope, "scope", ".", "only records at or below this moniker")
			flagSet.BoolVar(&diagnostic, "diagnostic", false, "print records in CBOR diagnostic notation")
		}),
		Run: func(args []string) error {
			if len(args) != 1 {
				return fmt.Errorf("expected one log file, got %d arguments", len(args))
			}
			scopeMoniker, err := moniker.Parse(scope)
			if err != nil {
				return fmt.Errorf("--scope: %w", err)
			}
			file, err := os.Open(args[0])
			if err != nil {
				return err
			}
			defer file.Close()

			reader := eventlog.NewReader(file)
			s := a.styles()
			for {
				record, err := reader.Next()
				if errors.Is(err, io.EOF) {
					return nil
				}
				if err != nil {
					return fmt.Errorf("reading %s: %w", args[0], err)
				}
				if len(types) > 0 && !slices.Contains(types, string(record.Type)) {
					continue
				}
				if !record.Moniker.HasPrefix(scopeMoniker) {
					continue
				}
				switch {
				case diagnostic:
					encoded, err := codec.Marshal(record)
					if err != nil {
						return err
					}
					notation, err := codec.Diagnose(encoded)
					if err != nil {
						return err
					}
					fmt.Fprintln(a.stdout, notation)
				case a.asJSON:
					if err := cli.WriteJSON(a.stdout, record); err != nil {
						return err
					}
				default:
					s.record(a.stdout, record)
				}
			}
		},
	}
}
