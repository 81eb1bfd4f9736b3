// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package launcher

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/bureau-foundation/realm/lib/decl"
	"github.com/bureau-foundation/realm/lib/moniker"
	"github.com/bureau-foundation/realm/lib/namespace"
	"github.com/bureau-foundation/realm/lib/routing"
	"github.com/bureau-foundation/realm/lib/testutil"
)

func emptyNamespace(t *testing.T) *namespace.Namespace {
	t.Helper()
	ns, err := namespace.Build([]namespace.RoutedUse{{
		Use: decl.UseDecl{Kind: decl.KindProtocol, SourceName: "log.Sink", TargetPath: "/svc/log.Sink"},
		Source: &routing.RoutedSource{
			Moniker:    moniker.MustParse("logger"),
			Capability: decl.CapabilityDecl{Kind: decl.KindProtocol, Name: "log.Sink", Path: "/svc/log.Sink"},
		},
	}}, nil)
	if err != nil {
		t.Fatalf("namespace.Build: %v", err)
	}
	return ns
}

func requireShell(t *testing.T) {
	t.Helper()
	if _, err := os.Stat("/bin/sh"); err != nil {
		t.Skip("/bin/sh not available")
	}
}

func TestExecWritesNamespaceAndExits(t *testing.T) {
	requireShell(t)
	runDir := t.TempDir()
	launcher, err := NewExec(ExecConfig{RunDir: runDir})
	if err != nil {
		t.Fatalf("NewExec: %v", err)
	}
	program := Program{
		Moniker: moniker.MustParse("apps#1/writer#2"),
		Decl: decl.Program{
			Binary: "/bin/sh",
			Args:   []string{"-c", `test -f "$REALM_NAMESPACE" && test "$GREETING" = hello && exit 3`},
			Env:    map[string]string{"GREETING": "hello"},
		},
	}
	running, err := launcher.Launch(context.Background(), program, emptyNamespace(t))
	if err != nil {
		t.Fatalf("Launch: %v", err)
	}
	exit := testutil.RequireReceive(t, running.Exited(), 10*time.Second, "program exit")
	if exit.Code != 3 {
		t.Errorf("exit code = %d, want 3 (namespace file or env missing)", exit.Code)
	}

	description, err := namespace.ReadDescription(filepath.Join(runDir, "apps@1_writer@2", "namespace.cbor"))
	if err != nil {
		t.Fatalf("ReadDescription: %v", err)
	}
	if len(description.Entries) != 1 || description.Entries[0].Source.String() != "logger" {
		t.Errorf("description = %+v", description)
	}
}

func TestExecStopTerminatesProcessGroup(t *testing.T) {
	requireShell(t)
	launcher, err := NewExec(ExecConfig{RunDir: t.TempDir(), GracePeriod: 5 * time.Second})
	if err != nil {
		t.Fatalf("NewExec: %v", err)
	}
	running, err := launcher.Launch(context.Background(), Program{
		Moniker: moniker.MustParse("sleeper#1"),
		Decl:    decl.Program{Binary: "/bin/sh", Args: []string{"-c", "sleep 60 & wait"}},
	}, emptyNamespace(t))
	if err != nil {
		t.Fatalf("Launch: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := running.Stop(ctx); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	exit := testutil.RequireReceive(t, running.Exited(), 10*time.Second, "program exit after stop")
	if exit.Success() {
		t.Error("stopped program reported success")
	}
}

func TestExecLaunchError(t *testing.T) {
	launcher, err := NewExec(ExecConfig{RunDir: t.TempDir()})
	if err != nil {
		t.Fatalf("NewExec: %v", err)
	}
	_, err = launcher.Launch(context.Background(), Program{
		Moniker: moniker.MustParse("ghost#1"),
		Decl:    decl.Program{Binary: "/nonexistent/binary"},
	}, emptyNamespace(t))
	var launchErr *LaunchError
	if !errors.As(err, &launchErr) {
		t.Fatalf("Launch = %v, want *LaunchError", err)
	}
	if !strings.Contains(err.Error(), "ghost") {
		t.Errorf("error %q does not name the instance", err)
	}
}

func TestFake(t *testing.T) {
	fake := NewFake()
	fake.Fail("/bin/broken", errors.New("exec format error"))

	if _, err := fake.Launch(context.Background(), Program{Decl: decl.Program{Binary: "/bin/broken"}}, nil); err == nil {
		t.Error("expected launch failure")
	}
	running, err := fake.Launch(context.Background(), Program{
		Moniker: moniker.MustParse("a#1"),
		Decl:    decl.Program{Binary: "/bin/ok"},
	}, nil)
	if err != nil {
		t.Fatalf("Launch: %v", err)
	}
	if fake.Program("a") != running {
		t.Error("Program(a) did not return the launched program")
	}
	if err := running.Stop(context.Background()); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	testutil.RequireClosed(t, drain(running.Exited()), time.Second, "exit channel")
	if len(fake.Launches()) != 1 {
		t.Errorf("Launches = %d, want 1", len(fake.Launches()))
	}
}

// drain consumes the single exit and returns a channel closed once the
// exit channel is.
func drain(exited <-chan Exit) <-chan struct{} {
	done := make(chan struct{})
	go func() {
		for range exited {
		}
		close(done)
	}()
	return done
}
