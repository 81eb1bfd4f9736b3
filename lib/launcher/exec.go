// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package launcher

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"syscall"
	"time"

	"golang.org/x/sys/unix"

	"github.com/bureau-foundation/realm/lib/clock"
	"github.com/bureau-foundation/realm/lib/namespace"
)

// NamespaceEnv is the environment variable naming the namespace
// description file of an exec-launched program.
const NamespaceEnv = "REALM_NAMESPACE"

// MonikerEnv carries the instance moniker of the program.
const MonikerEnv = "REALM_MONIKER"

// ExecConfig configures an Exec launcher.
type ExecConfig struct {
	// RunDir holds one directory per launched instance.
	RunDir string

	// GracePeriod is how long Stop waits after SIGTERM before sending
	// SIGKILL. Zero means 2s.
	GracePeriod time.Duration

	// Stdout and Stderr receive program output. Nil discards it.
	Stdout io.Writer
	Stderr io.Writer

	Clock  clock.Clock
	Logger *slog.Logger
}

// Exec launches programs as child processes.
type Exec struct {
	config ExecConfig
}

// NewExec creates an Exec launcher.
func NewExec(config ExecConfig) (*Exec, error) {
	if config.RunDir == "" {
		return nil, errors.New("launcher: run dir is required")
	}
	if config.GracePeriod <= 0 {
		config.GracePeriod = 2 * time.Second
	}
	if config.Clock == nil {
		config.Clock = clock.Real()
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	return &Exec{config: config}, nil
}

// runDirName maps an instance moniker to a directory name.
func runDirName(instance string) string {
	if instance == "." {
		return "root"
	}
	return strings.NewReplacer("/", "_", ":", "-", "#", "@").Replace(instance)
}

// Launch implements Launcher.
func (e *Exec) Launch(ctx context.Context, program Program, ns *namespace.Namespace) (RunningProgram, error) {
	launchError := func(err error) error {
		return &LaunchError{Moniker: program.Moniker, Binary: program.Decl.Binary, Err: err}
	}

	dir := filepath.Join(e.config.RunDir, runDirName(program.Moniker.InstanceString()))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, launchError(err)
	}
	descriptionPath := filepath.Join(dir, "namespace.cbor")
	if err := ns.Describe(program.Moniker).WriteFile(descriptionPath); err != nil {
		return nil, launchError(err)
	}

	cmd := exec.Command(program.Decl.Binary, program.Decl.Args...)
	cmd.Dir = dir
	cmd.Stdout = e.config.Stdout
	cmd.Stderr = e.config.Stderr
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	env := os.Environ()
	keys := make([]string, 0, len(program.Decl.Env))
	for key := range program.Decl.Env {
		keys = append(keys, key)
	}
	slices.Sort(keys)
	for _, key := range keys {
		env = append(env, key+"="+program.Decl.Env[key])
	}
	cmd.Env = append(env,
		NamespaceEnv+"="+descriptionPath,
		MonikerEnv+"="+program.Moniker.InstanceString(),
	)

	if err := ctx.Err(); err != nil {
		return nil, launchError(err)
	}
	if err := cmd.Start(); err != nil {
		return nil, launchError(err)
	}
	e.config.Logger.Info("program launched",
		"moniker", program.Moniker.String(), "binary", program.Decl.Binary, "pid", cmd.Process.Pid)

	running := &process{
		cmd:    cmd,
		pgid:   cmd.Process.Pid,
		grace:  e.config.GracePeriod,
		clock:  e.config.Clock,
		exited: make(chan Exit, 1),
		done:   make(chan struct{}),
	}
	go running.wait()
	return running, nil
}

// process is a program started by Exec.
type process struct {
	cmd   *exec.Cmd
	pgid  int
	grace time.Duration
	clock clock.Clock

	exited chan Exit
	done   chan struct{}

	stopOnce sync.Once
}

func (p *process) wait() {
	err := p.cmd.Wait()
	exit := Exit{At: p.clock.Now()}
	var exitErr *exec.ExitError
	switch {
	case err == nil:
	case errors.As(err, &exitErr):
		exit.Code = exitErr.ExitCode()
	default:
		exit.Err = err
	}
	close(p.done)
	p.exited <- exit
	close(p.exited)
}

func (p *process) Exited() <-chan Exit { return p.exited }

// Stop sends SIGTERM to the process group, then SIGKILL after the
// grace period.
func (p *process) Stop(ctx context.Context) error {
	select {
	case <-p.done:
		return nil
	default:
	}
	var signalErr error
	p.stopOnce.Do(func() {
		if err := unix.Kill(-p.pgid, unix.SIGTERM); err != nil && !errors.Is(err, unix.ESRCH) {
			signalErr = fmt.Errorf("sending SIGTERM to process group %d: %w", p.pgid, err)
		}
	})
	if signalErr != nil {
		return signalErr
	}

	select {
	case <-p.done:
		return nil
	case <-p.clock.After(p.grace):
	case <-ctx.Done():
	}
	if err := unix.Kill(-p.pgid, unix.SIGKILL); err != nil && !errors.Is(err, unix.ESRCH) {
		return fmt.Errorf("sending SIGKILL to process group %d: %w", p.pgid, err)
	}
	select {
	case <-p.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
