// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package launcher

import (
	"context"
	"sync"
	"time"

	"github.com/bureau-foundation/realm/lib/namespace"
)

// Fake is a Launcher for tests. Launched programs run until stopped or
// until the test calls Exit on them.
type Fake struct {
	mu       sync.Mutex
	launches []Launch
	fail     map[string]error
	hang     map[string]bool
	programs map[string]*FakeProgram
}

// Launch records one call to Fake.Launch.
type Launch struct {
	Program   Program
	Namespace *namespace.Namespace
}

// NewFake returns an empty Fake.
func NewFake() *Fake {
	return &Fake{
		fail:     make(map[string]error),
		hang:     make(map[string]bool),
		programs: make(map[string]*FakeProgram),
	}
}

// Fail makes launches of binary return err.
func (f *Fake) Fail(binary string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fail[binary] = err
}

// Hang makes programs of binary ignore Stop until their context ends.
func (f *Fake) Hang(binary string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.hang[binary] = true
}

// Launch implements Launcher.
func (f *Fake) Launch(ctx context.Context, program Program, ns *namespace.Namespace) (RunningProgram, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err, ok := f.fail[program.Decl.Binary]; ok {
		return nil, &LaunchError{Moniker: program.Moniker, Binary: program.Decl.Binary, Err: err}
	}
	running := &FakeProgram{
		Program: program,
		hang:    f.hang[program.Decl.Binary],
		exited:  make(chan Exit, 1),
	}
	f.launches = append(f.launches, Launch{Program: program, Namespace: ns})
	f.programs[program.Moniker.String()] = running
	return running, nil
}

// Launches returns every recorded launch in order.
func (f *Fake) Launches() []Launch {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Launch(nil), f.launches...)
}

// Program returns the most recent program launched at the moniker
// with display form text, or nil.
func (f *Fake) Program(text string) *FakeProgram {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.programs[text]
}

// FakeProgram is a program launched by Fake.
type FakeProgram struct {
	Program Program

	hang   bool
	once   sync.Once
	exited chan Exit

	mu      sync.Mutex
	stopped bool
}

// Exit ends the program with code. Later calls are ignored.
func (p *FakeProgram) Exit(code int) {
	p.once.Do(func() {
		p.exited <- Exit{Code: code, At: time.Now()}
		close(p.exited)
	})
}

// Stop implements RunningProgram.
func (p *FakeProgram) Stop(ctx context.Context) error {
	if p.hang {
		<-ctx.Done()
		return ctx.Err()
	}
	p.mu.Lock()
	p.stopped = true
	p.mu.Unlock()
	p.Exit(-1)
	return nil
}

// Stopped reports whether Stop was called and completed.
func (p *FakeProgram) Stopped() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stopped
}

// Exited implements RunningProgram.
func (p *FakeProgram) Exited() <-chan Exit { return p.exited }
