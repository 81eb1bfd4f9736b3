// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/bureau-foundation/realm/lib/config"
	"github.com/bureau-foundation/realm/lib/control"
	"github.com/bureau-foundation/realm/lib/event"
	"github.com/bureau-foundation/realm/lib/eventlog"
	"github.com/bureau-foundation/realm/lib/moniker"
	"github.com/bureau-foundation/realm/lib/realm"
	"github.com/bureau-foundation/realm/lib/testutil"
)

const wait = 5 * time.Second

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestCheckValidatesConfiguration(t *testing.T) {
	directory := t.TempDir()
	valid := filepath.Join(directory, "realm.yaml")
	writeFile(t, valid, "root_url: file://root.yaml\nroot: "+directory+"\n")
	if err := run([]string{"--config", valid, "--check"}); err != nil {
		t.Errorf("--check of a valid config: %v", err)
	}

	invalid := filepath.Join(directory, "invalid.yaml")
	writeFile(t, invalid, "root: "+directory+"\nevents:\n  log_compression: gzip\n")
	err := run([]string{"--config", invalid, "--check"})
	if err == nil || !strings.Contains(err.Error(), "root_url") || !strings.Contains(err.Error(), "log_compression") {
		t.Errorf("--check of an invalid config = %v, want root_url and log_compression errors", err)
	}

	if err := run([]string{"--config", invalid, "--root-url", "file://root.yaml", "--check"}); err == nil {
		t.Error("--root-url did not leave the compression error")
	}
	if err := run([]string{"--bogus"}); err == nil {
		t.Error("unknown flag accepted")
	}
}

func TestServeResolvesRecordsAndShutsDown(t *testing.T) {
	manifests := t.TempDir()
	writeFile(t, filepath.Join(manifests, "root.yaml"), `
children:
  - name: leaf
    url: file://leaf.yaml
`)
	writeFile(t, filepath.Join(manifests, "leaf.yaml"), "{}\n")

	root := t.TempDir()
	cfg := config.Default()
	cfg.Root = root
	cfg.RootURL = "file://root.yaml"
	cfg.Manifests = config.ManifestsConfig{Dirs: []string{manifests}, Watch: true}
	cfg.Control.SocketPath = filepath.Join(testutil.SocketDir(t), "control.sock")
	cfg.Metrics.Address = "127.0.0.1:0"
	cfg.Events.LogPath = filepath.Join(root, "events.rlog")
	cfg.Launcher.RunDir = filepath.Join(root, "run")
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if err := cfg.EnsurePaths(); err != nil {
		t.Fatalf("EnsurePaths: %v", err)
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- serve(ctx, cfg, logger) }()

	client := control.NewClient(cfg.Control.SocketPath)
	leaf := moniker.MustParse("leaf")
	deadline := time.Now().Add(wait)
	for {
		err := client.Bind(context.Background(), leaf)
		if err == nil {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("Bind never succeeded: %v", err)
		}
		time.Sleep(10 * time.Millisecond)
	}
	info, err := client.Show(context.Background(), leaf)
	if err != nil {
		t.Fatalf("Show: %v", err)
	}
	if info.State != realm.StateResolved {
		t.Errorf("leaf state = %s, want resolved", info.State)
	}

	cancel()
	if err := testutil.RequireReceive(t, done, wait, "serve exit"); err != nil && !errors.Is(err, context.Canceled) {
		t.Fatalf("serve: %v", err)
	}

	file, err := os.Open(cfg.Events.LogPath)
	if err != nil {
		t.Fatalf("opening event log: %v", err)
	}
	defer file.Close()
	records, err := eventlog.NewReader(file).All()
	if err != nil {
		t.Fatalf("reading event log: %v", err)
	}
	var resolvedLeaf bool
	for _, record := range records {
		if record.Type == event.TypeResolved && record.Moniker.String() == "leaf" {
			resolvedLeaf = true
		}
	}
	if !resolvedLeaf {
		t.Errorf("event log has no resolved event for leaf: %+v", records)
	}
}
