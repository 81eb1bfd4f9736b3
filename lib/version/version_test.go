// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package version

import (
	"strings"
	"testing"
)

func TestInfoMarksDirtyBuilds(t *testing.T) {
	saved := GitDirty
	t.Cleanup(func() { GitDirty = saved })

	GitDirty = "false"
	if strings.Contains(Info(), "-dirty") {
		t.Errorf("clean build Info() = %q", Info())
	}
	GitDirty = "true"
	if !strings.Contains(Info(), GitCommit+"-dirty") {
		t.Errorf("dirty build Info() = %q, want %s-dirty", Info(), GitCommit)
	}
	if !strings.HasPrefix(Full(), Info()) || !strings.Contains(Full(), "Go: ") {
		t.Errorf("Full() = %q", Full())
	}
}
