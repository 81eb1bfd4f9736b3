// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package process

import (
	"bytes"
	"errors"
	"fmt"
	"testing"
)

type codedError struct{ code int }

func (e *codedError) Error() string { return fmt.Sprintf("exit code %d", e.code) }
func (e *codedError) ExitCode() int { return e.code }

func TestReport(t *testing.T) {
	for _, test := range []struct {
		name   string
		err    error
		code   int
		output string
	}{
		{"plain", errors.New("boom"), 1, "error: boom\n"},
		{"exit coder", &codedError{code: 3}, 3, ""},
		{"wrapped exit coder is reported", fmt.Errorf("running: %w", &codedError{code: 3}), 1, "error: running: exit code 3\n"},
	} {
		t.Run(test.name, func(t *testing.T) {
			var output bytes.Buffer
			if code := Report(&output, test.err); code != test.code {
				t.Errorf("code = %d, want %d", code, test.code)
			}
			if output.String() != test.output {
				t.Errorf("output = %q, want %q", output.String(), test.output)
			}
		})
	}
}
