// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package process

import (
	"fmt"
	"io"
	"os"
)

// ExitCoder is implemented by errors of commands that printed their
// own output and only need the process to exit non-zero.
type ExitCoder interface {
	ExitCode() int
}

// Fatal reports err on stderr and exits.
func Fatal(err error) {
	os.Exit(Report(os.Stderr, err))
}

// Report writes "error: err" to w and returns 1, or returns the code of
// an ExitCoder without writing anything.
func Report(w io.Writer, err error) int {
	if coder, ok := err.(ExitCoder); ok {
		return coder.ExitCode()
	}
	fmt.Fprintf(w, "error: %v\n", err)
	return 1
}
