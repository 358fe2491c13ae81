// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package process

import (
	"errors"
	"fmt"
	"io"
	"os"
)

// UsageError marks an error caused by how the binary was invoked.
type UsageError struct {
	Err error
}

func (e *UsageError) Error() string { return e.Err.Error() }
func (e *UsageError) Unwrap() error { return e.Err }

// Usagef returns a UsageError.
func Usagef(format string, args ...any) error {
	return &UsageError{Err: fmt.Errorf(format, args...)}
}

// ExitCode maps err to a process exit code: 0 for nil, 2 for usage
// errors and 1 otherwise.
func ExitCode(err error) int {
	var usage *UsageError
	switch {
	case err == nil:
		return 0
	case errors.As(err, &usage):
		return 2
	default:
		return 1
	}
}

// Report writes "name: err" to w.
func Report(w io.Writer, name string, err error) {
	fmt.Fprintf(w, "%s: %v\n", name, err)
}

// Fatal reports err on stderr and exits with ExitCode(err). Use it in
// main() for errors from run() where the structured logger may not be
// initialized.
func Fatal(name string, err error) {
	Report(os.Stderr, name, err)
	os.Exit(ExitCode(err))
}
