// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Command isg builds and queries an Interface Signature Graph of a Go source
// tree.
package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/AleutianAI/isg/pkg/ux"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		format, ferr := ux.ParseFormat(outputFormat)
		if ferr != nil {
			format = ux.FormatAuto
		}
		ux.NewPrinter(os.Stderr, ux.DetectFormat(format, os.Stderr)).Error(err.Error())
		os.Exit(exitCode(err))
	}
}

// Exit codes.
const (
	ExitSuccess = 0
	ExitError   = 1
	ExitUsage   = 2
)

// usageError marks a command-line mistake.
type usageError struct {
	msg string
}

func (e *usageError) Error() string {
	return e.msg
}

func usagef(format string, args ...any) error {
	return &usageError{msg: fmt.Sprintf(format, args...)}
}

func exitCode(err error) int {
	var ue *usageError
	if errors.As(err, &ue) {
		return ExitUsage
	}
	return ExitError
}
