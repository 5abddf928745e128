// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package parse

import (
	"errors"
	"fmt"
)

var (
	// ErrUnsupportedLanguage indicates that no parser handles the file.
	ErrUnsupportedLanguage = errors.New("unsupported language")

	// ErrInvalidContent indicates content that cannot be parsed at all,
	// such as invalid UTF-8.
	ErrInvalidContent = errors.New("invalid content")

	// ErrFileTooLarge indicates content above the configured size limit.
	ErrFileTooLarge = errors.New("file too large")

	// ErrSyntax indicates the source contains syntax errors.
	ErrSyntax = errors.New("syntax error")
)

// ParseError describes a failure at a position in a file.
type ParseError struct {
	// FilePath is the file being parsed.
	FilePath string

	// Line is 1-indexed. Zero when the error has no position.
	Line int

	// Column is 0-indexed.
	Column int

	// Message describes the error.
	Message string

	// Cause is the underlying error, if any.
	Cause error
}

func (e *ParseError) Error() string {
	if e.Line > 0 {
		return fmt.Sprintf("%s:%d:%d: %s", e.FilePath, e.Line, e.Column, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.FilePath, e.Message)
}

func (e *ParseError) Unwrap() error {
	return e.Cause
}

// IsParseError reports whether err is or wraps a *ParseError.
func IsParseError(err error) bool {
	var parseErr *ParseError
	return errors.As(err, &parseErr)
}
