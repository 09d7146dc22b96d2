// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package failures defines the categories of errors returned by the style transfer engine.
//
// Concrete error types (e.g. weights.MissingLayerError) report their category by implementing
// `Is(target error) bool`, so callers can either match the category:
//
//	if errors.Is(err, failures.ErrConfiguration) { ... }
//
// or extract the details with errors.As.
package failures

import "github.com/pkg/errors"

var (
	// ErrConfiguration is the category of build-time mistakes: missing or mismatched layer names,
	// inconsistent weight shapes, image dimensions not matching the extractor.
	// They are never retried.
	ErrConfiguration = errors.New("configuration error")

	// ErrResource is the category of unreadable or malformed external inputs: weight archives and images.
	ErrResource = errors.New("resource error")

	// ErrNumericInstability is the category of non-finite losses or gradients during optimization.
	ErrNumericInstability = errors.New("numeric instability")
)

// Configurationf returns a new error in the ErrConfiguration category, with a stack trace.
func Configurationf(format string, args ...any) error {
	return categorized{category: ErrConfiguration, err: errors.Errorf(format, args...)}
}

// Configuration wraps err (typically a parsing error) in the ErrConfiguration category, with the given message.
// It returns nil if err is nil.
func Configuration(err error, format string, args ...any) error {
	if err == nil {
		return nil
	}
	return categorized{category: ErrConfiguration, err: errors.Wrapf(err, format, args...)}
}

// Resource wraps err (typically an I/O error) in the ErrResource category, with the given message.
// It returns nil if err is nil.
func Resource(err error, format string, args ...any) error {
	if err == nil {
		return nil
	}
	return categorized{category: ErrResource, err: errors.Wrapf(err, format, args...)}
}

// Resourcef returns a new error in the ErrResource category, with a stack trace.
func Resourcef(format string, args ...any) error {
	return categorized{category: ErrResource, err: errors.Errorf(format, args...)}
}

type categorized struct {
	category error
	err      error
}

func (c categorized) Error() string { return c.category.Error() + ": " + c.err.Error() }

func (c categorized) Unwrap() error { return c.err }

func (c categorized) Is(target error) bool { return target == c.category }
