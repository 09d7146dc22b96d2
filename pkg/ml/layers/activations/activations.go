// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package activations implements the nonlinearities selectable for the feature extractor, and
// includes a generic Apply method to apply an activation by its type.
//
// There is also FromName to convert an activation name (string) to its type.
package activations

import (
	"fmt"
	"strings"

	"github.com/gomlx/exceptions"
	. "github.com/gomlx/styletransfer/pkg/core/graph"
	"github.com/pkg/errors"
)

// Type is an enum for the supported activation functions.
//
// It is converted to lower-case strings (e.g.: TypeRelu -> "relu"), and can be converted
// from string by using TypeString or FromName.
type Type int

const (
	TypeNone Type = iota
	TypeRelu
	TypeTanh
)

var typeNames = []string{"none", "relu", "tanh"}

// String implements fmt.Stringer.
func (t Type) String() string {
	if t < 0 || int(t) >= len(typeNames) {
		return fmt.Sprintf("Type(%d)", int(t))
	}
	return typeNames[t]
}

// TypeValues returns all valid values of Type.
func TypeValues() []Type {
	return []Type{TypeNone, TypeRelu, TypeTanh}
}

// TypeString converts the name of an activation (case-insensitive) to its type.
func TypeString(name string) (Type, error) {
	for ii, typeName := range typeNames {
		if strings.EqualFold(name, typeName) {
			return Type(ii), nil
		}
	}
	return TypeNone, errors.Errorf("%q is not a valid activation, options are %v", name, TypeValues())
}

// MarshalText implements encoding.TextMarshaler, used by configuration files.
func (t Type) MarshalText() ([]byte, error) {
	return []byte(t.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler, used by configuration files.
func (t *Type) UnmarshalText(text []byte) error {
	value, err := TypeString(string(text))
	if err != nil {
		return err
	}
	*t = value
	return nil
}

// Apply the given activation type.
// The TypeNone activation is a no-op.
func Apply(activation Type, x *Node) *Node {
	switch activation {
	case TypeNone:
		return x
	case TypeRelu:
		return Relu(x)
	case TypeTanh:
		return Tanh(x)
	default:
		exceptions.Panicf("Apply got invalid activation value %q: options are %v", activation, TypeValues())
	}
	return nil
}

// FromName converts the name of an activation to its type.
// It panics with a helpful message if name is invalid.
//
// And empty string is converted to TypeNone.
func FromName(activationName string) Type {
	if activationName == "" {
		return TypeNone
	}
	activation, err := TypeString(activationName)
	if err != nil {
		exceptions.Panicf("invalid activation name %q: options are %v", activationName, TypeValues())
	}
	return activation
}
