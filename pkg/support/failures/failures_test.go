// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package failures

import (
	"os"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCategories(t *testing.T) {
	err := Configurationf("layer %q unknown", "conv9_1")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrConfiguration))
	assert.False(t, errors.Is(err, ErrResource))
	assert.Contains(t, err.Error(), "conv9_1")

	err = Resource(os.ErrNotExist, "reading %q", "/no/such/file")
	assert.True(t, errors.Is(err, ErrResource))
	assert.True(t, errors.Is(err, os.ErrNotExist))

	// Further wrapping keeps the category.
	err = errors.WithMessage(err, "loading weights")
	assert.True(t, errors.Is(err, ErrResource))

	assert.NoError(t, Resource(nil, "nothing"))

	err = Configuration(errors.New("bad number"), "parsing %q", "seed")
	assert.True(t, errors.Is(err, ErrConfiguration))
	assert.Contains(t, err.Error(), "bad number")
	assert.NoError(t, Configuration(nil, "nothing"))
}
