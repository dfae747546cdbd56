// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package cifar10

import (
	"os"
	"path"
	"testing"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMatFiles(t *testing.T) {
	assert.Len(t, Train.matFiles(), 5)
	assert.Equal(t, []string{"test_batch.mat"}, Test.matFiles())
}

func TestLoadMatlabErrors(t *testing.T) {
	baseDir := t.TempDir()

	_, err := LoadMatlab(baseDir, Partition(-1), dtypes.Float32)
	require.ErrorContains(t, err, "invalid partition")

	_, err = LoadMatlab(baseDir, Test, dtypes.Int64)
	require.ErrorContains(t, err, "not supported")

	// Nothing downloaded yet.
	_, err = LoadMatlab(baseDir, Test, dtypes.Float32)
	require.ErrorContains(t, err, "opening data file")

	// A file that isn't MATLAB at all.
	dir := path.Join(baseDir, MatlabSubDir)
	require.NoError(t, os.MkdirAll(dir, 0755))
	require.NoError(t, os.WriteFile(path.Join(dir, "test_batch.mat"), []byte("not a mat file"), 0644))
	_, err = LoadMatlab(baseDir, Test, dtypes.Float32)
	require.ErrorContains(t, err, "parsing MATLAB file")
}
