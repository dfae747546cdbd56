// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package cifar10

import (
	"io"
	"math/rand"
	"sort"
	"testing"

	"github.com/gomlx/gomlx/types/shapes"
	"github.com/gomlx/gomlx/types/tensors"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// syntheticImagesAndLabels builds a partition of len(labels) examples directly
// as tensors. Every pixel of example i has value i/numExamples, so yielded
// batches can be traced back to the examples they were gathered from.
func syntheticImagesAndLabels(t *testing.T, labels []int64) ImagesAndLabels {
	n := len(labels)
	require.Greater(t, n, 0)
	images := tensors.FromShape(shapes.Make(dtypes.Float32, n, Height, Width, Depth))
	tensors.MutableFlatData[float32](images, func(flat []float32) {
		for i := range flat {
			flat[i] = float32(i/imageSizeBytes) / float32(n)
		}
	})
	labelsT := tensors.FromFlatDataAndDimensions(labels, n, 1)
	return ImagesAndLabels{Images: images, Labels: labelsT}
}

// batchExamples recovers the example indices a yielded images batch was
// gathered from, undoing the pixel encoding of syntheticImagesAndLabels.
func batchExamples(t *testing.T, images *tensors.Tensor, numExamples int) []int {
	dims := images.Shape().Dimensions
	require.Len(t, dims, 4)
	examples := make([]int, dims[0])
	tensors.ConstFlatData[float32](images, func(flat []float32) {
		for i := range examples {
			examples[i] = int(flat[i*imageSizeBytes]*float32(numExamples) + 0.5)
		}
	})
	return examples
}

func TestNumBatches(t *testing.T) {
	assert.Equal(t, 3, NumBatches(7, 2, true))
	assert.Equal(t, 4, NumBatches(7, 2, false))

	// A batch size matching the number of examples is one exact batch.
	assert.Equal(t, 1, NumBatches(4, 4, true))
	assert.Equal(t, 1, NumBatches(4, 4, false))

	// A batch size over the number of examples drops everything, or yields one
	// partial batch.
	assert.Equal(t, 0, NumBatches(3, 4, true))
	assert.Equal(t, 1, NumBatches(3, 4, false))

	assert.Equal(t, 0, NumBatches(0, 4, true))
	assert.Equal(t, 0, NumBatches(0, 4, false))
	assert.Equal(t, 0, NumBatches(10, 0, true))
	assert.Equal(t, 0, NumBatches(10, -1, false))
}

func TestDatasetYield(t *testing.T) {
	labels := []int64{0, 1, 2, 3, 4, 5, 6, 7, 8, 9}
	loaded := syntheticImagesAndLabels(t, labels)
	ds, err := NewDataset("test", loaded, 3, true, nil)
	require.NoError(t, err)
	assert.Equal(t, "test", ds.Name())
	assert.Equal(t, 3, ds.NumBatches())
	assert.Equal(t, 3, ds.BatchSize())
	assert.Equal(t, 10, ds.NumExamples())
	assert.True(t, ds.IsOwnershipTransferred())

	// Without a shuffle the examples come in order, aligned with their labels.
	for batchIdx := 0; batchIdx < 3; batchIdx++ {
		spec, inputs, labelsOut, err := ds.Yield()
		require.NoError(t, err)
		assert.Same(t, ds, spec)
		require.Len(t, inputs, 1)
		require.Len(t, labelsOut, 1)
		assert.Equal(t, []int{3, Height, Width, Depth}, inputs[0].Shape().Dimensions)
		assert.Equal(t, []int{3, 1}, labelsOut[0].Shape().Dimensions)
		assert.Equal(t, []int{3 * batchIdx, 3*batchIdx + 1, 3*batchIdx + 2},
			batchExamples(t, inputs[0], 10))
		assert.Equal(t, labels[3*batchIdx:3*batchIdx+3], tensors.CopyFlatData[int64](labelsOut[0]))
	}

	// The incomplete final batch (the 10th example) is dropped: the epoch is
	// over, and io.EOF is never returned along with a batch.
	_, inputs, labelsOut, err := ds.Yield()
	require.ErrorIs(t, err, io.EOF)
	assert.Nil(t, inputs)
	assert.Nil(t, labelsOut)

	// And it stays over until Reset.
	_, _, _, err = ds.Yield()
	require.ErrorIs(t, err, io.EOF)

	ds.Reset()
	_, inputs, _, err = ds.Yield()
	require.NoError(t, err)
	assert.Equal(t, []int{0, 1, 2}, batchExamples(t, inputs[0], 10))
}

func TestDatasetShuffle(t *testing.T) {
	labels := []int64{3, 1, 4, 1, 5, 9, 2, 6, 5, 3, 5, 8}
	loaded := syntheticImagesAndLabels(t, labels)
	rng := rand.New(rand.NewSource(42))
	ds, err := NewDataset("train", loaded, 4, true, rng)
	require.NoError(t, err)

	for epoch := 0; epoch < 2; epoch++ {
		seen := make([]int, 0, len(labels))
		for {
			_, inputs, labelsOut, err := ds.Yield()
			if err == io.EOF {
				break
			}
			require.NoError(t, err)
			examples := batchExamples(t, inputs[0], len(labels))
			gotLabels := tensors.CopyFlatData[int64](labelsOut[0])
			for i, example := range examples {
				assert.Equal(t, labels[example], gotLabels[i],
					"label of example %d in epoch %d", example, epoch)
			}
			seen = append(seen, examples...)
		}

		// 12 examples divide evenly into 3 batches of 4, and shuffling is a
		// permutation: every example is seen exactly once per epoch.
		require.Len(t, seen, len(labels))
		sort.Ints(seen)
		for i, example := range seen {
			assert.Equal(t, i, example)
		}
		ds.Reset()
	}
}

func TestDatasetRemainder(t *testing.T) {
	loaded := syntheticImagesAndLabels(t, make([]int64, 10))

	// Without dropRemainder the final batch is smaller.
	ds, err := NewDataset("eval", loaded, 4, false, nil)
	require.NoError(t, err)
	assert.Equal(t, 3, ds.NumBatches())
	var sizes []int
	for {
		_, inputs, _, err := ds.Yield()
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		sizes = append(sizes, inputs[0].Shape().Dimensions[0])
	}
	assert.Equal(t, []int{4, 4, 2}, sizes)

	// A batch size over the number of examples still yields everything as one
	// partial batch ...
	ds, err = NewDataset("eval", loaded, 100, false, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, ds.NumBatches())
	_, inputs, _, err := ds.Yield()
	require.NoError(t, err)
	assert.Equal(t, 10, inputs[0].Shape().Dimensions[0])
	_, _, _, err = ds.Yield()
	require.ErrorIs(t, err, io.EOF)

	// ... while dropping the remainder it yields no batch at all, without
	// crashing.
	ds, err = NewDataset("train", loaded, 100, true, nil)
	require.NoError(t, err)
	assert.Equal(t, 0, ds.NumBatches())
	_, _, _, err = ds.Yield()
	require.ErrorIs(t, err, io.EOF)

	// A batch size of exactly the number of examples is one full batch either
	// way.
	ds, err = NewDataset("train", loaded, 10, true, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, ds.NumBatches())
	_, inputs, _, err = ds.Yield()
	require.NoError(t, err)
	assert.Equal(t, 10, inputs[0].Shape().Dimensions[0])
	_, _, _, err = ds.Yield()
	require.ErrorIs(t, err, io.EOF)
}

func TestNewDatasetErrors(t *testing.T) {
	loaded := syntheticImagesAndLabels(t, []int64{0, 1})

	_, err := NewDataset("bad", loaded, 0, true, nil)
	require.ErrorContains(t, err, "batch size must be positive")

	_, err = NewDataset("bad", ImagesAndLabels{}, 2, true, nil)
	require.ErrorContains(t, err, "images and labels must be set")

	bad := ImagesAndLabels{
		Images: tensors.FromShape(shapes.Make(dtypes.Float32, 2, Height, Width)),
		Labels: loaded.Labels,
	}
	_, err = NewDataset("bad", bad, 2, true, nil)
	require.ErrorContains(t, err, "images shaped")

	bad.Images = tensors.FromShape(shapes.Make(dtypes.Int32, 2, Height, Width, Depth))
	_, err = NewDataset("bad", bad, 2, true, nil)
	require.ErrorContains(t, err, "not supported")

	bad.Images = loaded.Images
	bad.Labels = tensors.FromShape(shapes.Make(dtypes.Int64, 2))
	_, err = NewDataset("bad", bad, 2, true, nil)
	require.ErrorContains(t, err, "labels shaped")

	bad.Labels = tensors.FromShape(shapes.Make(dtypes.Int32, 2, 1))
	_, err = NewDataset("bad", bad, 2, true, nil)
	require.ErrorContains(t, err, "labels shaped")

	bad.Labels = tensors.FromShape(shapes.Make(dtypes.Int64, 3, 1))
	_, err = NewDataset("bad", bad, 2, true, nil)
	require.ErrorContains(t, err, "2 images but 3 labels")
}

func TestSelect(t *testing.T) {
	assert.Equal(t, []string{"c", "a"}, Select([]string{"a", "b", "c"}, []int{2, 0}))
	assert.Equal(t, []int64{10, 30}, Select([]int64{10, 20, 30}, []int32{0, 7, 2}))
	assert.Empty(t, Select([]float64{1, 2}, []int{5}))
}

func TestParallel(t *testing.T) {
	labels := []int64{2, 7, 1, 8, 2, 8, 1, 8, 2, 8, 4, 5}
	loaded := syntheticImagesAndLabels(t, labels)
	ds, err := NewDataset("train", loaded, 3, true, nil)
	require.NoError(t, err)
	pds := Parallel(ds, 2)

	// Batches are gathered by concurrent workers, so the order they arrive in
	// is not deterministic -- but each example is still delivered exactly once,
	// with its label.
	numBatches := 0
	seen := make([]int, 0, len(labels))
	for {
		spec, inputs, labelsOut, err := pds.Yield()
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		assert.Same(t, ds, spec)
		numBatches++
		examples := batchExamples(t, inputs[0], len(labels))
		gotLabels := tensors.CopyFlatData[int64](labelsOut[0])
		for i, example := range examples {
			assert.Equal(t, labels[example], gotLabels[i], "label of example %d", example)
		}
		seen = append(seen, examples...)
	}
	assert.Equal(t, 4, numBatches)
	require.Len(t, seen, len(labels))
	sort.Ints(seen)
	for i, example := range seen {
		assert.Equal(t, i, example)
	}

	_, _, _, err = pds.Yield()
	require.ErrorIs(t, err, io.EOF)
}
