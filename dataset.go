// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package cifar10

import (
	"io"
	"math/rand"
	"sync"

	"golang.org/x/exp/constraints"

	"github.com/gomlx/gomlx/backends"
	"github.com/gomlx/gomlx/ml/data"
	"github.com/gomlx/gomlx/ml/train"
	"github.com/gomlx/gomlx/types/tensors"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"
)

// NumBatches returns how many batches one pass over numExamples yields with
// the given batch size. With dropRemainder the incomplete final batch is
// discarded (floor), otherwise it is kept (ceil). A batch size larger than
// numExamples yields 0 batches when dropping the remainder, and 1 partial
// batch otherwise.
func NumBatches(numExamples, batchSize int, dropRemainder bool) int {
	if batchSize <= 0 || numExamples <= 0 {
		return 0
	}
	if dropRemainder {
		return numExamples / batchSize
	}
	return (numExamples + batchSize - 1) / batchSize
}

var _ train.Dataset = (*Dataset)(nil)

// Dataset yields batches of one loaded partition and implements
// train.Dataset, so it can be used both by the train.Loop harness and by
// CustomLoop.
//
// Each Yield gathers the next batchSize examples -- in shuffled order when a
// random number generator is given -- into freshly allocated tensors: images
// shaped [batchSize, 32, 32, 3] and labels shaped [batchSize, 1]. At the end
// of an epoch it returns io.EOF; Reset rewinds it (and reshuffles) for the
// next epoch.
//
// All the state is per instance: no globals, and it is safe for concurrent
// Yield calls.
type Dataset struct {
	name          string
	loaded        ImagesAndLabels
	dtype         dtypes.DType
	numExamples   int
	batchSize     int
	dropRemainder bool
	shuffle       *rand.Rand

	mu       sync.Mutex
	indices  []int
	position int
}

// NewDataset creates a Dataset over one loaded partition.
//
// batchSize must be positive and the tensors in loaded must have the dataset
// shapes (images [N, 32, 32, 3] of Float32 or Float64, labels [N, 1] of
// Int64, same N). dropRemainder selects what happens to the last len%batch
// examples of an epoch: discarded when true (all batches have exactly
// batchSize examples, the usual choice for training), yielded as a smaller
// final batch when false (so evaluation sees every example).
//
// shuffle is optional: when nil, examples are yielded in order.
func NewDataset(name string, loaded ImagesAndLabels, batchSize int, dropRemainder bool, shuffle *rand.Rand) (*Dataset, error) {
	if batchSize <= 0 {
		return nil, errors.Errorf("dataset %q: batch size must be positive, got %d", name, batchSize)
	}
	if loaded.Images == nil || loaded.Labels == nil {
		return nil, errors.Errorf("dataset %q: both images and labels must be set", name)
	}
	imagesShape := loaded.Images.Shape()
	labelsShape := loaded.Labels.Shape()
	if imagesShape.Rank() != 4 || imagesShape.Dimensions[1] != Height ||
		imagesShape.Dimensions[2] != Width || imagesShape.Dimensions[3] != Depth {
		return nil, errors.Errorf("dataset %q: images shaped %s, expected [numExamples, %d, %d, %d]",
			name, imagesShape, Height, Width, Depth)
	}
	dtype := imagesShape.DType
	if dtype != dtypes.Float32 && dtype != dtypes.Float64 {
		return nil, errors.Errorf("dataset %q: images dtype %s not supported, only Float32 or Float64", name, dtype)
	}
	if labelsShape.DType != dtypes.Int64 || labelsShape.Rank() != 2 || labelsShape.Dimensions[1] != 1 {
		return nil, errors.Errorf("dataset %q: labels shaped %s, expected [numExamples, 1] of Int64",
			name, labelsShape)
	}
	if labelsShape.Dimensions[0] != imagesShape.Dimensions[0] {
		return nil, errors.Errorf("dataset %q: %d images but %d labels",
			name, imagesShape.Dimensions[0], labelsShape.Dimensions[0])
	}
	ds := &Dataset{
		name:          name,
		loaded:        loaded,
		dtype:         dtype,
		numExamples:   imagesShape.Dimensions[0],
		batchSize:     batchSize,
		dropRemainder: dropRemainder,
		shuffle:       shuffle,
	}
	ds.resetLocked()
	return ds, nil
}

// Name implements train.Dataset.
func (ds *Dataset) Name() string { return ds.name }

// NumBatches per epoch for this dataset.
func (ds *Dataset) NumBatches() int {
	return NumBatches(ds.numExamples, ds.batchSize, ds.dropRemainder)
}

// BatchSize configured for this dataset.
func (ds *Dataset) BatchSize() int { return ds.batchSize }

// NumExamples of the underlying partition.
func (ds *Dataset) NumExamples() int { return ds.numExamples }

// Yield implements train.Dataset. It returns:
//
//   - spec: the dataset itself, constant across yields.
//   - inputs: one tensor, the images batch shaped [n, 32, 32, 3].
//   - labels: one tensor, shaped [n, 1] of Int64.
//
// n is the configured batch size, except possibly on the last batch of an
// epoch when the dataset was created without dropRemainder. Once the epoch is
// exhausted it returns io.EOF -- never along with a batch.
func (ds *Dataset) Yield() (spec any, inputs, labels []*tensors.Tensor, err error) {
	ds.mu.Lock()
	defer ds.mu.Unlock()

	n := ds.batchSize
	remaining := len(ds.indices) - ds.position
	if remaining < n {
		if ds.dropRemainder || remaining <= 0 {
			return nil, nil, nil, io.EOF
		}
		n = remaining
	}
	batchIndices := ds.indices[ds.position : ds.position+n]
	ds.position += n

	var imagesT *tensors.Tensor
	switch ds.dtype {
	case dtypes.Float32:
		imagesT = tensors.FromFlatDataAndDimensions(
			gatherImageRows[float32](ds.loaded.Images, batchIndices), n, Height, Width, Depth)
	case dtypes.Float64:
		imagesT = tensors.FromFlatDataAndDimensions(
			gatherImageRows[float64](ds.loaded.Images, batchIndices), n, Height, Width, Depth)
	}
	var labelsRows []int64
	tensors.ConstFlatData[int64](ds.loaded.Labels, func(flat []int64) {
		labelsRows = Select(flat, batchIndices)
	})
	labelsT := tensors.FromFlatDataAndDimensions(labelsRows, n, 1)
	return ds, []*tensors.Tensor{imagesT}, []*tensors.Tensor{labelsT}, nil
}

// IsOwnershipTransferred tells the training loop that yielded tensors are
// freshly allocated per batch, so it is free to finalize them after use.
func (ds *Dataset) IsOwnershipTransferred() bool {
	return true
}

// Reset implements train.Dataset: it rewinds to the start of an epoch,
// drawing a new shuffle order if the dataset was created with one.
func (ds *Dataset) Reset() {
	ds.mu.Lock()
	defer ds.mu.Unlock()
	ds.resetLocked()
}

func (ds *Dataset) resetLocked() {
	ds.position = 0
	if ds.shuffle != nil {
		ds.indices = ds.shuffle.Perm(ds.numExamples)
		return
	}
	if ds.indices == nil {
		ds.indices = make([]int, ds.numExamples)
		for i := range ds.indices {
			ds.indices[i] = i
		}
	}
}

// gatherImageRows copies the image rows at the given example indices, in
// order, out of the images tensor flat data.
func gatherImageRows[T dtypes.GoFloat](images *tensors.Tensor, indices []int) []T {
	out := make([]T, 0, len(indices)*imageSizeBytes)
	tensors.ConstFlatData[T](images, func(flat []T) {
		for _, idx := range indices {
			out = append(out, flat[idx*imageSizeBytes:(idx+1)*imageSizeBytes]...)
		}
	})
	return out
}

// Select returns the items at the given indices, in order. Out-of-range
// indices are silently skipped.
func Select[T any, I constraints.Integer](items []T, idx []I) []T {
	selItems := make([]T, 0, len(idx))
	nItems := len(items)
	for _, i := range idx {
		if i < I(nItems) {
			selItems = append(selItems, items[i])
		}
	}
	return selItems
}

// InMemory uploads one loaded partition as an InMemoryDataset, the form the
// train.Loop harness consumes most efficiently. Use its Copy, BatchSize,
// Shuffle and Infinite methods to configure iteration.
func InMemory(backend backends.Backend, loaded ImagesAndLabels, name string) (*data.InMemoryDataset, error) {
	ds, err := data.InMemoryFromData(backend, name, []any{loaded.Images}, []any{loaded.Labels})
	if err != nil {
		return nil, errors.WithMessagef(err, "creating in-memory dataset %q", name)
	}
	return ds, nil
}

// Parallel wraps a dataset so batches are prepared concurrently with
// training, buffering bufferSize batches ahead.
func Parallel(ds train.Dataset, bufferSize int) train.Dataset {
	return data.CustomParallel(ds).Buffer(bufferSize).Start()
}
