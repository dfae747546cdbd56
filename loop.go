// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package cifar10

import (
	"fmt"
	"io"
	"math/rand"
	"time"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/backends"
	. "github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/ml/train/optimizers"
	"github.com/gomlx/gomlx/types/tensors"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"
	"github.com/schollz/progressbar/v3"
)

// CustomLoop trains ConvModelGraph with an explicit epoch/batch loop: the
// spelled-out counterpart of Fit, for when you want to see (or control) every
// moving part. Per epoch it re-shuffles the training examples, cuts them into
// fixed-size mini-batches, and for each batch builds/executes one training
// step: forward pass, loss, gradients and one in-place optimizer update of
// the model variables.
//
// Everything it touches is explicit state threaded through the constructor:
// the backend, the context holding the model and optimizer variables, and the
// random number generator used for shuffling. There are no globals, and two
// CustomLoops don't share optimizer state unless they share a context.
type CustomLoop struct {
	backend   backends.Backend
	ctx       *context.Context
	optimizer optimizers.Interface
	trainStep *context.Exec

	batchSize     int
	dropRemainder bool
	rng           *rand.Rand

	history History

	// ProgressBar draws a per-batch ASCII progress bar during each epoch.
	// On by default; switch it off for logs or tests.
	ProgressBar bool
}

// NewCustomLoop creates a CustomLoop training ConvModelGraph on the given
// context, with the optimizer configured in the context hyperparameters (see
// CreateDefaultContext).
//
// dropRemainder chooses the fate of the incomplete final batch of each epoch:
// discarded when true, so every gradient step sees exactly batchSize
// examples, or trained on as a smaller batch when false. rng shuffles the
// examples each epoch; if nil, one is created seeded with the current time --
// pass a seeded one for reproducible runs.
func NewCustomLoop(backend backends.Backend, ctx *context.Context, batchSize int, dropRemainder bool, rng *rand.Rand) (*CustomLoop, error) {
	if backend == nil || ctx == nil {
		return nil, errors.New("backend and ctx must both be set")
	}
	if batchSize <= 0 {
		return nil, errors.Errorf("batch size must be positive, got %d", batchSize)
	}
	if rng == nil {
		rng = rand.New(rand.NewSource(time.Now().UTC().UnixNano()))
	}
	l := &CustomLoop{
		backend:       backend,
		ctx:           ctx,
		optimizer:     optimizers.FromContext(ctx),
		batchSize:     batchSize,
		dropRemainder: dropRemainder,
		rng:           rng,
		ProgressBar:   true,
	}
	l.trainStep = context.NewExec(backend, ctx, l.trainStepGraph)
	return l, nil
}

// trainStepGraph builds the computation of one training step. Graph building
// records every operation of the forward pass, which is what allows
// Gradient (called by the optimizer) to derive the backward pass; all of it
// runs as one compiled program per Call.
//
// The forward pass runs in training mode, so the dropout layers are active.
// The optimizer update requires the loss reduced to a scalar, and it also
// increments the global step: exactly one increment per executed batch.
//
// It returns the scalar mean loss (as Float64) and the number of correct
// predictions in the batch.
func (l *CustomLoop) trainStepGraph(ctx *context.Context, images, labels *Node) (loss, numCorrect *Node) {
	g := images.Graph()
	ctx.SetTraining(g, true)
	predictions := ConvModelGraph(ctx, nil, []*Node{images})[0]
	loss = ReduceAllMean(SparseCategoricalCrossEntropy([]*Node{labels}, []*Node{predictions}))
	l.optimizer.UpdateGraph(ctx, g, loss)

	choices := ArgMax(predictions, -1, dtypes.Int64)
	truth := Reshape(labels, -1)
	numCorrect = ReduceAllSum(ConvertDType(Equal(choices, truth), dtypes.Int64))
	return ConvertDType(loss, dtypes.Float64), numCorrect
}

// GlobalStep returns how many gradient update steps have been applied to the
// context so far.
func (l *CustomLoop) GlobalStep() int64 {
	return optimizers.GetGlobalStep(l.ctx)
}

// History accumulated so far, one entry per epoch trained. The returned slice
// is owned by the loop: it grows on every epoch, and is never mutated
// retroactively.
func (l *CustomLoop) History() History {
	return l.history
}

// RunEpochs trains for numEpochs epochs over trainData and returns the
// accumulated history, with exactly one new entry per epoch holding the mean
// training loss and training accuracy of that epoch.
//
// Before each epoch it prints a progress line with the epoch number and batch
// count/size, and after it a line with the epoch wall-clock time. Epoch
// numbering continues across RunEpochs calls, as does the optimizer state and
// the global step.
//
// Any failure (including panics thrown while building or executing the
// computation graph) is returned as an error, and the run is aborted.
func (l *CustomLoop) RunEpochs(trainData ImagesAndLabels, numEpochs int) (History, error) {
	err := exceptions.TryCatch[error](func() { l.runEpochs(trainData, numEpochs) })
	return l.history, err
}

func (l *CustomLoop) runEpochs(trainData ImagesAndLabels, numEpochs int) {
	if numEpochs <= 0 {
		panic(errors.Errorf("number of epochs must be positive, got %d", numEpochs))
	}
	ds, err := NewDataset("train", trainData, l.batchSize, l.dropRemainder, l.rng)
	if err != nil {
		panic(err)
	}
	numBatches := ds.NumBatches()
	if numBatches == 0 {
		panic(errors.Errorf("no training batches: batch size %d larger than the %d examples available (and dropping the remainder)",
			l.batchSize, ds.NumExamples()))
	}

	for epochIdx := 0; epochIdx < numEpochs; epochIdx++ {
		epoch := len(l.history) + 1
		fmt.Printf("Epoch %d: training on %d batches of %d examples\n", epoch, numBatches, l.batchSize)
		var bar *progressbar.ProgressBar
		if l.ProgressBar {
			bar = progressbar.NewOptions(numBatches,
				progressbar.OptionSetDescription("      [bold]"),
				progressbar.OptionUseANSICodes(true),
				progressbar.OptionEnableColorCodes(true),
				progressbar.OptionShowIts(),
				progressbar.OptionSetItsString("steps"),
				progressbar.OptionSetTheme(progressbar.ThemeASCII),
			)
		}

		start := time.Now()
		var lossSum float64
		var numCorrect, numSeen int64
		for {
			_, inputs, labels, yieldErr := ds.Yield()
			if yieldErr == io.EOF {
				break
			}
			if yieldErr != nil {
				panic(yieldErr)
			}
			results := l.trainStep.Call(inputs[0], labels[0])
			n := inputs[0].Shape().Dimensions[0]
			lossSum += tensors.ToScalar[float64](results[0]) * float64(n)
			numCorrect += tensors.ToScalar[int64](results[1])
			numSeen += int64(n)
			if bar != nil {
				_ = bar.Add(1)
			}
		}
		elapsed := time.Since(start)
		if bar != nil {
			_ = bar.Finish()
			fmt.Println()
		}

		meanLoss := lossSum / float64(numSeen)
		accuracy := float64(numCorrect) / float64(numSeen)
		fmt.Printf("\tepoch %d took %s: mean loss %.4f, accuracy %.2f%%\n",
			epoch, elapsed.Round(time.Millisecond), meanLoss, 100*accuracy)
		l.history = append(l.history, HistoryEntry{Epoch: epoch, Loss: meanLoss, Accuracy: accuracy})
		ds.Reset()
	}
}
