/*
 *	Copyright 2023 Jan Pfeifer
 *
 *	Licensed under the Apache License, Version 2.0 (the "License");
 *	you may not use this file except in compliance with the License.
 *	You may obtain a copy of the License at
 *
 *	http://www.apache.org/licenses/LICENSE-2.0
 *
 *	Unless required by applicable law or agreed to in writing, software
 *	distributed under the License is distributed on an "AS IS" BASIS,
 *	WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 *	See the License for the specific language governing permissions and
 *	limitations under the License.
 */

package cifar10

import (
	. "github.com/gomlx/exceptions"
	. "github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/ml/layers"
	"github.com/gomlx/gomlx/ml/layers/activations"
	"github.com/gomlx/gomlx/ml/train"
	"github.com/gomlx/gomlx/ml/train/losses"
)

// Dropout rates of the two dropout layers, modeled after the classic Keras
// CNN example for CIFAR-10.
const (
	convDropoutRate  = 0.25
	denseDropoutRate = 0.5
)

var (
	_ train.ModelFn = ConvModelGraph
	_ losses.LossFn = SparseCategoricalCrossEntropy
)

// ConvModelGraph implements train.ModelFn with the classic two convolutions
// model for CIFAR-10:
//
//	conv 3x3 to 32 channels, conv 3x3 to 64 channels (both ReLU, same
//	padding), max-pool 2x2, dropout 25%, flatten, dense 128 (ReLU),
//	dropout 50%, dense 10 and a softmax.
//
// inputs[0] are the batched images, shaped [batchSize, 32, 32, 3]. It returns
// one Node shaped [batchSize, 10] with the predicted probability of each
// class -- every row adds up to 1, these are not logits. The dropout layers
// only act during training (see context.Context.SetTraining), so inference is
// deterministic.
//
// Model variables are created under the "model" scope of ctx, one numbered
// sub-scope per layer.
func ConvModelGraph(ctx *context.Context, spec any, inputs []*Node) []*Node {
	ctx = ctx.In("model")
	batchedImages := inputs[0]
	g := batchedImages.Graph()
	dtype := batchedImages.DType()
	batchSize := batchedImages.Shape().Dimensions[0]
	batchedImages.AssertDims(batchSize, Height, Width, Depth)

	layerIdx := 0
	nextCtx := func(name string) *context.Context {
		scope := ctx.Inf("%03d_%s", layerIdx, name)
		layerIdx++
		return scope
	}

	x := batchedImages
	x = layers.Convolution(nextCtx("conv"), x).Filters(32).KernelSize(3).PadSame().Done()
	x = activations.Relu(x)
	x.AssertDims(batchSize, Height, Width, 32)
	x = layers.Convolution(nextCtx("conv"), x).Filters(64).KernelSize(3).PadSame().Done()
	x = activations.Relu(x)
	x.AssertDims(batchSize, Height, Width, 64)
	x = MaxPool(x).Window(2).Done()
	x.AssertDims(batchSize, Height/2, Width/2, 64)
	x = layers.DropoutNormalize(nextCtx("dropout"), x, Scalar(g, dtype, convDropoutRate), true)
	x = Reshape(x, batchSize, -1)
	x = layers.DenseWithBias(nextCtx("dense"), x, 128)
	x = activations.Relu(x)
	x.AssertDims(batchSize, 128)
	x = layers.DropoutNormalize(nextCtx("dropout"), x, Scalar(g, dtype, denseDropoutRate), true)
	x = layers.DenseWithBias(nextCtx("dense"), x, NumClasses)
	x.AssertDims(batchSize, NumClasses)
	probabilities := Softmax(x)
	return []*Node{probabilities}
}

// SparseCategoricalCrossEntropy returns the negative log-likelihood of the
// true class under the predicted distribution, one value per example (the
// caller takes the mean, as train.Trainer does).
//
// labels[0] must be the class indices, an integer tensor with the last
// dimension == 1 (as yielded by Dataset). predictions[0] must be
// probabilities that sum to 1 over the last axis, like ConvModelGraph
// returns. This is the counterpart of losses.SparseCategoricalCrossEntropyLogits
// for models that already include the softmax: passing logits here silently
// computes the wrong loss.
func SparseCategoricalCrossEntropy(labels, predictions []*Node) *Node {
	predictions0 := predictions[0]
	labels0 := labels[0]
	labelsShape := labels0.Shape()
	labelsRank := labelsShape.Rank()
	predictionsShape := predictions0.Shape()
	predictionsRank := predictionsShape.Rank()
	if !labelsShape.DType.IsInt() {
		Panicf("labels indices dtype (%s), it must be integer", labelsShape.DType)
	}
	if labelsRank != predictionsRank {
		Panicf("labels (%s) and predictions (%s) must have the same rank", labelsShape, predictionsShape)
	}
	if labelsShape.Dimensions[labelsRank-1] != 1 {
		Panicf("labels (%s) are expected to have the last dimension == 1, with the true/labeled category", labelsShape)
	}

	// Remove last dimension, it will be re-added by OneHot.
	reducedLabels := Reshape(labels0, labelsShape.Dimensions[:labelsRank-1]...)
	denseLabels := OneHot(reducedLabels, predictionsShape.Dimensions[predictionsRank-1], predictionsShape.DType)
	return losses.CategoricalCrossEntropy([]*Node{denseLabels}, predictions)
}
