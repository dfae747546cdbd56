// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package cifar10

import (
	"testing"

	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/ml/train/optimizers"
	"github.com/stretchr/testify/assert"
)

func TestCreateDefaultContext(t *testing.T) {
	ctx := CreateDefaultContext()
	assert.Equal(t, 64, context.GetParamOr(ctx, "batch_size", 0))
	assert.Equal(t, 200, context.GetParamOr(ctx, "eval_batch_size", 0))
	assert.Equal(t, 10, context.GetParamOr(ctx, "num_epochs", 0))
	assert.True(t, context.GetParamOr(ctx, "drop_remainder", false))
	assert.Equal(t, "adam", context.GetParamOr(ctx, optimizers.ParamOptimizer, ""))
	assert.Equal(t, 1e-3, context.GetParamOr(ctx, optimizers.ParamLearningRate, 0.0))
}

func TestCheckpointDir(t *testing.T) {
	assert.Equal(t, "", CheckpointDir("", "/data/cifar10"))

	// A relative checkpoint directory lands under the data directory, the
	// same resolution checkpoints.Config.DirFromBase applies.
	assert.Equal(t, "/data/cifar10/base", CheckpointDir("base", "/data/cifar10"))
	assert.Equal(t, "/ckpt/base", CheckpointDir("/ckpt/base", "/data/cifar10"))
}
