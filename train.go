package cifar10

import (
	"fmt"
	"os"
	"path"
	"time"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/backends"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/ml/context/checkpoints"
	"github.com/gomlx/gomlx/ml/data"
	"github.com/gomlx/gomlx/ml/train"
	"github.com/gomlx/gomlx/ml/train/metrics"
	"github.com/gomlx/gomlx/ml/train/optimizers"
	"github.com/gomlx/gomlx/types/tensors"
	"github.com/gomlx/gomlx/ui/commandline"
	"github.com/gomlx/gomlx/ui/gonb/plotly"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/janpfeifer/must"
)

// DType used for the images and the model weights.
var DType = dtypes.Float32

// ParamsExcludedFromSaving is the list of hyperparameters (see
// CreateDefaultContext) that shouldn't be saved along the model checkpoints,
// so they can be overridden in further training sessions.
var ParamsExcludedFromSaving = []string{"data_dir", "num_epochs", "num_checkpoints", "plots"}

// CreateDefaultContext sets the context with default hyperparameters.
// Anything here can be overridden before training, e.g. with
// commandline.ParseContextSettings.
func CreateDefaultContext() *context.Context {
	ctx := context.New()
	ctx.RngStateReset()
	ctx.SetParams(map[string]any{
		// batch_size for training.
		"batch_size": 64,

		// eval_batch_size can be larger than training, it's more efficient.
		"eval_batch_size": 200,

		// num_epochs to train for.
		"num_epochs": 10,

		// drop_remainder discards the incomplete final batch of each training
		// epoch, so every gradient step sees exactly batch_size examples.
		"drop_remainder": true,

		// num_checkpoints to keep, if checkpointing is enabled.
		"num_checkpoints": 3,

		// "plots" triggers collecting evaluation metrics once per epoch. They
		// are saved along the checkpoint directory (if one is given), and if
		// running in GoNB the plot is drawn with Plotly.
		plotly.ParamPlots: true,

		optimizers.ParamOptimizer:    "adam",
		optimizers.ParamLearningRate: 1e-3,
	})
	return ctx
}

// CreateDatasets used for training and evaluation on the train.Loop harness.
// The training dataset shuffles and batches batchSize examples per step,
// dropping the incomplete final batch of each epoch when dropRemainder; the
// two evaluation datasets always keep their incomplete final batch, so every
// example counts.
func CreateDatasets(backend backends.Backend, dataDir string, batchSize, evalBatchSize int, dropRemainder bool) (
	trainDS, trainEvalDS, testEvalDS train.Dataset, err error) {
	trainData, err := Load(dataDir, Train, DType)
	if err != nil {
		return
	}
	testData, err := Load(dataDir, Test, DType)
	if err != nil {
		return
	}
	baseTrain, err := InMemory(backend, trainData, "Training")
	if err != nil {
		return
	}
	baseTest, err := InMemory(backend, testData, "Validation")
	if err != nil {
		return
	}
	trainDS = baseTrain.Copy().BatchSize(batchSize, dropRemainder).Shuffle()
	trainEvalDS = baseTrain.BatchSize(evalBatchSize, false)
	testEvalDS = baseTest.BatchSize(evalBatchSize, false)
	return
}

// CheckpointDir resolves where Fit saves checkpoints, following the same rule
// as checkpoints.Config.DirFromBase: a relative checkpointDir is placed under
// dataDir. It returns "" when checkpointDir is "".
func CheckpointDir(checkpointDir, dataDir string) string {
	if checkpointDir == "" {
		return ""
	}
	checkpointDir = data.ReplaceTildeInDir(checkpointDir)
	if !path.IsAbs(checkpointDir) {
		checkpointDir = path.Join(data.ReplaceTildeInDir(dataDir), checkpointDir)
	}
	return checkpointDir
}

// Fit is the one-call training path: it downloads and loads the dataset,
// assembles a train.Trainer for ConvModelGraph with the optimizer and
// hyperparameters configured in ctx (see CreateDefaultContext) and runs
// "num_epochs" epochs with the train.Loop harness, reporting an evaluation on
// the train and test partitions at the end.
//
// If checkpointDir is not empty the model is saved there periodically and at
// the end, and a previous checkpoint is resumed from automatically -- with
// "plots" set, per-epoch evaluation metrics are also collected and persisted
// next to the checkpoint. paramsSet names hyperparameters explicitly set by
// the caller, which are then not overwritten by values loaded from a
// checkpoint.
//
// See CustomLoop for the same training written as an explicit loop.
func Fit(backend backends.Backend, ctx *context.Context, dataDir, checkpointDir string, paramsSet []string) error {
	return exceptions.TryCatch[error](func() {
		fitImpl(backend, ctx, dataDir, checkpointDir, paramsSet)
	})
}

func fitImpl(backend backends.Backend, ctx *context.Context, dataDir, checkpointDir string, paramsSet []string) {
	dataDir = data.ReplaceTildeInDir(dataDir)
	if !data.FileExists(dataDir) {
		must.M(os.MkdirAll(dataDir, 0777))
	}
	must.M(Download(dataDir))

	batchSize := context.GetParamOr(ctx, "batch_size", 0)
	if batchSize <= 0 {
		exceptions.Panicf("\"batch_size\" must be > 0 (maybe it was not set?), got %d", batchSize)
	}
	evalBatchSize := context.GetParamOr(ctx, "eval_batch_size", 0)
	if evalBatchSize <= 0 {
		evalBatchSize = batchSize
	}
	numEpochs := context.GetParamOr(ctx, "num_epochs", 0)
	if numEpochs <= 0 {
		exceptions.Panicf("\"num_epochs\" must be > 0 (maybe it was not set?), got %d", numEpochs)
	}
	dropRemainder := context.GetParamOr(ctx, "drop_remainder", true)

	trainDS, trainEvalDS, testEvalDS, err := CreateDatasets(backend, dataDir, batchSize, evalBatchSize, dropRemainder)
	if err != nil {
		panic(err)
	}

	// Metrics we are interested in.
	meanAccuracyMetric := metrics.NewSparseCategoricalAccuracy("Mean Accuracy", "#acc")
	movingAccuracyMetric := metrics.NewMovingAverageSparseCategoricalAccuracy("Moving Average Accuracy", "~acc", 0.01)

	// Create a train.Trainer: this object will orchestrate running the model,
	// feeding results to the optimizer, evaluating the metrics, etc.
	// (all happens in trainer.TrainStep)
	trainer := train.NewTrainer(backend, ctx, ConvModelGraph,
		SparseCategoricalCrossEntropy,
		optimizers.FromContext(ctx),
		[]metrics.Interface{movingAccuracyMetric}, // trainMetrics
		[]metrics.Interface{meanAccuracyMetric})   // evalMetrics

	// Use the standard training loop.
	loop := train.NewLoop(trainer)
	commandline.AttachProgressBar(loop) // Attaches a progress bar to the loop.

	// Checkpoints saving: every minute of training, and at the end.
	var checkpoint *checkpoints.Handler
	if checkpointDir != "" {
		numCheckpointsToKeep := context.GetParamOr(ctx, "num_checkpoints", 3)
		checkpoint = must.M1(checkpoints.Build(ctx).
			DirFromBase(checkpointDir, dataDir).
			Keep(numCheckpointsToKeep).
			ExcludeParams(append(paramsSet, ParamsExcludedFromSaving...)...).
			Done())
		fmt.Printf("Checkpointing model to %q\n", checkpoint.Dir())
		train.PeriodicCallback(loop, time.Minute, true, "saving checkpoint", 100,
			func(loop *train.Loop, metrics []*tensors.Tensor) error {
				return checkpoint.Save()
			})
	}

	// Collect evaluation metrics once per epoch. The points are saved along
	// the checkpoint directory (if one is given), readable back with
	// LoadHistory.
	if context.GetParamOr(ctx, plotly.ParamPlots, false) {
		stepsPerEpoch := NumBatches(NumTrainExamples, batchSize, dropRemainder)
		_ = plotly.New().
			WithCheckpoint(checkpoint).
			Dynamic().
			WithDatasets(trainEvalDS, testEvalDS).
			ScheduleEveryNSteps(loop, stepsPerEpoch)
	}

	// Restore the global step when continuing training from a checkpoint.
	globalStep := optimizers.GetGlobalStep(ctx)
	if globalStep > 0 {
		fmt.Printf("\t - continuing training from global_step=%d\n", globalStep)
		trainer.SetContext(ctx.Reuse())
	}
	_ = must.M1(loop.RunEpochs(trainDS, numEpochs))
	fmt.Printf("\t[Step %d] median train step: %d microseconds\n",
		loop.LoopStep, loop.MedianTrainStepDuration().Microseconds())
	if checkpoint != nil {
		must.M(checkpoint.Save())
	}

	// Finally, print an evaluation on the train and test datasets.
	fmt.Println()
	must.M(commandline.ReportEval(trainer, testEvalDS, trainEvalDS))
	fmt.Println()
}
