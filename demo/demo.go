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

// CIFAR-10 demo trainer: downloads the dataset, trains the convolutional
// model and prints an evaluation, confusion matrix included.
//
// Two training loops are available (--loop): "fit" uses the train.Loop
// harness, with progress bar, checkpointing and plot points attached;
// "custom" runs the same training written out step by step (see
// cifar10.CustomLoop), so one can follow what happens at each batch.
package main

import (
	"flag"
	"fmt"
	"os"
	"path"

	"github.com/gomlx/cifar10"
	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/backends"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/ml/context/checkpoints"
	"github.com/gomlx/gomlx/ml/data"
	"github.com/gomlx/gomlx/ml/train/optimizers"
	"github.com/gomlx/gomlx/ui/commandline"
	"github.com/gomlx/gomlx/ui/gonb/plotly"
	"github.com/gomlx/gomlx/ui/plots"
	"github.com/janpfeifer/must"
	"k8s.io/klog/v2"

	_ "github.com/gomlx/gomlx/backends/default"
)

var (
	flagDataDir = flag.String("data", "~/work/cifar10", "Directory to cache downloaded and generated dataset files.")
	flagLoop = flag.String("loop", "fit", "Training loop to use: \"fit\" for the train.Loop harness with progress "+
		"bar, checkpointing and plots attached, or \"custom\" for the step-by-step loop written out in cifar10.CustomLoop.")
	flagFormat = flag.String("format", "binary", "Distribution of the dataset to download and parse: \"binary\" or "+
		"\"matlab\". The MATLAB distribution is supported with --loop=custom only.")
	flagEval = flag.Bool("eval", true, "Whether to evaluate the model on the test data in the end.")

	// Checkpointing.
	flagCheckpoint     = flag.String("checkpoint", "", "Directory to save and load checkpoints from. If left empty, no checkpoints are created.")
	flagCheckpointKeep = flag.Int("checkpoint_keep", 3, "Number of checkpoints to keep, if --checkpoint is set.")
)

func main() {
	// Flags with context settings.
	ctx := cifar10.CreateDefaultContext()
	settings := commandline.CreateContextSettingsFlag(ctx, "")
	klog.InitFlags(nil)
	flag.Parse()
	ctx.SetParam("num_checkpoints", *flagCheckpointKeep)
	paramsSet := must.M1(commandline.ParseContextSettings(ctx, *settings))

	err := exceptions.TryCatch[error](func() { run(ctx, paramsSet) })
	if err != nil {
		klog.Errorf("Error:\n%+v", err)
		os.Exit(1)
	}
}

func run(ctx *context.Context, paramsSet []string) {
	dataDir := data.ReplaceTildeInDir(*flagDataDir)
	if !data.FileExists(dataDir) {
		must.M(os.MkdirAll(dataDir, 0777))
	}

	// Backend handles creation of ML computation graphs, accelerator resources, etc.
	backend := backends.MustNew()
	fmt.Printf("Backend %q:\t%s\n", backend.Name(), backend.Description())

	switch *flagLoop {
	case "fit":
		runFit(backend, ctx, dataDir, paramsSet)
	case "custom":
		runCustom(backend, ctx, dataDir, paramsSet)
	default:
		exceptions.Panicf("flag --loop must be \"fit\" or \"custom\", got %q", *flagLoop)
	}
}

// runFit trains with the train.Loop harness (cifar10.Fit), then renders the
// confusion matrix and the training curves collected during training.
func runFit(backend backends.Backend, ctx *context.Context, dataDir string, paramsSet []string) {
	if *flagFormat != "binary" {
		exceptions.Panicf("--loop=fit reads the binary distribution only, got --format=%q (use --loop=custom)", *flagFormat)
	}
	must.M(cifar10.Fit(backend, ctx, dataDir, *flagCheckpoint, paramsSet))
	checkpointDir := cifar10.CheckpointDir(*flagCheckpoint, dataDir)

	if *flagEval {
		testData := must.M1(cifar10.Load(dataDir, cifar10.Test, cifar10.DType))
		evalAndReport(backend, ctx, testData, checkpointDir)
	}

	// Render the curves from the plot points collected during training.
	if checkpointDir != "" && context.GetParamOr(ctx, plotly.ParamPlots, false) {
		history := must.M1(cifar10.LoadHistory(path.Join(checkpointDir, plots.TrainingPlotFileName)))
		must.M(history.SavePlots(checkpointDir))
		fmt.Printf("Training curves saved to %q\n", checkpointDir)
	}
}

// runCustom trains with the loop written out step by step
// (cifar10.CustomLoop): it loads the dataset into memory -- from the binary
// or the MATLAB distribution -- runs the epochs and ends with the evaluation
// report.
func runCustom(backend backends.Backend, ctx *context.Context, dataDir string, paramsSet []string) {
	var trainData, testData cifar10.ImagesAndLabels
	switch *flagFormat {
	case "binary":
		must.M(cifar10.Download(dataDir))
		trainData = must.M1(cifar10.Load(dataDir, cifar10.Train, cifar10.DType))
		testData = must.M1(cifar10.Load(dataDir, cifar10.Test, cifar10.DType))
	case "matlab":
		must.M(cifar10.DownloadMatlab(dataDir))
		trainData = must.M1(cifar10.LoadMatlab(dataDir, cifar10.Train, cifar10.DType))
		testData = must.M1(cifar10.LoadMatlab(dataDir, cifar10.Test, cifar10.DType))
	default:
		exceptions.Panicf("flag --format must be \"binary\" or \"matlab\", got %q", *flagFormat)
	}

	batchSize := context.GetParamOr(ctx, "batch_size", 0)
	numEpochs := context.GetParamOr(ctx, "num_epochs", 0)
	dropRemainder := context.GetParamOr(ctx, "drop_remainder", true)

	// Attach a checkpoint handler before the model is built, so the weights
	// and hyperparameters of a previous run are loaded back, if present.
	var checkpoint *checkpoints.Handler
	if *flagCheckpoint != "" {
		numCheckpointsToKeep := context.GetParamOr(ctx, "num_checkpoints", 3)
		checkpoint = must.M1(checkpoints.Build(ctx).
			DirFromBase(*flagCheckpoint, dataDir).
			Keep(numCheckpointsToKeep).
			ExcludeParams(append(paramsSet, cifar10.ParamsExcludedFromSaving...)...).
			Done())
		fmt.Printf("Checkpointing model to %q\n", checkpoint.Dir())
		if optimizers.GetGlobalStep(ctx) > 0 {
			fmt.Printf("\t - continuing training from global_step=%d\n", optimizers.GetGlobalStep(ctx))
			ctx = ctx.Reuse()
		}
	}

	loop := must.M1(cifar10.NewCustomLoop(backend, ctx, batchSize, dropRemainder, nil))
	history := must.M1(loop.RunEpochs(trainData, numEpochs))
	if checkpoint != nil {
		must.M(checkpoint.Save())
	}

	if *flagEval {
		outDir := ""
		if checkpoint != nil {
			outDir = checkpoint.Dir()
		}
		evalAndReport(backend, ctx, testData, outDir)
	}

	if checkpoint != nil && context.GetParamOr(ctx, plotly.ParamPlots, false) {
		must.M(history.WritePoints(path.Join(checkpoint.Dir(), plots.TrainingPlotFileName)))
		must.M(history.SavePlots(checkpoint.Dir()))
		fmt.Printf("Training curves saved to %q\n", checkpoint.Dir())
	}
}

// evalAndReport evaluates the model in ctx on the test data and prints the
// accuracy, confusion matrix and per-class accuracy tables. If outDir is not
// empty, the per-class accuracies are also saved there as a bar chart and as
// CSV.
func evalAndReport(backend backends.Backend, ctx *context.Context, testData cifar10.ImagesAndLabels, outDir string) {
	evalBatchSize := context.GetParamOr(ctx, "eval_batch_size", 0)
	if evalBatchSize <= 0 {
		evalBatchSize = context.GetParamOr(ctx, "batch_size", 1)
	}
	evaluation := must.M1(cifar10.Evaluate(backend, ctx, testData, evalBatchSize))
	fmt.Println()
	fmt.Println(evaluation.Report())

	if outDir != "" {
		must.M(evaluation.SavePerClassPlot(path.Join(outDir, cifar10.PerClassAccuracyFile)))
		csvPath := path.Join(outDir, "per_class_accuracy.csv")
		f := must.M1(os.Create(csvPath))
		must.M(evaluation.WriteCSV(f))
		must.M(f.Close())
	}
}
