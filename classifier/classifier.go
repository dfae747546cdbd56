// Package classifier loads a pre-trained CIFAR-10 model from a checkpoint
// directory and classifies images with it.
//
// Create a Classifier with New, and then simply call its Classify method with
// any image: it is resized and center-cropped to the 32x32 input expected by
// the model.
package classifier

import (
	"image"
	"math"

	"github.com/disintegration/imaging"
	"github.com/gomlx/cifar10"
	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/backends"
	"github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/ml/context/checkpoints"
	"github.com/gomlx/gomlx/types/tensors"
	"github.com/gomlx/gomlx/types/tensors/images"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"
)

// Classifier holds the CIFAR-10 model compiled.
// It will use XLA with GPU if available or CPU by default. But the backend can
// be configured with GOMLX_BACKEND.
type Classifier struct {
	// backend is created with defaults, which uses GOMLX_BACKEND if it is set.
	backend backends.Backend

	// ctx with the model's weights.
	ctx *context.Context

	// exec is used to execute the model with a context.
	exec *context.Exec
}

// New creates a Classifier from the model checkpoint saved in checkpointDir
// by a previous training run (cifar10.Fit or cifar10.CustomLoop).
func New(checkpointDir string) (*Classifier, error) {
	c := &Classifier{
		backend: backends.MustNew(),
		ctx:     context.New(),
	}

	// Hyperparameters are read from the checkpoint along with the weights, so
	// the exact same model is built.
	// We don't need to keep the checkpoint handler around, since we are not
	// going to use it to save.
	_, err := checkpoints.Load(c.ctx).
		Dir(checkpointDir).
		Done()
	if err != nil {
		return nil, errors.WithMessagef(err, "failed while loading CIFAR-10 model from %q", checkpointDir)
	}
	c.ctx = c.ctx.Reuse() // Mark it to reuse variables: it will be an error to create a new variable -- for extra sanity checking.

	// Create model executor.
	c.exec = context.NewExec(c.backend, c.ctx, func(ctx *context.Context, image *graph.Node) (choice *graph.Node) {
		image = graph.ExpandAxes(image, 0) // Create a batch dimension of size 1.
		probabilities := cifar10.ConvModelGraph(ctx, nil, []*graph.Node{image})[0]
		// Take the class with the highest probability.
		choice = graph.ArgMax(probabilities, -1, dtypes.Int32)
		// Remove batch dimension.
		choice = graph.Reshape(choice) // No dimensions given, means a scalar.
		return
	})
	return c, nil
}

// resizeToInput scales and center-crops an image to the 32x32 input size of
// the model. Images already at the right size are returned unchanged.
func resizeToInput(img image.Image) image.Image {
	const size = cifar10.Width // == cifar10.Height
	width := img.Bounds().Dx()
	height := img.Bounds().Dy()
	if width == size && height == size {
		return img
	}

	// 1. Resize the smallest dimension to size, preserving ratio.
	if width < height {
		ratio := float64(width) / float64(size)
		width = size
		height = int(math.Round(float64(height) / ratio))
	} else if height < width {
		ratio := float64(height) / float64(size)
		height = size
		width = int(math.Round(float64(width) / ratio))
	} else {
		width = size
		height = size
	}
	img = imaging.Resize(img, width, height, imaging.Linear)

	// 2. Crop at center the largest dimension to size.
	if width > height {
		start := (width - size) / 2
		img = imaging.Crop(img, image.Rect(start, 0, start+size, size))
	} else if height > width {
		start := (height - size) / 2
		img = imaging.Crop(img, image.Rect(0, start, size, start+size))
	}
	return img
}

// Classify takes an image and returns its CIFAR-10 classification, from 0 to
// 9. Images of any size are accepted, they are resized to the 32x32 input of
// the model. Use cifar10.LabelName to convert the returned class to a string
// name.
func (c *Classifier) Classify(img image.Image) (int32, error) {
	img = resizeToInput(img)
	input := images.ToTensor(cifar10.DType).Single(img)
	return c.ClassifyTensor(input)
}

// ClassifyTensor takes a single image already converted to a tensor shaped
// [32, 32, 3], with values scaled to the range [0.0, 1.0], and returns its
// CIFAR-10 classification, from 0 to 9.
func (c *Classifier) ClassifyTensor(input *tensors.Tensor) (int32, error) {
	var outputs []*tensors.Tensor
	err := exceptions.TryCatch[error](func() { outputs = c.exec.Call(input) })
	if err != nil {
		return 0, err
	}
	classID := tensors.ToScalar[int32](outputs[0]) // Convert tensor to Go value.
	return classID, nil
}
