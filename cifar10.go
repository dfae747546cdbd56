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

// Package cifar10 trains and evaluates a convolutional network on the CIFAR-10
// dataset, as a self-contained tutorial of GoMLX.
// Information about the dataset in https://www.cs.toronto.edu/~kriz/cifar.html
//
// It includes downloading and parsing the dataset (both the binary and the
// MATLAB distributions), a train.Dataset implementation, the classic two
// convolutions model, training either with the train.Loop harness (Fit) or
// with an explicit epoch/batch loop (CustomLoop), and evaluation with a
// confusion matrix and training curves.
//
// See the demo/ sub-directory for a command line program exercising all of it.
package cifar10

import (
	"fmt"
	"image"
	"io"
	"os"
	"path"
	"reflect"

	"github.com/gomlx/gomlx/ml/data"
	"github.com/gomlx/gomlx/types/shapes"
	"github.com/gomlx/gomlx/types/tensors"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"
)

const (
	// DownloadURL is the official address of the binary version of the dataset.
	DownloadURL = "https://www.cs.toronto.edu/~kriz/cifar-10-binary.tar.gz"

	// DownloadTarName is the name of the downloaded tar file.
	DownloadTarName = "cifar-10-binary.tar.gz"

	// DataSubDir is the directory created under the base data directory when
	// the tar file is extracted.
	DataSubDir = "cifar-10-batches-bin"

	downloadHash = "c4a38c50a1bc5f3a1c5537f2155ab9d68f9f25eb1ed8d9ddda3db29a59bca1dd"
)

const (
	// NumClasses of CIFAR-10.
	NumClasses = 10

	// NumTrainExamples is the number of examples in the Train partition.
	NumTrainExamples = 50000

	// NumTestExamples is the number of examples in the Test partition.
	NumTestExamples = 10000

	// examplesPerFile is how many records each distributed file holds, for
	// both the train and the test files.
	examplesPerFile = 10000
)

// Width, Height and Depth are the dimensions of every CIFAR-10 image.
const (
	Width  int = 32
	Height int = 32
	Depth  int = 3
)

const imageSizeBytes = Height * Width * Depth

// Labels are the CIFAR-10 class names, indexed by the label value.
var Labels = []string{"airplane", "automobile", "bird", "cat", "deer", "dog", "frog", "horse", "ship", "truck"}

// LabelName returns the human-readable name of a class, or "?" if class is out
// of range.
func LabelName(class int) string {
	if class < 0 || class >= NumClasses {
		return "?"
	}
	return Labels[class]
}

// Partition refers to the train or test examples of the dataset.
type Partition int

const (
	Train Partition = iota
	Test
)

// String implements fmt.Stringer.
func (p Partition) String() string {
	switch p {
	case Train:
		return "train"
	case Test:
		return "test"
	}
	return fmt.Sprintf("InvalidPartition(%d)", int(p))
}

// NumExamples in the partition: 50000 for Train, 10000 for Test.
func (p Partition) NumExamples() int {
	if p == Train {
		return NumTrainExamples
	}
	return NumTestExamples
}

// files lists the binary files of the partition, in order.
func (p Partition) files() []string {
	if p == Train {
		return []string{"data_batch_1.bin", "data_batch_2.bin", "data_batch_3.bin", "data_batch_4.bin", "data_batch_5.bin"}
	}
	return []string{"test_batch.bin"}
}

// Download the binary version of the dataset to baseDir, if it hasn't been
// downloaded already. It checks the contents against a known checksum, and
// extracts the files under baseDir/cifar-10-batches-bin.
func Download(baseDir string) error {
	return data.DownloadAndUntarIfMissing(DownloadURL, baseDir, DownloadTarName, DataSubDir, downloadHash)
}

// ImagesAndLabels holds one loaded partition of the dataset: Images shaped
// [numExamples, 32, 32, 3] with values scaled to [0, 1], and the aligned
// Labels shaped [numExamples, 1] of Int64 values from 0 to 9.
type ImagesAndLabels struct {
	Images *tensors.Tensor
	Labels *tensors.Tensor
}

// NumExamples held. Images and Labels always have matching leading dimensions.
func (d ImagesAndLabels) NumExamples() int {
	return d.Images.Shape().Dimensions[0]
}

// Image returns one example converted back to a Go image.
func (d ImagesAndLabels) Image(exampleNum int) *image.NRGBA {
	return ConvertToGoImage(d.Images, exampleNum)
}

// Label returns the class of one example.
func (d ImagesAndLabels) Label(exampleNum int) int {
	var label int64
	tensors.ConstFlatData[int64](d.Labels, func(flat []int64) {
		label = flat[exampleNum]
	})
	return int(label)
}

// Load parses the binary files of one partition, downloaded by Download, into
// tensors: images with the given dtype -- only Float32 and Float64 are
// supported -- shaped [N, Height=32, Width=32, Depth=3] with the original byte
// pixels scaled to [0, 1], and labels shaped [N, 1] of Int64.
// N is 50000 for Train and 10000 for Test.
//
// Any missing or truncated file is returned as an error: there is no partial
// loading.
func Load(baseDir string, partition Partition, dtype dtypes.DType) (ImagesAndLabels, error) {
	var loaded ImagesAndLabels
	if partition != Train && partition != Test {
		return loaded, errors.Errorf("invalid partition %d, only Train or Test accepted", partition)
	}
	baseDir = data.ReplaceTildeInDir(baseDir)
	numExamples := partition.NumExamples()
	images := tensors.FromShape(shapes.Make(dtype, numExamples, Height, Width, Depth))
	labels := tensors.FromShape(shapes.Make(dtypes.Int64, numExamples, 1))
	var err error
	switch dtype {
	case dtypes.Float32:
		err = loadBinaryFiles[float32](baseDir, partition, images, labels)
	case dtypes.Float64:
		err = loadBinaryFiles[float64](baseDir, partition, images, labels)
	default:
		err = errors.Errorf("images dtype %s not supported, only Float32 or Float64", dtype)
	}
	if err != nil {
		return loaded, err
	}
	loaded.Images = images
	loaded.Labels = labels
	return loaded, nil
}

// loadBinaryFiles reads every file of the partition into the pre-allocated
// images and labels tensors. Each record is 1 label byte followed by 3072
// channel-major pixel bytes, converted here to HWC order.
func loadBinaryFiles[T dtypes.GoFloat](baseDir string, partition Partition, images, labels *tensors.Tensor) error {
	var err error
	tensors.MutableFlatData[T](images, func(imagesData []T) {
		tensors.MutableFlatData[int64](labels, func(labelsData []int64) {
			var record [1 + imageSizeBytes]byte
			for fileIdx, fileName := range partition.files() {
				filePath := path.Join(baseDir, DataSubDir, fileName)
				f, openErr := os.Open(filePath)
				if openErr != nil {
					err = errors.Wrapf(openErr, "opening data file %q", filePath)
					return
				}
				fileStart := fileIdx * examplesPerFile
				for inFileIdx := 0; inFileIdx < examplesPerFile; inFileIdx++ {
					if _, readErr := io.ReadFull(f, record[:]); readErr != nil {
						err = errors.Wrapf(readErr, "reading example %d (out of %d) from %q",
							inFileIdx, examplesPerFile, filePath)
						_ = f.Close()
						return
					}
					label := int64(record[0])
					if label >= NumClasses {
						err = errors.Errorf("example %d from %q has label %d, valid labels go from 0 to %d",
							inFileIdx, filePath, label, NumClasses-1)
						_ = f.Close()
						return
					}
					exampleIdx := fileStart + inFileIdx
					labelsData[exampleIdx] = label
					convertImageBytes(record[1:], imagesData, exampleIdx)
				}
				if closeErr := f.Close(); closeErr != nil {
					err = errors.Wrapf(closeErr, "closing data file %q", filePath)
					return
				}
			}
		})
	})
	return err
}

// convertImageBytes writes one record worth of pixels into the flat images
// data, at the position of exampleNum. The file stores pixels channel-major
// (all red, all green, all blue), the tensor wants them interleaved.
func convertImageBytes[T dtypes.GoFloat](image []byte, imagesData []T, exampleNum int) {
	tensorPos := exampleNum * imageSizeBytes
	for h := 0; h < Height; h++ {
		for w := 0; w < Width; w++ {
			for d := 0; d < Depth; d++ {
				imagesData[tensorPos] = T(image[d*(Height*Width)+h*(Width)+w]) / T(255)
				tensorPos++
			}
		}
	}
}

// ConvertToGoImage returns one example of an images tensor (shaped
// [N, 32, 32, 3] of any float dtype) as a Go image, undoing the [0, 1]
// scaling.
func ConvertToGoImage(images *tensors.Tensor, exampleNum int) *image.NRGBA {
	img := image.NewNRGBA(image.Rect(0, 0, Width, Height))
	images.ConstFlatData(func(flatAny any) {
		tensorData := reflect.ValueOf(flatAny)
		tensorPos := exampleNum * imageSizeBytes
		floatT := reflect.TypeOf(float64(0))
		for h := 0; h < Height; h++ {
			for w := 0; w < Width; w++ {
				for d := 0; d < Depth; d++ {
					v := tensorData.Index(tensorPos)
					f := v.Convert(floatT).Interface().(float64)
					tensorPos++
					img.Pix[h*img.Stride+w*4+d] = uint8(f * 255)
				}
				img.Pix[h*img.Stride+w*4+3] = uint8(255) // Alpha channel.
			}
		}
	})
	return img
}
