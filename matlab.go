// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package cifar10

import (
	"os"
	"path"

	"github.com/daniellowtw/matlab"
	"github.com/gomlx/gomlx/ml/data"
	"github.com/gomlx/gomlx/types/shapes"
	"github.com/gomlx/gomlx/types/tensors"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"
)

const (
	// MatlabDownloadURL is the official address of the MATLAB version of the
	// dataset.
	MatlabDownloadURL = "https://www.cs.toronto.edu/~kriz/cifar-10-matlab.tar.gz"

	// MatlabTarName is the name of the downloaded tar file.
	MatlabTarName = "cifar-10-matlab.tar.gz"

	// MatlabSubDir is the directory created under the base data directory when
	// the tar file is extracted.
	MatlabSubDir = "cifar-10-batches-mat"
)

// DownloadMatlab downloads the MATLAB (.mat) version of the dataset to
// baseDir, if it hasn't been downloaded already. There is no published
// checksum for this file, so its contents are not verified.
//
// Most users want Download and Load instead; this version exists for
// environments that already mirror the MATLAB files.
func DownloadMatlab(baseDir string) error {
	return data.DownloadAndUntarIfMissing(MatlabDownloadURL, baseDir, MatlabTarName, MatlabSubDir, "")
}

// matFiles lists the MATLAB files of the partition, in order.
func (p Partition) matFiles() []string {
	if p == Train {
		return []string{"data_batch_1.mat", "data_batch_2.mat", "data_batch_3.mat", "data_batch_4.mat", "data_batch_5.mat"}
	}
	return []string{"test_batch.mat"}
}

// LoadMatlab parses the MATLAB files of one partition, downloaded by
// DownloadMatlab, into the exact same tensors Load produces from the binary
// files: same shapes, dtype, [0, 1] scaling and label values, record by
// record.
func LoadMatlab(baseDir string, partition Partition, dtype dtypes.DType) (ImagesAndLabels, error) {
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
		err = loadMatlabFiles[float32](baseDir, partition, images, labels)
	case dtypes.Float64:
		err = loadMatlabFiles[float64](baseDir, partition, images, labels)
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

func loadMatlabFiles[T dtypes.GoFloat](baseDir string, partition Partition, images, labels *tensors.Tensor) error {
	var err error
	tensors.MutableFlatData[T](images, func(imagesData []T) {
		tensors.MutableFlatData[int64](labels, func(labelsData []int64) {
			for fileIdx, fileName := range partition.matFiles() {
				filePath := path.Join(baseDir, MatlabSubDir, fileName)
				err = parseMatlabBatch(filePath, fileIdx*examplesPerFile, imagesData, labelsData)
				if err != nil {
					return
				}
			}
		})
	})
	return err
}

// parseMatlabBatch reads the "data" and "labels" variables of one .mat batch
// file and writes examplesPerFile examples starting at fileStart.
//
// The "data" variable is a [10000, 3072] uint8 matrix whose values come
// column-major (MATLAB order), so pixel j of record i is at flat position
// j*numRows+i. Within a record, pixels follow the same channel-major order of
// the binary files.
func parseMatlabBatch[T dtypes.GoFloat](filePath string, fileStart int, imagesData []T, labelsData []int64) error {
	f, err := os.Open(filePath)
	if err != nil {
		return errors.Wrapf(err, "opening data file %q", filePath)
	}
	defer func() { _ = f.Close() }()
	matFile, err := matlab.NewFileFromReader(f)
	if err != nil {
		return errors.Wrapf(err, "parsing MATLAB file %q", filePath)
	}

	labelsVar, found := matFile.GetVar("labels")
	if !found {
		return errors.Errorf("no \"labels\" variable in MATLAB file %q", filePath)
	}
	labelsValues := labelsVar.Value()
	numRows := len(labelsValues)
	if numRows != examplesPerFile {
		return errors.Errorf("MATLAB file %q has %d labels, expected %d", filePath, numRows, examplesPerFile)
	}

	dataVar, found := matFile.GetVar("data")
	if !found {
		return errors.Errorf("no \"data\" variable in MATLAB file %q", filePath)
	}
	dataValues := dataVar.Value()
	if len(dataValues) != numRows*imageSizeBytes {
		return errors.Errorf("MATLAB file %q has %d pixel values, expected %d x %d",
			filePath, len(dataValues), numRows, imageSizeBytes)
	}
	pixels := make([]byte, len(dataValues))
	for j, value := range dataValues {
		pixel, ok := value.(uint8)
		if !ok {
			return errors.Errorf("pixel %d in MATLAB file %q is a %T, expected uint8", j, filePath, value)
		}
		pixels[j] = pixel
	}

	record := make([]byte, imageSizeBytes)
	for i := 0; i < numRows; i++ {
		labelValue, ok := labelsValues[i].(uint8)
		if !ok {
			return errors.Errorf("label %d in MATLAB file %q is a %T, expected uint8", i, filePath, labelsValues[i])
		}
		label := int64(labelValue)
		if label >= NumClasses {
			return errors.Errorf("example %d from %q has label %d, valid labels go from 0 to %d",
				i, filePath, label, NumClasses-1)
		}
		labelsData[fileStart+i] = label
		for j := 0; j < imageSizeBytes; j++ {
			record[j] = pixels[j*numRows+i]
		}
		convertImageBytes(record, imagesData, fileStart+i)
	}
	return nil
}
