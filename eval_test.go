// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package cifar10

import (
	"bytes"
	"strings"
	"testing"

	"github.com/gomlx/gomlx/graph/graphtest"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEvaluationTally(t *testing.T) {
	var ev Evaluation // The zero value is an empty tally, ready to use.
	ev.Add(0, 0)
	ev.Add(0, 0)
	ev.Add(0, 3)
	ev.Add(3, 3)
	ev.Add(3, 0)
	ev.Add(9, 9)

	assert.Equal(t, 6, ev.NumExamples)
	assert.Equal(t, 4, ev.NumCorrect())
	assert.InDelta(t, 4.0/6.0, ev.Accuracy(), 1e-9)
	assert.Equal(t, 3, ev.ClassTotal(0))
	assert.Equal(t, 2, ev.ClassTotal(3))
	assert.Equal(t, 1, ev.ClassTotal(9))
	assert.Equal(t, 0, ev.ClassTotal(5))

	// The confusion matrix adds up to the number of examples, and each row to
	// its class total.
	sum := 0
	for i := 0; i < NumClasses; i++ {
		rowSum := 0
		for j := 0; j < NumClasses; j++ {
			rowSum += ev.Confusion[i][j]
		}
		assert.Equal(t, ev.ClassTotal(i), rowSum)
		sum += rowSum
	}
	assert.Equal(t, ev.NumExamples, sum)

	perClass := ev.PerClassAccuracy()
	assert.InDelta(t, 2.0/3.0, perClass[0], 1e-9)
	assert.InDelta(t, 0.5, perClass[3], 1e-9)
	assert.InDelta(t, 1.0, perClass[9], 1e-9)
	for _, class := range []int{1, 2, 4, 5, 6, 7, 8} {
		assert.Zero(t, perClass[class], "classes without examples score 0")
	}

	require.Panics(t, func() { ev.Add(NumClasses, 0) })
	require.Panics(t, func() { ev.Add(0, -1) })
}

func TestEvaluationEmpty(t *testing.T) {
	var ev Evaluation
	assert.Zero(t, ev.NumCorrect())
	assert.Zero(t, ev.Accuracy())
	assert.Equal(t, [NumClasses]float64{}, ev.PerClassAccuracy())
}

func TestEvaluationReport(t *testing.T) {
	var ev Evaluation
	ev.Add(0, 0)
	ev.Add(1, 0)
	report := ev.Report()
	assert.Contains(t, report, "Accuracy: 50.00%")
	assert.Contains(t, report, "airplane")
	assert.Contains(t, report, "automobile")
}

func TestEvaluationWriteCSV(t *testing.T) {
	var ev Evaluation
	ev.Add(0, 0)
	ev.Add(0, 1)
	ev.Add(1, 1)

	var buf bytes.Buffer
	require.NoError(t, ev.WriteCSV(&buf))
	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, NumClasses+1)
	assert.Equal(t, "class,examples,correct,accuracy", lines[0])
	assert.True(t, strings.HasPrefix(lines[1], "airplane,2,1,0.5"), "got %q", lines[1])
	assert.True(t, strings.HasPrefix(lines[2], "automobile,1,1,1"), "got %q", lines[2])
	assert.True(t, strings.HasPrefix(lines[10], "truck,0,0,0"), "got %q", lines[10])
}

func TestEvaluate(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	ctx := context.New()
	labels := []int64{0, 1, 2, 3, 4, 5, 6, 7, 8, 9}
	loaded := syntheticImagesAndLabels(t, labels)

	// Evaluation never drops the final incomplete batch: 10 examples in
	// batches of 3 are still all counted, exactly once.
	ev, err := Evaluate(backend, ctx, loaded, 3)
	require.NoError(t, err)
	assert.Equal(t, 10, ev.NumExamples)
	for class := 0; class < NumClasses; class++ {
		assert.Equal(t, 1, ev.ClassTotal(class))
	}
	assert.InDelta(t, float64(ev.NumCorrect())/10.0, ev.Accuracy(), 1e-9)

	_, err = Evaluate(backend, ctx, loaded, 0)
	require.ErrorContains(t, err, "batch size must be positive")
}
