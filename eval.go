// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package cifar10

import (
	"fmt"
	"io"
	"strings"

	"github.com/charmbracelet/lipgloss"
	lgtable "github.com/charmbracelet/lipgloss/table"
	"github.com/dustin/go-humanize"
	"github.com/go-gota/gota/dataframe"
	"github.com/go-gota/gota/series"
	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/backends"
	. "github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/types/tensors"
	"github.com/gomlx/gopjrt/dtypes"
)

// Evaluation tallies model predictions against true classes.
// The zero value is an empty tally, ready to use.
type Evaluation struct {
	// NumExamples tallied.
	NumExamples int

	// Confusion matrix: Confusion[i][j] counts the examples of true class i
	// that the model predicted as class j. Diagonal entries are the correct
	// predictions. The sum of all entries is always NumExamples, and the sum
	// of row i is the number of examples of class i evaluated.
	Confusion [NumClasses][NumClasses]int
}

// Add tallies one example. Both classes must be in [0, NumClasses).
func (e *Evaluation) Add(trueClass, predictedClass int) {
	if trueClass < 0 || trueClass >= NumClasses || predictedClass < 0 || predictedClass >= NumClasses {
		exceptions.Panicf("Evaluation.Add(trueClass=%d, predictedClass=%d): classes must be in [0, %d)",
			trueClass, predictedClass, NumClasses)
	}
	e.Confusion[trueClass][predictedClass]++
	e.NumExamples++
}

// NumCorrect predictions tallied: the diagonal of the confusion matrix.
func (e *Evaluation) NumCorrect() int {
	correct := 0
	for i := 0; i < NumClasses; i++ {
		correct += e.Confusion[i][i]
	}
	return correct
}

// Accuracy is the fraction of examples predicted correctly, from 0 to 1.
// It is 0 for an empty tally.
func (e *Evaluation) Accuracy() float64 {
	if e.NumExamples == 0 {
		return 0
	}
	return float64(e.NumCorrect()) / float64(e.NumExamples)
}

// ClassTotal returns how many examples of the given true class were tallied.
func (e *Evaluation) ClassTotal(class int) int {
	total := 0
	for j := 0; j < NumClasses; j++ {
		total += e.Confusion[class][j]
	}
	return total
}

// PerClassAccuracy returns, per true class, the fraction of its examples
// predicted correctly. Classes with no examples tallied get 0.
func (e *Evaluation) PerClassAccuracy() [NumClasses]float64 {
	var accuracies [NumClasses]float64
	for i := 0; i < NumClasses; i++ {
		total := e.ClassTotal(i)
		if total == 0 {
			continue
		}
		accuracies[i] = float64(e.Confusion[i][i]) / float64(total)
	}
	return accuracies
}

// Evaluate runs batched inference over one loaded partition and tallies the
// results. The model runs in inference mode (dropout inert), and the final
// incomplete batch is never dropped, so every example of the partition is
// counted exactly once.
//
// ctx must hold the trained model variables, e.g. the context used with Fit
// or CustomLoop, or one restored with checkpoints.Load.
func Evaluate(backend backends.Backend, ctx *context.Context, loaded ImagesAndLabels, batchSize int) (*Evaluation, error) {
	var ev *Evaluation
	err := exceptions.TryCatch[error](func() { ev = evaluateImpl(backend, ctx, loaded, batchSize) })
	return ev, err
}

func evaluateImpl(backend backends.Backend, ctx *context.Context, loaded ImagesAndLabels, batchSize int) *Evaluation {
	ds, err := NewDataset("eval", loaded, batchSize, false, nil)
	if err != nil {
		panic(err)
	}
	exec := context.NewExec(backend, ctx, func(ctx *context.Context, images *Node) *Node {
		predictions := ConvModelGraph(ctx, nil, []*Node{images})[0]
		return ArgMax(predictions, -1, dtypes.Int64)
	})

	ev := &Evaluation{}
	for {
		_, inputs, labels, yieldErr := ds.Yield()
		if yieldErr == io.EOF {
			break
		}
		if yieldErr != nil {
			panic(yieldErr)
		}
		choices := tensors.CopyFlatData[int64](exec.Call(inputs[0])[0])
		truth := tensors.CopyFlatData[int64](labels[0])
		for i := range choices {
			ev.Add(int(truth[i]), int(choices[i]))
		}
	}
	return ev
}

// Report renders the evaluation for the command line: the overall accuracy,
// the confusion matrix and the per-class accuracies.
func (e *Evaluation) Report() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Accuracy: %.2f%% (%s of %s examples)\n",
		100*e.Accuracy(), humanize.Comma(int64(e.NumCorrect())), humanize.Comma(int64(e.NumExamples)))
	sb.WriteString(e.confusionTable())
	sb.WriteString("\n")
	sb.WriteString(e.perClassTable())
	sb.WriteString("\n")
	return sb.String()
}

// WriteCSV writes the per-class results (class, examples, correct, accuracy)
// as CSV, for further analysis outside the program.
func (e *Evaluation) WriteCSV(w io.Writer) error {
	names := make([]string, NumClasses)
	totals := make([]int, NumClasses)
	correct := make([]int, NumClasses)
	accuracies := make([]float64, NumClasses)
	perClass := e.PerClassAccuracy()
	for class := 0; class < NumClasses; class++ {
		names[class] = LabelName(class)
		totals[class] = e.ClassTotal(class)
		correct[class] = e.Confusion[class][class]
		accuracies[class] = perClass[class]
	}
	df := dataframe.New(
		series.New(names, series.String, "class"),
		series.New(totals, series.Int, "examples"),
		series.New(correct, series.Int, "correct"),
		series.New(accuracies, series.Float, "accuracy"),
	)
	return df.WriteCSV(w)
}

var (
	headerRowStyle = lipgloss.NewStyle().Reverse(true).
			Padding(0, 2, 0, 2).Align(lipgloss.Center)
	oddRowStyle = lipgloss.NewStyle().Faint(false).
			PaddingLeft(1).PaddingRight(1)
	evenRowStyle = lipgloss.NewStyle().Faint(true).
			PaddingLeft(1).PaddingRight(1)
)

func newPlainTable(alignments ...lipgloss.Position) *lgtable.Table {
	return lgtable.New().
		Border(lipgloss.NormalBorder()).
		BorderStyle(lipgloss.NewStyle().Foreground(lipgloss.Color("99"))).
		StyleFunc(func(row, col int) (s lipgloss.Style) {
			if row < 0 {
				return headerRowStyle
			}
			if row%2 == 0 {
				s = oddRowStyle
			} else {
				s = evenRowStyle
			}
			alignment := lipgloss.Left
			if col < len(alignments) {
				alignment = alignments[col]
			} else if len(alignments) > 0 {
				alignment = alignments[len(alignments)-1]
			}
			s = s.Align(alignment)
			return
		})
}

func (e *Evaluation) confusionTable() string {
	table := newPlainTable(lipgloss.Left, lipgloss.Right)
	headers := make([]string, 0, NumClasses+2)
	headers = append(headers, "true \\ predicted")
	headers = append(headers, Labels...)
	headers = append(headers, "total")
	table.Headers(headers...)
	for i := 0; i < NumClasses; i++ {
		row := make([]string, 0, NumClasses+2)
		row = append(row, LabelName(i))
		for j := 0; j < NumClasses; j++ {
			row = append(row, humanize.Comma(int64(e.Confusion[i][j])))
		}
		row = append(row, humanize.Comma(int64(e.ClassTotal(i))))
		table.Row(row...)
	}
	return table.Render()
}

func (e *Evaluation) perClassTable() string {
	table := newPlainTable(lipgloss.Left, lipgloss.Right)
	table.Headers("Class", "Examples", "Correct", "Accuracy")
	perClass := e.PerClassAccuracy()
	for class := 0; class < NumClasses; class++ {
		table.Row(
			LabelName(class),
			humanize.Comma(int64(e.ClassTotal(class))),
			humanize.Comma(int64(e.Confusion[class][class])),
			fmt.Sprintf("%.2f%%", 100*perClass[class]),
		)
	}
	return table.Render()
}
