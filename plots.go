// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package cifar10

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"path"
	"sort"
	"strings"

	mg "github.com/erkkah/margaid"
	"github.com/gomlx/gomlx/ml/train/metrics"
	"github.com/gomlx/gomlx/ui/plots"
	"github.com/pkg/errors"
	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/plotutil"
	"gonum.org/v1/plot/vg"
)

// HistoryEntry holds the aggregate training metrics of one epoch.
type HistoryEntry struct {
	// Epoch number, starting at 1.
	Epoch int

	// Loss is the mean training loss over all examples seen during the epoch.
	Loss float64

	// Accuracy is the fraction of training examples correctly classified
	// during the epoch, in the range [0.0, 1.0].
	Accuracy float64
}

// History of a training run, one entry per epoch. It is append-only: entries
// are added at the end as epochs finish, and never rewritten.
type History []HistoryEntry

// Names given to the History metrics when saved as plot points. They follow
// the "Train: <metric>" convention used for training metrics elsewhere, so
// files written by WritePoints and by the plotting callbacks of Fit can be
// read back the same way.
const (
	lossMetricName     = "Train: Loss"
	accuracyMetricName = "Train: Accuracy"
)

// WritePoints appends the history to the given file in the plot points format
// (see package ui/plots), one loss and one accuracy point per epoch, with the
// epoch number as the step.
//
// The file can be plotted with the usual notebook tooling and read back with
// LoadHistory. Writing to the same file across runs accumulates points, which
// is what one wants when continuing training.
func (h History) WritePoints(filePath string) error {
	pointsWriter, errReport := plots.CreatePointsWriter(filePath)
	for _, entry := range h {
		step := float64(entry.Epoch)
		pointsWriter <- plots.Point{
			MetricName: lossMetricName,
			Short:      "T/loss",
			MetricType: metrics.LossMetricType,
			Step:       step,
			Value:      entry.Loss,
		}
		pointsWriter <- plots.Point{
			MetricName: accuracyMetricName,
			Short:      "T/acc",
			MetricType: metrics.AccuracyMetricType,
			Step:       step,
			Value:      entry.Accuracy,
		}
	}
	close(pointsWriter)
	return <-errReport
}

// LoadHistory reads a training history back from a plot points file, written
// either by History.WritePoints or by the plotting callbacks attached during
// Fit.
//
// Points sharing the same step are folded into one entry. If a step carries
// both training and evaluation metrics (as Fit's plotting produces), the
// training ones win. Entries are numbered 1 to N in increasing step order.
func LoadHistory(filePath string) (History, error) {
	points, err := plots.LoadPoints(filePath)
	if err != nil {
		return nil, err
	}
	type pick struct {
		value     float64
		taken     bool
		fromTrain bool
	}
	offer := func(p *pick, value float64, fromTrain bool) {
		if p.taken && p.fromTrain && !fromTrain {
			return
		}
		p.value = value
		p.taken = true
		p.fromTrain = p.fromTrain || fromTrain
	}
	type stepMetrics struct {
		loss, accuracy pick
	}
	byStep := make(map[float64]*stepMetrics)
	for _, point := range points {
		if point.MetricType != metrics.LossMetricType &&
			point.MetricType != metrics.AccuracyMetricType {
			continue
		}
		sm := byStep[point.Step]
		if sm == nil {
			sm = &stepMetrics{}
			byStep[point.Step] = sm
		}
		fromTrain := strings.HasPrefix(point.MetricName, "Train")
		if point.MetricType == metrics.LossMetricType {
			offer(&sm.loss, point.Value, fromTrain)
		} else {
			offer(&sm.accuracy, point.Value, fromTrain)
		}
	}
	steps := make([]float64, 0, len(byStep))
	for step := range byStep {
		steps = append(steps, step)
	}
	sort.Float64s(steps)
	history := make(History, 0, len(steps))
	for _, step := range steps {
		sm := byStep[step]
		history = append(history, HistoryEntry{
			Epoch:    len(history) + 1,
			Loss:     sm.loss.value,
			Accuracy: sm.accuracy.value,
		})
	}
	return history, nil
}

// File names written by History.SavePlots and Evaluation.SavePerClassPlot.
const (
	LossSVGFile          = "training_loss.svg"
	AccuracySVGFile      = "training_accuracy.svg"
	LossPNGFile          = "training_loss.png"
	AccuracyPNGFile      = "training_accuracy.png"
	PerClassAccuracyFile = "per_class_accuracy.png"
)

// historyMetric describes one of the two curves stored in a History.
type historyMetric struct {
	title, yLabel    string
	decimals         int
	fixedRange       bool // Y-axis pinned to [0, 1].
	svgFile, pngFile string
	value            func(HistoryEntry) float64
}

var historyMetrics = []historyMetric{
	{title: "Training Loss", yLabel: "mean loss", decimals: 3,
		svgFile: LossSVGFile, pngFile: LossPNGFile,
		value: func(e HistoryEntry) float64 { return e.Loss }},
	{title: "Training Accuracy", yLabel: "accuracy", decimals: 3, fixedRange: true,
		svgFile: AccuracySVGFile, pngFile: AccuracyPNGFile,
		value: func(e HistoryEntry) float64 { return e.Accuracy }},
}

func (h History) series(m historyMetric) *mg.Series {
	s := mg.NewSeries(mg.Titled(m.title))
	for _, entry := range h {
		s.Add(mg.MakeValue(float64(entry.Epoch), m.value(entry)))
	}
	return s
}

// renderSVG draws one metric curve as an SVG document using Margaid
// (github.com/erkkah/margaid).
func (h History) renderSVG(w io.Writer, width, height int, m historyMetric) error {
	if len(h) == 0 {
		return errors.New("cannot plot an empty history")
	}
	series := h.series(m)
	diagram := mg.New(width, height,
		mg.WithAutorange(mg.XAxis, series),
		mg.WithAutorange(mg.YAxis, series),
		mg.WithInset(70),
		mg.WithPadding(2),
		mg.WithColorScheme(90),
		mg.WithBackgroundColor("#f8f8f8"),
	)
	diagram.Line(series, mg.UsingAxes(mg.XAxis, mg.YAxis), mg.UsingMarker("square"), mg.UsingStrokeWidth(2))
	diagram.Axis(series, mg.XAxis, diagram.ValueTicker('f', 0, 10), false, "epoch")
	diagram.Axis(series, mg.YAxis, diagram.ValueTicker('f', m.decimals, 10), true, m.yLabel)
	diagram.Frame()
	diagram.Title(m.title)
	if err := diagram.Render(w); err != nil {
		return errors.Wrapf(err, "failed to render SVG plot for %q", m.title)
	}
	return nil
}

// PlotToHTML renders the loss and accuracy curves as SVG, returned as an HTML
// snippet ready to be displayed in a notebook.
func (h History) PlotToHTML(width, height int) string {
	parts := make([]string, 0, len(historyMetrics))
	for _, m := range historyMetrics {
		var buf bytes.Buffer
		if err := h.renderSVG(&buf, width, height, m); err != nil {
			return fmt.Sprintf("%+v", err)
		}
		parts = append(parts, buf.String())
	}
	return strings.Join(parts, "\n")
}

// savePNG draws one metric curve with gonum/plot and saves it as a PNG file.
func (h History) savePNG(filePath string, m historyMetric) error {
	if len(h) == 0 {
		return errors.New("cannot plot an empty history")
	}
	xys := make(plotter.XYs, len(h))
	for ii, entry := range h {
		xys[ii] = plotter.XY{X: float64(entry.Epoch), Y: m.value(entry)}
	}
	p := plot.New()
	p.Title.Text = m.title
	p.X.Label.Text = "epoch"
	p.Y.Label.Text = m.yLabel
	if m.fixedRange {
		p.Y.Min, p.Y.Max = 0, 1
	}
	p.Add(plotter.NewGrid())
	line, points, err := plotter.NewLinePoints(xys)
	if err != nil {
		return errors.Wrapf(err, "failed to plot %q", m.title)
	}
	line.Color = plotutil.Color(0)
	line.Width = vg.Points(2)
	points.Color = plotutil.Color(0)
	p.Add(line, points)
	if err = p.Save(8*vg.Inch, 4*vg.Inch, filePath); err != nil {
		return errors.Wrapf(err, "failed to save plot to %q", filePath)
	}
	return nil
}

// SavePlots renders the history curves into dir: loss and accuracy per epoch,
// each both as SVG (LossSVGFile, AccuracySVGFile) and as PNG (LossPNGFile,
// AccuracyPNGFile).
func (h History) SavePlots(dir string) error {
	for _, m := range historyMetrics {
		svgPath := path.Join(dir, m.svgFile)
		f, err := os.Create(svgPath)
		if err != nil {
			return errors.Wrapf(err, "failed to create %q", svgPath)
		}
		err = h.renderSVG(f, 1024, 400, m)
		if err != nil {
			_ = f.Close()
			return err
		}
		if err = f.Close(); err != nil {
			return errors.Wrapf(err, "failed to close %q", svgPath)
		}
		if err = h.savePNG(path.Join(dir, m.pngFile), m); err != nil {
			return err
		}
	}
	return nil
}

// SavePerClassPlot renders the per-class accuracies of the evaluation as a
// bar chart, one bar per CIFAR-10 class, and saves it as a PNG file.
func (e *Evaluation) SavePerClassPlot(filePath string) error {
	accuracies := e.PerClassAccuracy()
	values := make(plotter.Values, NumClasses)
	for class, accuracy := range accuracies {
		values[class] = accuracy
	}
	p := plot.New()
	p.Title.Text = "Per-Class Accuracy"
	p.Y.Label.Text = "accuracy"
	p.Y.Min, p.Y.Max = 0, 1
	bars, err := plotter.NewBarChart(values, vg.Points(30))
	if err != nil {
		return errors.Wrap(err, "failed to build per-class accuracy chart")
	}
	bars.LineStyle.Width = vg.Length(0)
	bars.Color = plotutil.Color(2)
	p.Add(bars)
	p.NominalX(Labels...)
	if err = p.Save(8*vg.Inch, 4*vg.Inch, filePath); err != nil {
		return errors.Wrapf(err, "failed to save plot to %q", filePath)
	}
	return nil
}
