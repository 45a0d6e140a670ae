package training

import (
	"math"
	"os"
	"path/filepath"

	"github.com/pkg/errors"
	chart "github.com/wcharczuk/go-chart"
)

// ErrTooFewPoints is returned when a chart would have a degenerate x axis.
var ErrTooFewPoints = errors.New("chart needs at least two points")

// LineSeries is one named line of a chart.
type LineSeries struct {
	Name string
	X    []float64
	Y    []float64
}

// PlotLines renders the series to a PNG file.
func PlotLines(path, title, xName, yName string, series []LineSeries) error {
	var (
		chartSeries []chart.Series
		minY        = math.Inf(1)
		maxY        = math.Inf(-1)
	)
	for i, s := range series {
		if len(s.X) < 2 || len(s.X) != len(s.Y) {
			return errors.Wrapf(ErrTooFewPoints, "series %q", s.Name)
		}
		for _, y := range s.Y {
			minY = math.Min(minY, y)
			maxY = math.Max(maxY, y)
		}
		chartSeries = append(chartSeries, chart.ContinuousSeries{
			Name:    s.Name,
			XValues: s.X,
			YValues: s.Y,
			Style: chart.Style{
				Show:        true,
				StrokeColor: chart.GetAlternateColor(i),
			},
		})
	}
	if len(chartSeries) == 0 {
		return ErrTooFewPoints
	}
	if maxY-minY < 1e-9 {
		minY, maxY = minY-0.5, maxY+0.5
	}

	graph := chart.Chart{
		Title:      title,
		TitleStyle: chart.StyleShow(),
		XAxis: chart.XAxis{
			Name:      xName,
			NameStyle: chart.StyleShow(),
			Style:     chart.StyleShow(),
		},
		YAxis: chart.YAxis{
			Name:      yName,
			NameStyle: chart.StyleShow(),
			Style:     chart.StyleShow(),
			Range:     &chart.ContinuousRange{Min: minY, Max: maxY},
		},
		Series: chartSeries,
	}
	graph.Elements = []chart.Renderable{
		chart.LegendLeft(&graph),
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return errors.Wrapf(err, "creating chart directory for %s", path)
	}
	f, err := os.Create(path)
	if err != nil {
		return errors.Wrapf(err, "creating chart %s", path)
	}
	defer f.Close()

	if err := graph.Render(chart.PNG, f); err != nil {
		return errors.Wrapf(err, "rendering chart %s", path)
	}
	return f.Close()
}

// PlotHistory charts training loss and validation accuracy per epoch.
func PlotHistory(path, title string, history []TrainingMetrics) error {
	var epochs, loss, acc []float64
	for _, m := range history {
		epochs = append(epochs, float64(m.Epoch+1))
		loss = append(loss, m.TrainLoss)
		acc = append(acc, m.ValidAccuracy)
	}
	return PlotLines(path, title, "epoch", "value", []LineSeries{
		{Name: "train loss", X: epochs, Y: loss},
		{Name: "val accuracy", X: epochs, Y: acc},
	})
}
