package stats

import (
	"fmt"

	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"

	"picobot/internal/model"
)

// WriteFitnessPlot draws best and mean fitness per generation to a PNG at
// path.
func WriteFitnessPlot(path, title string, history []model.GenerationStats) error {
	if len(history) == 0 {
		return fmt.Errorf("fitness plot needs at least one generation")
	}

	p := plot.New()
	p.Title.Text = title
	p.X.Label.Text = "Generation"
	p.Y.Label.Text = "Fitness"
	p.Y.Min = 0

	bestPts := make(plotter.XYs, len(history))
	meanPts := make(plotter.XYs, len(history))
	for i, stats := range history {
		bestPts[i].X = float64(stats.Generation)
		bestPts[i].Y = stats.BestFitness
		meanPts[i].X = float64(stats.Generation)
		meanPts[i].Y = stats.MeanFitness
	}

	bestLine, err := plotter.NewLine(bestPts)
	if err != nil {
		return err
	}
	meanLine, err := plotter.NewLine(meanPts)
	if err != nil {
		return err
	}
	meanLine.Dashes = []vg.Length{vg.Points(4), vg.Points(2)}

	p.Add(bestLine, meanLine)
	p.Legend.Add("best", bestLine)
	p.Legend.Add("mean", meanLine)
	p.Legend.Top = true
	p.Legend.Left = true

	return p.Save(6*vg.Inch, 4*vg.Inch, path)
}
