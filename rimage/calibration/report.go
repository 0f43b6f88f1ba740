package calibration

import (
	"math"

	"github.com/golang/geo/r2"
	"github.com/montanaflynn/stats"
	"github.com/samber/lo"
)

// ReprojectionReport summarizes reprojection residuals, predicted minus observed pixel, over
// every point of every sample.
type ReprojectionReport struct {
	Residuals    [][]r2.Point `json:"residuals"`
	PerSampleRMS []float64    `json:"per_sample_rms"`
	RMS          float64      `json:"rms"`
	Mean         float64      `json:"mean"`
	Median       float64      `json:"median"`
	Max          float64      `json:"max"`
}

// NewReprojectionReport computes the statistics of per sample residuals. The RMS is
// sqrt(Σ(du² + dv²) / points).
func NewReprojectionReport(residuals [][]r2.Point) (*ReprojectionReport, error) {
	all := lo.Flatten(residuals)
	if len(all) == 0 {
		return nil, newInputError("no residuals to report")
	}
	lengths := lo.Map(all, func(p r2.Point, _ int) float64 { return p.Norm() })
	norms := stats.Float64Data(lengths)
	squares := stats.Float64Data(lo.Map(lengths, func(n float64, _ int) float64 { return n * n }))

	report := &ReprojectionReport{
		Residuals: residuals,
		PerSampleRMS: lo.Map(residuals, func(res []r2.Point, _ int) float64 {
			return rmsOf(res)
		}),
	}
	meanSquare, err := squares.Mean()
	if err != nil {
		return nil, err
	}
	report.RMS = math.Sqrt(meanSquare)
	if report.Mean, err = norms.Mean(); err != nil {
		return nil, err
	}
	if report.Median, err = norms.Median(); err != nil {
		return nil, err
	}
	if report.Max, err = norms.Max(); err != nil {
		return nil, err
	}
	return report, nil
}

// Outliers returns the sample and point indices of residuals longer than threshold pixels.
func (r *ReprojectionReport) Outliers(threshold float64) [][2]int {
	var out [][2]int
	for i, res := range r.Residuals {
		for j, p := range res {
			if p.Norm() > threshold {
				out = append(out, [2]int{i, j})
			}
		}
	}
	return out
}

func rmsOf(res []r2.Point) float64 {
	if len(res) == 0 {
		return 0
	}
	var sum float64
	for _, p := range res {
		sum += p.Dot(p)
	}
	return math.Sqrt(sum / float64(len(res)))
}
