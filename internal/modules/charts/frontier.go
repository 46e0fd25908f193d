// Package charts renders optimization results as images.
package charts

import (
	"errors"
	"fmt"
	"math"
	"sort"

	"github.com/aristath/markowitz/internal/modules/optimization"
	"github.com/rs/zerolog"
	charts "github.com/vicanso/go-charts/v2"
)

// ErrNotEnoughPoints is returned when a curve has fewer than two attained points.
var ErrNotEnoughPoints = errors.New("not enough attained frontier points to draw")

// volatilitySamples is the number of evenly spaced volatility ticks the
// curve is resampled onto.
const volatilitySamples = 40

// Service renders frontier charts
type Service struct {
	width  int
	height int
	log    zerolog.Logger
}

// NewService creates a new charts service
func NewService(log zerolog.Logger) *Service {
	return &Service{
		width:  900,
		height: 600,
		log:    log.With().Str("service", "charts").Logger(),
	}
}

// FrontierPNG draws expected return against volatility for the attained
// points of the curve. The line chart has a category x-axis, so the curve is
// resampled onto evenly spaced volatilities to keep that axis to scale.
// maxSharpe is optional and only adds a subtitle.
func (s *Service) FrontierPNG(curve *optimization.FrontierCurve, maxSharpe *optimization.PortfolioResult) ([]byte, error) {
	if curve == nil {
		return nil, ErrNotEnoughPoints
	}

	vols, rets := resampleByVolatility(curve.Points, volatilitySamples)
	if len(vols) < 2 {
		return nil, ErrNotEnoughPoints
	}
	xLabels := make([]string, len(vols))
	values := make([]float64, len(rets))
	for i := range vols {
		xLabels[i] = fmt.Sprintf("%.1f%%", vols[i]*100)
		values[i] = rets[i] * 100
	}

	yMin, yMax := values[0], values[0]
	for _, v := range values {
		yMin = math.Min(yMin, v)
		yMax = math.Max(yMax, v)
	}
	pad := (yMax - yMin) * 0.05
	if pad == 0 {
		pad = math.Max(math.Abs(yMax)*0.05, 0.5)
	}
	yMin -= pad
	yMax += pad

	title := fmt.Sprintf("Efficient Frontier (%d assets)", len(curve.Assets))
	if maxSharpe != nil && maxSharpe.SharpeRatio != nil {
		title += fmt.Sprintf("\nMax Sharpe: %.3f | Return: %.2f%% | Vol: %.2f%%",
			*maxSharpe.SharpeRatio, maxSharpe.ExpectedReturn*100, maxSharpe.Volatility*100)
	}

	splitNum := len(xLabels) / 3
	if splitNum < 3 {
		splitNum = 3
	}
	if splitNum > 10 {
		splitNum = 10
	}

	p, err := charts.LineRender(
		[][]float64{values},
		charts.WidthOptionFunc(s.width),
		charts.HeightOptionFunc(s.height),
		charts.TitleTextOptionFunc(title),
		charts.XAxisOptionFunc(charts.XAxisOption{
			Data:        xLabels,
			SplitNumber: splitNum,
			BoundaryGap: charts.FalseFlag(),
		}),
		charts.YAxisOptionFunc(charts.YAxisOption{
			Min:         &yMin,
			Max:         &yMax,
			DivideCount: 5,
		}),
		charts.ThemeOptionFunc(charts.ThemeLight),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to render frontier chart: %w", err)
	}

	buf, err := p.Bytes()
	if err != nil {
		return nil, fmt.Errorf("failed to generate chart bytes: %w", err)
	}

	s.log.Debug().Int("points", len(values)).Int("bytes", len(buf)).Msg("Rendered frontier chart")
	return buf, nil
}

// resampleByVolatility linearly interpolates return over samples evenly
// spaced volatilities between the smallest and largest attained volatility.
// When every attained point has the same volatility the points are returned
// unchanged in frontier order.
func resampleByVolatility(points []optimization.FrontierPoint, samples int) (vols, rets []float64) {
	var attained []optimization.FrontierPoint
	for _, p := range points {
		if p.Attained && !math.IsNaN(p.Volatility) && !math.IsNaN(p.Return) {
			attained = append(attained, p)
		}
	}
	if len(attained) < 2 {
		return nil, nil
	}

	sorted := append([]optimization.FrontierPoint(nil), attained...)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Volatility < sorted[j].Volatility })
	lo, hi := sorted[0].Volatility, sorted[len(sorted)-1].Volatility
	if hi-lo <= 1e-12 || samples < 2 {
		for _, p := range attained {
			vols = append(vols, p.Volatility)
			rets = append(rets, p.Return)
		}
		return vols, rets
	}

	vols = make([]float64, samples)
	rets = make([]float64, samples)
	seg := 0
	for k := range vols {
		v := lo + (hi-lo)*float64(k)/float64(samples-1)
		if k == samples-1 {
			v = hi
		}
		for seg < len(sorted)-2 && sorted[seg+1].Volatility < v {
			seg++
		}
		a, b := sorted[seg], sorted[seg+1]
		vols[k] = v
		if width := b.Volatility - a.Volatility; width > 0 {
			t := math.Min(math.Max((v-a.Volatility)/width, 0), 1)
			rets[k] = a.Return + t*(b.Return-a.Return)
		} else {
			rets[k] = math.Max(a.Return, b.Return)
		}
	}
	return vols, rets
}
