package optimization

import (
	"math"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

// PortfolioReturn returns w·mu.
func PortfolioReturn(weights, expectedReturns []float64) float64 {
	return floats.Dot(weights, expectedReturns)
}

// PortfolioVariance returns wᵀΣw.
func PortfolioVariance(weights []float64, cov mat.Symmetric) float64 {
	w := mat.NewVecDense(len(weights), weights)
	return mat.Inner(w, cov, w)
}

// PortfolioVolatility returns sqrt(wᵀΣw). Slightly negative variances from
// rounding are clamped to zero.
func PortfolioVolatility(weights []float64, cov mat.Symmetric) float64 {
	return math.Sqrt(math.Max(0, PortfolioVariance(weights, cov)))
}

// PortfolioSharpe returns (w·mu - riskFreeRate) / volatility, or 0 when the
// volatility is not positive.
func PortfolioSharpe(weights, expectedReturns []float64, cov mat.Symmetric, riskFreeRate float64) float64 {
	vol := PortfolioVolatility(weights, cov)
	if vol <= 0 {
		return 0
	}
	return (PortfolioReturn(weights, expectedReturns) - riskFreeRate) / vol
}

// Metrics are the evaluated characteristics of one weight vector.
type Metrics struct {
	ExpectedReturn float64 `json:"expected_return"`
	Volatility     float64 `json:"volatility"`
	SharpeRatio    float64 `json:"sharpe_ratio"`
}

// Evaluate computes return, volatility and Sharpe for weights given in the
// same asset order as s.
func (s *Statistics) Evaluate(weights []float64, riskFreeRate float64) (Metrics, error) {
	if len(weights) != s.NumAssets() {
		return Metrics{}, invalidf("weights", "got %d weights for %d assets", len(weights), s.NumAssets())
	}
	for _, w := range weights {
		if math.IsNaN(w) || math.IsInf(w, 0) {
			return Metrics{}, invalidf("weights", "non-finite weight")
		}
	}
	vol := PortfolioVolatility(weights, s.Covariance)
	ret := PortfolioReturn(weights, s.ExpectedReturns)
	sharpe := 0.0
	if vol > 0 {
		sharpe = (ret - riskFreeRate) / vol
	}
	return Metrics{ExpectedReturn: ret, Volatility: vol, SharpeRatio: sharpe}, nil
}

// volatilityObjective is f(w) = sqrt(wᵀΣw) with gradient Σw/σ (zero at σ = 0).
func volatilityObjective(cov *mat.SymDense) Objective {
	n := cov.SymmetricDim()
	return Objective{
		Func: func(w []float64) float64 {
			return PortfolioVolatility(w, cov)
		},
		Grad: func(grad, w []float64) {
			sigmaW := mat.NewVecDense(n, grad)
			sigmaW.MulVec(cov, mat.NewVecDense(n, w))
			vol := math.Sqrt(math.Max(0, floats.Dot(w, grad)))
			if vol <= 0 {
				floats.Scale(0, grad)
				return
			}
			floats.Scale(1/vol, grad)
		},
	}
}

// negativeSharpeObjective is f(w) = -(w·mu - rf)/σ with gradient
// -(mu/σ - (w·mu - rf) Σw/σ³). Both are zero where σ = 0.
func negativeSharpeObjective(mu []float64, cov *mat.SymDense, riskFreeRate float64) Objective {
	n := cov.SymmetricDim()
	return Objective{
		Func: func(w []float64) float64 {
			return -PortfolioSharpe(w, mu, cov, riskFreeRate)
		},
		Grad: func(grad, w []float64) {
			sigmaW := mat.NewVecDense(n, grad)
			sigmaW.MulVec(cov, mat.NewVecDense(n, w))
			variance := floats.Dot(w, grad)
			if variance <= 0 {
				floats.Scale(0, grad)
				return
			}
			vol := math.Sqrt(variance)
			excess := floats.Dot(w, mu) - riskFreeRate
			for i := range grad {
				grad[i] = -(mu[i]/vol - excess*grad[i]/(variance*vol))
			}
		},
	}
}
