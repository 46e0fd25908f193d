// Package formulas holds small statistical helpers over gonum/stat.
package formulas

import (
	"math"

	"gonum.org/v1/gonum/stat"
)

// TradingDaysPerYear is the default annualization factor for daily returns.
const TradingDaysPerYear = 252.0

// Mean calculates the arithmetic mean of a slice of float64 values
func Mean(data []float64) float64 {
	if len(data) == 0 {
		return 0
	}
	return stat.Mean(data, nil)
}

// StdDev calculates the sample standard deviation (N-1 denominator)
func StdDev(data []float64) float64 {
	if len(data) < 2 {
		return 0
	}
	return stat.StdDev(data, nil)
}

// Variance calculates the sample variance (N-1 denominator)
func Variance(data []float64) float64 {
	if len(data) < 2 {
		return 0
	}
	return stat.Variance(data, nil)
}

// AnnualizedMean scales the mean periodic return by periodsPerYear.
// Non-positive periodsPerYear selects TradingDaysPerYear.
func AnnualizedMean(returns []float64, periodsPerYear float64) float64 {
	return Mean(returns) * periodsOrDefault(periodsPerYear)
}

// AnnualizedVolatility calculates annualized volatility from periodic returns
// Formula: StdDev(returns) × sqrt(periodsPerYear)
func AnnualizedVolatility(returns []float64, periodsPerYear float64) float64 {
	return StdDev(returns) * math.Sqrt(periodsOrDefault(periodsPerYear))
}

// Correlation calculates the Pearson correlation coefficient between two datasets
func Correlation(x, y []float64) float64 {
	if len(x) < 2 || len(x) != len(y) {
		return 0
	}
	return stat.Correlation(x, y, nil)
}

// Covariance calculates the sample covariance between two datasets
func Covariance(x, y []float64) float64 {
	if len(x) < 2 || len(x) != len(y) {
		return 0
	}
	return stat.Covariance(x, y, nil)
}

// CompoundAnnualReturn calculates the compound annual growth rate of a return series
//
// Formula: ((1+r1)*(1+r2)*...*(1+rN))^(periodsPerYear/N) - 1
//
// Series shorter than 3 periods return the simple cumulative return to avoid
// extreme annualization.
func CompoundAnnualReturn(returns []float64, periodsPerYear float64) float64 {
	if len(returns) == 0 {
		return 0
	}

	cumulative := 1.0
	for _, r := range returns {
		cumulative *= 1 + r
	}

	n := float64(len(returns))
	if n < 3 {
		return cumulative - 1
	}
	if cumulative <= 0 {
		return -1
	}

	years := n / periodsOrDefault(periodsPerYear)
	return math.Pow(cumulative, 1.0/years) - 1
}

func periodsOrDefault(periodsPerYear float64) float64 {
	if periodsPerYear <= 0 {
		return TradingDaysPerYear
	}
	return periodsPerYear
}
