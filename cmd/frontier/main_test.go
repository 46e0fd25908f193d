package main

import (
	"bytes"
	"context"
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/aristath/markowitz/internal/modules/optimization"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleCSV = `date,AAA,BBB,CCC
2024-01-01,0.010,0.002,-0.004
2024-01-02,-0.004,0.001,0.012
2024-01-03,0.006,-0.002,0.003
2024-01-04,0.002,0.003,-0.006
2024-01-05,-0.001,0.000,0.009
2024-01-08,0.004,0.002,0.001
`

func writeSample(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "returns.csv")
	require.NoError(t, os.WriteFile(path, []byte(sampleCSV), 0o644))
	return path
}

func TestRun_PrintsSummary(t *testing.T) {
	var stdout, stderr bytes.Buffer
	err := run(context.Background(), []string{"-returns", writeSample(t), "-points", "5", "-log-level", "disabled"}, &stdout, &stderr)
	require.NoError(t, err)

	out := stdout.String()
	assert.Contains(t, out, "Symbols used: AAA, BBB, CCC")
	assert.Contains(t, out, "--- Min Variance Portfolio ---")
	assert.Contains(t, out, "--- Max Sharpe Portfolio ---")
	assert.Contains(t, out, "Sharpe ratio:")
	assert.Contains(t, out, "--- Efficient Frontier (")
}

func TestRun_MaxSharpeOnlyWithChart(t *testing.T) {
	dir := t.TempDir()
	chart := filepath.Join(dir, "frontier.png")

	var stdout, stderr bytes.Buffer
	err := run(context.Background(), []string{"-returns", writeSample(t), "-max-sharpe-only", "-chart", chart}, &stdout, &stderr)
	require.Error(t, err)
	assert.NoFileExists(t, chart)
}

func TestRun_WritesChart(t *testing.T) {
	chart := filepath.Join(t.TempDir(), "frontier.png")

	var stdout, stderr bytes.Buffer
	err := run(context.Background(), []string{"-returns", writeSample(t), "-points", "5", "-chart", chart, "-log-level", "disabled"}, &stdout, &stderr)
	require.NoError(t, err)

	data, err := os.ReadFile(chart)
	require.NoError(t, err)
	assert.Equal(t, []byte("\x89PNG"), data[:4])
}

func TestRun_InvalidFlags(t *testing.T) {
	testCases := []struct {
		name string
		args []string
	}{
		{"missing returns", nil},
		{"unknown backend", []string{"-returns", "x.csv", "-backend", "nope"}},
		{"unknown flag", []string{"-bogus"}},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			var stdout, stderr bytes.Buffer
			err := run(context.Background(), tc.args, &stdout, &stderr)
			assert.Error(t, err)
			assert.Empty(t, stdout.String())
		})
	}
}

func TestWriteReport(t *testing.T) {
	sharpe := 1.23456
	r := report{
		Assets:       []string{"A", "B"},
		Observations: 10,
		MaxSharpe: &optimization.PortfolioResult{
			Kind:           optimization.KindMaxSharpe,
			Assets:         []string{"A", "B"},
			Weights:        []float64{0.25, 0.75},
			ExpectedReturn: 0.1234,
			Volatility:     0.2,
			SharpeRatio:    &sharpe,
		},
		Frontier: &optimization.FrontierCurve{
			Points: []optimization.FrontierPoint{
				{Index: 0, TargetReturn: 0.1, Return: 0.1, Volatility: 0.15, Attained: true},
				{Index: 1, TargetReturn: 0.2, Return: math.NaN(), Volatility: math.NaN()},
			},
		},
		Failures: []string{"Min variance optimization failed: boom"},
	}

	var buf bytes.Buffer
	require.NoError(t, writeReport(&buf, r))
	out := buf.String()

	assert.Contains(t, out, "Min variance optimization failed: boom")
	assert.NotContains(t, out, "Min Variance Portfolio")
	assert.Contains(t, out, "  Expected return (ann.): 12.34%")
	assert.Contains(t, out, "  Volatility (ann.):     20.00%")
	assert.Contains(t, out, "  Sharpe ratio:          1.235")
	assert.Contains(t, out, "(1/2 points)")

	// Weights are listed largest first
	assert.Less(t, bytes.Index(buf.Bytes(), []byte("0.750000")), bytes.Index(buf.Bytes(), []byte("0.250000")))
	assert.NotContains(t, out, "NaN")
}
