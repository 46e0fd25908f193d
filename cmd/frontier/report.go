package main

import (
	"fmt"
	"io"
	"math"
	"strings"
	"text/tabwriter"

	"github.com/aristath/markowitz/internal/modules/optimization"
)

type report struct {
	Assets        []string
	DroppedAssets []string
	Observations  int
	MinVariance   *optimization.PortfolioResult
	MaxSharpe     *optimization.PortfolioResult
	Frontier      *optimization.FrontierCurve
	Failures      []string
}

func writeReport(w io.Writer, r report) error {
	var b strings.Builder

	for _, f := range r.Failures {
		fmt.Fprintln(&b, f)
	}
	fmt.Fprintf(&b, "Symbols used: %s\n", strings.Join(r.Assets, ", "))
	if len(r.DroppedAssets) > 0 {
		fmt.Fprintf(&b, "Symbols dropped: %s\n", strings.Join(r.DroppedAssets, ", "))
	}
	fmt.Fprintf(&b, "Observations: %d\n", r.Observations)

	if r.MinVariance != nil {
		fmt.Fprintln(&b, "\n--- Min Variance Portfolio ---")
		writePortfolio(&b, r.MinVariance)
	}
	if r.MaxSharpe != nil {
		fmt.Fprintln(&b, "\n--- Max Sharpe Portfolio ---")
		writePortfolio(&b, r.MaxSharpe)
	}
	if r.Frontier != nil {
		fmt.Fprintf(&b, "\n--- Efficient Frontier (%d/%d points) ---\n", r.Frontier.Attained(), len(r.Frontier.Points))
		writeFrontier(&b, r.Frontier)
	}

	_, err := io.WriteString(w, b.String())
	return err
}

func writePortfolio(b *strings.Builder, p *optimization.PortfolioResult) {
	fmt.Fprintf(b, "  Expected return (ann.): %.2f%%\n", p.ExpectedReturn*100)
	fmt.Fprintf(b, "  Volatility (ann.):     %.2f%%\n", p.Volatility*100)
	if p.SharpeRatio != nil {
		fmt.Fprintf(b, "  Sharpe ratio:          %.3f\n", *p.SharpeRatio)
	}

	tw := tabwriter.NewWriter(b, 0, 0, 2, ' ', tabwriter.AlignRight)
	fmt.Fprintln(tw, "symbol\tweight\t")
	for _, aw := range p.SortedWeights() {
		fmt.Fprintf(tw, "%s\t%.6f\t\n", aw.Asset, aw.Weight)
	}
	tw.Flush()
}

func writeFrontier(b *strings.Builder, c *optimization.FrontierCurve) {
	tw := tabwriter.NewWriter(b, 0, 0, 2, ' ', tabwriter.AlignRight)
	fmt.Fprintln(tw, "#\ttarget\treturn\tvolatility\t")
	for _, p := range c.Points {
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t\n", p.Index, percent(p.TargetReturn), percent(p.Return), percent(p.Volatility))
	}
	tw.Flush()
}

func percent(v float64) string {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return "-"
	}
	return fmt.Sprintf("%.2f%%", v*100)
}
