// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package ir

import (
	"cmp"
	"fmt"
	"io"
	"maps"
	"slices"
	"time"

	"github.com/charmbracelet/lipgloss"
	lgtable "github.com/charmbracelet/lipgloss/table"
	"github.com/dustin/go-humanize"
	"github.com/gomlx/gomlir/pkg/core/tensors"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// trimmedMean returns the mean of the samples after sorting and dropping len/4 samples from each end.
func trimmedMean(samples []time.Duration) time.Duration {
	if len(samples) == 0 {
		return 0
	}
	sorted := slices.Clone(samples)
	slices.Sort(sorted)
	n := len(sorted) / 4
	kept := sorted[n : len(sorted)-n]
	var total time.Duration
	for _, d := range kept {
		total += d
	}
	return total / time.Duration(len(kept))
}

func milliseconds(d time.Duration) float64 {
	return float64(d) / float64(time.Millisecond)
}

// PerfReport benchmarks the program and writes a report to w.
//
// After a warm-up evaluation, it times n whole evaluations, n evaluations timing every instruction
// (waiting for the context to finish after each one) and n dry runs to estimate the overhead.
// Averages are trimmed means. The report contains the program annotated with the average time of
// each instruction, a summary per operator, the rate of evaluations and the overhead.
func (p *Program) PerfReport(w io.Writer, n int, params Parameters) error {
	if n <= 0 {
		return errors.Errorf("PerfReport requires a positive number of runs, got %d", n)
	}
	ctx := p.evalContext()

	// Warm-up.
	if _, err := p.Eval(params); err != nil {
		return err
	}
	if err := ctx.Finish(); err != nil {
		return err
	}

	totalSamples := make([]time.Duration, 0, n)
	for range n {
		start := time.Now()
		if _, err := p.Eval(params); err != nil {
			return err
		}
		if err := ctx.Finish(); err != nil {
			return err
		}
		totalSamples = append(totalSamples, time.Since(start))
	}

	insSamples := make(map[*Instruction][]time.Duration, p.length)
	for range n {
		_, err := p.genericEval(ctx, params, func(ins *Instruction, compute computeFn) (*tensors.Argument, error) {
			start := time.Now()
			result, err := compute()
			if err != nil {
				return nil, err
			}
			if err = ctx.Finish(); err != nil {
				return nil, err
			}
			insSamples[ins] = append(insSamples[ins], time.Since(start))
			return result, nil
		})
		if err != nil {
			return err
		}
	}

	overheadSamples := make([]time.Duration, 0, n)
	for range n {
		start := time.Now()
		if err := p.DryRun(params); err != nil {
			return err
		}
		overheadSamples = append(overheadSamples, time.Since(start))
	}

	totalTime := trimmedMean(totalSamples)
	overheadTime := trimmedMean(overheadSamples)
	insAverages := make(map[*Instruction]time.Duration, p.length)
	opTimes := make(map[string]time.Duration)
	var totalInstructionsTime time.Duration
	for ins := range p.Instructions() {
		avg := trimmedMean(insSamples[ins])
		insAverages[ins] = avg
		opTimes[ins.Name()] += avg
		totalInstructionsTime += avg
	}
	percent := func(d time.Duration) float64 {
		if totalInstructionsTime == 0 {
			return 0
		}
		return 100 * float64(d) / float64(totalInstructionsTime)
	}

	err := p.Annotate(w, func(w io.Writer, ins *Instruction) {
		avg := insAverages[ins]
		_, _ = fmt.Fprintf(w, ": %.6fms, %.0f%%", milliseconds(avg), percent(avg))
	})
	if err != nil {
		return err
	}

	// Summary per operator, slowest first.
	opNames := slices.Collect(maps.Keys(opTimes))
	slices.SortFunc(opNames, func(a, b string) int {
		if c := cmp.Compare(opTimes[b], opTimes[a]); c != 0 {
			return c
		}
		return cmp.Compare(a, b)
	})
	cellStyle := lipgloss.NewStyle().Padding(0, 1)
	headerStyle := lipgloss.NewStyle().Padding(0, 1).Bold(true)
	table := lgtable.New().
		Border(lipgloss.RoundedBorder()).
		StyleFunc(func(row, col int) lipgloss.Style {
			if row == lgtable.HeaderRow {
				return headerStyle
			}
			return cellStyle
		}).
		Headers("Operator", "Time (ms)", "Percent")
	for _, name := range opNames {
		table.Row(name, fmt.Sprintf("%.6f", milliseconds(opTimes[name])), fmt.Sprintf("%.0f%%", percent(opTimes[name])))
	}

	rate := 0.0
	if totalTime > 0 {
		rate = float64(time.Second) / float64(totalTime)
	}
	calculatedOverhead := totalTime - totalInstructionsTime
	overheadPercent, calculatedOverheadPercent := 0.0, 0.0
	if totalTime > 0 {
		overheadPercent = 100 * float64(overheadTime) / float64(totalTime)
		calculatedOverheadPercent = 100 * float64(calculatedOverhead) / float64(totalTime)
	}
	_, _ = fmt.Fprintln(w)
	_, _ = fmt.Fprintln(w, "Summary:")
	_, _ = fmt.Fprintln(w, table.String())
	_, _ = fmt.Fprintln(w)
	_, _ = fmt.Fprintf(w, "Instructions: %s, runs: %s\n", humanize.Comma(int64(p.length)), humanize.Comma(int64(n)))
	_, _ = fmt.Fprintf(w, "Rate: %.2f/sec\n", rate)
	_, _ = fmt.Fprintf(w, "Total time: %.6fms\n", milliseconds(totalTime))
	_, _ = fmt.Fprintf(w, "Total instructions time: %.6fms\n", milliseconds(totalInstructionsTime))
	_, _ = fmt.Fprintf(w, "Overhead time: %.6fms, %.6fms\n", milliseconds(overheadTime), milliseconds(calculatedOverhead))
	_, err = fmt.Fprintf(w, "Overhead: %.0f%%, %.0f%%\n", overheadPercent, calculatedOverheadPercent)
	klog.V(1).Infof("program %s: perf report with %d runs, %.2f evaluations/sec", p.id, n, rate)
	return err
}
