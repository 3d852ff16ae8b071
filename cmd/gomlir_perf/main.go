// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// gomlir_perf compiles a recurrent benchmark program for a target and prints its performance report.
//
// Example:
//
//	gomlir_perf -target=device -kind=lstm -seq_len=16 -hidden=64 -runs=20
package main

import (
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/charmbracelet/lipgloss"
	lgtable "github.com/charmbracelet/lipgloss/table"
	"github.com/dustin/go-humanize"
	"github.com/gomlx/gomlir/pkg/config"
	"github.com/gomlx/gomlir/pkg/core/dtypes"
	"github.com/gomlx/gomlir/pkg/core/shapes"
	"github.com/gomlx/gomlir/pkg/core/tensors"
	"github.com/gomlx/gomlir/pkg/ir"
	"github.com/gomlx/gomlir/pkg/ir/ops"
	"github.com/gomlx/gomlir/pkg/targets/cpu"
	"github.com/gomlx/gomlir/pkg/targets/device"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

var (
	flagTarget = flag.String("target", cpu.Name, "Target to compile for: cpu or device.")
	flagConfig = flag.String("config", "", "Configuration file (.yaml, .yml or .toml). "+
		"If empty the configuration is read from the GOMLIR_* environment variables.")
	flagKind      = flag.String("kind", "lstm", "Recurrent operator to benchmark: rnn, gru or lstm.")
	flagDirection = flag.String("direction", "forward", "Direction of the recurrent operator: forward, reverse or bidirectional.")
	flagSeqLen    = flag.Int("seq_len", 8, "Sequence length.")
	flagBatch     = flag.Int("batch", 4, "Batch size.")
	flagInput     = flag.Int("input", 16, "Input size.")
	flagHidden    = flag.Int("hidden", 32, "Hidden size.")
	flagRuns      = flag.Int("runs", 10, "Number of timed runs.")
	flagPrint     = flag.Bool("print", false, "Print the compiled program.")
)

// benchmark describes the recurrent program to build.
type benchmark struct {
	kind                                 string
	direction                            ops.Direction
	seqLen, batch, inputSize, hiddenSize int
}

func parseDirection(name string) (ops.Direction, error) {
	for _, d := range []ops.Direction{ops.Forward, ops.Reverse, ops.Bidirectional} {
		if d.String() == name {
			return d, nil
		}
	}
	return ops.Forward, errors.Errorf("unknown direction %q", name)
}

// build returns the program with the recurrent operator (with bias) followed by its last output,
// and random values for its parameters.
func (b benchmark) build() (*ir.Program, ir.Parameters, error) {
	var gates int
	var op ir.Operation
	switch b.kind {
	case "rnn":
		gates, op = 1, ops.RNN{HiddenSize: b.hiddenSize, Direction: b.direction}
	case "gru":
		gates, op = 3, ops.GRU{HiddenSize: b.hiddenSize, Direction: b.direction}
	case "lstm":
		gates, op = 4, ops.LSTM{HiddenSize: b.hiddenSize, Direction: b.direction}
	default:
		return nil, nil, errors.Errorf("unknown recurrent operator %q", b.kind)
	}
	numDirections := b.direction.NumDirections()
	p := ir.New()
	params := make(ir.Parameters)
	var args []*ir.Instruction
	for i, dims := range [][]int{
		{b.seqLen, b.batch, b.inputSize},
		{numDirections, gates * b.hiddenSize, b.inputSize},
		{numDirections, gates * b.hiddenSize, b.hiddenSize},
		{numDirections, 2 * gates * b.hiddenSize},
	} {
		name := []string{"sequence", "weights", "recurrence", "bias"}[i]
		shape := shapes.Make(dtypes.Float32, dims...)
		param, err := p.AddParameter(name, shape)
		if err != nil {
			return nil, nil, err
		}
		params[name] = tensors.Generate(shape, uint64(i+1))
		args = append(args, param)
	}
	recurrent, err := p.AddInstruction(op, args...)
	if err != nil {
		return nil, nil, err
	}
	if _, err = p.AddInstruction(ops.RNNLastOutput{}, recurrent); err != nil {
		return nil, nil, err
	}
	return p, params, nil
}

func loadConfig(path string) (config.Config, error) {
	if path == "" {
		return config.FromEnv()
	}
	return config.Load(path)
}

func newTarget(name string, cfg config.Config) (ir.Target, error) {
	switch name {
	case cpu.Name:
		return cpu.New(cfg), nil
	case device.Name:
		return device.New(cfg), nil
	}
	return nil, errors.Errorf("unknown target %q, expected %q or %q", name, cpu.Name, device.Name)
}

var titleStyle = lipgloss.NewStyle().Bold(true).Padding(1, 4, 1, 4)

// run compiles the benchmark for the target and writes the summary and the performance report to w.
func run(w io.Writer, targetName string, cfg config.Config, b benchmark, runs int, printProgram bool) error {
	target, err := newTarget(targetName, cfg)
	if err != nil {
		return err
	}
	p, params, err := b.build()
	if err != nil {
		return err
	}
	numInstructions := p.Len()
	if err = p.Compile(target, cfg.CompileOptions(w)); err != nil {
		return err
	}
	if targetName == device.Name {
		params = device.BindMemory(p, params)
	}
	var arena int
	for _, shape := range p.ParameterShapes() {
		arena += shape.Memory()
	}

	_, _ = fmt.Fprintln(w, titleStyle.Render("Summary"))
	table := lgtable.New().Border(lipgloss.NormalBorder())
	table.Row("target", target.Name())
	table.Row("operator", fmt.Sprintf("%s (%s)", b.kind, b.direction))
	table.Row("instructions", fmt.Sprintf("%s -> %s", humanize.Comma(int64(numInstructions)), humanize.Comma(int64(p.Len()))))
	table.Row("parameters memory", humanize.Bytes(uint64(arena)))
	table.Row("output", p.Shape().String())
	_, _ = fmt.Fprintln(w, table.String())
	if printProgram {
		_, _ = fmt.Fprintln(w, titleStyle.Render("Program"))
		if err = p.Print(w); err != nil {
			return err
		}
	}
	_, _ = fmt.Fprintln(w, titleStyle.Render("Performance"))
	return p.PerfReport(w, runs, params)
}

func main() {
	klog.InitFlags(nil)
	flag.Parse()

	cfg, err := loadConfig(*flagConfig)
	if err != nil {
		klog.Fatalf("Failed to load configuration: %+v", err)
	}
	direction, err := parseDirection(*flagDirection)
	if err != nil {
		klog.Fatalf("%v", err)
	}
	b := benchmark{
		kind:       *flagKind,
		direction:  direction,
		seqLen:     *flagSeqLen,
		batch:      *flagBatch,
		inputSize:  *flagInput,
		hiddenSize: *flagHidden,
	}
	if err = run(os.Stdout, *flagTarget, cfg, b, *flagRuns, *flagPrint); err != nil {
		klog.Errorf("Failed: %+v", err)
		os.Exit(1)
	}
}
