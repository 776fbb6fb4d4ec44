// Package main runs relative moves against a simulated base and reports how they went.
package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/guptarohit/asciigraph"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/pkg/errors"
	"github.com/urfave/cli/v2"
	"go.uber.org/multierr"

	"go.viam.com/drivectl/config"
	"go.viam.com/drivectl/control"
	"go.viam.com/drivectl/logging"
	"go.viam.com/drivectl/motion"
	"go.viam.com/drivectl/sim"
)

const (
	flagConfig     = "config"
	flagObstructAt = "obstruct-at"
	flagDebug      = "debug"
	flagPlot       = "plot"
	flagSamples    = "samples"

	recorderCapacity = 4096
)

func main() {
	app := &cli.App{
		Name:      "movesim",
		Usage:     "run closed-loop moves on a simulated base",
		UsageText: "movesim [global options] straight 100 turn 90 ...",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    flagConfig,
				Aliases: []string{"c"},
				Usage:   "load drive config from `FILE`",
			},
			&cli.Float64Flag{
				Name:  flagObstructAt,
				Usage: "block forward travel at this distance",
			},
			&cli.BoolFlag{
				Name:  flagDebug,
				Usage: "log every control tick",
			},
			&cli.BoolFlag{
				Name:  flagPlot,
				Value: true,
				Usage: "plot the error of each move",
			},
			&cli.StringFlag{
				Name:  flagSamples,
				Usage: "append per-tick samples as CSV to `FILE`",
			},
		},
		Action: runMoves,
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

type move struct {
	kind  motion.Kind
	delta float64
}

// parseMoves reads pairs of "straight|turn <amount>".
func parseMoves(args []string) ([]move, error) {
	if len(args) == 0 || len(args)%2 != 0 {
		return nil, errors.New("expected moves as pairs of straight|turn and an amount")
	}
	moves := make([]move, 0, len(args)/2)
	for i := 0; i < len(args); i += 2 {
		var m move
		switch strings.ToLower(args[i]) {
		case "straight", "s":
			m.kind = motion.Linear
		case "turn", "t":
			m.kind = motion.Angular
		default:
			return nil, errors.Errorf("unknown move %q", args[i])
		}
		if _, err := fmt.Sscanf(args[i+1], "%g", &m.delta); err != nil {
			return nil, errors.Wrapf(err, "bad amount %q for %s", args[i+1], args[i])
		}
		moves = append(moves, m)
	}
	return moves, nil
}

func runMoves(c *cli.Context) (err error) {
	moves, err := parseMoves(c.Args().Slice())
	if err != nil {
		return err
	}

	logger := logging.NewLogger("movesim")
	if c.Bool(flagDebug) {
		logger = logging.NewDebugLogger("movesim")
	}
	logging.ReplaceGlobal(logger)
	defer func() {
		// syncing stderr fails on some platforms
		_ = logger.Sync()
	}()

	cfg := config.Default()
	if path := c.String(flagConfig); path != "" {
		if cfg, err = config.Read(path); err != nil {
			return err
		}
	}
	if c.IsSet(flagObstructAt) {
		cfg.Sim.Obstructed = true
		cfg.Sim.Obstruction = c.Float64(flagObstructAt)
	}

	base, err := sim.NewBase(nil, cfg.Sim, nil)
	if err != nil {
		return err
	}

	recorder := control.NewRecorder(recorderCapacity)
	sinks := []control.SampleSink{recorder}
	if c.Bool(flagDebug) {
		sinks = append(sinks, &control.LoggerSink{Logger: logger.Sublogger("samples")})
	}
	if path := c.String(flagSamples); path != "" {
		fileSink := control.NewFileSink(".", path, 16)
		defer func() {
			err = multierr.Combine(err, fileSink.Err(), fileSink.Close())
		}()
		sinks = append(sinks, fileSink)
	}

	driveCfg := cfg.DriveConfig()
	driveCfg.Sink = control.MultiSink(sinks...)
	if driveCfg.LoggingKey == "" {
		driveCfg.LoggingKey = "movesim"
	}
	drive, err := motion.NewDrive(logger, base, driveCfg)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(c.Context, os.Interrupt)
	defer stop()
	if c.Bool(flagDebug) {
		ctx = logging.EnableDebugMode(ctx, "movesim")
	}

	results := make([]motion.Result, 0, len(moves))
	var plots []string
	for _, m := range moves {
		recorder.Reset()
		res, err := drive.Move(ctx, motion.MoveRequest{Kind: m.kind, TargetDelta: m.delta})
		results = append(results, res)
		if c.Bool(flagPlot) {
			plots = append(plots, plotErrors(res, recorder.Samples()))
		}
		if err != nil {
			if ctx.Err() != nil {
				return multierr.Combine(err, drive.Stop(context.Background()))
			}
			logger.Errorw("move failed", "id", res.ID, "error", err)
		}
		printStats(c.App.Writer, res, recorder.Stats())
	}

	for _, p := range plots {
		fmt.Fprintln(c.App.Writer, p)
	}
	fmt.Fprintln(c.App.Writer, resultTable(results))
	return nil
}

func printStats(w io.Writer, res motion.Result, stats control.TickStats) {
	fmt.Fprintf(w, "%s %s %+g: %s in %v (%d ticks, mean %v, stddev %v, max %v, %d overruns)\n",
		shortID(res.ID), res.Kind, res.Setpoint, res.Outcome, res.Duration.Round(time.Millisecond),
		stats.Ticks, stats.Mean, stats.StdDev, stats.Max, stats.Overruns)
}

func plotErrors(res motion.Result, samples []control.Sample) string {
	if len(samples) == 0 {
		return ""
	}
	data := make([]float64, 0, len(samples))
	for _, s := range samples {
		data = append(data, s.Error)
	}
	return asciigraph.Plot(data,
		asciigraph.Height(10),
		asciigraph.Width(80),
		asciigraph.Caption(fmt.Sprintf("%s %s error (%s)", res.Kind, shortID(res.ID), res.Outcome)),
	)
}

func resultTable(results []motion.Result) string {
	t := table.NewWriter()
	t.AppendHeader(table.Row{"#", "ID", "Kind", "Setpoint", "Final", "Outcome", "Duration"})
	for i, res := range results {
		t.AppendRow(table.Row{
			i + 1,
			res.ID,
			res.Kind.String(),
			fmt.Sprintf("%.2f", res.Setpoint),
			fmt.Sprintf("%.2f", res.Final),
			res.Outcome.String(),
			res.Duration.Round(time.Millisecond).String(),
		})
	}
	return t.Render()
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
