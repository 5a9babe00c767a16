// Command canp is the batch capture-file decoding engine's CLI boundary:
// flag parsing, wiring flags into config.Config, and constructing the three
// process-scoped singletons (MemoryFabric, DictionaryCache, Scheduler) via
// one Init/Shutdown pair. Everything past flag parsing and engine wiring
// belongs to the core packages, not here.
/*
 * Copyright (c) 2026 Abyteon. All rights reserved.
 */
package main

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/Abyteon/canp/archivesink"
	"github.com/Abyteon/canp/engine"
	"github.com/Abyteon/canp/internal/config"
	"github.com/Abyteon/canp/internal/logging"
)

const (
	exitSuccess    = 0
	exitUsage      = 2
	exitInputOpen  = 64
	exitDataFormat = 65
	exitInternal   = 70
)

func main() {
	os.Exit(run(os.Args))
}

func run(args []string) int {
	app := &cli.App{
		Name:      "canp",
		Usage:     "decode batch CAN-bus capture files into row batches",
		ArgsUsage: "<input-directory>",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "output", Aliases: []string{"o"}, Usage: "output directory for decoded row batches", Required: true},
			&cli.StringSliceFlag{Name: "dictionary", Usage: "signal dictionary file or directory (repeatable)", Required: true},
			&cli.IntFlag{Name: "batch-size", Value: config.Default().Decoder.BatchRowThreshold, Usage: "rows per emitted batch"},
			&cli.IntFlag{Name: "workers-io", Value: config.Default().Scheduler.IOWorkers, Usage: "IO worker pool size"},
			&cli.IntFlag{Name: "workers-cpu", Value: config.Default().Scheduler.CPUWorkers, Usage: "CPU worker pool size"},
			&cli.Int64Flag{Name: "memory-ceiling", Value: config.Default().Fabric.CeilingBytes, Usage: "hard byte ceiling for pooled buffers"},
			&cli.StringFlag{Name: "compression", Value: "none", Usage: "none|fast|gzip|lz4|zstd"},
			&cli.StringFlag{Name: "partition", Value: "hash:16", Usage: "time:<seconds>|hash:<buckets>"},
			&cli.StringFlag{Name: "log-level", Value: "info", Usage: "error|warn|info|debug|trace"},
		},
		Action: runEngine,
	}

	if err := app.Run(args); err != nil {
		fmt.Fprintln(os.Stderr, "canp:", err)
		return exitCodeFor(err)
	}
	return exitSuccess
}

func exitCodeFor(err error) int {
	var coder cli.ExitCoder
	if errors.As(err, &coder) {
		return coder.ExitCode()
	}
	switch {
	case errors.Is(err, errInputOpen):
		return exitInputOpen
	case errors.Is(err, errDataFormat):
		return exitDataFormat
	case errors.Is(err, errUsage):
		return exitUsage
	default:
		return exitInternal
	}
}

var (
	errUsage      = errors.New("usage error")
	errInputOpen  = errors.New("input-open failure")
	errDataFormat = errors.New("data-format failure")
	errInternal   = errors.New("internal error")
)

func runEngine(c *cli.Context) error {
	if c.Args().Len() != 1 {
		return fmt.Errorf("%w: expected exactly one input-directory argument", errUsage)
	}
	inputDir := c.Args().Get(0)

	level, err := parseLogLevel(c.String("log-level"))
	if err != nil {
		return fmt.Errorf("%w: %v", errUsage, err)
	}
	logging.SetVerbosity(logging.SmoduleDecoder, level)
	logging.SetVerbosity(logging.SmoduleScheduler, level)
	logging.SetVerbosity(logging.SmoduleFabric, level)
	logging.SetVerbosity(logging.SmoduleDict, level)
	logging.SetVerbosity(logging.SmoduleSink, level)
	defer logging.Sync()

	codec, ok := archivesink.ParseCodec(c.String("compression"))
	if !ok {
		return fmt.Errorf("%w: unrecognized --compression %q", errUsage, c.String("compression"))
	}

	partitioner, err := parsePartition(c.String("partition"))
	if err != nil {
		return fmt.Errorf("%w: %v", errUsage, err)
	}

	cfg := config.Default().Clone()
	cfg.Fabric.CeilingBytes = c.Int64("memory-ceiling")
	cfg.Scheduler.IOWorkers = c.Int("workers-io")
	cfg.Scheduler.CPUWorkers = c.Int("workers-cpu")
	cfg.Decoder.BatchRowThreshold = c.Int("batch-size")
	cfg.Sink.OutputDir = c.String("output")
	cfg.Sink.Codec = codec.String()
	config.GCO.Put(cfg)

	eng, err := engine.Init(cfg, codec, partitioner)
	if err != nil {
		return fmt.Errorf("%w: %v", errInternal, err)
	}
	defer eng.Shutdown()

	for _, d := range c.StringSlice("dictionary") {
		if err := eng.LoadDictionary(d); err != nil {
			return fmt.Errorf("%w: %v", errDataFormat, err)
		}
	}

	summary, err := eng.Run(inputDir)
	if err != nil {
		return fmt.Errorf("%w: %v", errInputOpen, err)
	}

	fmt.Printf("files attempted=%d completed=%d frames decoded=%d frames skipped=%d rows emitted=%d bytes written=%d\n",
		summary.FilesAttempted, summary.FilesCompleted, summary.FramesDecoded,
		summary.FramesSkipped, summary.RowsEmitted, summary.BytesWritten)

	if summary.FilesCompleted == 0 && summary.FilesAttempted > 0 {
		return fmt.Errorf("%w: no files completed successfully", errDataFormat)
	}
	return nil
}

func parseLogLevel(s string) (int32, error) {
	switch strings.ToLower(s) {
	case "error":
		return 0, nil
	case "warn":
		return 1, nil
	case "info":
		return 2, nil
	case "debug":
		return 3, nil
	case "trace":
		return 4, nil
	default:
		return 0, fmt.Errorf("unrecognized log level %q", s)
	}
}

func parsePartition(s string) (archivesink.Partitioner, error) {
	kind, arg, ok := strings.Cut(s, ":")
	if !ok {
		return nil, fmt.Errorf("malformed --partition %q, expected kind:value", s)
	}
	switch kind {
	case "time":
		secs, err := strconv.Atoi(arg)
		if err != nil {
			return nil, fmt.Errorf("bad --partition time interval: %w", err)
		}
		return archivesink.PartitionTime(time.Duration(secs) * time.Second), nil
	case "hash":
		buckets, err := strconv.Atoi(arg)
		if err != nil {
			return nil, fmt.Errorf("bad --partition hash buckets: %w", err)
		}
		return archivesink.PartitionHash(buckets), nil
	default:
		return nil, fmt.Errorf("unrecognized --partition kind %q", kind)
	}
}

// scanDictionaryConfigFile is an explicit stub: structured config-file
// loading (as opposed to flag-driven configuration) is out of scope.
func scanDictionaryConfigFile(string) error {
	return errors.New("not implemented: out of scope")
}
