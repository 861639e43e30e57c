package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"

	"github.com/tinyrange/vpmu/internal/perf"
	"github.com/tinyrange/vpmu/internal/platform"
	"github.com/tinyrange/vpmu/internal/scenario"
	"golang.org/x/term"
	"gopkg.in/yaml.v3"
)

var errScenarioFailed = errors.New("scenario expectations failed")

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "vpmu: %v\n", err)
		os.Exit(1)
	}
}

func setupLogging(w *os.File, debug bool) {
	level := slog.LevelInfo
	if debug {
		level = slog.LevelDebug
	}
	opts := &slog.HandlerOptions{Level: level}

	if term.IsTerminal(int(w.Fd())) {
		slog.SetDefault(slog.New(slog.NewTextHandler(w, opts)))
	} else {
		slog.SetDefault(slog.New(slog.NewJSONHandler(w, opts)))
	}
}

func hostFactory(name string) (scenario.HostFactory, error) {
	switch name {
	case "soft":
		return scenario.SoftHostFactory, nil
	case "linux":
		return func(p platform.Profile) (perf.Host, error) {
			h, err := perf.NewLinuxHost(p.HWCounters, p.HPMWidth)
			if err != nil {
				return nil, err
			}
			return h, nil
		}, nil
	default:
		return nil, fmt.Errorf("unknown host backend %q (want soft or linux)", name)
	}
}

func run() error {
	profilePath := flag.String("profile", "", "Platform profile YAML (default: built-in RV64 profile)")
	hostName := flag.String("host", "soft", "Host counter backend (soft, linux)")
	detect := flag.Bool("detect", false, "Detect Sscofpmf from /proc/cpuinfo")
	debug := flag.Bool("debug", false, "Enable debug logging")
	bench := flag.Int("bench", 0, "Run N counter configure/start/read/stop cycles")
	tsFile := flag.String("tsfile", "", "Record dispatch timeslices to a file (with -bench)")
	reportPath := flag.String("report", "", "Write scenario results as YAML to this file")
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: %s [flags] scenario.yaml...\n\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "Run guest PMU call scenarios against the virtual PMU.\n\n")
		fmt.Fprintf(os.Stderr, "Flags:\n")
		flag.PrintDefaults()
	}
	flag.Parse()

	setupLogging(os.Stderr, *debug)

	profile := platform.Default()
	if *profilePath != "" {
		p, err := platform.Load(*profilePath)
		if err != nil {
			return err
		}
		profile = p
	}
	if *detect {
		p, err := platform.Detect(profile)
		if err != nil {
			return fmt.Errorf("detect platform: %w", err)
		}
		profile = p
	}
	slog.Debug("platform profile", "name", profile.Name, "xlen", profile.XLEN,
		"hwCounters", profile.HWCounters, "hpmWidth", profile.HPMWidth,
		"sscofpmf", profile.Sscofpmf, "sbiVersion", profile.SBIVersion)

	newHost, err := hostFactory(*hostName)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	if *bench > 0 {
		return runBench(ctx, profile, newHost, *bench, *tsFile)
	}

	if flag.NArg() == 0 {
		flag.Usage()
		return fmt.Errorf("no scenarios given")
	}

	runner := &scenario.Runner{Profile: profile, NewHost: newHost, Logger: slog.Default()}

	var reports []*scenario.Report
	failed := 0
	for _, path := range flag.Args() {
		s, err := scenario.Load(path)
		if err != nil {
			return err
		}
		report, err := runner.Run(ctx, s)
		if err != nil {
			return err
		}
		printReport(os.Stdout, report)
		failed += report.Failures()
		reports = append(reports, report)
	}

	if *reportPath != "" {
		if err := writeReports(*reportPath, reports); err != nil {
			return err
		}
	}

	if failed > 0 {
		return fmt.Errorf("%w: %d steps", errScenarioFailed, failed)
	}
	return nil
}

func printReport(w io.Writer, r *scenario.Report) {
	fmt.Fprintf(w, "== %s\n", r.Name)
	for _, s := range r.Steps {
		status := "ok"
		switch {
		case s.Failed:
			status = "FAIL"
		case s.Skipped:
			status = "skip"
		}
		fmt.Fprintf(w, "%4d %-4s %-50s error=%d value=0x%x", s.Index, status, s.Step, s.Error, s.Value)
		if s.Trap != "" {
			fmt.Fprintf(w, " trap=%s", s.Trap)
		}
		if s.Message != "" {
			fmt.Fprintf(w, " (%s)", s.Message)
		}
		fmt.Fprintln(w)
	}
}

func writeReports(path string, reports []*scenario.Report) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create report: %w", err)
	}
	defer f.Close()

	enc := yaml.NewEncoder(f)
	enc.SetIndent(2)
	if err := enc.Encode(reports); err != nil {
		return fmt.Errorf("encode report: %w", err)
	}
	if err := enc.Close(); err != nil {
		return fmt.Errorf("close report: %w", err)
	}
	return nil
}
