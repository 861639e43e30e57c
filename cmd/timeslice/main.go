// Command timeslice prints the dispatch timeslices recorded by vpmu -bench.
package main

import (
	"flag"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/tinyrange/vpmu/internal/timeslice"
)

func main() {
	if err := run(os.Args[1:], os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "timeslice: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string, out io.Writer) error {
	fs := flag.NewFlagSet("timeslice", flag.ContinueOnError)
	filename := fs.String("filename", "", "Timeslice file to read")
	sums := fs.Bool("sums", false, "Print per-kind statistics instead of every record")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *filename == "" {
		fs.Usage()
		return fmt.Errorf("-filename is required")
	}

	f, err := os.Open(*filename)
	if err != nil {
		return fmt.Errorf("open timeslice file: %w", err)
	}
	defer f.Close()

	if !*sums {
		return timeslice.ReadAllRecords(f, func(name string, flags timeslice.SliceFlags, d time.Duration) error {
			_, err := fmt.Fprintf(out, "%s %s %s\n", name, flags, d)
			return err
		})
	}

	stats, err := timeslice.Summarize(f)
	if err != nil {
		return fmt.Errorf("read timeslice file: %w", err)
	}
	for _, s := range stats {
		fmt.Fprintf(out, "%24s flags=%-4s count=%8d sum=%12s min=%12s max=%12s avg=%12s\n",
			s.Name, s.Flags, s.Count, s.Total, s.Min, s.Max, s.Mean())
	}
	return nil
}
