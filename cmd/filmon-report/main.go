// Command filmon-report renders the Markdown adaptive-jam-timeout
// report from a filmond JSONL log, the Markdown counterpart to
// docs/analysis/make_adaptive_jam_report.py's PDF output.
package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/hyiger/filament-monitor/internal/report"
)

func main() {
	os.Exit(run())
}

func run() int {
	fs := flag.NewFlagSet("filmon-report", flag.ContinueOnError)
	jsonlPath := fs.String("jsonl", "", "Path to a filmond JSONL log containing hb events.")
	outPath := fs.String("out", "", "Output Markdown path (default: stdout).")
	if err := fs.Parse(os.Args[1:]); err != nil {
		return 2
	}
	if *jsonlPath == "" {
		fmt.Fprintln(os.Stderr, "usage: filmon-report --jsonl monitor.jsonl [--out report.md]")
		return 2
	}

	f, err := os.Open(*jsonlPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		return 1
	}
	defer f.Close()

	samples, err := report.ParseHeartbeats(f)
	if err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		return 1
	}
	sum := report.Summarize(samples)

	out := os.Stdout
	if *outPath != "" {
		w, err := os.Create(*outPath)
		if err != nil {
			fmt.Fprintln(os.Stderr, "error:", err)
			return 1
		}
		defer w.Close()
		out = w
	}
	if err := report.Render(out, sum); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		return 1
	}
	return 0
}
