// Package report implements the analytical report generator (spec §1,
// "the analytical PDF/Markdown report generator"), reimplemented as
// Markdown output. No PDF-rendering library exists anywhere in the
// example pack, so the chart/table document that
// docs/analysis/make_adaptive_jam_report.py produces with
// reportlab+matplotlib is rendered here as Markdown tables via
// text/template instead (see DESIGN.md).
package report

import (
	"bufio"
	"encoding/json"
	"io"
	"math"
	"text/template"
	"time"
)

// Sample is one parsed "hb" heartbeat event.
type Sample struct {
	Time    time.Time
	PPS     float64
	PPSEMA  float64
	DtSince float64
}

// ParseHeartbeats reads newline-delimited JSON events (the daemon's own
// zerolog output) and extracts every "hb" event's diagnostic fields,
// mirroring _load_hb_series's JSONL scan in the original analysis
// script.
func ParseHeartbeats(r io.Reader) ([]Sample, error) {
	var samples []Sample
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		line := sc.Bytes()
		if len(line) == 0 {
			continue
		}
		var raw map[string]any
		if err := json.Unmarshal(line, &raw); err != nil {
			continue
		}
		if ev, _ := raw["event"].(string); ev != "hb" {
			continue
		}
		s := Sample{}
		if ts, ok := raw["time"].(string); ok {
			if t, err := time.Parse(time.RFC3339Nano, ts); err == nil {
				s.Time = t
			}
		}
		s.PPS, _ = raw["pps"].(float64)
		s.PPSEMA, _ = raw["pps_ema"].(float64)
		s.DtSince, _ = raw["dt_since_pulse_s"].(float64)
		samples = append(samples, s)
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	return samples, nil
}

// Summary holds the aggregate statistics the report renders.
type Summary struct {
	Count        int
	MinPPS       float64
	MaxPPS       float64
	AvgPPS       float64
	MinPPSEMA    float64
	MaxPPSEMA    float64
	AvgPPSEMA    float64
	MaxDtSince   float64
	FirstTime    time.Time
	LastTime     time.Time
	Samples      []Sample
}

// Summarize computes aggregate statistics over a heartbeat series.
func Summarize(samples []Sample) Summary {
	sum := Summary{Samples: samples}
	if len(samples) == 0 {
		return sum
	}
	sum.Count = len(samples)
	sum.MinPPS, sum.MaxPPS = math.Inf(1), math.Inf(-1)
	sum.MinPPSEMA, sum.MaxPPSEMA = math.Inf(1), math.Inf(-1)
	var ppsTotal, emaTotal float64
	for i, s := range samples {
		if i == 0 {
			sum.FirstTime = s.Time
		}
		sum.LastTime = s.Time
		sum.MinPPS = math.Min(sum.MinPPS, s.PPS)
		sum.MaxPPS = math.Max(sum.MaxPPS, s.PPS)
		sum.MinPPSEMA = math.Min(sum.MinPPSEMA, s.PPSEMA)
		sum.MaxPPSEMA = math.Max(sum.MaxPPSEMA, s.PPSEMA)
		sum.MaxDtSince = math.Max(sum.MaxDtSince, s.DtSince)
		ppsTotal += s.PPS
		emaTotal += s.PPSEMA
	}
	sum.AvgPPS = ppsTotal / float64(sum.Count)
	sum.AvgPPSEMA = emaTotal / float64(sum.Count)
	return sum
}

const reportTemplate = `# Adaptive Jam Timeout Report

Generated from {{.Count}} heartbeat sample(s)
{{- if not .FirstTime.IsZero}} spanning {{.FirstTime.Format "2006-01-02 15:04:05"}} to {{.LastTime.Format "2006-01-02 15:04:05"}}{{end}}.

## Pulse rate summary

| metric | min | avg | max |
|---|---|---|---|
| pps | {{printf "%.3f" .MinPPS}} | {{printf "%.3f" .AvgPPS}} | {{printf "%.3f" .MaxPPS}} |
| pps_ema | {{printf "%.3f" .MinPPSEMA}} | {{printf "%.3f" .AvgPPSEMA}} | {{printf "%.3f" .MaxPPSEMA}} |

Maximum observed dt_since_pulse: {{printf "%.3f" .MaxDtSince}}s.

## Effective timeout formula

` + "```" + `
T_eff = clamp(T_min, T_max, K / max(pps_ema, pps_floor))
` + "```" + `

Smaller pps_ema widens the effective timeout (up to T_max); larger
pps_ema tightens it (down to T_min).
`

var tmpl = template.Must(template.New("report").Parse(reportTemplate))

// Render writes the Markdown report for sum to w.
func Render(w io.Writer, sum Summary) error {
	return tmpl.Execute(w, sum)
}
