package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/lodgeboard/kpi-engine/internal/period"
)

// ResolveOptions defines available flags for the resolve command.
type ResolveOptions struct {
	Period     string
	Start      string
	End        string
	StartHour  int
	Timezone   string
	JSONOutput bool
	Now        func() time.Time
	Stdout     io.Writer
	Stderr     io.Writer
}

// ResolveSummary describes the JSON response for resolve.
type ResolveSummary struct {
	Period period.Tag `json:"period"`
	Start  time.Time  `json:"start"`
	End    time.Time  `json:"end"`
	Days   int        `json:"days"`
}

// ResolveCommand prints the date range a period selection expands to.
func ResolveCommand(opts ResolveOptions) int {
	if opts.Stdout == nil {
		opts.Stdout = os.Stdout
	}
	if opts.Stderr == nil {
		opts.Stderr = os.Stderr
	}
	if opts.StartHour < 0 || opts.StartHour > 23 {
		_, _ = fmt.Fprintln(opts.Stderr, "resolve: --hour must be within 0..23")
		return 1
	}
	loc := time.UTC
	if tz := strings.TrimSpace(opts.Timezone); tz != "" {
		l, err := time.LoadLocation(tz)
		if err != nil {
			_, _ = fmt.Fprintf(opts.Stderr, "resolve: invalid timezone: %v\n", err)
			return 1
		}
		loc = l
	}

	resolver := period.NewResolver(period.NewBoundary(opts.StartHour, loc))
	if opts.Now != nil {
		resolver.Now = opts.Now
	}

	var (
		rng period.Range
		err error
	)
	if strings.TrimSpace(opts.Period) == "" {
		rng, err = resolver.ResolveDates(opts.Start, opts.End)
	} else {
		var tag period.Tag
		tag, err = period.ParseTag(opts.Period)
		if err == nil {
			rng, err = resolver.Resolve(opts.Start, opts.End, tag)
		}
	}
	if err != nil {
		_, _ = fmt.Fprintf(opts.Stderr, "resolve: %v\n", err)
		return 1
	}

	summary := ResolveSummary{Period: rng.Tag, Start: rng.Start, End: rng.End, Days: rng.Days()}
	if opts.JSONOutput {
		enc := json.NewEncoder(opts.Stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(summary); err != nil {
			_, _ = fmt.Fprintf(opts.Stderr, "resolve: encode: %v\n", err)
			return 1
		}
		return 0
	}
	_, _ = fmt.Fprintf(opts.Stdout, "%s %s .. %s (%d days)\n",
		summary.Period,
		summary.Start.Format(time.RFC3339),
		summary.End.Format(time.RFC3339Nano),
		summary.Days)
	return 0
}
