package main

import (
	"fmt"
	"io"
	"maps"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"time"

	"github.com/nugget/todogate/internal/usage"
)

type usageOutput struct {
	Start      time.Time                 `json:"start"`
	End        time.Time                 `json:"end"`
	Total      *usage.Summary            `json:"total"`
	ByProvider map[string]*usage.Summary `json:"by_provider"`
	ByModel    map[string]*usage.Summary `json:"by_model"`
}

// runUsage prints recorded token estimates for the last N days
// (default 1), in total and broken down by provider and model.
func runUsage(w io.Writer, opts options, args []string) error {
	days := 1
	if len(args) > 0 {
		n, err := strconv.Atoi(args[0])
		if err != nil || n <= 0 {
			return fmt.Errorf("days must be a positive integer, got %q", args[0])
		}
		days = n
	}

	cfg, _, err := loadConfig(opts.configPath)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(cfg.Usage.Path), 0o755); err != nil {
		return fmt.Errorf("create usage directory: %w", err)
	}
	store, err := usage.NewStore(cfg.Usage.Path)
	if err != nil {
		return err
	}
	defer store.Close()

	end := time.Now()
	start := end.AddDate(0, 0, -days)
	out := usageOutput{Start: start, End: end}

	if out.Total, err = store.Summary(start, end); err != nil {
		return err
	}
	if out.ByProvider, err = store.SummaryByProvider(start, end); err != nil {
		return err
	}
	if out.ByModel, err = store.SummaryByModel(start, end); err != nil {
		return err
	}

	if opts.outputFmt == "json" {
		return writeJSON(w, out)
	}

	fmt.Fprintf(w, "Usage since %s\n", start.Format(time.DateTime))
	printSummary(w, "total", out.Total)
	for _, group := range []struct {
		title string
		m     map[string]*usage.Summary
	}{
		{"By provider:", out.ByProvider},
		{"By model:", out.ByModel},
	} {
		if len(group.m) == 0 {
			continue
		}
		fmt.Fprintln(w, group.title)
		for _, k := range slices.Sorted(maps.Keys(group.m)) {
			printSummary(w, "  "+k, group.m[k])
		}
	}
	return nil
}

func printSummary(w io.Writer, label string, s *usage.Summary) {
	fmt.Fprintf(w, "%-32s %6d requests %10d in %10d out %10d total\n",
		label, s.TotalRecords, s.TotalRequestTokens, s.TotalResponseTokens, s.TotalTokens)
}
