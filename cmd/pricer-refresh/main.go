package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"fundpricer/config"
	"fundpricer/internal/app"
	"fundpricer/internal/logger"
	"fundpricer/internal/model"
)

func main() {
	doc := flag.String("doc", "", "Fund document id (required)")
	fromStr := flag.String("from", "", "First month MM/YYYY (default: release month)")
	toStr := flag.String("to", "", "Last month MM/YYYY (default: current month)")
	dryRun := flag.Bool("dry-run", false, "Print the months that would be fetched and exit")
	wait := flag.Duration("wait", 0, "Wait up to this long for the jobs to finish, then print the snapshot")
	flag.Parse()

	if *doc == "" {
		flag.Usage()
		os.Exit(2)
	}
	from, err := parseMonth(*fromStr)
	if err != nil {
		log.Fatalf("[pricer-refresh] -from: %v", err)
	}
	to, err := parseMonth(*toStr)
	if err != nil {
		log.Fatalf("[pricer-refresh] -to: %v", err)
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("[pricer-refresh] %v", err)
	}
	lg := logger.InitWriter(os.Stderr, "pricer-refresh", logger.ParseLevel(cfg.LogLevel))

	a, err := app.New(cfg, lg, nil)
	if err != nil {
		log.Fatalf("[pricer-refresh] init failed: %v", err)
	}
	defer a.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		cancel()
	}()

	d, err := a.Coordinator.Plan(ctx, *doc, from, to)
	if err != nil {
		log.Fatalf("[pricer-refresh] plan: %v", err)
	}
	tokens := make([]string, len(d.Gaps))
	for i, m := range d.Gaps {
		tokens[i] = m.Token()
	}
	fmt.Fprintf(os.Stderr, "[pricer-refresh] %s: %d months to fetch %v (full fetch: %v)\n", *doc, len(d.Gaps), tokens, d.FullFetch)
	if *dryRun || len(d.Gaps) == 0 {
		return
	}

	if a.InProcess() {
		// the memory bus has no other consumer
		go a.RunWorkers(ctx)
	}

	ids, err := a.Dispatcher.Publish(ctx, d.Snapshot, d.Gaps)
	if err != nil {
		log.Fatalf("[pricer-refresh] publish (%d of %d sent): %v", len(ids), len(d.Gaps), err)
	}
	fmt.Fprintf(os.Stderr, "[pricer-refresh] published %d jobs\n", len(ids))

	if *wait <= 0 {
		return
	}
	snap, err := waitFor(ctx, a, *doc, d.Gaps, *wait)
	if err != nil {
		log.Fatalf("[pricer-refresh] %v", err)
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	enc.Encode(snap)
}

func parseMonth(s string) (model.Month, error) {
	if s == "" {
		return model.Month{}, nil
	}
	return model.ParseMonth(s)
}

// waitFor polls the cache until every month in want is recorded as fetched.
func waitFor(ctx context.Context, a *app.App, doc string, want []model.Month, timeout time.Duration) (*model.Snapshot, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()

	for {
		snap, err := a.Coordinator.GetCached(ctx, doc)
		if err == nil && covers(snap.FetchedMonths, want) {
			return snap, nil
		}
		select {
		case <-ctx.Done():
			if snap != nil {
				fmt.Fprintln(os.Stderr, "[pricer-refresh] timed out, printing partial snapshot")
				return snap, nil
			}
			return nil, fmt.Errorf("wait: %w", ctx.Err())
		case <-ticker.C:
		}
	}
}

func covers(have, want []model.Month) bool {
	set := make(map[model.Month]bool, len(have))
	for _, m := range have {
		set[m] = true
	}
	for _, m := range want {
		if !set[m] {
			return false
		}
	}
	return true
}
