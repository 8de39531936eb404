// Command force_consolidate invokes the Consolidator directly for one run,
// bypassing the consolidate queue entirely — useful when a run's
// ConsolidateRequest was lost (e.g. published then the broker's dedup
// window expired before a consolidator ever picked it up) or when an
// operator wants to force a re-consolidation pass without waiting on the
// monitor or worker fleet.
package main

import (
	"context"
	"flag"
	"log"
	"os"

	"github.com/nivoda/diamond-ingest/internal/adapter"
	"github.com/nivoda/diamond-ingest/internal/config"
	"github.com/nivoda/diamond-ingest/internal/consolidator"
	"github.com/nivoda/diamond-ingest/internal/repository"
	"github.com/nivoda/diamond-ingest/internal/watermark"
)

func main() {
	runID := flag.String("run", "", "run id to consolidate")
	feed := flag.String("feed", "", "feed the run belongs to")
	flag.Parse()

	if *runID == "" || *feed == "" {
		log.Fatal("usage: force_consolidate -run <run-id> -feed <feed-name>")
	}

	cfg, err := config.Load("")
	if err != nil {
		log.Fatalf("loading config: %v", err)
	}
	if cfg.DatabaseURL == "" {
		log.Fatal("DATABASE_URL is required")
	}

	repo, err := repository.NewRepository(cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("connecting to db: %v", err)
	}
	defer repo.Close()

	feedCfg, ok := cfg.Feeds[*feed]
	if !ok {
		log.Fatalf("no feed config registered for %q", *feed)
	}
	a, err := adapter.New(feedCfg.Adapter, feedCfg.BaseURL, feedCfg.MaxPageSize)
	if err != nil {
		log.Fatalf("building adapter for feed %q: %v", *feed, err)
	}

	var wmStore watermark.Store
	if bucket := os.Getenv("WATERMARK_BUCKET"); bucket != "" {
		wmStore = watermark.NewGCSStore(bucket)
	} else {
		log.Println("WATERMARK_BUCKET not set; consolidation will proceed but the feed's blob watermark will not be updated on this pass")
		wmStore = watermark.NewMemoryStore()
	}

	cons := consolidator.New(repo, wmStore, map[string]adapter.Adapter{*feed: a}, consolidator.DefaultConfig())

	ctx := context.Background()
	run, err := repo.GetRun(ctx, *runID)
	if err != nil {
		log.Fatalf("reading run %s: %v", *runID, err)
	}
	log.Printf("run %s: feed=%s completed_workers=%d failed_workers=%d/%d started_at=%s",
		*runID, run.Feed, run.CompletedWorkers, run.FailedWorkers, run.ExpectedWorkers, run.StartedAt)

	if err := cons.ConsolidateRun(ctx, *runID, *feed); err != nil {
		log.Fatalf("consolidating run %s: %v", *runID, err)
	}
	log.Printf("run %s consolidated", *runID)
}
