// Command reset_partition is an operator escape hatch for a partition
// stuck in failed past MAX_RETRIES: it force-resets the partition
// back to pending with retry_count cleared, bypassing the monitor's normal
// retry gating, and re-enqueues its stored work-item payload.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"log"

	"github.com/nivoda/diamond-ingest/internal/config"
	"github.com/nivoda/diamond-ingest/internal/queue"
	"github.com/nivoda/diamond-ingest/internal/repository"
)

func main() {
	runID := flag.String("run", "", "run id owning the partition")
	partitionID := flag.Int("partition", -1, "partition id to reset")
	requeue := flag.Bool("requeue", true, "re-enqueue the partition's stored work item after resetting")
	flag.Parse()

	if *runID == "" || *partitionID < 0 {
		log.Fatal("usage: reset_partition -run <run-id> -partition <partition-id>")
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

	ctx := context.Background()

	partition, err := repo.GetPartition(ctx, *runID, *partitionID)
	if err != nil {
		log.Fatalf("reading partition %d of run %s: %v", *partitionID, *runID, err)
	}
	log.Printf("partition %d of run %s: status=%s offset=%d/%d retry_count=%d error=%q",
		*partitionID, *runID, partition.Status, partition.NextOffset, partition.TotalRecords,
		partition.RetryCount, partition.ErrorMessage)

	if err := repo.ResetPartition(ctx, *runID, *partitionID); err != nil {
		log.Fatalf("resetting partition: %v", err)
	}
	log.Printf("partition %d of run %s reset to pending", *partitionID, *runID)

	if !*requeue {
		return
	}
	if len(partition.WorkItemPayload) == 0 {
		log.Printf("no stored work-item payload on this partition; nothing re-enqueued (the monitor re-enqueues only failed partitions, so it stays pending until a work item is published for it)")
		return
	}

	var item queue.WorkItem
	if err := json.Unmarshal(partition.WorkItemPayload, &item); err != nil {
		log.Fatalf("unmarshaling stored work item payload: %v", err)
	}
	item.Offset = partition.NextOffset

	q, err := newQueue(cfg.QueueURL)
	if err != nil {
		log.Fatalf("connecting to queue: %v", err)
	}
	if err := queue.PublishWorkItem(ctx, q, item); err != nil {
		log.Fatalf("re-enqueuing work item: %v", err)
	}
	log.Printf("re-enqueued partition %d of run %s at offset %d", *partitionID, *runID, item.Offset)
}

func newQueue(queueURL string) (queue.Queue, error) {
	if queueURL == "" {
		log.Fatal("QUEUE_URL is required to re-enqueue (pass -requeue=false to skip)")
	}
	return queue.NewNATSQueue(queue.DefaultNATSConfig(queueURL))
}
