package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"log"

	"github.com/nivoda/diamond-ingest/internal/queue"
)

// Run subscribes to the work-items queue under consumer group and dispatches
// every delivery to HandleWorkItem, acking on success and nak'ing (for
// redelivery) on a retryable error, until ctx is canceled. HandleWorkItem
// runs on a context detached from that cancellation, so a delivery already
// being handled when ctx is canceled runs to completion.
func (w *Worker) Run(ctx context.Context, group string) error {
	return w.queue.Subscribe(ctx, queue.SubjectWorkItems, group, func(ctx context.Context, d queue.Delivery) error {
		var item queue.WorkItem
		if err := json.Unmarshal(d.Data, &item); err != nil {
			log.Printf("worker: dropping malformed work item: %v", err)
			return d.Ack()
		}

		if err := w.HandleWorkItem(context.WithoutCancel(ctx), item); err != nil {
			log.Printf("worker: partition %d of run %s: %v", item.PartitionID, item.RunID, err)
			return fmt.Errorf("worker: %w", err)
		}
		return d.Ack()
	})
}
