package worker

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/nivoda/diamond-ingest/internal/queue"
)

// marshalWorkItem serializes item for persistence as a partition's
// work_item_payload, replayed verbatim by the monitor on retry.
func marshalWorkItem(item queue.WorkItem) ([]byte, error) {
	item.Type = queue.TypeWorkItem
	b, err := json.Marshal(item)
	if err != nil {
		return nil, fmt.Errorf("worker: marshaling work item payload: %w", err)
	}
	return b, nil
}

// errorHash reduces cause's message to a short stable digest used as the
// dedup key for LogPartitionError.
func errorHash(cause error) string {
	sum := sha256.Sum256([]byte(cause.Error()))
	return hex.EncodeToString(sum[:8])
}
