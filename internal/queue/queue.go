// Package queue wraps the three logical queues the pipeline moves work
// through: work-items, work-done, and consolidate. Delivery is
// at-least-once; every publisher supplies a deterministic message-id so a
// redelivered or independently-retried publish collapses into the same
// logical message instead of duplicating work.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// Subjects for the three logical queues: work-items, work-done, consolidate.
const (
	SubjectWorkItems   = "diamond.work-items"
	SubjectWorkDone    = "diamond.work-done"
	SubjectConsolidate = "diamond.consolidate"
)

// MessageType discriminates the JSON envelopes carried on the three subjects.
type MessageType string

const (
	TypeWorkItem    MessageType = "WORK_ITEM"
	TypeWorkDone    MessageType = "WORK_DONE"
	TypeConsolidate MessageType = "CONSOLIDATE"
)

// WorkItem is the payload for SubjectWorkItems: one partition's scan,
// resuming from Offset. MessageID is
// "<run-id>:<partition-id>:<offset>" so redelivery and continuation
// handoff both dedup to the same logical item at that offset.
type WorkItem struct {
	Type        MessageType `json:"type"`
	RunID       string      `json:"run_id"`
	PartitionID int         `json:"partition_id"`
	Feed        string      `json:"feed"`
	MinPrice    float64     `json:"min_price"`
	MaxPrice    float64     `json:"max_price"`
	Offset      int         `json:"offset"`
}

// MessageID is the deterministic dedup key for this work item.
func (w WorkItem) MessageID() string {
	return fmt.Sprintf("%s:%d:%d", w.RunID, w.PartitionID, w.Offset)
}

// WorkDoneOutcome is the terminal result a worker reports for a partition.
type WorkDoneOutcome string

const (
	WorkDoneSuccess WorkDoneOutcome = "success"
	WorkDoneFailed  WorkDoneOutcome = "failed"
)

// WorkDone is the payload for SubjectWorkDone.
type WorkDone struct {
	Type        MessageType     `json:"type"`
	RunID       string          `json:"run_id"`
	PartitionID int             `json:"partition_id"`
	Outcome     WorkDoneOutcome `json:"outcome"`
	Error       string          `json:"error,omitempty"`
}

func (w WorkDone) MessageID() string {
	return fmt.Sprintf("%s:%d:done", w.RunID, w.PartitionID)
}

// ConsolidateRequest is the payload for SubjectConsolidate.
type ConsolidateRequest struct {
	Type  MessageType `json:"type"`
	RunID string      `json:"run_id"`
	Feed  string      `json:"feed"`
}

func (c ConsolidateRequest) MessageID() string {
	return fmt.Sprintf("%s:consolidate", c.RunID)
}

// Delivery wraps one received message: its body plus the Ack/Nak hooks a
// handler uses to control redelivery.
type Delivery struct {
	MessageID string
	Data      []byte
	ack       func() error
	nak       func() error
}

// Ack acknowledges successful processing; the broker will not redeliver.
func (d Delivery) Ack() error { return d.ack() }

// Nak abandons the message for redelivery, the retryable-error path.
func (d Delivery) Nak() error { return d.nak() }

// Handler processes one delivery. Returning an error is equivalent to
// calling Nak; returning nil without explicitly acking still leaves the
// message pending, so handlers should call Ack themselves on success.
type Handler func(ctx context.Context, d Delivery) error

// Queue is the durable pub/sub seam used by the scheduler, worker,
// consolidator and monitor. Implementations: NATSQueue (production,
// JetStream-backed) and MemoryQueue (tests).
type Queue interface {
	// Publish sends payload to subject with the given message-id. A publish
	// with a message-id already seen within the broker's dedup window is a
	// no-op success, matching JetStream's Nats-Msg-Id de-duplication.
	Publish(ctx context.Context, subject, messageID string, payload []byte) error

	// Subscribe starts a durable consumer named group on subject, invoking
	// handler for each delivery until ctx is canceled. Subscribe blocks.
	Subscribe(ctx context.Context, subject, group string, handler Handler) error
}

// marshalJSON is a small helper so callers don't repeat the error-wrapping.
func marshalJSON(v interface{}) ([]byte, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("queue: marshal: %w", err)
	}
	return b, nil
}

// PublishWorkItem is a typed convenience wrapper over Queue.Publish.
func PublishWorkItem(ctx context.Context, q Queue, w WorkItem) error {
	w.Type = TypeWorkItem
	b, err := marshalJSON(w)
	if err != nil {
		return err
	}
	return q.Publish(ctx, SubjectWorkItems, w.MessageID(), b)
}

// PublishWorkDone is a typed convenience wrapper over Queue.Publish.
func PublishWorkDone(ctx context.Context, q Queue, w WorkDone) error {
	w.Type = TypeWorkDone
	b, err := marshalJSON(w)
	if err != nil {
		return err
	}
	return q.Publish(ctx, SubjectWorkDone, w.MessageID(), b)
}

// PublishConsolidate is a typed convenience wrapper over Queue.Publish.
func PublishConsolidate(ctx context.Context, q Queue, c ConsolidateRequest) error {
	c.Type = TypeConsolidate
	b, err := marshalJSON(c)
	if err != nil {
		return err
	}
	return q.Publish(ctx, SubjectConsolidate, c.MessageID(), b)
}

// defaultPollWait bounds each NATSQueue fetch. A fetch that times out empty
// is retried, so Subscribe keeps polling until its context is canceled; an
// idle subscriber (a worker included) does not exit on its own.
const defaultPollWait = 30 * time.Second
