// Package models holds the data-model types shared by the scheduler,
// worker, consolidator and API: runs, partitions, raw rows, canonical
// diamonds, watermarks and dataset versions.
package models

import "time"

// RunType distinguishes a full re-scan from an incremental catch-up.
type RunType string

const (
	RunTypeFull        RunType = "full"
	RunTypeIncremental RunType = "incremental"
)

// Run is a single ingestion attempt for one feed.
type Run struct {
	RunID            string     `json:"run_id"`
	Feed             string     `json:"feed"`
	RunType          RunType    `json:"run_type"`
	ExpectedWorkers  int        `json:"expected_workers"`
	CompletedWorkers int        `json:"completed_workers"`
	FailedWorkers    int        `json:"failed_workers"`
	WatermarkBefore  *time.Time `json:"watermark_before,omitempty"`
	WatermarkAfter   time.Time  `json:"watermark_after"`
	StartedAt        time.Time  `json:"started_at"`
	CompletedAt      *time.Time `json:"completed_at,omitempty"`
}

// Done reports whether the run has reached its expected worker count.
func (r Run) Done() bool {
	return r.CompletedWorkers+r.FailedWorkers >= r.ExpectedWorkers
}

// PartitionStatus is the lifecycle state of one price-bounded partition.
type PartitionStatus string

const (
	PartitionPending   PartitionStatus = "pending"
	PartitionRunning   PartitionStatus = "running"
	PartitionCompleted PartitionStatus = "completed"
	PartitionFailed    PartitionStatus = "failed"
	PartitionStalled   PartitionStatus = "stalled"
)

// Partition is a disjoint price-bounded slice of the feed within one run.
type Partition struct {
	RunID           string          `json:"run_id"`
	PartitionID     int             `json:"partition_id"`
	MinPrice        float64         `json:"min_price"`
	MaxPrice        float64         `json:"max_price"`
	TotalRecords    int             `json:"total_records"`
	NextOffset      int             `json:"next_offset"`
	Status          PartitionStatus `json:"status"`
	LastHeartbeat   time.Time       `json:"last_heartbeat"`
	RetryCount      int             `json:"retry_count"`
	NextRetryAt     *time.Time      `json:"next_retry_at,omitempty"`
	WorkItemPayload []byte          `json:"work_item_payload,omitempty"`
	ErrorMessage    string          `json:"error_message,omitempty"`
}

// Done reports whether the partition has reached a terminal state.
func (p Partition) Done() bool {
	return p.Status == PartitionCompleted || p.Status == PartitionFailed
}

// ConsolidationStatus tracks a raw row's progress through the consolidator.
type ConsolidationStatus string

const (
	ConsolidationPending ConsolidationStatus = "pending"
	ConsolidationClaimed ConsolidationStatus = "claimed"
	ConsolidationDone    ConsolidationStatus = "done"
)

// RawRow is a vendor record captured verbatim plus identity keys.
type RawRow struct {
	Feed                string              `json:"feed"`
	SupplierStoneID     string              `json:"supplier_stone_id"`
	OfferID             string              `json:"offer_id"`
	Payload             []byte              `json:"payload"`
	ConsolidationStatus ConsolidationStatus `json:"consolidation_status"`
	ClaimExpiry         *time.Time          `json:"claim_expiry,omitempty"`
	SourceUpdatedAt     time.Time           `json:"source_updated_at"`
	CreatedAt           time.Time           `json:"created_at"`
	UpdatedAt           time.Time           `json:"updated_at"`
}

// DiamondStatus is the lifecycle state of a canonical record.
type DiamondStatus string

const (
	DiamondActive  DiamondStatus = "active"
	DiamondDeleted DiamondStatus = "deleted"
)

// Diamond is the normalized record serving search.
type Diamond struct {
	ID               int64         `json:"id"`
	Feed             string        `json:"feed"`
	SupplierStoneID  string        `json:"supplier_stone_id"`
	OfferID          string        `json:"offer_id"`
	Shape            string        `json:"shape,omitempty"`
	CaratWeight      float64       `json:"carat_weight,omitempty"`
	Color            string        `json:"color,omitempty"`
	Clarity          string        `json:"clarity,omitempty"`
	Cut              string        `json:"cut,omitempty"`
	Polish           string        `json:"polish,omitempty"`
	Symmetry         string        `json:"symmetry,omitempty"`
	Fluorescence     string        `json:"fluorescence,omitempty"`
	LabGradingReport string        `json:"lab_grading_report,omitempty"`
	CertificateURL   string        `json:"certificate_url,omitempty"`
	Price            float64       `json:"price"`
	Availability     string        `json:"availability,omitempty"`
	Status           DiamondStatus `json:"status"`
	SourceUpdatedAt  time.Time     `json:"source_updated_at"`
	CreatedAt        time.Time     `json:"created_at"`
	UpdatedAt        time.Time     `json:"updated_at"`
	DeletedAt        *time.Time    `json:"deleted_at,omitempty"`
}

// Watermark is the per-feed object denoting the upper bound of the last
// successful ingestion window. Stored one object per feed in the blob store.
type Watermark struct {
	LastUpdatedAt    time.Time  `json:"last_updated_at"`
	LastRunID        string     `json:"last_run_id,omitempty"`
	LastRunCompleted *time.Time `json:"last_run_completed_at,omitempty"`
}

// RateLimitRow is the shared-store state backing the global token bucket.
type RateLimitRow struct {
	Key           string    `json:"key"`
	WindowStart   time.Time `json:"window_start"`
	RequestCount  int       `json:"request_count"`
	LastRequestAt time.Time `json:"last_request_at"`
}

// MonitorJobStatus mirrors PartitionStatus for the generalized reapply/
// monitor job table used by stall detection.
type MonitorJobStatus string

const (
	MonitorJobPending   MonitorJobStatus = "pending"
	MonitorJobRunning   MonitorJobStatus = "running"
	MonitorJobCompleted MonitorJobStatus = "completed"
	MonitorJobFailed    MonitorJobStatus = "failed"
	MonitorJobStalled   MonitorJobStatus = "stalled"
)

// MonitorJob is a generic background job row used by stall detection and
// pricing-rule reapplication alike.
type MonitorJob struct {
	JobID         string           `json:"job_id"`
	Status        MonitorJobStatus `json:"status"`
	RetryCount    int              `json:"retry_count"`
	NextRetryAt   *time.Time       `json:"next_retry_at,omitempty"`
	LastHeartbeat time.Time        `json:"last_heartbeat"`
}
