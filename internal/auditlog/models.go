// Package auditlog is a Postgres-backed durable record of webhook
// deliveries and retry/rate-budget statistics, additive to the file-based
// checkpoint store which remains canonical for resume decisions.
//
// Go Pattern: same shape as the teacher's internal/models package — plain
// structs with json and db tags, no ORM. The database package (store.go
// here) owns every SQL statement.
package auditlog

import (
	"encoding/json"
	"time"
)

// WebhookDelivery records one inbound webhook event, post-verification.
type WebhookDelivery struct {
	ID              string          `json:"id" db:"id"`
	PipelineID      string          `json:"pipeline_id" db:"pipeline_id"`
	JobID           string          `json:"job_id" db:"job_id"`
	Kind            string          `json:"kind" db:"kind"`
	Status          string          `json:"status" db:"status"`
	SecretHash      string          `json:"-" db:"secret_hash"`
	VerificationOK  bool            `json:"verification_ok" db:"verification_ok"`
	RetryNum        int             `json:"retry_num" db:"retry_num"`
	Payload         json.RawMessage `json:"payload,omitempty" db:"payload"`
	ReceivedAt      time.Time       `json:"received_at" db:"received_at"`
}

// RetryStat records one completed retry.Executor call, win or loss, for
// operational visibility into which providers are flaking.
type RetryStat struct {
	ID            string    `json:"id" db:"id"`
	Provider      string    `json:"provider" db:"provider"`
	Operation     string    `json:"operation" db:"operation"`
	Attempts      int       `json:"attempts" db:"attempts"`
	Succeeded     bool      `json:"succeeded" db:"succeeded"`
	ErrorKind     string    `json:"error_kind,omitempty" db:"error_kind"`
	TotalWaitMS   int64     `json:"total_wait_ms" db:"total_wait_ms"`
	RecordedAt    time.Time `json:"recorded_at" db:"recorded_at"`
}

// RateBudgetSample records one rate-budget wait observation (§C1's wait
// time metric), one row per successful Acquire alongside the in-process
// Prometheus histogram, so long-term trends survive a process restart.
type RateBudgetSample struct {
	ID         string    `json:"id" db:"id"`
	Provider   string    `json:"provider" db:"provider"`
	WaitMS     int64     `json:"wait_ms" db:"wait_ms"`
	Throttled  bool      `json:"throttled" db:"throttled"`
	RecordedAt time.Time `json:"recorded_at" db:"recorded_at"`
}
