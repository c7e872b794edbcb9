package auditlog

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq" // postgres driver, registered via init()
	"golang.org/x/crypto/bcrypt"
)

// Store wraps a pooled Postgres connection. Embedding *sqlx.DB, as the
// teacher's database.DB does, gives every sqlx convenience method for free
// alongside the audit-specific ones below.
type Store struct {
	*sqlx.DB
}

// Open connects to Postgres and configures the pool the way the teacher
// tunes it for a serverless target: few connections, short idle lifetime,
// so a stalled pipeline process doesn't pin a connection open for days.
func Open(databaseURL string) (*Store, error) {
	db, err := sqlx.Connect("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("auditlog: connect: %w", err)
	}

	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(2 * time.Minute)
	db.SetConnMaxIdleTime(30 * time.Second)

	return &Store{db}, nil
}

// HealthCheck verifies the connection is alive.
func (s *Store) HealthCheck(ctx context.Context) error {
	return s.PingContext(ctx)
}

// HashSecret mirrors the teacher's "never store the raw secret" rule for
// API keys: a webhook's derived per-pipeline secret is bcrypt-hashed
// before it is written to the audit trail, so a dump of this table alone
// cannot forge a signature.
func HashSecret(secret string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(secret), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("auditlog: hash secret: %w", err)
	}
	return string(hash), nil
}

// RecordWebhookDelivery inserts one verified (or rejected) webhook event.
func (s *Store) RecordWebhookDelivery(ctx context.Context, d *WebhookDelivery) error {
	if d.ID == "" {
		d.ID = uuid.NewString()
	}
	query := `
		INSERT INTO webhook_deliveries
			(id, pipeline_id, job_id, kind, status, secret_hash, verification_ok, retry_num, payload, received_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`
	_, err := s.ExecContext(ctx, query,
		d.ID, d.PipelineID, d.JobID, d.Kind, d.Status, d.SecretHash,
		d.VerificationOK, d.RetryNum, d.Payload, d.ReceivedAt,
	)
	if err != nil {
		return fmt.Errorf("auditlog: record webhook delivery: %w", err)
	}
	return nil
}

// RecordRetryStat inserts one completed retry.Executor run.
func (s *Store) RecordRetryStat(ctx context.Context, r *RetryStat) error {
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	query := `
		INSERT INTO retry_stats (id, provider, operation, attempts, succeeded, error_kind, total_wait_ms, recorded_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`
	_, err := s.ExecContext(ctx, query,
		r.ID, r.Provider, r.Operation, r.Attempts, r.Succeeded, r.ErrorKind, r.TotalWaitMS, r.RecordedAt,
	)
	if err != nil {
		return fmt.Errorf("auditlog: record retry stat: %w", err)
	}
	return nil
}

// RecordRateBudgetSample inserts one rate-budget wait observation.
func (s *Store) RecordRateBudgetSample(ctx context.Context, sample *RateBudgetSample) error {
	if sample.ID == "" {
		sample.ID = uuid.NewString()
	}
	query := `
		INSERT INTO rate_budget_samples (id, provider, wait_ms, throttled, recorded_at)
		VALUES ($1, $2, $3, $4, $5)`
	_, err := s.ExecContext(ctx, query, sample.ID, sample.Provider, sample.WaitMS, sample.Throttled, sample.RecordedAt)
	if err != nil {
		return fmt.Errorf("auditlog: record rate budget sample: %w", err)
	}
	return nil
}

// RecentFailureRate returns the fraction of retry_stats rows in the last
// window that did not succeed, for a given provider. Used by operational
// tooling, not by the pipeline itself.
func (s *Store) RecentFailureRate(ctx context.Context, provider string, window time.Duration) (float64, error) {
	var total, failed int
	err := s.GetContext(ctx, &total,
		`SELECT COUNT(*) FROM retry_stats WHERE provider = $1 AND recorded_at >= $2`,
		provider, time.Now().Add(-window))
	if err != nil {
		return 0, fmt.Errorf("auditlog: count retry stats: %w", err)
	}
	if total == 0 {
		return 0, nil
	}
	err = s.GetContext(ctx, &failed,
		`SELECT COUNT(*) FROM retry_stats WHERE provider = $1 AND recorded_at >= $2 AND succeeded = false`,
		provider, time.Now().Add(-window))
	if err != nil {
		return 0, fmt.Errorf("auditlog: count failed retry stats: %w", err)
	}
	return float64(failed) / float64(total), nil
}
