package webhook

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/brightloom/voicefuse/internal/auditlog"
)

// Payload is the full decoded shape of an inbound webhook body. Dispatch
// uses it to route the event; a resuming stage uses LoadPayload to decode
// the same structure back out of the interim file once delivered (§4.7
// "Async stage completion").
type Payload struct {
	JobID         string          `json:"job_id"`
	Status        string          `json:"status"`
	Diarization   json.RawMessage `json:"diarization,omitempty"`
	Voiceprint    json.RawMessage `json:"voiceprint,omitempty"`
	Identification json.RawMessage `json:"identification,omitempty"`
}

// Kind identifies which interim artifact an inbound webhook updates.
type Kind string

const (
	KindDiarization   Kind = "diarization"
	KindVoiceprint    Kind = "voiceprint"
	KindIdentification Kind = "identification"
	KindUnknown       Kind = "unknown"
)

func classify(p Payload) Kind {
	switch {
	case len(p.Diarization) > 0:
		return KindDiarization
	case len(p.Voiceprint) > 0:
		return KindVoiceprint
	case len(p.Identification) > 0:
		return KindIdentification
	default:
		return KindUnknown
	}
}

// Listener is notified after a payload has been durably written, so the
// scheduler can resume a pipeline waiting on this job (§4.7 "Async stage
// completion").
type Listener interface {
	OnWebhookEvent(jobID string, kind Kind, path string)
}

// Dispatcher writes inbound payloads to the interim directory under a name
// derived from job_id and notifies a registered Listener. The filename
// carries no timestamp and none is added to the stored payload (the raw
// body is written as received): a timestamp-qualified filename would
// defeat idempotency, since §4.8's
// retry semantics require a redelivered job_id to overwrite the prior
// payload rather than accumulate a new file per attempt.
type Dispatcher struct {
	InterimDir string
	Listener   Listener

	// Audit and ResolvePipelineID are both optional. When Audit is set,
	// every dispatched event is additionally recorded to the durable
	// webhook_deliveries table; ResolvePipelineID supplies the pipeline_id
	// column (the inbound payload itself only carries job_id). Neither is
	// required for Dispatch's core job — writing the interim artifact and
	// notifying Listener — to work.
	Audit             *auditlog.Store
	ResolvePipelineID func(jobID string) (string, error)
	Log               *logrus.Entry
}

// NewDispatcher builds a Dispatcher writing under interimDir.
func NewDispatcher(interimDir string, listener Listener) *Dispatcher {
	return &Dispatcher{
		InterimDir: interimDir,
		Listener:   listener,
		Log:        logrus.StandardLogger().WithField("component", "webhook_dispatch"),
	}
}

// Dispatch routes rawBody per §4.8 and persists it idempotently. secret is
// the HMAC secret the caller already verified the request against (used
// only to write a bcrypt hash to the audit trail, never stored raw);
// retryNum is the caller's X-Retry-Num header, or 0.
func (d *Dispatcher) Dispatch(rawBody []byte, secret string, retryNum int) (jobID string, kind Kind, err error) {
	var p Payload
	if err := json.Unmarshal(rawBody, &p); err != nil {
		return "", "", fmt.Errorf("dispatch: unparseable body: %w", err)
	}
	if p.JobID == "" {
		return "", "", fmt.Errorf("dispatch: missing job_id")
	}

	kind = classify(p)
	path := d.pathFor(p.JobID, kind)

	if err := os.MkdirAll(d.InterimDir, 0o755); err != nil {
		return "", "", fmt.Errorf("dispatch: mkdir interim: %w", err)
	}
	// Overwrite-in-place on the job_id-derived path, not a fresh
	// timestamped file each time: the filename is keyed only on job_id and
	// kind, so redelivery overwrites rather than accumulating duplicates.
	if err := os.WriteFile(path, rawBody, 0o644); err != nil {
		return "", "", fmt.Errorf("dispatch: write payload: %w", err)
	}

	d.recordDelivery(p, kind, secret, retryNum, rawBody)

	if d.Listener != nil {
		d.Listener.OnWebhookEvent(p.JobID, kind, path)
	}
	return p.JobID, kind, nil
}

// recordDelivery writes one row to the audit trail when Audit is
// configured. Failures here are logged, never returned: the interim file
// is already durably written by the time this runs, and the audit log is
// an additive operational side-channel, not part of Dispatch's contract.
func (d *Dispatcher) recordDelivery(p Payload, kind Kind, secret string, retryNum int, rawBody []byte) {
	if d.Audit == nil {
		return
	}

	secretHash, err := auditlog.HashSecret(secret)
	if err != nil {
		d.Log.WithError(err).Warn("hash webhook secret for audit record")
		return
	}

	pipelineID := ""
	if d.ResolvePipelineID != nil {
		if id, err := d.ResolvePipelineID(p.JobID); err == nil {
			pipelineID = id
		} else {
			d.Log.WithError(err).WithField("job_id", p.JobID).Debug("resolve pipeline_id for audit record")
		}
	}

	rec := &auditlog.WebhookDelivery{
		PipelineID:     pipelineID,
		JobID:          p.JobID,
		Kind:           string(kind),
		Status:         p.Status,
		SecretHash:     secretHash,
		VerificationOK: true, // Dispatch only runs after signature verification passed
		RetryNum:       retryNum,
		Payload:        json.RawMessage(rawBody),
		ReceivedAt:     time.Now(),
	}
	if err := d.Audit.RecordWebhookDelivery(context.Background(), rec); err != nil {
		d.Log.WithError(err).Warn("record webhook delivery")
	}
}

func (d *Dispatcher) pathFor(jobID string, kind Kind) string {
	return filepath.Join(d.InterimDir, PayloadFilename(jobID, kind))
}

// PayloadFilename is the interim-directory filename a dispatched job's
// payload is stored under, exported so a resuming stage can locate the
// file a webhook delivery wrote without reimplementing the naming scheme.
func PayloadFilename(jobID string, kind Kind) string {
	return fmt.Sprintf("webhook_%s_%s.json", kind, sanitizeJobID(jobID))
}

// LoadPayload reads and decodes a previously dispatched payload from the
// interim directory, e.g. when an async stage resumes after delivery.
func LoadPayload(path string) (*Payload, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var p Payload
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, fmt.Errorf("webhook: decode payload: %w", err)
	}
	return &p, nil
}

func sanitizeJobID(jobID string) string {
	out := make([]rune, 0, len(jobID))
	for _, r := range jobID {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') || r == '-' || r == '_' {
			out = append(out, r)
		} else {
			out = append(out, '_')
		}
	}
	return string(out)
}
