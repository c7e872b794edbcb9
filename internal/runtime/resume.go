package runtime

import (
	"context"

	"github.com/sirupsen/logrus"

	"github.com/brightloom/voicefuse/internal/webhook"
)

// WebhookResumer implements webhook.Listener: once a Dispatcher durably
// writes a delivered payload, it drives the pipeline that was waiting on
// that job forward again, rather than leaving it to sit pending until some
// other process happens to re-invoke Run (§4.7 "Async stage completion").
type WebhookResumer struct {
	rt  *Runtime
	log *logrus.Entry
}

// NewWebhookResumer builds a Listener bound to rt, suitable for wiring into
// webhook.NewDispatcher.
func NewWebhookResumer(rt *Runtime) *WebhookResumer {
	return &WebhookResumer{rt: rt, log: rt.Log.WithField("component", "webhook_resume")}
}

// OnWebhookEvent looks up which pipeline is waiting on jobID and resumes it
// in the background — the webhook HTTP handler must not block on a pipeline
// run that can take minutes.
func (r *WebhookResumer) OnWebhookEvent(jobID string, kind webhook.Kind, path string) {
	go r.resume(jobID, kind)
}

func (r *WebhookResumer) resume(jobID string, kind webhook.Kind) {
	state, err := r.rt.Checkpoints.FindByPendingJobID(jobID)
	if err != nil {
		r.log.WithError(err).WithField("job_id", jobID).Error("locate pipeline pending this job")
		return
	}
	if state == nil {
		r.log.WithFields(logrus.Fields{"job_id": jobID, "kind": kind}).Debug("no pipeline is waiting on this job, ignoring delivery")
		return
	}

	opts, err := r.rt.LoadResumeOptions(state.PipelineID)
	if err != nil {
		r.log.WithError(err).WithField("pipeline_id", state.PipelineID).Error("load resume options")
		return
	}

	if _, err := r.rt.Run(context.Background(), opts); err != nil {
		r.log.WithError(err).WithField("pipeline_id", state.PipelineID).Error("resume pipeline after webhook delivery")
	}
}
