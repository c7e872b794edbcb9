// Package runtime assembles one Runtime value at process startup and
// threads it through every call site, per the Design Note "replace
// module-level globals and singletons... with a single Runtime value
// constructed at startup." Nothing in this tree keeps package-level
// mutable state outside of the Prometheus collectors, which are
// process-wide by construction of the client library itself.
package runtime

import (
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/brightloom/voicefuse/internal/audioconv"
	"github.com/brightloom/voicefuse/internal/auditlog"
	"github.com/brightloom/voicefuse/internal/checkpoint"
	"github.com/brightloom/voicefuse/internal/chunker"
	"github.com/brightloom/voicefuse/internal/config"
	"github.com/brightloom/voicefuse/internal/providers"
	"github.com/brightloom/voicefuse/internal/ratebudget"
	"github.com/brightloom/voicefuse/internal/retry"
	"github.com/brightloom/voicefuse/internal/scheduler"
	"github.com/brightloom/voicefuse/internal/uploader"
	"github.com/brightloom/voicefuse/internal/webhook"
)

// Runtime bundles every dependency a pipeline run needs. Components never
// reach for a global; they take the pieces of Runtime they need as
// constructor arguments, the way the teacher's handlers take a *database.DB.
type Runtime struct {
	Config *config.Config
	Log    *logrus.Logger

	DiarizationBudget   *ratebudget.Budget
	TranscriptionBudget *ratebudget.Budget
	CombinedBudget      *ratebudget.Budget
	Executor            *retry.Executor

	Converter  audioconv.Converter
	Diarizer   *providers.DiarizationProvider
	Transcriber *providers.TranscriptionProvider
	Combined   *providers.CombinedProvider
	Uploader   *uploader.Uploader
	Chunker    *chunker.Chunker

	Checkpoints *checkpoint.Store
	Scheduler   *scheduler.Scheduler

	TokenSigner *webhook.TokenSigner

	Audit *auditlog.Store // nil when AUDIT_DATABASE_URL is unset
}

// New wires every component from cfg, mirroring the teacher's main.go
// construction order: config, then logging, then the database/HTTP
// clients, then the router last.
func New(cfg *config.Config) (*Runtime, error) {
	log := logrus.New()
	if cfg.GinMode == "release" {
		log.SetFormatter(&logrus.JSONFormatter{})
	}

	diarizationBudget := ratebudget.New(map[string]int{"diarization": firstPositive(cfg.DiarizationRateLimit, ratebudget.DefaultDiarizationPerMinute)}, log)
	transcriptionBudget := ratebudget.New(map[string]int{"transcription": firstPositive(cfg.TranscriptionRateLimit, ratebudget.DefaultTranscriptionPerMinute)}, log)
	combinedBudget := ratebudget.New(map[string]int{"combined": firstPositive(cfg.CombinedRateLimit, ratebudget.DefaultCombinedPerMinute)}, log)

	exec := retry.NewExecutor(log)

	converter := audioconv.NewFFmpegConverter()
	diarizer := providers.NewDiarizationProvider(cfg.DiarizationBaseURL, cfg.DiarizationToken, diarizationBudget, exec)
	transcriber := providers.NewTranscriptionProvider(cfg.TranscriptionBaseURL, cfg.TranscriptionToken, transcriptionBudget, exec)
	combined := providers.NewCombinedProvider(cfg.CombinedBaseURL, cfg.CombinedToken, combinedBudget, exec)

	up := uploader.New(converter, diarizer, cfg.DataRoot+"/interim")

	splitter := chunker.NewFFmpegSplitter(converter)
	chunk := chunker.New(splitter, converter, transcriber, cfg.DataRoot+"/chunks")
	if cfg.ChunkConcurrency > 0 {
		chunk.Concurrency = cfg.ChunkConcurrency
	}

	store, err := checkpoint.New(cfg.DataRoot, firstPositiveDuration(cfg.AutoResumeMaxAge, checkpoint.AutoResumeMaxAge))
	if err != nil {
		return nil, fmt.Errorf("runtime: checkpoint store: %w", err)
	}
	sched := scheduler.New(store)

	signer := webhook.NewTokenSigner(cfg.WebhookJWTSecret)

	rt := &Runtime{
		Config:              cfg,
		Log:                 log,
		DiarizationBudget:   diarizationBudget,
		TranscriptionBudget: transcriptionBudget,
		CombinedBudget:      combinedBudget,
		Executor:            exec,
		Converter:           converter,
		Diarizer:            diarizer,
		Transcriber:         transcriber,
		Combined:            combined,
		Uploader:            up,
		Chunker:             chunk,
		Checkpoints:         store,
		Scheduler:           sched,
		TokenSigner:         signer,
	}

	if cfg.AuditDatabaseURL != "" {
		audit, err := auditlog.Open(cfg.AuditDatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("runtime: audit store: %w", err)
		}
		rt.Audit = audit

		// Every optional-audit component shares the same store; each treats
		// a nil Audit as "recording disabled", so this is safe even when
		// AUDIT_DATABASE_URL is unset.
		exec.Audit = audit
		diarizationBudget.Audit = audit
		transcriptionBudget.Audit = audit
		combinedBudget.Audit = audit
	}

	return rt, nil
}

// Close releases any pooled resources (currently just the audit DB pool).
func (rt *Runtime) Close() error {
	if rt.Audit != nil {
		return rt.Audit.Close()
	}
	return nil
}

// PipelineSecret derives the per-pipeline webhook signing secret from the
// configured master secret.
func (rt *Runtime) PipelineSecret(pipelineID string) (string, error) {
	return webhook.DerivePipelineSecret(rt.Config.WebhookMasterSecret, pipelineID)
}

func firstPositive(v, fallback int) int {
	if v > 0 {
		return v
	}
	return fallback
}

func firstPositiveDuration(v, fallback time.Duration) time.Duration {
	if v > 0 {
		return v
	}
	return fallback
}
