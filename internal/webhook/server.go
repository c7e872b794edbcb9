package webhook

import (
	"encoding/json"
	"io"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
)

// SecretResolver resolves the signing secret a given job id's webhook was
// sent with. In production this is DerivePipelineSecret keyed by the
// pipeline_id whose pending stage is waiting on that job; tests can
// substitute a constant.
type SecretResolver func(jobID string) (string, error)

// Server wires the C8 Gin router: POST /webhook, GET /health, GET
// /metrics (the §4.8 JSON document), GET /internal/metrics (Prometheus
// exposition for operators).
type Server struct {
	Dispatcher *Dispatcher
	Metrics    *Metrics
	Secrets    SecretResolver
	Log        *logrus.Entry
}

// NewServer builds a Server. log may be nil, in which case the standard
// logrus logger is used.
func NewServer(dispatcher *Dispatcher, metrics *Metrics, secrets SecretResolver, log *logrus.Logger) *Server {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Server{Dispatcher: dispatcher, Metrics: metrics, Secrets: secrets, Log: log.WithField("component", "webhook")}
}

// Router builds the Gin engine, grounded on the teacher's router.Setup
// shape: gin.Default() plus CORS, then routes registered directly (no
// auth middleware group — the webhook endpoint authenticates itself via
// HMAC, not bearer tokens).
func (s *Server) Router(allowedOrigins []string) *gin.Engine {
	r := gin.Default()
	r.Use(CORS(allowedOrigins))

	r.POST("/webhook", s.handleWebhook)
	r.GET("/health", s.handleHealth)
	r.GET("/metrics", s.handleMetrics)
	r.GET("/internal/metrics", gin.WrapH(promhttp.Handler()))

	return r
}

type errorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// handleWebhook implements §4.8's full contract: header presence, HMAC
// verification, dispatch, and the "accept and return 200 even for
// status in {failed, canceled}" rule.
func (s *Server) handleWebhook(c *gin.Context) {
	s.Metrics.recordProcessed()

	timestamp := c.GetHeader("X-Request-Timestamp")
	signature := c.GetHeader("X-Signature")
	if timestamp == "" || signature == "" {
		s.Metrics.recordFailedVerification()
		c.JSON(http.StatusBadRequest, errorResponse{Error: "missing_headers", Message: "X-Request-Timestamp and X-Signature are required"})
		return
	}

	rawBody, err := io.ReadAll(c.Request.Body)
	if err != nil {
		s.Metrics.recordFailedVerification()
		c.JSON(http.StatusBadRequest, errorResponse{Error: "unreadable_body", Message: err.Error()})
		return
	}

	var probe struct {
		JobID string `json:"job_id"`
	}
	if err := json.Unmarshal(rawBody, &probe); err != nil || probe.JobID == "" {
		s.Metrics.recordFailedVerification()
		c.JSON(http.StatusBadRequest, errorResponse{Error: "unparseable_body", Message: "body must be valid JSON with a job_id field"})
		return
	}

	secret, err := s.Secrets(probe.JobID)
	if err != nil {
		s.Metrics.recordFailedVerification()
		c.JSON(http.StatusForbidden, errorResponse{Error: "unknown_job", Message: "no signing secret for this job_id"})
		return
	}

	if err := VerifySignature(secret, timestamp, rawBody, signature); err != nil {
		s.Metrics.recordFailedVerification()
		s.Log.WithField("job_id", probe.JobID).Warn("webhook signature verification failed")
		c.JSON(http.StatusForbidden, errorResponse{Error: "invalid_signature", Message: "signature verification failed"})
		return
	}

	retryNum, _ := strconv.Atoi(c.GetHeader("X-Retry-Num"))
	jobID, kind, err := s.Dispatcher.Dispatch(rawBody, secret, retryNum)
	if err != nil {
		s.Metrics.recordFailedVerification()
		c.JSON(http.StatusBadRequest, errorResponse{Error: "dispatch_failed", Message: err.Error()})
		return
	}

	s.Metrics.recordSuccessfulEvent()
	s.Log.WithFields(logrus.Fields{"job_id": jobID, "kind": kind, "retry_num": retryNum}).Info("webhook event dispatched")

	// §4.8: accept and return 200 even for status in {failed, canceled} —
	// the payload is still valid and has already been recorded above.
	c.JSON(http.StatusOK, gin.H{"status": "recorded", "job_id": jobID})
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) handleMetrics(c *gin.Context) {
	c.JSON(http.StatusOK, s.Metrics.Snapshot())
}
