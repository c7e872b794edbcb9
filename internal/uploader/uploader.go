// Package uploader implements the Media Uploader (C3): it normalizes a
// local media file and streams it to the diarization provider's upload
// URL, producing the pipeline.MediaHandle that every later stage
// references.
//
// Go Pattern: validation fails fast and returns a *pipeline.Error tagged
// with the right ErrorKind, so the caller's retry executor (internal/retry)
// can tell a malformed input apart from a flaky network.
package uploader

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/brightloom/voicefuse/internal/audioconv"
	"github.com/brightloom/voicefuse/internal/pipeline"
)

// MaxFileSizeBytes is the §4.3 validation ceiling (300 MB).
const MaxFileSizeBytes = 300 << 20

// MaxDuration is the §4.3 validation ceiling (24h).
const MaxDuration = 24 * time.Hour

// allowedExtensions and allowedMIMETypes mirror the teacher's
// allowedAudioTypes allow-list shape, extended to cover video containers
// since this uploader also accepts video input (§1: "audio or video").
var allowedExtensions = map[string]bool{
	".wav": true, ".mp3": true, ".m4a": true, ".flac": true, ".ogg": true,
	".mp4": true, ".mov": true, ".mkv": true, ".webm": true,
}

var allowedMIMETypes = map[string]bool{
	"audio/wav": true, "audio/x-wav": true, "audio/wave": true, "audio/mpeg": true, "audio/mp4": true,
	"audio/flac": true, "audio/ogg": true, "audio/aiff": true,
	"video/mp4": true, "video/quicktime": true, "video/x-matroska": true, "video/webm": true,
}

// UploadURLProvider requests a short-lived signed upload URL from the
// diarization provider (§6.1: "POST /media/input -> {url, media_url}").
// Declared here, at the point of use, and satisfied by internal/providers.
type UploadURLProvider interface {
	RequestUploadURL(ctx context.Context) (uploadURL, mediaURL string, err error)
}

// Uploader produces a MediaHandle from a local media file.
type Uploader struct {
	Converter    audioconv.Converter
	URLProvider  UploadURLProvider
	HTTPClient   *http.Client
	InterimDir   string // destination for the normalized WAV, §6.3 interim/
}

// New builds an Uploader with a 300s HTTP client, matching §4.2's "other
// calls use a fixed 300s" timeout for the raw PUT upload itself.
func New(conv audioconv.Converter, urlProvider UploadURLProvider, interimDir string) *Uploader {
	return &Uploader{
		Converter:   conv,
		URLProvider: urlProvider,
		HTTPClient:  &http.Client{Timeout: 300 * time.Second},
		InterimDir:  interimDir,
	}
}

// Upload runs the §4.3 algorithm: validate, normalize, request an upload
// URL, stream the normalized file, return the MediaHandle. The normalized
// file path is also returned because later stages (chunked transcription,
// silence-based splitting) need it.
func (u *Uploader) Upload(ctx context.Context, inputPath string) (pipeline.MediaHandle, string, error) {
	if err := u.validate(ctx, inputPath); err != nil {
		return "", "", err
	}

	stem := strings.TrimSuffix(filepath.Base(inputPath), filepath.Ext(inputPath))
	normalizedPath := filepath.Join(u.InterimDir, stem+"_converted.wav")
	if err := os.MkdirAll(u.InterimDir, 0o755); err != nil {
		return "", "", pipeline.NewError(pipeline.KindInternal, pipeline.StageUpload, "uploader", fmt.Errorf("create interim dir: %w", err))
	}
	if err := u.Converter.Normalize(ctx, inputPath, normalizedPath); err != nil {
		return "", "", pipeline.NewError(pipeline.KindInternal, pipeline.StageUpload, "uploader", fmt.Errorf("normalize: %w", err))
	}

	uploadURL, mediaURL, err := u.URLProvider.RequestUploadURL(ctx)
	if err != nil {
		return "", "", err // already classified by the providers package
	}

	if err := u.stream(ctx, uploadURL, normalizedPath); err != nil {
		return "", "", err
	}

	return pipeline.MediaHandle(mediaURL), normalizedPath, nil
}

// stream PUTs the normalized file to the provider's signed upload URL.
// §4.3 failure semantics: 5xx/timeout is TransientNetwork, anything else
// fatal — so the caller's retry executor knows whether to try again.
func (u *Uploader) stream(ctx context.Context, uploadURL, localPath string) error {
	f, err := os.Open(localPath)
	if err != nil {
		return pipeline.NewError(pipeline.KindInternal, pipeline.StageUpload, "uploader", err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return pipeline.NewError(pipeline.KindInternal, pipeline.StageUpload, "uploader", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPut, uploadURL, f)
	if err != nil {
		return pipeline.NewError(pipeline.KindInternal, pipeline.StageUpload, "uploader", err)
	}
	req.ContentLength = info.Size()

	resp, err := u.HTTPClient.Do(req)
	if err != nil {
		return pipeline.NewError(pipeline.KindTransientNetwork, pipeline.StageUpload, "uploader", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	err = fmt.Errorf("upload PUT returned status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	return pipeline.NewError(classifyUploadStatus(resp.StatusCode), pipeline.StageUpload, "uploader", err)
}

// classifyUploadStatus implements §4.3's narrower rule for the upload PUT
// itself: "retried through C2 as TransientNetwork if the HTTP status is
// 5xx/timeout, else fatal" — stricter than the general-purpose
// retry.ClassifyHTTP, which also retries non-429 4xx responses.
func classifyUploadStatus(statusCode int) pipeline.ErrorKind {
	if statusCode >= 500 {
		return pipeline.KindTransientNetwork
	}
	if statusCode == http.StatusUnauthorized || statusCode == http.StatusForbidden {
		return pipeline.KindAuth
	}
	return pipeline.KindValidation
}

// validate enforces §4.3's pre-upload checks: existence, size, type,
// extension, duration.
func (u *Uploader) validate(ctx context.Context, path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return pipeline.NewError(pipeline.KindValidation, pipeline.StageUpload, "uploader", fmt.Errorf("input file: %w", err))
	}
	if info.Size() > MaxFileSizeBytes {
		return pipeline.NewError(pipeline.KindValidation, pipeline.StageUpload, "uploader",
			fmt.Errorf("file size %d bytes exceeds max %d bytes", info.Size(), int64(MaxFileSizeBytes)))
	}

	ext := strings.ToLower(filepath.Ext(path))
	if !allowedExtensions[ext] {
		return pipeline.NewError(pipeline.KindValidation, pipeline.StageUpload, "uploader",
			fmt.Errorf("unsupported extension %q", ext))
	}

	mimeType, err := detectMIME(path)
	if err == nil && mimeType != "" && !allowedMIMETypes[mimeType] {
		return pipeline.NewError(pipeline.KindValidation, pipeline.StageUpload, "uploader",
			fmt.Errorf("unsupported MIME type %q", mimeType))
	}

	duration, err := u.Converter.Duration(ctx, path)
	if err != nil {
		return pipeline.NewError(pipeline.KindValidation, pipeline.StageUpload, "uploader", fmt.Errorf("probe duration: %w", err))
	}
	if time.Duration(duration*float64(time.Second)) > MaxDuration {
		return pipeline.NewError(pipeline.KindValidation, pipeline.StageUpload, "uploader",
			fmt.Errorf("duration %.0fs exceeds max %s", duration, MaxDuration))
	}

	return nil
}

// detectMIME reads the first 512 bytes and sniffs the content type, the
// same way net/http's own DetectContentType is documented to be used.
func detectMIME(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	buf := make([]byte, 512)
	n, err := f.Read(buf)
	if err != nil && err != io.EOF {
		return "", err
	}
	full := http.DetectContentType(buf[:n])
	// DetectContentType returns things like "audio/mpeg; charset=binary";
	// strip the parameter for a clean map lookup.
	if idx := strings.Index(full, ";"); idx != -1 {
		full = full[:idx]
	}
	return strings.TrimSpace(full), nil
}
